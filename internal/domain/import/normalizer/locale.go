package normalizer

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// Locale carries the parsing conventions of one file.
type Locale struct {
	Tag          string
	Declared     bool // the file carried an explicit locale header
	DayFirst     bool // prefer DD/MM/YYYY over ISO when both could apply
	DecimalComma bool // "1.234,56" rather than "1,234.56"
}

// Languages that write decimals with a comma.
var commaDecimalBases = map[string]bool{
	"pt": true, "es": true, "fr": true, "de": true, "it": true, "nl": true, "ru": true,
	"tr": true, "pl": true, "da": true, "sv": true, "nb": true, "fi": true, "cs": true, "id": true,
}

// LocaleFor resolves a declared BCP-47 tag such as "pt-BR" or "pt_BR".
func LocaleFor(tag string) (Locale, error) {
	t, err := language.Parse(strings.ReplaceAll(strings.TrimSpace(tag), "_", "-"))
	if err != nil {
		return Locale{}, fmt.Errorf("invalid locale %q: %w", tag, err)
	}
	base, _ := t.Base()
	region, _ := t.Region()

	return Locale{
		Tag:          t.String(),
		Declared:     true,
		DayFirst:     !(base.String() == "en" && region.String() == "US"),
		DecimalComma: commaDecimalBases[base.String()],
	}, nil
}
