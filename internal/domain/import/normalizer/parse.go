package normalizer

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
)

var (
	ErrEmptyValue    = errors.New("empty value")
	ErrInvalidAmount = errors.New("invalid amount format")
	ErrInvalidDate   = errors.New("invalid date format")
)

var currencyTokens = []string{"R$", "US$", "$", "€", "£"}

var (
	plainNumber    = regexp.MustCompile(`^\d+(\.\d+)?$`)
	commaGrouped   = regexp.MustCompile(`^\d{1,3}(,\d{3})+$`)
	dotGrouped     = regexp.MustCompile(`^\d{1,3}(\.\d{3})+$`)
	spacePattern   = regexp.MustCompile(`\s+`)
	groupedIntPart = map[byte]*regexp.Regexp{
		'.': regexp.MustCompile(`^\d{1,3}(\.\d{3})*$`),
		',': regexp.MustCompile(`^\d{1,3}(,\d{3})*$`),
	}
)

// ParseDecimal reads a number written with either decimal convention.
// The thousands separator is whichever of '.' and ',' is not the decimal.
// When only one of them appears, decimalComma breaks the tie.
func ParseDecimal(raw string, decimalComma bool) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, ErrEmptyValue
	}

	for _, tok := range currencyTokens {
		s = strings.ReplaceAll(s, tok, "")
	}
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\u00a0' || r == '\t' {
			return -1
		}
		return r
	}, s)

	negative := false
	switch {
	case strings.HasPrefix(s, "-"):
		negative = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}

	hasDot := strings.Contains(s, ".")
	hasComma := strings.Contains(s, ",")

	var decimalSep byte
	switch {
	case hasDot && hasComma:
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			decimalSep = ','
		} else {
			decimalSep = '.'
		}
	case hasComma:
		decimalSep = ','
		if !decimalComma && commaGrouped.MatchString(s) {
			decimalSep = 0
		}
	case hasDot:
		decimalSep = '.'
		if decimalComma && dotGrouped.MatchString(s) {
			decimalSep = 0
		}
	}

	intPart, fracPart := s, ""
	if decimalSep != 0 {
		idx := strings.LastIndexByte(s, decimalSep)
		intPart, fracPart = s[:idx], s[idx+1:]
		if fracPart == "" || intPart == "" {
			return decimal.Zero, ErrInvalidAmount
		}
	}

	thousandsSep := byte('.')
	if decimalSep == '.' || (decimalSep == 0 && hasComma) {
		thousandsSep = ','
	}
	if strings.IndexByte(intPart, thousandsSep) >= 0 {
		if !groupedIntPart[thousandsSep].MatchString(intPart) {
			return decimal.Zero, ErrInvalidAmount
		}
		intPart = strings.ReplaceAll(intPart, string(thousandsSep), "")
	}

	normalized := intPart
	if fracPart != "" {
		normalized += "." + fracPart
	}
	if !plainNumber.MatchString(normalized) {
		return decimal.Zero, ErrInvalidAmount
	}

	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// ParseAmount converts a money string to signed cents, rounding half away
// from zero. Amounts whose cents overflow int64 are invalid.
func ParseAmount(raw string, decimalComma bool) (int64, error) {
	d, err := ParseDecimal(raw, decimalComma)
	if err != nil {
		return 0, err
	}
	if !common.CentsFit(d) {
		return 0, ErrInvalidAmount
	}
	return common.DecimalToCents(d), nil
}

// NormalizeDebitCredit merges separate debit and credit columns into a
// single signed amount. Debit is money out.
func NormalizeDebitCredit(debitStr, creditStr string, decimalComma bool) (int64, error) {
	debitStr = strings.TrimSpace(debitStr)
	creditStr = strings.TrimSpace(creditStr)

	if debitStr != "" {
		amount, err := ParseAmount(debitStr, decimalComma)
		if err != nil {
			return 0, err
		}
		if amount > 0 {
			amount = -amount
		}
		return amount, nil
	}

	if creditStr != "" {
		amount, err := ParseAmount(creditStr, decimalComma)
		if err != nil {
			return 0, err
		}
		if amount < 0 {
			amount = -amount
		}
		return amount, nil
	}

	return 0, ErrEmptyValue
}

var isoDateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

var dayFirstDateFormats = []string{
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2-1-2006",
	"02.01.2006",
	"02/01/2006 15:04",
	"02/01/2006 15:04:05",
}

// ParseDate accepts ISO and day-first dates and returns the calendar day as
// written, at midnight UTC. dayFirst decides which family is tried first.
func ParseDate(raw string, dayFirst bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrEmptyValue
	}

	families := [][]string{isoDateFormats, dayFirstDateFormats}
	if dayFirst {
		families[0], families[1] = families[1], families[0]
	}

	for _, formats := range families {
		for _, format := range formats {
			if t, err := time.Parse(format, raw); err == nil {
				y, m, d := t.Date()
				return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
			}
		}
	}

	return time.Time{}, ErrInvalidDate
}

// CleanDescription trims and collapses internal whitespace.
func CleanDescription(raw string) string {
	return spacePattern.ReplaceAllString(strings.TrimSpace(raw), " ")
}
