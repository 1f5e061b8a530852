package source

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/FACorreiaa/finance-ledger/internal/domain/import/normalizer"
)

// pdfHeaders is the fixed column set ExtractLine produces.
var pdfHeaders = []string{"date", "description", "amount"}

// statementLine matches "<date> <description> <amount> [C|D]".
var statementLine = regexp.MustCompile(`^\s*(\d{2}/\d{2}/\d{4}|\d{4}-\d{2}-\d{2})\s+(.+?)\s+([-+]?(?:R\$\s*)?[\d.,]+)\s*([CD])?\s*$`)

var (
	commaCents = regexp.MustCompile(`,\d{2}$`)
	pointCents = regexp.MustCompile(`\.\d{2}$`)
)

// PDFFormat treats a statement as an ordered stream of text lines.
type PDFFormat struct{}

func (PDFFormat) Name() string { return "pdf" }

func (PDFFormat) Extensions() []string { return []string{"pdf"} }

// Open extracts every text row of every page up front; statements are
// small and the reader needs random access anyway.
func (PDFFormat) Open(path string) (Stream, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	defer f.Close()

	var lines []string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", ErrMalformedFile, i, err)
		}
		for _, row := range rows {
			parts := make([]string, 0, len(row.Content))
			for _, text := range row.Content {
				parts = append(parts, text.S)
			}
			lines = append(lines, strings.Join(parts, " "))
		}
	}

	return NewTextStream(lines), nil
}

// NewTextStream partitions already extracted text lines. Blank lines are
// dropped but still advance the line counter.
func NewTextStream(lines []string) Stream {
	rows := make([]normalizer.RawRow, 0, len(lines))
	var commaVotes, pointVotes int
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		values, ok := ExtractLine(line)
		if !ok {
			rows = append(rows, normalizer.RawRow{Line: i + 1, Unparsed: strings.TrimSpace(line)})
			continue
		}
		switch {
		case commaCents.MatchString(values[2]):
			commaVotes++
		case pointCents.MatchString(values[2]):
			pointVotes++
		}
		rows = append(rows, normalizer.RawRow{Line: i + 1, Values: values})
	}

	locale := normalizer.Locale{DayFirst: true, DecimalComma: commaVotes > pointVotes}
	return &textStream{
		rows:   rows,
		layout: Layout{Headers: pdfHeaders, Locale: locale},
	}
}

// ExtractLine pulls date, description and amount from one statement line.
// A trailing D marks a debit and forces a negative amount; C forces a
// positive one.
func ExtractLine(line string) ([]string, bool) {
	m := statementLine.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	amount := strings.TrimSpace(m[3])
	switch m[4] {
	case "D":
		amount = "-" + strings.TrimLeft(amount, "+-")
	case "C":
		amount = strings.TrimLeft(amount, "+-")
	}
	return []string{m[1], strings.TrimSpace(m[2]), amount}, true
}

type textStream struct {
	rows   []normalizer.RawRow
	pos    int
	layout Layout
}

func (s *textStream) Layout() Layout { return s.layout }

func (s *textStream) Next() (normalizer.RawRow, error) {
	if s.pos >= len(s.rows) {
		return normalizer.RawRow{}, io.EOF
	}
	row := s.rows[s.pos]
	s.pos++
	return row, nil
}

func (s *textStream) Close() error { return nil }
