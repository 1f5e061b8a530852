// Package normalizer turns raw tabular rows into canonical transactions.
// Column names, dates and numbers arrive in several regional conventions;
// every row comes out either as a Row or as a RowError, never both.
package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
)

// ErrorKind tags a rejected row.
type ErrorKind string

const (
	ErrMissingField ErrorKind = "missing_field"
	ErrBadDate      ErrorKind = "bad_date"
	ErrBadNumber    ErrorKind = "bad_number"
	ErrSignMismatch ErrorKind = "sign_mismatch"
	ErrBadKind      ErrorKind = "bad_kind"
	ErrPDFUnparsed  ErrorKind = "pdf_unparsed"
)

// RawRow is one partitioned input row. Unparsed is set instead of Values
// when the text extractor could not split the line into fields; Broken
// carries the reader error for a record that could not be read at all.
type RawRow struct {
	Line     int
	Values   []string
	Unparsed string
	Broken   string
}

// RowError describes why a row was rejected.
type RowError struct {
	Line   int
	Kind   ErrorKind
	Reason string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %s: %s", e.Line, e.Kind, e.Reason)
}

// Row is a canonical transaction ready for persistence.
type Row struct {
	Line          int
	Date          time.Time
	Description   string
	AmountCents   int64
	Kind          common.TxKind
	Category      string
	PaymentMethod string
	AssetSymbol   string
	UnitPrice     decimal.NullDecimal
	Quantity      decimal.NullDecimal
	Fee           decimal.NullDecimal
	Metadata      map[string]string
	NaturalKey    string
}

// Amount returns the signed amount as a decimal.
func (r *Row) Amount() decimal.Decimal {
	return common.CentsToDecimal(r.AmountCents)
}

// Result holds exactly one of Row or Err.
type Result struct {
	Line int
	Row  *Row
	Err  *RowError
}

// NaturalKey hashes the identifying tuple of a transaction.
func NaturalKey(date time.Time, description string, amountCents int64, kind common.TxKind) string {
	joined := strings.Join([]string{
		common.FormatDay(date),
		description,
		common.FormatCents(amountCents),
		string(kind),
	}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

type metaColumn struct {
	name  string
	index int
}

// Normalizer maps one file's header onto canonical fields. It holds no
// mutable state after construction and is safe for concurrent use.
type Normalizer struct {
	columns map[Field]int
	meta    []metaColumn
	locale  Locale
}

// New builds a normalizer for a header row. The first header aliasing a
// field wins; everything else is carried as metadata.
func New(headers []string, locale Locale) *Normalizer {
	n := &Normalizer{
		columns: make(map[Field]int),
		locale:  locale,
	}
	for i, h := range headers {
		if f, ok := LookupField(h); ok {
			if _, taken := n.columns[f]; !taken {
				n.columns[f] = i
				continue
			}
		}
		name := strings.TrimSpace(h)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		n.meta = append(n.meta, metaColumn{name: name, index: i})
	}
	return n
}

// Has reports whether the header mapped f.
func (n *Normalizer) Has(f Field) bool {
	_, ok := n.columns[f]
	return ok
}

func (n *Normalizer) value(raw RawRow, f Field) string {
	i, ok := n.columns[f]
	if !ok || i >= len(raw.Values) {
		return ""
	}
	return strings.TrimSpace(raw.Values[i])
}

func reject(line int, kind ErrorKind, format string, args ...any) Result {
	return Result{Line: line, Err: &RowError{Line: line, Kind: kind, Reason: fmt.Sprintf(format, args...)}}
}

// Normalize converts one raw row.
func (n *Normalizer) Normalize(raw RawRow) Result {
	line := raw.Line
	if raw.Broken != "" {
		return reject(line, ErrMissingField, "unreadable record: %s", raw.Broken)
	}
	if raw.Unparsed != "" {
		return reject(line, ErrPDFUnparsed, "could not extract date, description and amount from %q", truncate(raw.Unparsed, 60))
	}

	dateRaw := n.value(raw, FieldDate)
	desc := CleanDescription(n.value(raw, FieldDescription))
	amountRaw := n.value(raw, FieldAmount)
	debitRaw := n.value(raw, FieldDebit)
	creditRaw := n.value(raw, FieldCredit)

	switch {
	case dateRaw == "":
		return reject(line, ErrMissingField, "date is missing")
	case desc == "":
		return reject(line, ErrMissingField, "description is missing")
	case amountRaw == "" && debitRaw == "" && creditRaw == "":
		return reject(line, ErrMissingField, "amount is missing")
	}

	date, err := ParseDate(dateRaw, n.locale.DayFirst)
	if err != nil {
		return reject(line, ErrBadDate, "unrecognized date %q", dateRaw)
	}

	var cents int64
	if amountRaw != "" {
		cents, err = ParseAmount(amountRaw, n.locale.DecimalComma)
		if err != nil {
			return reject(line, ErrBadNumber, "amount %q is not a number", amountRaw)
		}
	} else {
		cents, err = NormalizeDebitCredit(debitRaw, creditRaw, n.locale.DecimalComma)
		if err != nil {
			return reject(line, ErrBadNumber, "debit/credit %q/%q is not a number", debitRaw, creditRaw)
		}
	}

	kind, res, ok := n.resolveKind(raw, line, cents)
	if !ok {
		return res
	}

	row := &Row{
		Line:          line,
		Date:          date,
		Description:   desc,
		AmountCents:   cents,
		Kind:          kind,
		Category:      CleanDescription(n.value(raw, FieldCategory)),
		PaymentMethod: CleanDescription(n.value(raw, FieldPaymentMethod)),
		AssetSymbol:   strings.ToUpper(n.value(raw, FieldAssetSymbol)),
	}

	for _, opt := range []struct {
		field Field
		dst   *decimal.NullDecimal
	}{
		{FieldUnitPrice, &row.UnitPrice},
		{FieldQuantity, &row.Quantity},
		{FieldFee, &row.Fee},
	} {
		s := n.value(raw, opt.field)
		if s == "" {
			continue
		}
		d, err := ParseDecimal(s, n.locale.DecimalComma)
		if err != nil {
			return reject(line, ErrBadNumber, "%s %q is not a number", opt.field, s)
		}
		*opt.dst = decimal.NewNullDecimal(d)
	}

	if kind.IsInvestment() && row.AssetSymbol == "" {
		return reject(line, ErrMissingField, "asset_symbol is required for %s", kind)
	}

	row.Metadata = n.metadata(raw)
	row.NaturalKey = NaturalKey(row.Date, row.Description, row.AmountCents, row.Kind)

	return Result{Line: line, Row: row}
}

func (n *Normalizer) resolveKind(raw RawRow, line int, cents int64) (common.TxKind, Result, bool) {
	kindRaw := n.value(raw, FieldKind)
	if kindRaw == "" {
		switch {
		case cents > 0:
			return common.KindIncome, Result{}, true
		case cents < 0:
			return common.KindExpense, Result{}, true
		default:
			return "", reject(line, ErrMissingField, "kind is missing and a zero amount has no sign"), false
		}
	}

	kind, ok := LookupKind(kindRaw)
	if !ok {
		return "", reject(line, ErrBadKind, "unknown kind %q", kindRaw), false
	}
	if !kind.SignAgrees(cents) {
		return "", reject(line, ErrSignMismatch, "amount %s has the wrong sign for %s", common.FormatCents(cents), kind), false
	}
	return kind, Result{}, true
}

func (n *Normalizer) metadata(raw RawRow) map[string]string {
	if len(n.meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(n.meta))
	for _, m := range n.meta {
		if m.index >= len(raw.Values) {
			continue
		}
		if v := strings.TrimSpace(raw.Values[m.index]); v != "" {
			out[m.name] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// IsBlank reports whether every cell of values is empty.
func IsBlank(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
