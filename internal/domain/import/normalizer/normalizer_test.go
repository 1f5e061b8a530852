package normalizer

import (
	"testing"

	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
)

func TestParseAmount_DecimalComma(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"45,23", 4523},
		{"1.234,56", 123456},
		{"-1.234,56", -123456},
		{"1.000.000,00", 100000000},
		{"1.000", 100000},
		{"0,99", 99},
		{"  45,23  ", 4523},
		{"R$ 45,23", 4523},
		{"-R$ 1.234,56", -123456},
		{"€ 45,23", 4523},
		{"10,555", 1056},
	}

	for _, tc := range tests {
		got, err := ParseAmount(tc.input, true)
		if err != nil {
			t.Errorf("ParseAmount(%q, true) error: %v", tc.input, err)
			continue
		}
		if got != tc.expected {
			t.Errorf("ParseAmount(%q, true) = %d, want %d", tc.input, got, tc.expected)
		}
	}
}

func TestParseAmount_DecimalPoint(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"45.23", 4523},
		{"-80.00", -8000},
		{"+3000", 300000},
		{"1,234.56", 123456},
		{"1,000,000.00", 100000000},
		{"1,234", 123400},
		{"45,23", 4523},
		{"$45.23", 4523},
		{"-0.005", -1},
		{"1.234,56", 123456},
		{"92233720368547758.07", 9223372036854775807},
	}

	for _, tc := range tests {
		got, err := ParseAmount(tc.input, false)
		if err != nil {
			t.Errorf("ParseAmount(%q, false) error: %v", tc.input, err)
			continue
		}
		if got != tc.expected {
			t.Errorf("ParseAmount(%q, false) = %d, want %d", tc.input, got, tc.expected)
		}
	}
}

func TestParseAmount_Rejects(t *testing.T) {
	for _, input := range []string{
		"abc", "NaN", "Inf", "-", "1e5", "12.", ",5", "1.2.3", "1.2,3", "12-3",
		"99999999999999999999", "-99999999999999999999", "92233720368547758.08",
	} {
		if _, err := ParseAmount(input, false); err == nil {
			t.Errorf("ParseAmount(%q) expected error", input)
		}
	}
	if _, err := ParseAmount("   ", false); err != ErrEmptyValue {
		t.Errorf("ParseAmount(blank) = %v, want ErrEmptyValue", err)
	}
}

func TestNormalizeDebitCredit(t *testing.T) {
	tests := []struct {
		debit, credit string
		expected      int64
	}{
		{"45,23", "", -4523},
		{"", "500,00", 50000},
		{"-12,00", "", -1200},
	}
	for _, tc := range tests {
		got, err := NormalizeDebitCredit(tc.debit, tc.credit, true)
		if err != nil {
			t.Errorf("NormalizeDebitCredit(%q, %q) error: %v", tc.debit, tc.credit, err)
			continue
		}
		if got != tc.expected {
			t.Errorf("NormalizeDebitCredit(%q, %q) = %d, want %d", tc.debit, tc.credit, got, tc.expected)
		}
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		input    string
		dayFirst bool
		expected string
	}{
		{"2024-01-05", false, "2024-01-05"},
		{"2024-01-05", true, "2024-01-05"},
		{"05/01/2024", false, "2024-01-05"},
		{"05/01/2024", true, "2024-01-05"},
		{"5/1/2024", true, "2024-01-05"},
		{"05.01.2024", false, "2024-01-05"},
		{"2024/01/05", false, "2024-01-05"},
		{"2024-01-05 23:59:59", false, "2024-01-05"},
		{"2024-01-05T23:30:00-03:00", false, "2024-01-05"},
		{"31/12/2023 10:00", true, "2023-12-31"},
	}

	for _, tc := range tests {
		got, err := ParseDate(tc.input, tc.dayFirst)
		if err != nil {
			t.Errorf("ParseDate(%q) error: %v", tc.input, err)
			continue
		}
		if common.FormatDay(got) != tc.expected {
			t.Errorf("ParseDate(%q) = %s, want %s", tc.input, common.FormatDay(got), tc.expected)
		}
	}

	for _, bad := range []string{"yesterday", "32/01/2024", "2024-13-01", "01/13"} {
		if _, err := ParseDate(bad, true); err == nil {
			t.Errorf("ParseDate(%q) expected error", bad)
		}
	}
}

func TestCleanDescription(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"  Pingo Doce  ", "Pingo Doce"},
		{"Compra   MB  -   Continente", "Compra MB - Continente"},
		{"Netflix\t\tSubscription", "Netflix Subscription"},
	}

	for _, tc := range tests {
		if got := CleanDescription(tc.input); got != tc.expected {
			t.Errorf("CleanDescription(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestFoldName(t *testing.T) {
	tests := map[string]string{
		" Descrição ":          "descricao",
		"DATA":                 "data",
		"Data mov.":            "data_mov",
		"Forma de   Pagamento": "forma_de_pagamento",
		"Preço Unitário":       "preco_unitario",
		"Classificação":        "classificacao",
	}
	for in, want := range tests {
		if got := FoldName(in); got != want {
			t.Errorf("FoldName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLookupKind(t *testing.T) {
	tests := map[string]common.TxKind{
		"despesa":         common.KindExpense,
		"Receita":         common.KindIncome,
		"EXPENSE":         common.KindExpense,
		"Transferência":   common.KindTransferOut,
		"compra":          common.KindInvestmentBuy,
		"investment_sell": common.KindInvestmentSell,
	}
	for in, want := range tests {
		got, ok := LookupKind(in)
		if !ok || got != want {
			t.Errorf("LookupKind(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := LookupKind("maybe"); ok {
		t.Error("LookupKind(maybe) should not resolve")
	}
}

func TestNormalize(t *testing.T) {
	headers := []string{"Data", "Descrição", "Valor", "Tipo", "Categoria", "Banco"}
	n := New(headers, Locale{})

	tests := []struct {
		name     string
		values   []string
		wantErr  ErrorKind
		wantKind common.TxKind
		wantAmt  int64
	}{
		{"expense", []string{"2024-01-05", "Grocery", "-80.00", "expense", "Food", "Nubank"}, "", common.KindExpense, -8000},
		{"income alias", []string{"2024-01-06", "Salary", "3000.00", "receita", "", ""}, "", common.KindIncome, 300000},
		{"inferred income", []string{"2024-01-06", "Refund", "12.00", "", "", ""}, "", common.KindIncome, 1200},
		{"inferred expense", []string{"2024-01-06", "Coffee", "-4.50", "", "", ""}, "", common.KindExpense, -450},
		{"sign mismatch", []string{"2024-01-05", "Refund", "50.00", "expense", "", ""}, ErrSignMismatch, "", 0},
		{"missing date", []string{"", "Grocery", "-1", "expense", "", ""}, ErrMissingField, "", 0},
		{"missing description", []string{"2024-01-05", "   ", "-1", "expense", "", ""}, ErrMissingField, "", 0},
		{"missing amount", []string{"2024-01-05", "Grocery", "", "expense", "", ""}, ErrMissingField, "", 0},
		{"zero without kind", []string{"2024-01-05", "Nothing", "0", "", "", ""}, ErrMissingField, "", 0},
		{"bad date", []string{"not-a-date", "Grocery", "-1", "expense", "", ""}, ErrBadDate, "", 0},
		{"bad number", []string{"2024-01-05", "Grocery", "abc", "expense", "", ""}, ErrBadNumber, "", 0},
		{"bad kind", []string{"2024-01-05", "Grocery", "-1", "gift", "", ""}, ErrBadKind, "", 0},
		{"short row", []string{"2024-01-05", "Grocery"}, ErrMissingField, "", 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := n.Normalize(RawRow{Line: 2, Values: tc.values})
			if tc.wantErr != "" {
				if res.Err == nil || res.Row != nil {
					t.Fatalf("expected %s error, got %+v", tc.wantErr, res)
				}
				if res.Err.Kind != tc.wantErr {
					t.Fatalf("error kind = %s, want %s (%s)", res.Err.Kind, tc.wantErr, res.Err.Reason)
				}
				if res.Err.Line != 2 {
					t.Errorf("error line = %d, want 2", res.Err.Line)
				}
				return
			}
			if res.Err != nil {
				t.Fatalf("unexpected error: %v", res.Err)
			}
			if res.Row.Kind != tc.wantKind {
				t.Errorf("kind = %s, want %s", res.Row.Kind, tc.wantKind)
			}
			if res.Row.AmountCents != tc.wantAmt {
				t.Errorf("amount = %d, want %d", res.Row.AmountCents, tc.wantAmt)
			}
			if res.Row.NaturalKey == "" {
				t.Error("natural key not set")
			}
		})
	}
}

func TestNormalize_LocaleSemicolonRow(t *testing.T) {
	locale, err := LocaleFor("pt-BR")
	if err != nil {
		t.Fatalf("LocaleFor: %v", err)
	}
	n := New([]string{"data", "descricao", "valor", "tipo"}, locale)

	res := n.Normalize(RawRow{Line: 2, Values: []string{"05/01/2024", "Mercado", "-1.234,56", "despesa"}})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if got := common.FormatDay(res.Row.Date); got != "2024-01-05" {
		t.Errorf("date = %s, want 2024-01-05", got)
	}
	if res.Row.AmountCents != -123456 {
		t.Errorf("amount = %d, want -123456", res.Row.AmountCents)
	}
	if res.Row.Kind != common.KindExpense {
		t.Errorf("kind = %s, want expense", res.Row.Kind)
	}
}

func TestNormalize_MetadataAndCollapse(t *testing.T) {
	n := New([]string{"date", "description", "amount", "Banco", "Notes"}, Locale{})

	res := n.Normalize(RawRow{Line: 3, Values: []string{"2024-01-05", "  Super   Market  ", "-10", "Nubank", ""}})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Row.Description != "Super Market" {
		t.Errorf("description = %q", res.Row.Description)
	}
	if res.Row.Metadata["Banco"] != "Nubank" {
		t.Errorf("metadata = %v", res.Row.Metadata)
	}
	if _, ok := res.Row.Metadata["Notes"]; ok {
		t.Error("empty metadata values should be dropped")
	}
}

func TestNormalize_Investments(t *testing.T) {
	n := New([]string{"data", "descricao", "valor", "tipo", "ativo", "preco_unitario", "quantidade", "taxa"}, Locale{})

	res := n.Normalize(RawRow{Line: 2, Values: []string{"2024-03-01", "Buy PETR4", "-3050.00", "compra", "petr4", "30.50", "100", "4.90"}})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Row.Kind != common.KindInvestmentBuy || res.Row.AssetSymbol != "PETR4" {
		t.Errorf("row = %+v", res.Row)
	}
	if !res.Row.Quantity.Valid || res.Row.Quantity.Decimal.String() != "100" {
		t.Errorf("quantity = %v", res.Row.Quantity)
	}

	missing := n.Normalize(RawRow{Line: 3, Values: []string{"2024-03-01", "Buy", "-10", "compra", "", "", "", ""}})
	if missing.Err == nil || missing.Err.Kind != ErrMissingField {
		t.Errorf("expected missing asset_symbol, got %+v", missing)
	}

	badSign := n.Normalize(RawRow{Line: 4, Values: []string{"2024-03-01", "Sell", "-10", "venda", "X", "", "", ""}})
	if badSign.Err == nil || badSign.Err.Kind != ErrSignMismatch {
		t.Errorf("expected sign mismatch, got %+v", badSign)
	}
}

func TestNormalize_DebitCreditColumns(t *testing.T) {
	n := New([]string{"Data mov.", "Descrição", "Débito", "Crédito"}, Locale{DecimalComma: true, DayFirst: true})

	res := n.Normalize(RawRow{Line: 8, Values: []string{"02-01-2024", "Pingo Doce", "45,23", ""}})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Row.AmountCents != -4523 || res.Row.Kind != common.KindExpense {
		t.Errorf("row = %+v", res.Row)
	}
}

func TestNormalize_PDFUnparsed(t *testing.T) {
	n := New([]string{"data", "descricao", "valor"}, Locale{})
	res := n.Normalize(RawRow{Line: 12, Unparsed: "Saldo anterior"})
	if res.Err == nil || res.Err.Kind != ErrPDFUnparsed {
		t.Fatalf("expected pdf_unparsed, got %+v", res)
	}
}

func TestNaturalKeyStable(t *testing.T) {
	d, _ := ParseDate("2024-01-05", false)
	a := NaturalKey(d, "Grocery", -8000, common.KindExpense)
	b := NaturalKey(d, "Grocery", -8000, common.KindExpense)
	c := NaturalKey(d, "Grocery", -8001, common.KindExpense)
	if a != b || a == c {
		t.Errorf("natural key not stable: %s %s %s", a, b, c)
	}
}

func TestLocaleFor(t *testing.T) {
	pt, err := LocaleFor("pt_BR")
	if err != nil {
		t.Fatalf("LocaleFor: %v", err)
	}
	if !pt.DayFirst || !pt.DecimalComma || !pt.Declared {
		t.Errorf("pt-BR locale = %+v", pt)
	}

	us, err := LocaleFor("en-US")
	if err != nil {
		t.Fatalf("LocaleFor: %v", err)
	}
	if us.DayFirst || us.DecimalComma {
		t.Errorf("en-US locale = %+v", us)
	}

	if _, err := LocaleFor("!!"); err == nil {
		t.Error("expected error for invalid tag")
	}
}
