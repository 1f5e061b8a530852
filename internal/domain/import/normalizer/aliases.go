package normalizer

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
)

// Field is a canonical transaction column.
type Field string

const (
	FieldDate          Field = "date"
	FieldDescription   Field = "description"
	FieldAmount        Field = "amount"
	FieldKind          Field = "kind"
	FieldCategory      Field = "category"
	FieldPaymentMethod Field = "payment_method"
	FieldAssetSymbol   Field = "asset_symbol"
	FieldUnitPrice     Field = "unit_price"
	FieldQuantity      Field = "quantity"
	FieldFee           Field = "fee"
	FieldDebit         Field = "debit"
	FieldCredit        Field = "credit"
)

// columnAliases lists accepted header names per field, already folded.
var columnAliases = map[Field][]string{
	FieldDate:          {"data", "date", "data_transacao", "dt", "datahora", "data_movimento", "data_mov"},
	FieldDescription:   {"descricao", "description", "desc", "historico", "detalhes", "memo", "descricao_transacao"},
	FieldAmount:        {"valor", "value", "amount", "vlr", "vl", "montante"},
	FieldKind:          {"tipo", "type", "kind", "movimentacao", "movimento", "natureza"},
	FieldCategory:      {"categoria", "category", "cat", "categ", "grupo", "classificacao"},
	FieldPaymentMethod: {"forma_pagamento", "payment_method", "pagamento", "metodo_pagamento", "meio_pagamento"},
	FieldAssetSymbol:   {"ativo", "asset", "asset_symbol", "symbol", "ticker", "codigo_ativo"},
	FieldUnitPrice:     {"preco_unitario", "unit_price", "preco", "price"},
	FieldQuantity:      {"quantidade", "quantity", "qtd", "qty"},
	FieldFee:           {"taxa", "fee", "tarifa", "corretagem"},
	FieldDebit:         {"debito", "debit", "valor_debito"},
	FieldCredit:        {"credito", "credit", "valor_credito"},
}

var kindAliases = map[common.TxKind][]string{
	common.KindIncome:         {"income", "receita", "entrada", "credito", "credit"},
	common.KindExpense:        {"expense", "despesa", "saida", "debito", "debit", "gasto"},
	common.KindTransferIn:     {"transfer_in", "transferencia_entrada", "transferencia_recebida"},
	common.KindTransferOut:    {"transfer_out", "transferencia_saida", "transferencia", "transferencia_enviada"},
	common.KindInvestmentBuy:  {"investment_buy", "compra", "buy", "aplicacao"},
	common.KindInvestmentSell: {"investment_sell", "venda", "sell", "resgate"},
}

var (
	fieldByAlias = invertFields(columnAliases)
	kindByAlias  = invertKinds(kindAliases)
)

func invertFields(in map[Field][]string) map[string]Field {
	out := make(map[string]Field)
	for f, aliases := range in {
		for _, a := range aliases {
			out[a] = f
		}
	}
	return out
}

func invertKinds(in map[common.TxKind][]string) map[string]common.TxKind {
	out := make(map[string]common.TxKind)
	for k, aliases := range in {
		for _, a := range aliases {
			out[a] = k
		}
	}
	return out
}

// FoldName case-folds, strips accents and joins words with underscores:
// " Descrição da Transação " becomes "descricao_da_transacao".
func FoldName(s string) string {
	stripped, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
		strings.TrimSpace(s),
	)
	if err != nil {
		stripped = strings.TrimSpace(s)
	}
	folded := cases.Fold().String(stripped)

	var b strings.Builder
	pendingSep := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// LookupField maps a raw header to its canonical field.
func LookupField(header string) (Field, bool) {
	f, ok := fieldByAlias[FoldName(header)]
	return f, ok
}

// IsKnownColumn reports whether header aliases any canonical field.
func IsKnownColumn(header string) bool {
	_, ok := LookupField(header)
	return ok
}

// LookupKind maps a raw kind word to its canonical kind.
func LookupKind(raw string) (common.TxKind, bool) {
	k, ok := kindByAlias[FoldName(raw)]
	return k, ok
}
