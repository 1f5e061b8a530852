package common

import (
	"fmt"
	"strings"
)

// TxKind classifies a transaction's cash movement.
type TxKind string

const (
	KindIncome         TxKind = "income"
	KindExpense        TxKind = "expense"
	KindTransferOut    TxKind = "transfer_out"
	KindTransferIn     TxKind = "transfer_in"
	KindInvestmentBuy  TxKind = "investment_buy"
	KindInvestmentSell TxKind = "investment_sell"
)

// AllKinds lists every kind in a stable order.
var AllKinds = []TxKind{
	KindIncome, KindExpense, KindTransferOut, KindTransferIn, KindInvestmentBuy, KindInvestmentSell,
}

func (k TxKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k TxKind) IsInvestment() bool {
	return k == KindInvestmentBuy || k == KindInvestmentSell
}

// SignAgrees reports whether amountCents has the sign required by k.
// Inflows are >= 0, outflows <= 0. Buying an asset spends cash, selling
// returns it.
func (k TxKind) SignAgrees(amountCents int64) bool {
	switch k {
	case KindIncome, KindTransferIn, KindInvestmentSell:
		return amountCents >= 0
	case KindExpense, KindTransferOut, KindInvestmentBuy:
		return amountCents <= 0
	default:
		return false
	}
}

// ParseTxKind accepts only canonical kind names.
func ParseTxKind(s string) (TxKind, error) {
	k := TxKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown transaction kind %q", ErrBadRequest, s)
	}
	return k, nil
}
