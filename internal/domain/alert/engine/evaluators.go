package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
)

const (
	unusualLookbackDays = 90
	unusualMinPriors    = 5
	unusualSigmas       = 3.0
	recurringMinPeriods = 3
)

func periodKey(rule *Rule, day time.Time) string {
	if rule.Period == common.PeriodOnce {
		return "once"
	}
	return common.PeriodKey(rule.Period, day)
}

// evaluateCategoryBudget sums expenses in the rule's category over the
// current bucket and fires when the absolute sum exceeds the reference.
func evaluateCategoryBudget(rule *Rule, snap *Snapshot) []Event {
	bucket := rule.Bucket(snap.Today)

	var sum int64
	for i := range snap.Transactions {
		t := &snap.Transactions[i]
		if t.Kind != common.KindExpense || t.Category != rule.Category || !bucket.Contains(t.Date) {
			continue
		}
		sum += t.AmountCents
	}

	spent := common.CentsToDecimal(common.AbsCents(sum))
	if !spent.GreaterThan(rule.ReferenceValue) {
		return nil
	}
	msg := fmt.Sprintf("%s spending %s exceeds budget %s for %s",
		rule.Category, common.FormatMoney(spent), common.FormatMoney(rule.ReferenceValue), periodKey(rule, snap.Today))
	return []Event{newAlert(rule, snap.Now, periodKey(rule, snap.Today), spent, msg)}
}

type group struct {
	kind     common.TxKind
	category string
}

// evaluateUnusualValue flags transactions in the current bucket whose
// absolute amount is more than three sample standard deviations above the
// mean of the same (kind, category) over the prior 90 days. The reference
// value, when positive, is a floor below which nothing is flagged.
func evaluateUnusualValue(rule *Rule, snap *Snapshot) []Event {
	bucket := rule.Bucket(snap.Today)
	key := periodKey(rule, snap.Today)
	floor := common.DecimalToCents(rule.ReferenceValue)

	// Snapshot order is date then id, so each group stays date-sorted.
	groups := make(map[group][]*Transaction)
	for i := range snap.Transactions {
		t := &snap.Transactions[i]
		g := group{t.Kind, t.Category}
		groups[g] = append(groups[g], t)
	}

	var out []Event
	for i := range snap.Transactions {
		t := &snap.Transactions[i]
		if !bucket.Contains(t.Date) || t.Date.After(snap.Today) {
			continue
		}
		if rule.Category != "" && t.Category != rule.Category {
			continue
		}
		abs := common.AbsCents(t.AmountCents)
		if abs <= floor {
			continue
		}

		priors := priorWindow(groups[group{t.Kind, t.Category}], t.Date)
		if len(priors) < unusualMinPriors {
			continue
		}
		mean, stddev := sampleStats(priors)
		limit := mean + unusualSigmas*stddev
		if float64(abs) <= limit {
			continue
		}

		observed := common.CentsToDecimal(abs)
		label := t.Category
		if label == "" {
			label = "uncategorized"
		}
		msg := fmt.Sprintf("%s %s of %s on %s is above %s (mean %s, stddev %s over %d priors)",
			label, t.Kind, common.FormatMoney(observed), common.FormatDay(t.Date),
			formatCentsFloat(limit), formatCentsFloat(mean), formatCentsFloat(stddev), len(priors))
		ev := newAlert(rule, snap.Now, key, observed, msg)
		id := t.ID
		ev.TransactionID = &id
		out = append(out, ev)
	}
	return out
}

// priorWindow returns the members of a date-sorted group dated in the
// lookback window strictly before day.
func priorWindow(members []*Transaction, day time.Time) []*Transaction {
	from := day.AddDate(0, 0, -unusualLookbackDays)
	lo := sort.Search(len(members), func(i int) bool { return !members[i].Date.Before(from) })
	hi := sort.Search(len(members), func(i int) bool { return !members[i].Date.Before(day) })
	if hi <= lo {
		return nil
	}
	return members[lo:hi]
}

func sampleStats(txs []*Transaction) (mean, stddev float64) {
	n := float64(len(txs))
	for _, t := range txs {
		mean += float64(common.AbsCents(t.AmountCents))
	}
	mean /= n
	if len(txs) < 2 {
		return mean, 0
	}
	var sq float64
	for _, t := range txs {
		d := float64(common.AbsCents(t.AmountCents)) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / (n - 1))
}

func formatCentsFloat(cents float64) string {
	return common.FormatMoney(decimal.NewFromFloat(cents).Shift(-2))
}

// evaluateBalanceBelow compares the running balance up to window_end, or
// today when that is earlier or unset, against the reference.
func evaluateBalanceBelow(rule *Rule, snap *Snapshot) []Event {
	cutoff := snap.Today
	if rule.WindowEnd != nil && rule.WindowEnd.Before(cutoff) {
		cutoff = *rule.WindowEnd
	}

	var sum int64
	for i := range snap.Transactions {
		t := &snap.Transactions[i]
		if t.Date.After(cutoff) {
			break
		}
		sum += t.AmountCents
	}

	balance := common.CentsToDecimal(sum)
	if !balance.LessThan(rule.ReferenceValue) {
		return nil
	}
	msg := fmt.Sprintf("balance %s on %s is below %s",
		common.FormatMoney(balance), common.FormatDay(cutoff), common.FormatMoney(rule.ReferenceValue))
	return []Event{newAlert(rule, snap.Now, periodKey(rule, cutoff), balance, msg)}
}

// evaluateRecurringMissing fires when the rule's category showed up in at
// least three earlier buckets but not yet in the current one.
func evaluateRecurringMissing(rule *Rule, snap *Snapshot) []Event {
	current := rule.Bucket(snap.Today)

	seen := make(map[string]struct{})
	for i := range snap.Transactions {
		t := &snap.Transactions[i]
		if t.Category != rule.Category {
			continue
		}
		if t.Date.Before(current.From) {
			seen[common.PeriodKey(rule.Period, t.Date)] = struct{}{}
			continue
		}
		if !t.Date.After(snap.Today) {
			return nil
		}
	}
	if len(seen) < recurringMinPeriods {
		return nil
	}

	key := periodKey(rule, snap.Today)
	msg := fmt.Sprintf("no %s transaction yet in %s (seen in %d earlier periods)", rule.Category, key, len(seen))
	return []Event{newAlert(rule, snap.Now, key, decimal.Zero, msg)}
}
