package repository

import (
	"fmt"
	"sort"
	"strings"

	"github.com/FACorreiaa/finance-ledger/internal/domain/import/normalizer"
)

// MaxMessageLen caps UploadBatch.message.
const MaxMessageLen = 1024

// BuildMessage summarizes rejected rows: a count per error kind, then up to
// detailCap individual reasons, then how many were left out.
func BuildMessage(errs []*normalizer.RowError, detailCap int) string {
	if len(errs) == 0 {
		return ""
	}
	if detailCap < 0 {
		detailCap = 0
	}

	counts := make(map[normalizer.ErrorKind]int)
	for _, e := range errs {
		counts[e.Kind]++
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	summary := make([]string, 0, len(kinds))
	for _, k := range kinds {
		summary = append(summary, fmt.Sprintf("%s: %d", k, counts[normalizer.ErrorKind(k)]))
	}

	noun := "rows"
	if len(errs) == 1 {
		noun = "row"
	}
	parts := []string{fmt.Sprintf("%d %s rejected (%s)", len(errs), noun, strings.Join(summary, ", "))}

	shown := 0
	for _, e := range errs {
		if shown == detailCap {
			break
		}
		parts = append(parts, e.Error())
		shown++
	}
	if rest := len(errs) - shown; rest > 0 {
		parts = append(parts, fmt.Sprintf("%d more errors", rest))
	}

	return capMessage(strings.Join(parts, "; "))
}

func capMessage(s string) string {
	if len(s) <= MaxMessageLen {
		return s
	}
	const ellipsis = "..."
	cut := MaxMessageLen - len(ellipsis)
	// do not split a multi-byte rune
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
