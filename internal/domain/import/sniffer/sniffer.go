// Package sniffer detects the layout of a delimited upload: BOM, locale
// header, preamble lines, delimiter and header row.
package sniffer

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"

	"github.com/FACorreiaa/finance-ledger/internal/domain/import/normalizer"
)

// utf8BOM is stripped when present.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// maxHeaderSearch bounds how far past a bank preamble the header may sit.
const maxHeaderSearch = 20

var localeDirective = regexp.MustCompile(`(?i)^#\s*locale\s*[:=]\s*(\S+)\s*$`)

// FileConfig holds the detected configuration for a delimited file.
type FileConfig struct {
	Delimiter   rune
	HasBOM      bool
	SkipLines   int // physical lines before the header row
	Headers     []string
	Fingerprint string // sha256 of folded header names
	Locale      normalizer.Locale
}

var (
	ErrEmptyFile      = errors.New("file is empty")
	ErrNoHeadersFound = errors.New("could not find a header row")
	ErrBadLocale      = errors.New("invalid locale header")
)

// DetectConfig analyzes the head of a file. The header is the first
// non-empty, non-comment line, unless that line names no known column and
// a later line within the search window does (bank statement preambles).
func DetectConfig(data []byte) (*FileConfig, error) {
	cfg := &FileConfig{}
	if bytes.HasPrefix(data, utf8BOM) {
		cfg.HasBOM = true
		data = data[len(utf8BOM):]
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}

	lines := strings.Split(string(data), "\n")

	headerIdx := -1
	firstContent := -1
	for i, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			if m := localeDirective.FindStringSubmatch(trimmed); m != nil && firstContent < 0 {
				locale, err := normalizer.LocaleFor(m[1])
				if err != nil {
					return nil, errors.Join(ErrBadLocale, err)
				}
				cfg.Locale = locale
			}
			continue
		}
		if firstContent < 0 {
			firstContent = i
		}
		if i-firstContent > maxHeaderSearch {
			break
		}
		if hasKnownColumn(line) {
			headerIdx = i
			break
		}
	}

	if firstContent < 0 {
		return nil, ErrNoHeadersFound
	}
	if headerIdx < 0 {
		headerIdx = firstContent
	}

	headerLine := strings.TrimRight(lines[headerIdx], "\r")
	cfg.Delimiter = detectDelimiter(headerLine)
	cfg.SkipLines = headerIdx

	reader := csv.NewReader(strings.NewReader(headerLine))
	reader.Comma = cfg.Delimiter
	reader.LazyQuotes = true
	headers, err := reader.Read()
	if err != nil {
		return nil, err
	}
	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
	}
	cfg.Headers = headers
	cfg.Fingerprint = generateFingerprint(headers)

	if !cfg.Locale.Declared && cfg.Delimiter == ';' {
		cfg.Locale.DecimalComma = true
	}

	return cfg, nil
}

var candidateDelimiters = []rune{';', ',', '\t', '|'}

// detectDelimiter picks the candidate occurring most often outside quotes.
// Ties go to the earlier candidate; no candidate means a single column.
func detectDelimiter(line string) rune {
	counts := make(map[rune]int, len(candidateDelimiters))
	inQuotes := false
	for _, r := range line {
		if r == '"' {
			inQuotes = !inQuotes
			continue
		}
		if !inQuotes {
			counts[r]++
		}
	}

	best, bestCount := ',', 0
	for _, d := range candidateDelimiters {
		if counts[d] > bestCount {
			best, bestCount = d, counts[d]
		}
	}
	return best
}

func hasKnownColumn(line string) bool {
	d := detectDelimiter(line)
	for _, cell := range strings.Split(line, string(d)) {
		if normalizer.IsKnownColumn(strings.Trim(cell, `" `)) {
			return true
		}
	}
	return false
}

// generateFingerprint creates a stable hash from header names.
func generateFingerprint(headers []string) string {
	normalized := make([]string, 0, len(headers))
	for _, h := range headers {
		if clean := normalizer.FoldName(h); clean != "" {
			normalized = append(normalized, clean)
		}
	}
	hash := sha256.Sum256([]byte(strings.Join(normalized, "|")))
	return hex.EncodeToString(hash[:])
}
