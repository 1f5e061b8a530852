// Package source declares the upload formats the ingest pipeline accepts.
// A Format only partitions a file into raw rows; it never interprets cell
// content.
package source

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/FACorreiaa/finance-ledger/internal/domain/import/normalizer"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported_format")
	ErrMalformedFile     = errors.New("malformed file")
)

// Layout describes the columns a stream produces.
type Layout struct {
	Headers     []string
	Locale      normalizer.Locale
	Fingerprint string
}

// Stream yields raw rows in input order. Next returns io.EOF after the
// last row.
type Stream interface {
	Layout() Layout
	Next() (normalizer.RawRow, error)
	Close() error
}

// Format partitions files of one kind.
type Format interface {
	Name() string
	Extensions() []string
	Open(path string) (Stream, error)
}

// Registry resolves a filename to the Format registered for its extension.
type Registry struct {
	formats []Format
	byExt   map[string]Format
}

// NewRegistry registers formats in order. A later format claiming an
// extension already taken is ignored for that extension.
func NewRegistry(formats ...Format) *Registry {
	r := &Registry{byExt: make(map[string]Format)}
	for _, f := range formats {
		r.formats = append(r.formats, f)
		for _, ext := range f.Extensions() {
			ext = strings.ToLower(strings.TrimPrefix(ext, "."))
			if _, taken := r.byExt[ext]; !taken {
				r.byExt[ext] = f
			}
		}
	}
	return r
}

// DefaultRegistry knows csv and pdf.
func DefaultRegistry() *Registry {
	return NewRegistry(CSVFormat{}, PDFFormat{})
}

// Lookup returns the format for filename's extension.
func (r *Registry) Lookup(filename string) (Format, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if f, ok := r.byExt[ext]; ok && ext != "" {
		return f, nil
	}
	if ext == "" {
		return nil, fmt.Errorf("%w: %q has no extension (accepted: %s)", ErrUnsupportedFormat, filename, strings.Join(r.Extensions(), ", "))
	}
	return nil, fmt.Errorf("%w: .%s (accepted: %s)", ErrUnsupportedFormat, ext, strings.Join(r.Extensions(), ", "))
}

// Extensions lists every registered extension, sorted.
func (r *Registry) Extensions() []string {
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Names lists the registered format names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.formats))
	for _, f := range r.formats {
		out = append(out, f.Name())
	}
	return out
}
