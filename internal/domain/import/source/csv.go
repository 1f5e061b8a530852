package source

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/FACorreiaa/finance-ledger/internal/domain/import/normalizer"
	"github.com/FACorreiaa/finance-ledger/internal/domain/import/sniffer"
)

// sniffHeadSize is how much of a file the sniffer sees.
const sniffHeadSize = 64 * 1024

// CSVFormat reads delimited text files.
type CSVFormat struct{}

func (CSVFormat) Name() string { return "csv" }

func (CSVFormat) Extensions() []string { return []string{"csv"} }

// Open sniffs the file head, then positions a csv.Reader just past the
// header row.
func (CSVFormat) Open(path string) (Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	head := make([]byte, sniffHeadSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, err
	}

	cfg, err := sniffer.DetectConfig(head[:n])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	br := bufio.NewReader(f)
	if cfg.HasBOM {
		if _, err := br.Discard(3); err != nil {
			f.Close()
			return nil, err
		}
	}
	for i := 0; i <= cfg.SkipLines; i++ {
		if _, err := br.ReadString('\n'); err != nil && !errors.Is(err, io.EOF) {
			f.Close()
			return nil, err
		}
	}

	reader := csv.NewReader(br)
	reader.Comma = cfg.Delimiter
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	return &csvStream{
		file:       f,
		reader:     reader,
		lineOffset: cfg.SkipLines + 1,
		layout: Layout{
			Headers:     cfg.Headers,
			Locale:      cfg.Locale,
			Fingerprint: cfg.Fingerprint,
		},
	}, nil
}

type csvStream struct {
	file       *os.File
	reader     *csv.Reader
	lineOffset int // physical lines consumed before the reader started
	layout     Layout
}

func (s *csvStream) Layout() Layout { return s.layout }

func (s *csvStream) Next() (normalizer.RawRow, error) {
	record, err := s.reader.Read()
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return normalizer.RawRow{Line: s.lineOffset + pe.StartLine, Broken: pe.Err.Error()}, nil
		}
		return normalizer.RawRow{}, err
	}
	line, _ := s.reader.FieldPos(0)
	return normalizer.RawRow{Line: s.lineOffset + line, Values: record}, nil
}

func (s *csvStream) Close() error { return s.file.Close() }
