// Package service provides the import orchestration logic: upload intake,
// partitioning, parallel normalization and the single persistence step.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
	"github.com/FACorreiaa/finance-ledger/internal/domain/import/normalizer"
	"github.com/FACorreiaa/finance-ledger/internal/domain/import/repository"
	"github.com/FACorreiaa/finance-ledger/internal/domain/import/source"
	"github.com/FACorreiaa/finance-ledger/pkg/observability"
)

var (
	ErrEmptyPayload = errors.New("empty_payload")
	ErrCanceled     = errors.New("canceled")
)

// BatchError ties a failure to the batch it marked failed.
type BatchError struct {
	BatchID int64
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("upload batch %d failed: %v", e.BatchID, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Config tunes the ingest pipeline.
type Config struct {
	ScratchDir string
	Workers    int // 0 means GOMAXPROCS
	DetailCap  int
}

// Upload is a batch whose bytes sit in a scratch file, ready for Process.
type Upload struct {
	BatchID     int64
	Filename    string
	Format      source.Format
	ScratchPath string
	Size        int64
}

// ImportService orchestrates file intake and import operations
type ImportService struct {
	core    common.CoreContext
	repo    repository.ImportRepository
	formats *source.Registry
	cfg     Config
	logger  zerolog.Logger
}

type parseJob struct {
	raw normalizer.RawRow
}

// NewImportService creates a new import service
func NewImportService(core common.CoreContext, repo repository.ImportRepository, formats *source.Registry, cfg Config) *ImportService {
	if formats == nil {
		formats = source.DefaultRegistry()
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.DetailCap <= 0 {
		cfg.DetailCap = 5
	}
	return &ImportService{
		core:    core,
		repo:    repo,
		formats: formats,
		cfg:     cfg,
		logger:  core.Logger.With().Str("component", "ingest").Logger(),
	}
}

// Import runs BeginUpload and Process. The returned report is non-nil
// whenever a batch was created, including failed ones.
func (s *ImportService) Import(ctx context.Context, filename string, r io.Reader) (*repository.BatchReport, error) {
	up, err := s.BeginUpload(ctx, filename, r)
	if err != nil {
		return s.failedReport(ctx, err), err
	}
	report, err := s.Process(ctx, up)
	if err != nil {
		return s.failedReport(ctx, err), err
	}
	return report, nil
}

func (s *ImportService) failedReport(ctx context.Context, err error) *repository.BatchReport {
	var be *BatchError
	if !errors.As(err, &be) {
		return nil
	}
	batch, getErr := s.repo.GetBatch(context.WithoutCancel(ctx), be.BatchID)
	if getErr != nil {
		s.logger.Warn().Err(getErr).Int64("batch_id", be.BatchID).Msg("failed to reload failed batch")
		return &repository.BatchReport{BatchID: be.BatchID, Status: repository.StatusFailed, Message: be.Err.Error()}
	}
	return repository.ReportFromBatch(batch)
}

// BeginUpload records a running batch and copies r into a scratch file.
// An unrecognized extension or an empty stream fails the batch at once.
func (s *ImportService) BeginUpload(ctx context.Context, filename string, r io.Reader) (*Upload, error) {
	base := filepath.Base(filename)
	format, lookupErr := s.formats.Lookup(base)
	formatName := ""
	if lookupErr == nil {
		formatName = format.Name()
	}

	batch, err := s.repo.CreateBatch(ctx, base, formatName, s.core.Now())
	if err != nil {
		return nil, err
	}
	log := s.logger.With().Int64("batch_id", batch.ID).Str("filename", base).Logger()

	if lookupErr != nil {
		return nil, s.fail(ctx, batch.ID, formatName, lookupErr, lookupErr.Error())
	}

	if err := os.MkdirAll(s.cfg.ScratchDir, 0o700); err != nil {
		return nil, s.fail(ctx, batch.ID, formatName, err, "scratch: "+err.Error())
	}
	path := filepath.Join(s.cfg.ScratchDir, "upload-"+uuid.NewString()+"."+format.Name())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, s.fail(ctx, batch.ID, formatName, err, "scratch: "+err.Error())
	}

	n, copyErr := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	switch {
	case copyErr != nil && ctx.Err() != nil:
		os.Remove(path)
		return nil, s.fail(ctx, batch.ID, formatName, ErrCanceled, ErrCanceled.Error())
	case copyErr != nil:
		os.Remove(path)
		return nil, s.fail(ctx, batch.ID, formatName, copyErr, "read error: "+copyErr.Error())
	case n == 0:
		os.Remove(path)
		return nil, s.fail(ctx, batch.ID, formatName, ErrEmptyPayload, ErrEmptyPayload.Error())
	}

	log.Info().Str("format", formatName).Int64("bytes", n).Msg("upload received")

	return &Upload{
		BatchID:     batch.ID,
		Filename:    base,
		Format:      format,
		ScratchPath: path,
		Size:        n,
	}, nil
}

// Process partitions and normalizes the upload, then persists it in one
// store transaction. Cancellation is honored until persistence starts.
func (s *ImportService) Process(ctx context.Context, up *Upload) (report *repository.BatchReport, err error) {
	defer os.Remove(up.ScratchPath)

	start := time.Now()
	formatName := up.Format.Name()
	ctx, span := observability.StartSpan(ctx, "ingest", "process",
		attribute.Int64("batch_id", up.BatchID),
		attribute.String("format", formatName),
	)
	defer func() { observability.EndSpan(span, err) }()
	defer observability.ObserveSince(observability.IngestDuration.WithLabelValues(formatName), start)

	log := s.logger.With().Int64("batch_id", up.BatchID).Str("filename", up.Filename).Logger()

	if ctx.Err() != nil {
		return nil, s.fail(ctx, up.BatchID, formatName, ErrCanceled, ErrCanceled.Error())
	}

	stream, err := up.Format.Open(up.ScratchPath)
	if err != nil {
		return nil, s.fail(ctx, up.BatchID, formatName, err, err.Error())
	}
	defer stream.Close()

	layout := stream.Layout()
	norm := normalizer.New(layout.Headers, layout.Locale)
	log.Debug().
		Strs("headers", layout.Headers).
		Str("locale", layout.Locale.Tag).
		Bool("decimal_comma", layout.Locale.DecimalComma).
		Msg("layout detected")

	results, err := s.normalizeStream(ctx, stream, norm)
	if err != nil {
		if ctx.Err() != nil {
			return nil, s.fail(ctx, up.BatchID, formatName, ErrCanceled, ErrCanceled.Error())
		}
		return nil, s.fail(ctx, up.BatchID, formatName, err, "read error: "+err.Error())
	}
	if ctx.Err() != nil {
		return nil, s.fail(ctx, up.BatchID, formatName, ErrCanceled, ErrCanceled.Error())
	}

	observability.ActiveWriters.Inc()
	report, err = s.repo.PersistBatch(context.WithoutCancel(ctx), repository.PersistRequest{
		BatchID:     up.BatchID,
		Fingerprint: layout.Fingerprint,
		Results:     results,
		Now:         s.core.Now(),
		DetailCap:   s.cfg.DetailCap,
	})
	observability.ActiveWriters.Dec()
	if err != nil {
		observability.UploadBatchesTotal.WithLabelValues(formatName, string(repository.StatusFailed)).Inc()
		log.Error().Err(err).Msg("batch persistence failed")
		return nil, &BatchError{BatchID: up.BatchID, Err: err}
	}

	recordBatchMetrics(formatName, report, results)
	log.Info().
		Str("status", string(report.Status)).
		Int("rows_inserted", report.RowsInserted).
		Int("rows_updated", report.RowsUpdated).
		Int("rows_unchanged", report.RowsUnchanged).
		Int("rows_rejected", report.RowsRejected).
		Dur("elapsed", time.Since(start)).
		Msg("upload batch finished")

	return report, nil
}

// normalizeStream fans raw rows out to a worker pool and returns the
// results in input order.
func (s *ImportService) normalizeStream(ctx context.Context, stream source.Stream, norm *normalizer.Normalizer) ([]normalizer.Result, error) {
	workerCount := s.cfg.Workers
	if workerCount <= 0 {
		workerCount = runtime.GOMAXPROCS(0)
	}

	jobs := make(chan parseJob, workerCount*4)
	out := make(chan normalizer.Result, workerCount*4)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		for {
			if err := gctx.Err(); err != nil {
				return err
			}
			raw, err := stream.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if raw.Unparsed == "" && raw.Broken == "" && normalizer.IsBlank(raw.Values) {
				continue
			}
			select {
			case jobs <- parseJob{raw: raw}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	workers, wctx := errgroup.WithContext(gctx)
	for i := 0; i < workerCount; i++ {
		workers.Go(func() error {
			for job := range jobs {
				select {
				case out <- norm.Normalize(job.raw):
				case <-wctx.Done():
					return wctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(out)
		return workers.Wait()
	})

	var results []normalizer.Result
	for res := range out {
		results = append(results, res)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Line < results[j].Line
	})
	return results, nil
}

// fail marks the batch failed and wraps cause in a BatchError.
func (s *ImportService) fail(ctx context.Context, batchID int64, formatName string, cause error, message string) error {
	if err := s.repo.FailBatch(context.WithoutCancel(ctx), batchID, message, s.core.Now()); err != nil {
		s.logger.Error().Err(err).Int64("batch_id", batchID).Msg("failed to mark batch failed")
	}
	observability.UploadBatchesTotal.WithLabelValues(formatName, string(repository.StatusFailed)).Inc()
	s.logger.Warn().Int64("batch_id", batchID).Str("reason", message).Msg("upload batch failed")
	return &BatchError{BatchID: batchID, Err: cause}
}

func recordBatchMetrics(formatName string, report *repository.BatchReport, results []normalizer.Result) {
	observability.UploadBatchesTotal.WithLabelValues(formatName, string(report.Status)).Inc()
	observability.UploadRowsTotal.WithLabelValues("inserted").Add(float64(report.RowsInserted))
	observability.UploadRowsTotal.WithLabelValues("updated").Add(float64(report.RowsUpdated))
	observability.UploadRowsTotal.WithLabelValues("unchanged").Add(float64(report.RowsUnchanged))
	observability.UploadRowsTotal.WithLabelValues("rejected").Add(float64(report.RowsRejected))
	for _, res := range results {
		if res.Err != nil {
			observability.RowErrorsTotal.WithLabelValues(string(res.Err.Kind)).Inc()
		}
	}
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// SupportedFormats describes the registry for help output.
func (s *ImportService) SupportedFormats() string {
	return strings.Join(s.formats.Extensions(), ", ")
}
