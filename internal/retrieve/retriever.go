// Package retrieve downloads discovered filings and persists them.
package retrieve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/fdd-retriever/internal/download"
	"github.com/JakeFAU/fdd-retriever/internal/filing"
	"github.com/JakeFAU/fdd-retriever/internal/metrics"
	"github.com/JakeFAU/fdd-retriever/internal/policy/ratelimit"
	"github.com/JakeFAU/fdd-retriever/internal/retry"
)

// Session is the part of a browser session downloads go through.
type Session interface {
	HTTP() *resty.Client
	SyncAuth(ctx context.Context, urls ...string) (int, error)
}

// Config controls Retriever behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	Topic       string
	Download    retry.JitterPolicy
}

// Run identifies the discovery run the documents belong to.
type Run struct {
	ID           string
	Source       string
	Jurisdiction string
}

// Summary counts per-item outcomes.
type Summary struct {
	Attempted  int
	Retrieved  int
	Duplicates int
	Failed     int
	// Skipped counts descriptors whose document link was never resolved.
	Skipped int
	Bytes   int64
}

// Deps are the external collaborators of a Retriever.
type Deps struct {
	Validator *download.Validator
	Executor  *retry.Executor
	Blobs     filing.BlobStore
	Metadata  filing.MetadataStore
	Publisher filing.Publisher
	Clock     filing.Clock
	Limiter   *ratelimit.Limiter
}

// Retriever downloads, deduplicates, stores and announces filings.
type Retriever struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Retriever.
func New(deps Deps, cfg Config, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/pdf"
	}
	if cfg.Download.MaxAttempts == 0 {
		cfg.Download = retry.JitterPolicy{MaxAttempts: 3, Base: time.Second}
	}
	if deps.Validator == nil {
		deps.Validator = download.New(download.Config{}, nil, logger)
	}
	if deps.Executor == nil {
		deps.Executor = retry.New(logger)
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(ratelimit.Config{})
	}
	return &Retriever{deps: deps, cfg: cfg, logger: logger}
}

// RetrieveAll processes descs sequentially inside sess. Per-item failures are counted and
// logged; only cancellation is returned, together with the partial summary.
func (r *Retriever) RetrieveAll(ctx context.Context, sess Session, run Run, descs []filing.Descriptor) (Summary, error) {
	var sum Summary
	log := r.logger.With(zap.String("run_id", run.ID), zap.String("source", run.Source))
	for _, desc := range descs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if !desc.Downloadable() {
			sum.Skipped++
			metrics.ObserveDownload(run.Source, "skipped", 0)
			log.Warn("document link unresolved, skipping filing",
				zap.String("franchise", desc.FranchiseName),
				zap.String("detail_url", desc.Extra[filing.ExtraDetailURL]))
			continue
		}
		sum.Attempted++
		outcome, size, err := r.retrieveOne(ctx, sess, run, desc)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				sum.Failed++
				return sum, ctx.Err()
			}
			sum.Failed++
			metrics.ObserveDownload(run.Source, "failed", 0)
			log.Warn("filing retrieval failed",
				zap.String("franchise", desc.FranchiseName),
				zap.String("url", desc.DownloadURL),
				zap.Error(err))
		case outcome == outcomeDuplicate:
			sum.Duplicates++
			metrics.ObserveDownload(run.Source, "duplicate", size)
		default:
			sum.Retrieved++
			sum.Bytes += int64(size)
			metrics.ObserveDownload(run.Source, "stored", size)
		}
	}
	log.Info("retrieval finished",
		zap.Int("attempted", sum.Attempted),
		zap.Int("retrieved", sum.Retrieved),
		zap.Int("duplicates", sum.Duplicates),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped))
	return sum, nil
}

type outcome int

const (
	outcomeStored outcome = iota
	outcomeDuplicate
)

func (r *Retriever) retrieveOne(ctx context.Context, sess Session, run Run, desc filing.Descriptor) (outcome, int, error) {
	if err := desc.Validate(); err != nil {
		return outcomeStored, 0, fmt.Errorf("invalid descriptor: %w", err)
	}
	if err := r.deps.Limiter.Wait(ctx, desc.DownloadURL); err != nil {
		return outcomeStored, 0, err
	}
	dl, err := retry.DoJittered(ctx, r.deps.Executor, "download "+run.Source, r.cfg.Download,
		func(ctx context.Context) (download.Download, error) {
			if _, err := sess.SyncAuth(ctx, desc.DownloadURL, desc.SourceURL); err != nil {
				r.logger.Debug("cookie sync before download failed", zap.Error(err))
			}
			return r.deps.Validator.Fetch(ctx, sess.HTTP(), desc.DownloadURL, desc.SizeBytes)
		})
	if err != nil {
		return outcomeStored, 0, fmt.Errorf("download: %w", err)
	}
	size := len(dl.Bytes)

	if dl.PageCount > 0 {
		desc = desc.WithExtra(filing.ExtraPageCount, strconv.Itoa(dl.PageCount))
	}
	record := filing.FilingRecord{
		RunID:        run.ID,
		Source:       run.Source,
		Jurisdiction: run.Jurisdiction,
		Descriptor:   desc,
		ContentHash:  dl.Hash,
		SizeBytes:    dl.Size(),
		PageCount:    dl.PageCount,
		RetrievedAt:  r.now(),
	}

	if r.deps.Metadata != nil {
		id, found, err := r.deps.Metadata.FindDuplicate(ctx, record.Key())
		if err != nil {
			return outcomeStored, size, fmt.Errorf("find duplicate: %w", err)
		}
		if found {
			r.logger.Debug("duplicate filing skipped",
				zap.String("existing_id", id), zap.String("hash", dl.Hash.String()))
			return outcomeDuplicate, size, nil
		}
	}

	if r.deps.Blobs == nil {
		return outcomeStored, size, errors.New("no blob store configured")
	}
	uri, err := r.deps.Blobs.PutObject(ctx, r.blobPath(run.Jurisdiction, dl.Hash), r.cfg.ContentType, bytes.NewReader(dl.Bytes))
	if err != nil {
		return outcomeStored, size, fmt.Errorf("put object: %w", err)
	}
	record.BlobURI = uri

	var filingID string
	if r.deps.Metadata != nil {
		filingID, err = r.deps.Metadata.SaveFiling(ctx, record)
		if err != nil {
			return outcomeStored, size, fmt.Errorf("save filing: %w", err)
		}
	}
	if err := r.publish(ctx, filingID, record); err != nil {
		return outcomeStored, size, err
	}
	return outcomeStored, size, nil
}

func (r *Retriever) blobPath(jurisdiction string, hash filing.ContentHash) string {
	prefix := strings.Trim(r.cfg.BlobPrefix, "/")
	j := strings.ToLower(strings.TrimSpace(jurisdiction))
	if j == "" {
		j = "unknown"
	}
	if prefix == "" {
		return fmt.Sprintf("%s/%s.pdf", j, hash)
	}
	return fmt.Sprintf("%s/%s/%s.pdf", prefix, j, hash)
}

func (r *Retriever) publish(ctx context.Context, filingID string, record filing.FilingRecord) error {
	if r.cfg.Topic == "" || r.deps.Publisher == nil {
		return nil
	}
	payload := map[string]any{
		"filing_id":      filingID,
		"run_id":         record.RunID,
		"source":         record.Source,
		"jurisdiction":   record.Jurisdiction,
		"franchise_name": record.Descriptor.FranchiseName,
		"document_type":  record.Descriptor.DocumentType,
		"download_url":   record.Descriptor.DownloadURL,
		"blob_uri":       record.BlobURI,
		"hash":           record.ContentHash.String(),
		"size_bytes":     record.SizeBytes,
		"timestamp":      record.RetrievedAt.Format(time.RFC3339),
	}
	if _, err := r.deps.Publisher.Publish(ctx, r.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish payload: %w", err)
	}
	r.logger.Info("filing published",
		zap.String("filing_id", filingID),
		zap.String("franchise", record.Descriptor.FranchiseName),
		zap.String("blob_uri", record.BlobURI),
		zap.String("hash", record.ContentHash.String()))
	return nil
}

func (r *Retriever) now() time.Time {
	if r.deps.Clock == nil {
		return time.Now().UTC()
	}
	return r.deps.Clock.Now()
}
