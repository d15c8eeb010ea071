// Package discovery enumerates every filing a source lists, tolerating per-item failures.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fdd-retriever/internal/enrich"
	"github.com/JakeFAU/fdd-retriever/internal/extract"
	"github.com/JakeFAU/fdd-retriever/internal/filing"
	"github.com/JakeFAU/fdd-retriever/internal/metrics"
	"github.com/JakeFAU/fdd-retriever/internal/paginate"
	"github.com/JakeFAU/fdd-retriever/internal/policy/pause"
	"github.com/JakeFAU/fdd-retriever/internal/policy/ratelimit"
	"github.com/JakeFAU/fdd-retriever/internal/retry"
	"github.com/JakeFAU/fdd-retriever/internal/session"
	"github.com/JakeFAU/fdd-retriever/internal/source"
)

// Config controls a discovery run.
type Config struct {
	Navigation retry.Policy
	Enrichment retry.Policy
	// Enrich turns on detail-page enrichment for sources that describe one.
	Enrich     bool
	Pagination source.PaginationSettings
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Navigation: retry.Policy{MaxAttempts: 3, Delays: []time.Duration{2 * time.Second, 5 * time.Second}},
		Enrichment: retry.Policy{MaxAttempts: 2, Delays: []time.Duration{time.Second}},
		Enrich:     true,
	}
}

// Result is what one run found.
type Result struct {
	Source       string
	Descriptors  []filing.Descriptor
	Pagination   paginate.Summary
	Enriched     int
	EnrichFailed int
}

// AfterFunc runs inside the session once discovery finishes, e.g. to download documents
// with the cookies the listing established.
type AfterFunc func(ctx context.Context, sess *session.Session, res Result) error

// Pipeline runs discovery for one source at a time. A Pipeline may be shared by
// concurrent runs; each run acquires its own session.
type Pipeline struct {
	cfg       Config
	sessions  *session.Manager
	executor  *retry.Executor
	extractor *extract.Extractor
	limiter   *ratelimit.Limiter
	pauser    pause.Pauser
	logger    *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithPauser replaces the politeness pauser used by paginators.
func WithPauser(p pause.Pauser) Option {
	return func(pl *Pipeline) {
		if p != nil {
			pl.pauser = p
		}
	}
}

// WithLimiter sets the per-host budget applied between enrichment fetches.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(pl *Pipeline) {
		if l != nil {
			pl.limiter = l
		}
	}
}

// New builds a Pipeline.
func New(cfg Config, sessions *session.Manager, executor *retry.Executor, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if executor == nil {
		executor = retry.New(logger)
	}
	p := &Pipeline{
		cfg:       cfg,
		sessions:  sessions,
		executor:  executor,
		extractor: extract.New(logger),
		limiter:   ratelimit.New(ratelimit.Config{}),
		pauser:    pause.Timer{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Discover returns every descriptor the source lists.
func (p *Pipeline) Discover(ctx context.Context, src source.Source) ([]filing.Descriptor, error) {
	res, err := p.Run(ctx, src, nil)
	return res.Descriptors, err
}

// Run discovers src and, when after is non-nil, hands the result to after before the
// session is released. Only failing to reach the first listing page is fatal and
// yields a *filing.DiscoveryError; cancellation returns partial results with ctx's error.
func (p *Pipeline) Run(ctx context.Context, src source.Source, after AfterFunc) (res Result, err error) {
	res.Source = src.Name
	log := p.logger.With(zap.String("source", src.Name))
	metrics.IncActiveRuns()
	defer metrics.DecActiveRuns()
	defer func() {
		metrics.ObserveRun(src.Name, runStatus(ctx, err))
	}()

	if err := src.Validate(); err != nil {
		return res, &filing.DiscoveryError{Source: src.Name, Err: err}
	}

	sess, err := p.sessions.Acquire(ctx)
	if err != nil {
		return res, &filing.DiscoveryError{Source: src.Name, Err: err}
	}
	defer sess.Release()

	if _, err := retry.Do(ctx, p.executor, "open listing "+src.Name, p.cfg.Navigation,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, openListing(ctx, sess, src)
		}); err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		log.Error("first listing page unavailable", zap.Error(err))
		return res, &filing.DiscoveryError{Source: src.Name, Err: err}
	}

	deps := paginate.Deps{Extractor: p.extractor, Pauser: p.pauser, Logger: p.logger}
	pager := paginate.Select(ctx, sess, src.Listing(), src.Pagination(p.cfg.Pagination), deps)
	log.Info("paginating listing", zap.String("strategy", pager.Strategy()))

	sum, err := pager.Run(ctx, func(page int, descs []filing.Descriptor) {
		res.Descriptors = append(res.Descriptors, descs...)
		log.Debug("page discovered", zap.Int("page", page), zap.Int("descriptors", len(descs)))
	})
	res.Pagination = sum
	metrics.ObservePages(src.Name, sum.Strategy, sum.Pages)
	metrics.ObserveSkippedRows(src.Name, "extract", sum.Skipped)
	if err != nil {
		if ctx.Err() != nil {
			metrics.ObserveDescriptors(src.Name, len(res.Descriptors))
			return res, ctx.Err()
		}
		log.Error("first listing page unreadable", zap.Error(err))
		return res, &filing.DiscoveryError{Source: src.Name, Err: err}
	}
	log.Info("listing exhausted",
		zap.String("reason", string(sum.Reason)),
		zap.Int("pages", sum.Pages),
		zap.Int("descriptors", len(res.Descriptors)),
		zap.Int("skipped_rows", sum.Skipped))

	if p.cfg.Enrich && src.Detail.Enabled() {
		if err := p.enrichAll(ctx, sess, src, &res); err != nil {
			metrics.ObserveDescriptors(src.Name, len(res.Descriptors))
			return res, err
		}
	}
	metrics.ObserveDescriptors(src.Name, len(res.Descriptors))

	if after != nil {
		if err := after(ctx, sess, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func openListing(ctx context.Context, sess *session.Session, src source.Source) error {
	page := sess.Page()
	if err := page.Navigate(ctx, src.ListingURL); err != nil {
		return err
	}
	for _, sel := range src.SetupClicks {
		if err := page.WaitVisible(ctx, sel); err != nil {
			return err
		}
		if err := page.Click(ctx, sel); err != nil {
			return err
		}
	}
	return page.WaitVisible(ctx, src.Ready())
}

// enrichAll replaces descriptors in place with their enriched versions. Failures keep
// the original descriptor; only cancellation is returned.
func (p *Pipeline) enrichAll(ctx context.Context, sess *session.Session, src source.Source, res *Result) error {
	log := p.logger.With(zap.String("source", src.Name))
	enricher := enrich.New(src.Detail, p.logger)
	for i, desc := range res.Descriptors {
		if err := ctx.Err(); err != nil {
			return err
		}
		detail := desc.Extra[filing.ExtraDetailURL]
		if detail == "" {
			continue
		}
		if err := p.limiter.Wait(ctx, detail); err != nil {
			return ctx.Err()
		}
		enriched, err := retry.Do(ctx, p.executor, "enrich "+src.Name, p.cfg.Enrichment,
			func(ctx context.Context) (filing.Descriptor, error) {
				return enricher.Enrich(ctx, sess, desc)
			})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.EnrichFailed++
			log.Warn("enrichment failed, keeping listing descriptor",
				zap.String("franchise", desc.FranchiseName),
				zap.String("detail_url", detail),
				zap.Error(err))
			continue
		}
		res.Descriptors[i] = enriched
		res.Enriched++
	}
	return nil
}

func runStatus(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, filing.ErrDiscoveryFailed):
		return "failed"
	case ctx.Err() != nil:
		return "canceled"
	default:
		return "error"
	}
}

// String renders a one-line summary for CLI output.
func (r Result) String() string {
	return fmt.Sprintf("%s: %d descriptors over %d pages (%s, stop=%s, enriched=%d, enrich_failed=%d)",
		r.Source, len(r.Descriptors), r.Pagination.Pages, r.Pagination.Strategy, r.Pagination.Reason,
		r.Enriched, r.EnrichFailed)
}
