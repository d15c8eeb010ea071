// Package dispatcher fans source runs out over a bounded pool and records each run in the ledger.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/fdd-retriever/internal/discovery"
	"github.com/JakeFAU/fdd-retriever/internal/filing"
	"github.com/JakeFAU/fdd-retriever/internal/retrieve"
	"github.com/JakeFAU/fdd-retriever/internal/session"
	"github.com/JakeFAU/fdd-retriever/internal/source"
	"github.com/JakeFAU/fdd-retriever/internal/telemetry"
)

// Runner discovers one source inside its own session.
type Runner interface {
	Run(ctx context.Context, src source.Source, after discovery.AfterFunc) (discovery.Result, error)
}

// Retriever downloads the descriptors a run discovered.
type Retriever interface {
	RetrieveAll(ctx context.Context, sess retrieve.Session, run retrieve.Run, descs []filing.Descriptor) (retrieve.Summary, error)
}

// Config controls fan-out.
type Config struct {
	// Concurrency bounds simultaneous source runs; each run holds one browser.
	Concurrency int
	// DiscoverOnly skips retrieval.
	DiscoverOnly bool
}

// Deps are the collaborators of a Dispatcher. Retriever and Ledger are optional.
type Deps struct {
	Runner    Runner
	Retriever Retriever
	Ledger    filing.RunLedger
	IDs       filing.IDGenerator
	Clock     filing.Clock
}

// Dispatcher runs sources concurrently.
type Dispatcher struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Dispatcher, error) {
	if deps.Runner == nil {
		return nil, errors.New("dispatcher requires a runner")
	}
	if deps.IDs == nil {
		return nil, errors.New("dispatcher requires an id generator")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{cfg: cfg, deps: deps, logger: logger}, nil
}

// Dispatch runs every source and returns one report per source in input order.
// Per-source failures live in the reports; only cancellation is returned as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, srcs []source.Source) ([]filing.RunReport, error) {
	reports := make([]filing.RunReport, len(srcs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i, src := range srcs {
		g.Go(func() error {
			reports[i] = d.RunSource(gctx, src)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return reports, err
	}
	return reports, nil
}

// RunSource discovers and retrieves one source, recording the run in the ledger.
func (d *Dispatcher) RunSource(ctx context.Context, src source.Source) filing.RunReport {
	report := filing.RunReport{Source: src.Name, Status: filing.RunRunning, StartedAt: d.now()}
	runID, err := d.deps.IDs.NewID()
	if err != nil {
		report.Status = filing.RunFailed
		report.Error = fmt.Sprintf("generate run id: %v", err)
		report.FinishedAt = d.now()
		return report
	}
	report.RunID = runID
	log := d.logger.With(zap.String("run_id", runID), zap.String("source", src.Name))

	ctx, span := telemetry.Tracer("dispatcher").Start(ctx, "source run",
		trace.WithAttributes(attribute.String("source", src.Name), attribute.String("run_id", runID)))
	defer span.End()

	if d.deps.Ledger != nil {
		if err := d.deps.Ledger.StartRun(ctx, runID, src.Name, report.StartedAt); err != nil {
			log.Warn("run ledger start failed", zap.Error(err))
		}
	}

	var summary retrieve.Summary
	after := func(ctx context.Context, sess *session.Session, res discovery.Result) error {
		if d.cfg.DiscoverOnly || d.deps.Retriever == nil {
			return nil
		}
		run := retrieve.Run{ID: runID, Source: src.Name, Jurisdiction: src.Jurisdiction}
		var err error
		summary, err = d.deps.Retriever.RetrieveAll(ctx, sess, run, res.Descriptors)
		return err
	}

	res, err := d.deps.Runner.Run(ctx, src, after)
	report.Pages = res.Pagination.Pages
	report.Descriptors = len(res.Descriptors)
	report.Retrieved = summary.Retrieved
	report.Duplicates = summary.Duplicates
	report.Failed = summary.Failed
	report.Skipped = summary.Skipped
	report.Status = status(ctx, err, summary)
	if err != nil {
		report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(report.Status))
	}
	span.SetAttributes(
		attribute.Int("descriptors", report.Descriptors),
		attribute.Int("retrieved", report.Retrieved),
		attribute.Int("failed", report.Failed))
	report.FinishedAt = d.now()

	if d.deps.Ledger != nil {
		// The ledger write outlives a canceled run so the row is not left running.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := d.deps.Ledger.CompleteRun(lctx, report); err != nil {
			log.Warn("run ledger completion failed", zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("status", string(report.Status)),
		zap.Int("pages", report.Pages),
		zap.Int("descriptors", report.Descriptors),
		zap.Int("retrieved", report.Retrieved),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	}
	if err != nil {
		log.Error("source run finished", append(fields, zap.Error(err))...)
	} else {
		log.Info("source run finished", fields...)
	}
	return report
}

// status classifies a finished run. A run is canceled only when its own context ended;
// page or client timeouts inside a live run are failures.
func status(ctx context.Context, err error, sum retrieve.Summary) filing.RunStatus {
	switch {
	case err != nil && errors.Is(err, filing.ErrDiscoveryFailed):
		return filing.RunFailed
	case err != nil && ctx.Err() != nil:
		return filing.RunCanceled
	case err != nil:
		return filing.RunFailed
	case sum.Failed > 0, sum.Skipped > 0:
		return filing.RunPartial
	default:
		return filing.RunSucceeded
	}
}

func (d *Dispatcher) now() time.Time {
	if d.deps.Clock == nil {
		return time.Now().UTC()
	}
	return d.deps.Clock.Now()
}
