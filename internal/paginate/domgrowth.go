package paginate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fdd-retriever/internal/browser"
)

// DOMGrowthConfig tunes the click-and-wait strategy.
type DOMGrowthConfig struct {
	Trigger       TriggerFinder
	GrowthTimeout time.Duration
	PollInterval  time.Duration
	MaxPages      int
	PoliteDelay   time.Duration
}

// DOMGrowth clicks a "more" control and waits for the live listing to grow.
type DOMGrowth struct {
	cfg     DOMGrowthConfig
	listing Listing
	page    browser.Page
	deps    Deps
}

// NewDOMGrowth builds the DOM-growth paginator for page.
func NewDOMGrowth(page browser.Page, listing Listing, cfg DOMGrowthConfig, deps Deps) *DOMGrowth {
	cfg.GrowthTimeout = positive(cfg.GrowthTimeout, 15*time.Second)
	cfg.PollInterval = positive(cfg.PollInterval, 250*time.Millisecond)
	cfg.MaxPages = maxPages(cfg.MaxPages)
	if cfg.Trigger == nil {
		cfg.Trigger = FirstMatch{}
	}
	return &DOMGrowth{cfg: cfg, listing: listing, page: page, deps: deps.withDefaults()}
}

// Strategy implements Paginator.
func (d *DOMGrowth) Strategy() string { return StrategyDOMGrowth }

// Run implements Paginator. Only the suffix beyond the previously emitted index is
// emitted after each growth, so rows seen earlier are never re-emitted.
func (d *DOMGrowth) Run(ctx context.Context, emit EmitFunc) (Summary, error) {
	log := d.deps.Logger.With(zap.String("strategy", StrategyDOMGrowth), zap.String("source_url", d.listing.SourceURL))
	sum := Summary{Strategy: StrategyDOMGrowth}
	emitted := 0

	for {
		if err := ctx.Err(); err != nil {
			sum.Reason = StopCanceled
			return sum, err
		}
		html, err := d.page.HTML(ctx, d.listing.ContainerSelector)
		if err != nil {
			if sum.Pages == 0 {
				return sum, fmt.Errorf("read first listing page: %w", err)
			}
			log.Warn("listing unreadable after growth, stopping", zap.Error(err))
			sum.Reason = StopExtractFailed
			return sum, nil
		}
		descs, stats := d.deps.Extractor.ExtractWithStats(html, d.listing.base(), d.listing.Schema)
		sum.Pages++
		sum.Skipped = stats.Skipped()
		if len(descs) > emitted {
			fresh := descs[emitted:]
			emitted = len(descs)
			sum.Descriptors = emitted
			emit(sum.Pages, fresh)
		}
		log.Debug("listing page loaded", zap.Int("page", sum.Pages), zap.Int("total", emitted))

		if sum.Pages >= d.cfg.MaxPages {
			log.Warn("page ceiling reached", zap.Int("max_pages", d.cfg.MaxPages))
			sum.Reason = StopMaxPages
			return sum, nil
		}

		trig, found, err := d.cfg.Trigger.FindTrigger(ctx, d.page)
		if err != nil {
			if ctx.Err() != nil {
				sum.Reason = StopCanceled
				return sum, ctx.Err()
			}
			log.Debug("trigger probe failed", zap.Error(err))
		}
		if !found {
			sum.Reason = StopNoTrigger
			return sum, nil
		}
		if !trig.State.Clickable() {
			log.Debug("trigger not clickable", zap.String("selector", trig.Selector),
				zap.Bool("visible", trig.State.Visible), zap.Bool("enabled", trig.State.Enabled))
			sum.Reason = StopTriggerDisabled
			return sum, nil
		}

		before, err := d.page.Count(ctx, d.listing.RowSelector)
		if err != nil {
			log.Warn("row count failed, stopping", zap.Error(err))
			sum.Reason = StopExtractFailed
			return sum, nil
		}
		sum.Cursor = DomCursor{ObservedRowCount: before}

		if err := d.page.Click(ctx, trig.Selector); err != nil {
			if ctx.Err() != nil {
				sum.Reason = StopCanceled
				return sum, ctx.Err()
			}
			log.Warn("trigger click failed, stopping", zap.String("selector", trig.Selector), zap.Error(err))
			sum.Reason = StopClickFailed
			return sum, nil
		}

		after, grown := d.waitForGrowth(ctx, before)
		if ctx.Err() != nil {
			sum.Reason = StopCanceled
			return sum, ctx.Err()
		}
		if !grown {
			log.Warn("listing did not grow before timeout",
				zap.Int("rows", before), zap.Duration("timeout", d.cfg.GrowthTimeout))
			sum.Reason = StopGrowthTimeout
			return sum, nil
		}
		sum.Cursor = DomCursor{ObservedRowCount: after}
		d.deps.Pauser.Pause(ctx, d.cfg.PoliteDelay)
	}
}

// waitForGrowth polls the row count until it exceeds before or the timeout budget is spent.
func (d *DOMGrowth) waitForGrowth(ctx context.Context, before int) (int, bool) {
	polls := int(d.cfg.GrowthTimeout / d.cfg.PollInterval)
	if polls < 1 {
		polls = 1
	}
	for i := 0; i <= polls; i++ {
		if ctx.Err() != nil {
			return before, false
		}
		n, err := d.page.Count(ctx, d.listing.RowSelector)
		if err == nil && n > before {
			return n, true
		}
		if i < polls {
			d.deps.Pauser.Pause(ctx, d.cfg.PollInterval)
		}
	}
	return before, false
}
