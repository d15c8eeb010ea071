package paginate

import (
	"context"

	"go.uber.org/zap"
)

// Config carries the settings for both strategies. Token may be nil for portals
// that never expose a continuation payload.
type Config struct {
	DOM   DOMGrowthConfig
	Token *TokenConfig
}

// Select probes the live page and returns the paginator to drive it.
// A clickable trigger selects DOM growth even when a payload is also present;
// without one, a continuation payload selects the token strategy; otherwise
// DOM growth is returned and stops after the first page.
func Select(ctx context.Context, sess Session, listing Listing, cfg Config, deps Deps) Paginator {
	deps = deps.withDefaults()
	page := sess.Page()
	dom := NewDOMGrowth(page, listing, cfg.DOM, deps)

	if cfg.DOM.Trigger != nil {
		trig, found, err := cfg.DOM.Trigger.FindTrigger(ctx, page)
		if err != nil {
			deps.Logger.Debug("trigger probe failed during strategy selection", zap.Error(err))
		}
		if found && trig.State.Clickable() {
			return dom
		}
	}
	if cfg.Token != nil && cfg.Token.PayloadSelector != "" && cfg.Token.PayloadAttr != "" {
		if _, ok, err := page.Attribute(ctx, cfg.Token.PayloadSelector, cfg.Token.PayloadAttr); err == nil && ok {
			deps.Logger.Debug("continuation payload found, using token strategy",
				zap.String("source_url", listing.SourceURL))
			return NewToken(sess, listing, *cfg.Token, deps)
		}
	}
	return dom
}
