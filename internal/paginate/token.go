package paginate

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/fdd-retriever/internal/browser"
)

// Session is the slice of a browser session the token strategy needs.
type Session interface {
	Page() browser.Page
	HTTP() *resty.Client
	SyncAuth(ctx context.Context, urls ...string) (int, error)
}

// TokenConfig tunes the continuation-token strategy.
type TokenConfig struct {
	// PayloadSelector and PayloadAttr locate the JSON continuation payload, both
	// on the live page and inside returned fragments.
	PayloadSelector string
	PayloadAttr     string
	// Endpoint is the next-page URL, absolute or relative to the listing.
	Endpoint    string
	ExtraFields map[string]string
	Headers     map[string]string
	MaxPages    int
	PoliteDelay time.Duration
}

// Token pages through a listing by POSTing an opaque cursor to a fixed endpoint.
type Token struct {
	cfg     TokenConfig
	listing Listing
	sess    Session
	deps    Deps
}

// NewToken builds the token paginator.
func NewToken(sess Session, listing Listing, cfg TokenConfig, deps Deps) *Token {
	cfg.MaxPages = maxPages(cfg.MaxPages)
	return &Token{cfg: cfg, listing: listing, sess: sess, deps: deps.withDefaults()}
}

// Strategy implements Paginator.
func (t *Token) Strategy() string { return StrategyToken }

// Run implements Paginator. The first page is the listing already rendered in the
// browser; later pages come from the endpoint. HTTP failures end the run quietly.
func (t *Token) Run(ctx context.Context, emit EmitFunc) (Summary, error) {
	log := t.deps.Logger.With(zap.String("strategy", StrategyToken), zap.String("source_url", t.listing.SourceURL))
	sum := Summary{Strategy: StrategyToken}

	if err := ctx.Err(); err != nil {
		sum.Reason = StopCanceled
		return sum, err
	}
	page := t.sess.Page()
	html, err := page.HTML(ctx, t.listing.ContainerSelector)
	if err != nil {
		return sum, fmt.Errorf("read first listing page: %w", err)
	}
	t.emitPage(&sum, html, emit)

	raw, ok, err := page.Attribute(ctx, t.cfg.PayloadSelector, t.cfg.PayloadAttr)
	if err != nil || !ok {
		log.Debug("no continuation payload on first page", zap.Error(err))
		sum.Reason = StopNoToken
		return sum, nil
	}
	cur, err := ParseTokenCursor(raw)
	if err != nil {
		log.Warn("unreadable continuation payload", zap.Error(err))
		sum.Reason = StopNoToken
		return sum, nil
	}

	endpoint, err := t.endpoint()
	if err != nil {
		log.Warn("invalid next-page endpoint", zap.Error(err))
		sum.Reason = StopHTTPFailure
		return sum, nil
	}

	for {
		sum.Cursor = cur
		if sum.Pages >= t.cfg.MaxPages {
			log.Warn("page ceiling reached", zap.Int("max_pages", t.cfg.MaxPages))
			sum.Reason = StopMaxPages
			return sum, nil
		}
		if err := ctx.Err(); err != nil {
			sum.Reason = StopCanceled
			return sum, err
		}
		t.deps.Pauser.Pause(ctx, t.cfg.PoliteDelay)

		fragment, err := t.fetch(ctx, endpoint, cur)
		if err != nil {
			if ctx.Err() != nil {
				sum.Reason = StopCanceled
				return sum, ctx.Err()
			}
			log.Warn("next page request failed, treating as empty page",
				zap.Int("page_number", cur.PageNumber), zap.Error(err))
			sum.Reason = StopHTTPFailure
			return sum, nil
		}
		t.emitPage(&sum, fragment, emit)

		next, ok := t.findPayload(fragment)
		if !ok {
			sum.Reason = StopNoToken
			return sum, nil
		}
		cur = next
	}
}

func (t *Token) emitPage(sum *Summary, html string, emit EmitFunc) {
	descs, stats := t.deps.Extractor.ExtractWithStats(html, t.listing.base(), t.listing.Schema)
	sum.Pages++
	sum.Skipped += stats.Skipped()
	sum.Descriptors += len(descs)
	if len(descs) > 0 {
		emit(sum.Pages, descs)
	}
}

func (t *Token) endpoint() (string, error) {
	ref, err := url.Parse(strings.TrimSpace(t.cfg.Endpoint))
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(t.listing.SourceURL)
	if err != nil || !base.IsAbs() {
		return "", fmt.Errorf("relative endpoint %q without absolute listing url", t.cfg.Endpoint)
	}
	return base.ResolveReference(ref).String(), nil
}

func (t *Token) fetch(ctx context.Context, endpoint string, cur TokenCursor) (string, error) {
	if _, err := t.sess.SyncAuth(ctx, endpoint, t.listing.SourceURL); err != nil {
		t.deps.Logger.Debug("cookie sync before next page failed", zap.Error(err))
	}
	form := cur.Form()
	for k, v := range t.cfg.ExtraFields {
		form[k] = v
	}
	req := t.sess.HTTP().R().
		SetContext(ctx).
		SetHeader("X-Requested-With", "XMLHttpRequest").
		SetHeader("Accept", "text/html, */*; q=0.01").
		SetHeader("Referer", t.listing.SourceURL).
		SetFormData(form)
	if origin := originOf(t.listing.SourceURL); origin != "" {
		req.SetHeader("Origin", origin)
	}
	for k, v := range t.cfg.Headers {
		req.SetHeader(k, v)
	}
	resp, err := req.Post(endpoint)
	if err != nil {
		return "", fmt.Errorf("post next page: %w", err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("post next page: unexpected status %d", resp.StatusCode())
	}
	return resp.String(), nil
}

func (t *Token) findPayload(fragment string) (TokenCursor, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return TokenCursor{}, false
	}
	sel := t.cfg.PayloadSelector
	if sel == "" {
		sel = "[" + t.cfg.PayloadAttr + "]"
	}
	var (
		cur   TokenCursor
		found bool
	)
	doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw, ok := s.Attr(t.cfg.PayloadAttr)
		if !ok {
			return true
		}
		parsed, err := ParseTokenCursor(raw)
		if err != nil {
			t.deps.Logger.Debug("skipping unreadable continuation payload", zap.Error(err))
			return true
		}
		cur, found = parsed, true
		return false
	})
	return cur, found
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
