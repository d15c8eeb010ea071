package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/security"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/fdd-retriever/internal/filing"
)

const defaultPageTimeout = 30 * time.Second

// Chromedp is an Engine backed by headless Chrome via chromedp.
type Chromedp struct{}

// NewChromedp returns the chromedp engine.
func NewChromedp() *Chromedp {
	return &Chromedp{}
}

// Launch starts a Chrome process and waits for it to accept commands.
func (c *Chromedp) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	if err := ctx.Err(); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	// The first Run starts the process and must use the unwrapped context,
	// otherwise the browser dies with the derived one.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return &chromeBrowser{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
	}, nil
}

func allocatorOptions(opts LaunchOptions) []chromedp.ExecAllocatorOption {
	options := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if opts.Headless {
		options = append(options, chromedp.Flag("headless", "new"))
	} else {
		options = append(options, chromedp.Flag("headless", false))
	}
	options = append(options,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if opts.NoSandbox {
		options = append(options,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}
	if opts.ExecPath != "" {
		options = append(options, chromedp.ExecPath(opts.ExecPath))
	}
	for name, value := range opts.Flags {
		options = append(options, chromedp.Flag(name, value))
	}
	return options
}

type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

// NewPage opens a new tab with the user agent and TLS settings applied.
func (b *chromeBrowser) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	page := &chromePage{ctx: tabCtx, cancel: tabCancel, timeout: opts.Timeout}
	if page.timeout <= 0 {
		page.timeout = defaultPageTimeout
	}
	if err := ctx.Err(); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open page: %w", err)
	}
	// First Run on the tab context creates the target; a derived context would close it.
	if err := chromedp.Run(tabCtx, setupAction(opts)); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open page: %w", err)
	}
	return page, nil
}

func setupAction(opts PageOptions) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if opts.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(opts.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if opts.IgnoreTLSErrors {
			if err := security.SetIgnoreCertificateErrors(true).Do(ctx); err != nil {
				return fmt.Errorf("ignore certificate errors: %w", err)
			}
		}
		return nil
	})
}

// Close shuts the browser down gracefully, then tears down the allocator.
func (b *chromeBrowser) Close() error {
	err := chromedp.Cancel(b.ctx)
	b.cancel()
	b.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

type chromePage struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// run executes actions on the tab bounded by the page timeout and the caller's context.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigate %s: %w: %w", url, filing.ErrNavigation, err)
	}
	return nil
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %q: %w: %w", selector, filing.ErrElementNotFound, err)
	}
	return nil
}

func (p *chromePage) HTML(ctx context.Context, selector string) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML(selector, &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html of %q: %w: %w", selector, filing.ErrElementNotFound, err)
	}
	return html, nil
}

func (p *chromePage) Count(ctx context.Context, selector string) (int, error) {
	var n int
	expr := fmt.Sprintf(`document.querySelectorAll(%s).length`, quote(selector))
	if err := p.run(ctx, chromedp.Evaluate(expr, &n)); err != nil {
		return 0, fmt.Errorf("count %q: %w", selector, err)
	}
	return n, nil
}

const probeScript = `(function(sel) {
	const el = document.querySelector(sel);
	if (!el) { return {found: false, visible: false, enabled: false}; }
	const style = window.getComputedStyle(el);
	const rect = el.getBoundingClientRect();
	const visible = style.display !== 'none' && style.visibility !== 'hidden' && rect.width > 0 && rect.height > 0;
	const enabled = !el.disabled && el.getAttribute('aria-disabled') !== 'true' && !el.classList.contains('disabled');
	return {found: true, visible: visible, enabled: enabled};
})(%s)`

func (p *chromePage) Probe(ctx context.Context, selector string) (ElementState, error) {
	var state struct {
		Found   bool `json:"found"`
		Visible bool `json:"visible"`
		Enabled bool `json:"enabled"`
	}
	if err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(probeScript, quote(selector)), &state)); err != nil {
		return ElementState{}, fmt.Errorf("probe %q: %w", selector, err)
	}
	return ElementState{Found: state.Found, Visible: state.Visible, Enabled: state.Enabled}, nil
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %q: %w: %w", selector, filing.ErrElementNotFound, err)
	}
	return nil
}

const attributeScript = `(function(sel, name) {
	const el = document.querySelector(sel);
	if (!el || !el.hasAttribute(name)) { return {ok: false, value: ""}; }
	return {ok: true, value: el.getAttribute(name)};
})(%s, %s)`

func (p *chromePage) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	var out struct {
		OK    bool   `json:"ok"`
		Value string `json:"value"`
	}
	expr := fmt.Sprintf(attributeScript, quote(selector), quote(name))
	if err := p.run(ctx, chromedp.Evaluate(expr, &out)); err != nil {
		return "", false, fmt.Errorf("read attribute %q of %q: %w", name, selector, err)
	}
	return out.Value, out.OK, nil
}

func (p *chromePage) Cookies(ctx context.Context, urls ...string) ([]*http.Cookie, error) {
	var cookies []*network.Cookie
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := network.GetCookies()
		if len(urls) > 0 {
			params = params.WithURLs(urls)
		}
		got, err := params.Do(ctx)
		if err != nil {
			return err
		}
		cookies = got
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("read browser cookies: %w", err)
	}
	return toHTTPCookies(cookies), nil
}

func (p *chromePage) Close() error {
	err := chromedp.Cancel(p.ctx)
	p.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close page: %w", err)
	}
	return nil
}

func toHTTPCookies(src []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(src))
	for _, c := range src {
		if c == nil {
			continue
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if !c.Session && c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			hc.Expires = time.Unix(int64(sec), int64(frac*1e9)).UTC()
		}
		switch c.SameSite {
		case network.CookieSameSiteStrict:
			hc.SameSite = http.SameSiteStrictMode
		case network.CookieSameSiteLax:
			hc.SameSite = http.SameSiteLaxMode
		case network.CookieSameSiteNone:
			hc.SameSite = http.SameSiteNoneMode
		}
		out = append(out, hc)
	}
	return out
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
