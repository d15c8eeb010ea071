// Package browsertest provides scriptable in-memory browser fakes for tests.
package browsertest

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/JakeFAU/fdd-retriever/internal/browser"
	"github.com/JakeFAU/fdd-retriever/internal/filing"
)

// Engine is a browser.Engine returning a preconfigured Browser.
type Engine struct {
	mu        sync.Mutex
	Browser   *Browser
	LaunchErr error
	Launches  int
	Options   []browser.LaunchOptions
}

// Launch implements browser.Engine.
func (e *Engine) Launch(_ context.Context, opts browser.LaunchOptions) (browser.Browser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Launches++
	e.Options = append(e.Options, opts)
	if e.LaunchErr != nil {
		return nil, e.LaunchErr
	}
	if e.Browser == nil {
		e.Browser = &Browser{Page: &Page{}}
	}
	return e.Browser, nil
}

// Browser is a fake browser process.
type Browser struct {
	mu       sync.Mutex
	Page     *Page
	PageErr  error
	CloseErr error
	Closed   bool
	PageOpts []browser.PageOptions
	// Events records teardown order shared with the page when set.
	Events *[]string
}

// NewPage implements browser.Browser.
func (b *Browser) NewPage(_ context.Context, opts browser.PageOptions) (browser.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PageOpts = append(b.PageOpts, opts)
	if b.PageErr != nil {
		return nil, b.PageErr
	}
	if b.Page == nil {
		b.Page = &Page{}
	}
	if b.Page.Events == nil {
		b.Page.Events = b.Events
	}
	return b.Page, nil
}

// Close implements browser.Browser.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Closed = true
	record(b.Events, "browser")
	return b.CloseErr
}

// Page is a fake browsing context driven by optional hooks and static maps.
type Page struct {
	mu sync.Mutex

	NavigateFunc  func(url string) error
	HTMLFunc      func(selector string) (string, error)
	CountFunc     func(selector string) (int, error)
	ProbeFunc     func(selector string) (browser.ElementState, error)
	ClickFunc     func(selector string) error
	AttributeFunc func(selector, name string) (string, bool, error)

	Fragments  map[string]string
	States     map[string]browser.ElementState
	Attributes map[string]map[string]string
	Jar        []*http.Cookie
	CookieErr  error
	CloseErr   error

	Navigations []string
	Clicks      []string
	CookieURLs  [][]string
	Closed      bool
	Events      *[]string
}

// Navigate implements browser.Page.
func (p *Page) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	p.Navigations = append(p.Navigations, url)
	fn := p.NavigateFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(url)
	}
	return nil
}

// WaitVisible implements browser.Page.
func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	state, err := p.Probe(ctx, selector)
	if err != nil {
		return err
	}
	if !state.Found || !state.Visible {
		return fmt.Errorf("wait for %q: %w", selector, filing.ErrElementNotFound)
	}
	return nil
}

// HTML implements browser.Page.
func (p *Page) HTML(_ context.Context, selector string) (string, error) {
	if p.HTMLFunc != nil {
		return p.HTMLFunc(selector)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	html, ok := p.Fragments[selector]
	if !ok {
		return "", fmt.Errorf("read html of %q: %w", selector, filing.ErrElementNotFound)
	}
	return html, nil
}

// Count implements browser.Page.
func (p *Page) Count(_ context.Context, selector string) (int, error) {
	if p.CountFunc != nil {
		return p.CountFunc(selector)
	}
	return 0, nil
}

// Probe implements browser.Page.
func (p *Page) Probe(_ context.Context, selector string) (browser.ElementState, error) {
	if p.ProbeFunc != nil {
		return p.ProbeFunc(selector)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.States[selector], nil
}

// Click implements browser.Page.
func (p *Page) Click(_ context.Context, selector string) error {
	p.mu.Lock()
	p.Clicks = append(p.Clicks, selector)
	fn := p.ClickFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(selector)
	}
	return nil
}

// Attribute implements browser.Page.
func (p *Page) Attribute(_ context.Context, selector, name string) (string, bool, error) {
	if p.AttributeFunc != nil {
		return p.AttributeFunc(selector, name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	attrs, ok := p.Attributes[selector]
	if !ok {
		return "", false, nil
	}
	v, ok := attrs[name]
	return v, ok, nil
}

// Cookies implements browser.Page.
func (p *Page) Cookies(_ context.Context, urls ...string) ([]*http.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CookieURLs = append(p.CookieURLs, urls)
	if p.CookieErr != nil {
		return nil, p.CookieErr
	}
	out := make([]*http.Cookie, len(p.Jar))
	copy(out, p.Jar)
	return out, nil
}

// Close implements browser.Page.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	record(p.Events, "page")
	return p.CloseErr
}

// ClickCount returns how many clicks were recorded.
func (p *Page) ClickCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Clicks)
}

func record(events *[]string, name string) {
	if events != nil {
		*events = append(*events, name)
	}
}
