// Package browser abstracts the automation engine that renders portal listings.
package browser

import (
	"context"
	"net/http"
	"time"
)

// LaunchOptions controls how the browser process is started.
type LaunchOptions struct {
	Headless bool
	// NoSandbox adds the flags required to run Chrome inside a container.
	NoSandbox bool
	ExecPath  string
	Flags     map[string]any
}

// PageOptions configures the single browsing context used by a session.
type PageOptions struct {
	UserAgent       string
	IgnoreTLSErrors bool
	Timeout         time.Duration
}

// ElementState is the result of probing a selector on the current page.
type ElementState struct {
	Found   bool
	Visible bool
	Enabled bool
}

// Clickable reports whether the element can be activated.
func (s ElementState) Clickable() bool {
	return s.Found && s.Visible && s.Enabled
}

// Engine launches browser processes.
type Engine interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// Browser is one running browser process.
type Browser interface {
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
	Close() error
}

// Page is one browsing context. Implementations are not safe for concurrent use.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	HTML(ctx context.Context, selector string) (string, error)
	Count(ctx context.Context, selector string) (int, error)
	Probe(ctx context.Context, selector string) (ElementState, error)
	Click(ctx context.Context, selector string) error
	Attribute(ctx context.Context, selector, name string) (string, bool, error)
	Cookies(ctx context.Context, urls ...string) ([]*http.Cookie, error)
	Close() error
}
