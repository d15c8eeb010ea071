// Package session owns the browser and HTTP resources of a single discovery run.
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/fdd-retriever/internal/browser"
	"github.com/JakeFAU/fdd-retriever/internal/filing"
)

// DefaultUserAgents is the fixed pool a session draws its identity from.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4.1 Safari/605.1.15",
}

// Config controls session resources.
type Config struct {
	Headless         bool
	NoSandbox        bool
	ExecPath         string
	PageTimeout      time.Duration
	HTTPTimeout      time.Duration
	IgnoreTLSErrors  bool
	CloudflareBypass bool
	MaxRedirects     int
	UserAgents       []string
}

func (c Config) withDefaults() Config {
	if c.PageTimeout <= 0 {
		c.PageTimeout = 30 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 60 * time.Second
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 10
	}
	if len(c.UserAgents) == 0 {
		c.UserAgents = DefaultUserAgents
	}
	return c
}

// Manager acquires and releases Sessions.
type Manager struct {
	cfg    Config
	engine browser.Engine
	logger *zap.Logger
	pick   func(pool []string) string
}

// Option customizes a Manager.
type Option func(*Manager)

// WithUserAgentPicker overrides the random user-agent selection.
func WithUserAgentPicker(fn func(pool []string) string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.pick = fn
		}
	}
}

// NewManager builds a Manager around engine.
func NewManager(cfg Config, engine browser.Engine, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:    cfg.withDefaults(),
		engine: engine,
		logger: logger,
		pick:   randomPick,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func randomPick(pool []string) string {
	return pool[rand.IntN(len(pool))]
}

type closer struct {
	name string
	fn   func() error
}

// Session bundles one browser, one page and one HTTP client sharing cookie state.
// It must only be driven from one goroutine.
type Session struct {
	userAgent string
	page      browser.Page
	http      *resty.Client
	jar       http.CookieJar
	logger    *zap.Logger

	once    sync.Once
	closers []closer
}

// Page returns the session's single browsing context.
func (s *Session) Page() browser.Page { return s.page }

// HTTP returns the session's HTTP client.
func (s *Session) HTTP() *resty.Client { return s.http }

// Jar returns the cookie jar shared by the HTTP client.
func (s *Session) Jar() http.CookieJar { return s.jar }

// UserAgent returns the identity used by both the browser and the HTTP client.
func (s *Session) UserAgent() string { return s.userAgent }

func (s *Session) push(name string, fn func() error) {
	s.closers = append(s.closers, closer{name: name, fn: fn})
}

// Acquire starts the browser, opens the page and builds the HTTP client.
// Any failure rolls back what was created and wraps filing.ErrSessionInitialization.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	ua := m.pick(m.cfg.UserAgents)
	sess := &Session{userAgent: ua, logger: m.logger}

	b, err := m.engine.Launch(ctx, browser.LaunchOptions{
		Headless:  m.cfg.Headless,
		NoSandbox: m.cfg.NoSandbox,
		ExecPath:  m.cfg.ExecPath,
	})
	if err != nil {
		return nil, m.abort(sess, "launch browser", err)
	}
	sess.push("browser", b.Close)

	page, err := b.NewPage(ctx, browser.PageOptions{
		UserAgent:       ua,
		IgnoreTLSErrors: m.cfg.IgnoreTLSErrors,
		Timeout:         m.cfg.PageTimeout,
	})
	if err != nil {
		return nil, m.abort(sess, "open page", err)
	}
	sess.page = page
	sess.push("page", page.Close)

	client, jar, err := m.newHTTPClient(ua)
	if err != nil {
		return nil, m.abort(sess, "build http client", err)
	}
	sess.http = client
	sess.jar = jar
	sess.push("http client", func() error {
		client.GetClient().CloseIdleConnections()
		return nil
	})

	m.logger.Debug("session acquired", zap.String("user_agent", ua))
	return sess, nil
}

func (m *Manager) abort(sess *Session, step string, err error) error {
	sess.Release()
	m.logger.Error("session initialization failed", zap.String("step", step), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", filing.ErrSessionInitialization, step, err)
}

func (m *Manager) newHTTPClient(ua string) (*resty.Client, http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, nil, fmt.Errorf("create cookie jar: %w", err)
	}
	client := resty.New()
	client.SetCookieJar(jar)
	client.SetHeader("User-Agent", ua)
	client.SetTimeout(m.cfg.HTTPTimeout)
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(m.cfg.MaxRedirects))
	if m.cfg.IgnoreTLSErrors {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // portals ship broken chains
	}
	if m.cfg.CloudflareBypass {
		client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	}
	return client, jar, nil
}

// Release closes every acquired handle in reverse order. Errors are logged, never returned.
// It is safe to call more than once and on a partially built session.
func (s *Session) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		for i := len(s.closers) - 1; i >= 0; i-- {
			s.closeOne(s.closers[i])
		}
		s.closers = nil
	})
}

func (s *Session) closeOne(c closer) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during session teardown", zap.String("resource", c.name), zap.Any("panic", r))
		}
	}()
	if err := c.fn(); err != nil {
		s.logger.Warn("session teardown error", zap.String("resource", c.name), zap.Error(err))
	}
}

// With acquires a session, runs fn and releases the session on every exit path.
func (m *Manager) With(ctx context.Context, fn func(ctx context.Context, sess *Session) error) error {
	sess, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer sess.Release()
	return fn(ctx, sess)
}

// SyncAuth copies cookies visible to the browser into the HTTP client's jar.
// Call it right before any HTTP request that depends on state set by browser navigation.
func (s *Session) SyncAuth(ctx context.Context, urls ...string) (int, error) {
	if s.page == nil || s.jar == nil {
		return 0, fmt.Errorf("sync auth: session not initialized")
	}
	cookies, err := s.page.Cookies(ctx, urls...)
	if err != nil {
		return 0, fmt.Errorf("sync auth: %w", err)
	}
	byOrigin := make(map[string][]*http.Cookie)
	origins := make(map[string]*url.URL)
	for _, c := range cookies {
		u := cookieURL(c)
		if u == nil {
			continue
		}
		key := u.String()
		origins[key] = u
		cp := *c
		if !strings.HasPrefix(cp.Domain, ".") {
			// Host-only cookie: the jar derives the host from the URL.
			cp.Domain = ""
		}
		byOrigin[key] = append(byOrigin[key], &cp)
	}
	synced := 0
	for key, batch := range byOrigin {
		s.jar.SetCookies(origins[key], batch)
		synced += len(batch)
	}
	s.logger.Debug("synced browser cookies", zap.Int("count", synced))
	return synced, nil
}

func cookieURL(c *http.Cookie) *url.URL {
	host := strings.TrimPrefix(c.Domain, ".")
	if host == "" {
		return nil
	}
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	return &url.URL{Scheme: scheme, Host: host, Path: path}
}
