// Package source describes the filing portals the retriever knows how to walk.
package source

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/fdd-retriever/internal/enrich"
	"github.com/JakeFAU/fdd-retriever/internal/extract"
	"github.com/JakeFAU/fdd-retriever/internal/paginate"
)

// Source is everything needed to enumerate one portal's filings. It is plain data;
// adding a portal means adding a value, not code.
type Source struct {
	Name         string
	Jurisdiction string
	ListingURL   string
	// BaseURL resolves relative links; ListingURL is used when empty.
	BaseURL string

	// SetupClicks are clicked in order after navigation, e.g. to submit a default search.
	SetupClicks []string
	// ReadySelector must be visible before the first page is read.
	ReadySelector     string
	ContainerSelector string
	RowSelector       string
	Schema            extract.Schema

	// Triggers are candidate "more" controls, first match wins.
	Triggers []string
	Token    *paginate.TokenConfig
	Detail   enrich.Config
}

// Validate checks the fields a discovery run depends on.
func (s Source) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("source name is required")
	}
	u, err := url.Parse(s.ListingURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("source %q: listing url %q must be absolute", s.Name, s.ListingURL)
	}
	if s.ContainerSelector == "" {
		return fmt.Errorf("source %q: container selector is required", s.Name)
	}
	if err := s.Schema.Validate(); err != nil {
		return fmt.Errorf("source %q: %w", s.Name, err)
	}
	if s.Schema.DocumentOnDetail && s.Detail.DocumentSelector == "" {
		return fmt.Errorf("source %q: detail-linked rows need a detail document selector", s.Name)
	}
	return nil
}

// Listing returns the paginator view of the source.
func (s Source) Listing() paginate.Listing {
	rows := s.RowSelector
	if rows == "" {
		rows = s.ContainerSelector + " tr"
	}
	return paginate.Listing{
		SourceURL:         s.ListingURL,
		BaseURL:           s.BaseURL,
		ContainerSelector: s.ContainerSelector,
		RowSelector:       rows,
		Schema:            s.Schema,
	}
}

// Ready returns the selector to wait for after navigation.
func (s Source) Ready() string {
	if s.ReadySelector != "" {
		return s.ReadySelector
	}
	return s.ContainerSelector
}

// PaginationSettings are the run-wide pagination knobs from configuration.
type PaginationSettings struct {
	MaxPages      int
	GrowthTimeout time.Duration
	PollInterval  time.Duration
	PageDelay     time.Duration
}

// Pagination combines the source's selectors with run-wide settings.
func (s Source) Pagination(ps PaginationSettings) paginate.Config {
	cfg := paginate.Config{
		DOM: paginate.DOMGrowthConfig{
			Trigger:       paginate.Selectors(s.Triggers...),
			GrowthTimeout: ps.GrowthTimeout,
			PollInterval:  ps.PollInterval,
			MaxPages:      ps.MaxPages,
			PoliteDelay:   ps.PageDelay,
		},
	}
	if s.Token != nil {
		tok := *s.Token
		tok.MaxPages = ps.MaxPages
		tok.PoliteDelay = ps.PageDelay
		cfg.Token = &tok
	}
	return cfg
}

// Override replaces selected fields of a built-in source from configuration.
type Override struct {
	ListingURL string
	BaseURL    string
	Endpoint   string
	Disabled   bool
}

// Catalog is a named set of sources.
type Catalog struct {
	sources map[string]Source
}

// NewCatalog builds a catalog from srcs; later duplicates replace earlier ones.
func NewCatalog(srcs ...Source) *Catalog {
	c := &Catalog{sources: make(map[string]Source, len(srcs))}
	for _, s := range srcs {
		c.sources[s.Name] = s
	}
	return c
}

// Default returns the catalog of built-in portals.
func Default() *Catalog {
	return NewCatalog(Minnesota(), Wisconsin())
}

// Apply merges overrides into the catalog, dropping disabled sources.
func (c *Catalog) Apply(overrides map[string]Override) error {
	for name, o := range overrides {
		s, ok := c.sources[name]
		if !ok {
			return fmt.Errorf("override for unknown source %q", name)
		}
		if o.Disabled {
			delete(c.sources, name)
			continue
		}
		if o.ListingURL != "" {
			s.ListingURL = o.ListingURL
		}
		if o.BaseURL != "" {
			s.BaseURL = o.BaseURL
		}
		if o.Endpoint != "" && s.Token != nil {
			tok := *s.Token
			tok.Endpoint = o.Endpoint
			s.Token = &tok
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("apply override: %w", err)
		}
		c.sources[name] = s
	}
	return nil
}

// Get returns the named source.
func (c *Catalog) Get(name string) (Source, bool) {
	s, ok := c.sources[name]
	return s, ok
}

// Names returns the sorted source names.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.sources))
	for n := range c.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Select returns the named sources, or every source when names is empty.
func (c *Catalog) Select(names ...string) ([]Source, error) {
	if len(names) == 0 {
		names = c.Names()
	}
	out := make([]Source, 0, len(names))
	for _, n := range names {
		s, ok := c.sources[n]
		if !ok {
			return nil, fmt.Errorf("unknown source %q (known: %s)", n, strings.Join(c.Names(), ", "))
		}
		out = append(out, s)
	}
	return out, nil
}
