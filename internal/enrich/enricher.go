// Package enrich fills descriptor fields from per-filing detail pages.
package enrich

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/fdd-retriever/internal/extract"
	"github.com/JakeFAU/fdd-retriever/internal/filing"
	"github.com/JakeFAU/fdd-retriever/internal/retry"
)

// Session is the part of a browser session the enricher borrows.
type Session interface {
	Jar() http.CookieJar
	UserAgent() string
	SyncAuth(ctx context.Context, urls ...string) (int, error)
}

// Config describes a portal's detail page. Fields maps descriptor fields
// (filing_number, filing_date, document_type or any extra key) to CSS selectors.
type Config struct {
	Fields map[string]string
	// DocumentSelector, when set, replaces the download URL with the detail page's document link.
	DocumentSelector string
	DateLayouts      []string
	Timeout          time.Duration
}

// Enabled reports whether the config describes anything to enrich.
func (c Config) Enabled() bool {
	return len(c.Fields) > 0 || c.DocumentSelector != ""
}

// Enricher fetches detail pages with colly using the session's cookies and identity.
type Enricher struct {
	cfg    Config
	logger *zap.Logger
}

// New builds an Enricher.
func New(cfg Config, logger *zap.Logger) *Enricher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{cfg: cfg, logger: logger}
}

// Enrich returns a new descriptor with the detail-page fields applied. Descriptors
// without a detail URL are returned unchanged.
func (e *Enricher) Enrich(ctx context.Context, sess Session, desc filing.Descriptor) (filing.Descriptor, error) {
	detail := desc.Extra[filing.ExtraDetailURL]
	if detail == "" || !e.cfg.Enabled() {
		return desc, nil
	}
	if _, err := sess.SyncAuth(ctx, detail); err != nil {
		e.logger.Debug("cookie sync before detail page failed", zap.Error(err))
	}

	var (
		page     *goquery.Selection
		finalURL *url.URL
		fetchErr error
	)
	collector := colly.NewCollector(
		colly.UserAgent(sess.UserAgent()),
		colly.AllowURLRevisit(),
	)
	collector.SetCookieJar(sess.Jar())
	collector.SetRequestTimeout(e.cfg.Timeout)
	collector.OnHTML("html", func(el *colly.HTMLElement) {
		page = el.DOM
		finalURL = el.Request.URL
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = &filing.StatusError{URL: detail, StatusCode: r.StatusCode}
			return
		}
		fetchErr = err
	})

	if err := runCollector(ctx, collector, detail, &fetchErr); err != nil {
		return desc, err
	}
	if page == nil {
		return desc, fmt.Errorf("%w: detail page %s has no html", filing.ErrEmptyContent, detail)
	}
	return e.apply(desc, page, finalURL)
}

func (e *Enricher) apply(desc filing.Descriptor, page *goquery.Selection, base *url.URL) (filing.Descriptor, error) {
	out := desc
	for field, sel := range e.cfg.Fields {
		value := strings.Join(strings.Fields(page.Find(sel).First().Text()), " ")
		if value == "" {
			continue
		}
		switch extract.Field(field) {
		case extract.FieldFilingNumber:
			out.FilingNumber = value
		case extract.FieldDocumentType:
			out.DocumentType = value
		case extract.FieldFilingDate:
			when, err := extract.ParseDate(value, e.cfg.DateLayouts)
			if err != nil {
				e.logger.Debug("unparseable detail date", zap.String("value", value), zap.Error(err))
				continue
			}
			out.FilingDate = &when
		case extract.FieldSize:
			if size, ok := extract.ParseSize(value); ok {
				out.SizeBytes = &size
			}
		default:
			out = out.WithExtra(field, value)
		}
	}
	if e.cfg.DocumentSelector != "" {
		abs, ok := documentLink(page, e.cfg.DocumentSelector, base)
		if !ok {
			detail := desc.Extra[filing.ExtraDetailURL]
			if !desc.Downloadable() {
				return desc, retry.Permanent(fmt.Errorf("%w: no document link %q on %s",
					filing.ErrElementNotFound, e.cfg.DocumentSelector, detail))
			}
			e.logger.Warn("detail page has no document link, keeping listing url",
				zap.String("detail_url", detail), zap.String("selector", e.cfg.DocumentSelector))
			return out, nil
		}
		out.DownloadURL = abs
		out = out.WithoutExtra(filing.ExtraDocumentPending)
		if id := extract.DocumentID(abs); id != "" {
			out = out.WithExtra(filing.ExtraDocumentID, id)
		}
	}
	out = out.WithExtra(filing.ExtraEnriched, "true")
	if err := out.Validate(); err != nil {
		return desc, fmt.Errorf("enriched descriptor: %w", err)
	}
	return out, nil
}

func documentLink(page *goquery.Selection, selector string, base *url.URL) (string, bool) {
	href, ok := page.Find(selector).First().Attr("href")
	if !ok {
		return "", false
	}
	return extract.ResolveLink(base, href)
}

func runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("detail fetch canceled: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("detail fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("detail response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("detail visit failed: %w", err)
		}
		return nil
	}
}
