// Package paginate drives a portal listing to exhaustion using one of two continuation strategies.
package paginate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fdd-retriever/internal/extract"
	"github.com/JakeFAU/fdd-retriever/internal/filing"
	"github.com/JakeFAU/fdd-retriever/internal/policy/pause"
)

// Strategy names.
const (
	StrategyDOMGrowth = "dom_growth"
	StrategyToken     = "token"
)

// DefaultMaxPages guards against runaway loops caused by misread markup.
const DefaultMaxPages = 500

// StopReason explains why a paginator reached the Exhausted state.
type StopReason string

// Stop reasons.
const (
	StopNoTrigger       StopReason = "no_trigger"
	StopTriggerDisabled StopReason = "trigger_disabled"
	StopClickFailed     StopReason = "click_failed"
	StopGrowthTimeout   StopReason = "growth_timeout"
	StopExtractFailed   StopReason = "extract_failed"
	StopMaxPages        StopReason = "max_pages"
	StopNoToken         StopReason = "no_token"
	StopHTTPFailure     StopReason = "http_failure"
	StopCanceled        StopReason = "canceled"
)

// Summary reports what a paginator did.
type Summary struct {
	Strategy    string
	Pages       int
	Descriptors int
	Skipped     int
	Reason      StopReason
	Cursor      Cursor
}

// EmitFunc receives descriptors newly discovered on one page, in listing order.
type EmitFunc func(page int, descs []filing.Descriptor)

// Paginator enumerates every page of a listing.
// Run returns an error only when the first page cannot be read or ctx is canceled.
type Paginator interface {
	Strategy() string
	Run(ctx context.Context, emit EmitFunc) (Summary, error)
}

// Listing locates the result set on a portal page.
type Listing struct {
	SourceURL string
	// BaseURL resolves relative document links; SourceURL is used when empty.
	BaseURL string
	// ContainerSelector selects the element whose HTML holds every rendered row.
	ContainerSelector string
	// RowSelector counts rows in the live page.
	RowSelector string
	Schema      extract.Schema
}

func (l Listing) base() string {
	if l.BaseURL != "" {
		return l.BaseURL
	}
	return l.SourceURL
}

// Cursor is the pagination position: a DomCursor or a TokenCursor.
type Cursor interface {
	cursor()
}

// DomCursor advances by observing row-count growth in the live page.
type DomCursor struct {
	ObservedRowCount int
}

func (DomCursor) cursor() {}

// TokenCursor advances by resubmitting an opaque token to the next-page endpoint.
type TokenCursor struct {
	Token         string
	PageNumber    int
	DocumentClass string
}

func (TokenCursor) cursor() {}

type tokenPayload struct {
	DocumentClass string      `json:"documentClass"`
	PageToken     string      `json:"pageToken"`
	PageNumber    json.Number `json:"pageNumber"`
}

// ParseTokenCursor decodes the JSON continuation payload embedded in portal markup.
func ParseTokenCursor(raw string) (TokenCursor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return TokenCursor{}, fmt.Errorf("parse continuation payload: empty")
	}
	var p tokenPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return TokenCursor{}, fmt.Errorf("parse continuation payload: %w", err)
	}
	if p.PageToken == "" {
		return TokenCursor{}, fmt.Errorf("parse continuation payload: missing page token")
	}
	cur := TokenCursor{Token: p.PageToken, DocumentClass: p.DocumentClass}
	if p.PageNumber != "" {
		n, err := strconv.Atoi(p.PageNumber.String())
		if err != nil {
			return TokenCursor{}, fmt.Errorf("parse continuation payload: page number: %w", err)
		}
		cur.PageNumber = n
	}
	return cur, nil
}

// Form returns the form fields submitted to the next-page endpoint.
func (c TokenCursor) Form() map[string]string {
	return map[string]string{
		"documentClass": c.DocumentClass,
		"pageToken":     c.Token,
		"pageNumber":    strconv.Itoa(c.PageNumber),
	}
}

// Deps are collaborators shared by both paginator variants.
type Deps struct {
	Extractor *extract.Extractor
	Pauser    pause.Pauser
	Logger    *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Extractor == nil {
		d.Extractor = extract.New(d.Logger)
	}
	if d.Pauser == nil {
		d.Pauser = pause.Timer{}
	}
	return d
}

func maxPages(n int) int {
	if n <= 0 {
		return DefaultMaxPages
	}
	return n
}

func positive(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
