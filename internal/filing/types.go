// Package filing defines the core types shared across the discovery and retrieval subsystems.
package filing

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// DefaultDocumentType is used when a listing does not label the document.
const DefaultDocumentType = "FDD"

// Well-known keys stored in Descriptor.Extra.
const (
	ExtraDocumentID    = "document_id"
	ExtraDetailURL     = "detail_url"
	ExtraNotes         = "notes"
	ExtraYear          = "year"
	ExtraPageCount     = "page_count"
	ExtraEnriched      = "enriched"
	ExtraFilingDateRaw = "filing_date_raw"

	// ExtraDocumentPending marks a descriptor whose listing row linked only a detail page;
	// DownloadURL stays empty until enrichment resolves the document link.
	ExtraDocumentPending = "document_pending"
)

// Descriptor is a structured record for one discoverable document, before its bytes are fetched.
type Descriptor struct {
	FranchiseName string            `json:"franchise_name"`
	FilingDate    *time.Time        `json:"filing_date,omitempty"`
	DocumentType  string            `json:"document_type"`
	FilingNumber  string            `json:"filing_number,omitempty"`
	SourceURL     string            `json:"source_url"`
	DownloadURL   string            `json:"download_url"`
	SizeBytes     *int64            `json:"size_bytes,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Validate reports whether the descriptor can be downloaded.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.FranchiseName) == "" {
		return fmt.Errorf("franchise name is required")
	}
	if !d.Downloadable() {
		if !isAbsolute(d.Extra[ExtraDetailURL]) {
			return fmt.Errorf("pending document needs an absolute detail url, got %q", d.Extra[ExtraDetailURL])
		}
		return nil
	}
	if _, err := url.Parse(d.DownloadURL); err != nil {
		return fmt.Errorf("parse download url: %w", err)
	}
	if !isAbsolute(d.DownloadURL) {
		return fmt.Errorf("download url %q is not absolute", d.DownloadURL)
	}
	return nil
}

// Downloadable reports whether the descriptor names the document itself rather than
// a detail page still to be resolved.
func (d Descriptor) Downloadable() bool {
	return d.Extra[ExtraDocumentPending] == ""
}

func isAbsolute(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.IsAbs() && u.Host != ""
}

// DocumentID returns the portal document identifier when one was parsed from the link.
func (d Descriptor) DocumentID() string {
	return d.Extra[ExtraDocumentID]
}

// WithExtra returns a copy of the descriptor with key set in its extension map.
func (d Descriptor) WithExtra(key, value string) Descriptor {
	extra := make(map[string]string, len(d.Extra)+1)
	for k, v := range d.Extra {
		extra[k] = v
	}
	extra[key] = value
	d.Extra = extra
	return d
}

// WithoutExtra returns a copy of the descriptor with key removed from its extension map.
func (d Descriptor) WithoutExtra(key string) Descriptor {
	if _, ok := d.Extra[key]; !ok {
		return d
	}
	extra := make(map[string]string, len(d.Extra))
	for k, v := range d.Extra {
		if k != key {
			extra[k] = v
		}
	}
	d.Extra = extra
	return d
}

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ContentHash is the lowercase hex SHA-256 digest of validated document bytes.
type ContentHash string

// Valid reports whether the hash is a well-formed 64 character hex digest.
func (h ContentHash) Valid() bool {
	return hexDigest.MatchString(string(h))
}

func (h ContentHash) String() string {
	return string(h)
}

// DuplicateKey identifies a filing for duplicate detection in the persistence layer.
type DuplicateKey struct {
	FranchiseName string
	Jurisdiction  string
	FilingNumber  string
	ContentHash   ContentHash
}

// FilingRecord is persisted for each retrieved document.
type FilingRecord struct {
	RunID        string      `json:"run_id"`
	Source       string      `json:"source"`
	Jurisdiction string      `json:"jurisdiction"`
	Descriptor   Descriptor  `json:"descriptor"`
	ContentHash  ContentHash `json:"content_hash"`
	BlobURI      string      `json:"blob_uri"`
	SizeBytes    int64       `json:"size_bytes"`
	PageCount    int         `json:"page_count,omitempty"`
	RetrievedAt  time.Time   `json:"retrieved_at"`
}

// Key derives the duplicate-check key for the record.
func (r FilingRecord) Key() DuplicateKey {
	return DuplicateKey{
		FranchiseName: NormalizeFranchiseName(r.Descriptor.FranchiseName),
		Jurisdiction:  r.Jurisdiction,
		FilingNumber:  r.Descriptor.FilingNumber,
		ContentHash:   r.ContentHash,
	}
}

var nameSpace = regexp.MustCompile(`\s+`)

// NormalizeFranchiseName folds case and whitespace so the same franchise matches across runs.
func NormalizeFranchiseName(name string) string {
	name = strings.TrimSpace(nameSpace.ReplaceAllString(name, " "))
	return strings.ToLower(name)
}

// RunStatus is the terminal state of one source run.
type RunStatus string

// Run statuses.
const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// RunReport summarizes a finished source run for the run ledger.
type RunReport struct {
	RunID       string    `json:"run_id"`
	Source      string    `json:"source"`
	Status      RunStatus `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Pages       int       `json:"pages"`
	Descriptors int       `json:"descriptors"`
	Retrieved   int       `json:"retrieved"`
	Duplicates  int       `json:"duplicates"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Error       string    `json:"error,omitempty"`
}
