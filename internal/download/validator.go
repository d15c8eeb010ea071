// Package download fetches filing documents and validates them before they are hashed.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/JakeFAU/fdd-retriever/internal/filing"
	hashsha "github.com/JakeFAU/fdd-retriever/internal/hash/sha256"
	"github.com/JakeFAU/fdd-retriever/internal/retry"
)

// DefaultMaxBytes caps a single document download.
const DefaultMaxBytes int64 = 100 << 20

var pdfMagic = []byte("%PDF")

// Config controls validation.
type Config struct {
	MaxBytes int64
	// CountPages enables the best-effort pdfcpu page count.
	CountPages bool
}

// Download is a validated document.
type Download struct {
	URL         string
	Bytes       []byte
	Hash        filing.ContentHash
	ContentType string
	PageCount   int
}

// Size returns the document length in bytes.
func (d Download) Size() int64 {
	return int64(len(d.Bytes))
}

// Validator fetches and validates documents.
type Validator struct {
	cfg    Config
	hasher filing.Hasher
	logger *zap.Logger
}

// New builds a Validator. A nil hasher defaults to SHA-256.
func New(cfg Config, hasher filing.Hasher, logger *zap.Logger) *Validator {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if hasher == nil {
		hasher = hashsha.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{cfg: cfg, hasher: hasher, logger: logger}
}

// Fetch downloads rawURL through client and validates the body. The caller is
// responsible for syncing browser cookies into the client first.
//
// Non-success statuses and empty bodies are retryable; format and size violations
// are wrapped with retry.Permanent. A size mismatch against expectedSize is only logged.
func (v *Validator) Fetch(ctx context.Context, client *resty.Client, rawURL string, expectedSize *int64) (Download, error) {
	resp, err := client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "application/pdf, application/octet-stream;q=0.9, */*;q=0.8").
		Get(rawURL)
	if err != nil {
		return Download{}, fmt.Errorf("get document: %w", err)
	}
	body := resp.RawBody()
	defer func() {
		if body != nil {
			_ = body.Close()
		}
	}()

	if !resp.IsSuccess() {
		return Download{}, &filing.StatusError{URL: rawURL, StatusCode: resp.StatusCode()}
	}
	if body == nil {
		return Download{}, fmt.Errorf("%w: %s", filing.ErrEmptyContent, rawURL)
	}

	data, err := io.ReadAll(io.LimitReader(body, v.cfg.MaxBytes+1))
	if err != nil {
		return Download{}, fmt.Errorf("read document body: %w", err)
	}
	if int64(len(data)) > v.cfg.MaxBytes {
		return Download{}, retry.Permanent(fmt.Errorf("%w: more than %d bytes from %s",
			filing.ErrTooLarge, v.cfg.MaxBytes, rawURL))
	}
	if err := Validate(data); err != nil {
		if errors.Is(err, filing.ErrInvalidFormat) {
			return Download{}, retry.Permanent(fmt.Errorf("%s: %w", rawURL, err))
		}
		return Download{}, fmt.Errorf("%s: %w", rawURL, err)
	}

	if expectedSize != nil && *expectedSize != int64(len(data)) {
		v.logger.Warn("document size differs from listing",
			zap.String("url", rawURL),
			zap.Int64("expected", *expectedSize),
			zap.Int("actual", len(data)))
	}

	digest, err := v.hasher.Hash(data)
	if err != nil {
		return Download{}, fmt.Errorf("hash document: %w", err)
	}
	dl := Download{
		URL:         rawURL,
		Bytes:       data,
		Hash:        filing.ContentHash(digest),
		ContentType: resp.Header().Get("Content-Type"),
	}
	if v.cfg.CountPages {
		dl.PageCount = v.pageCount(data)
	}
	return dl, nil
}

// Validate checks a document body: empty bodies are ErrEmptyContent, bodies without
// the PDF signature are ErrInvalidFormat.
func Validate(data []byte) error {
	if len(data) == 0 {
		return filing.ErrEmptyContent
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return filing.ErrInvalidFormat
	}
	return nil
}

var disableConfigDir sync.Once

func (v *Validator) pageCount(data []byte) (n int) {
	disableConfigDir.Do(api.DisableConfigDir)
	defer func() {
		if r := recover(); r != nil {
			v.logger.Debug("pdf page count panicked", zap.Any("panic", r))
			n = 0
		}
	}()
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	count, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		v.logger.Debug("pdf page count unavailable", zap.Error(err))
		return 0
	}
	return count
}
