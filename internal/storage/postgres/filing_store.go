package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/fdd-retriever/internal/filing"
)

// FilingStore implements filing.MetadataStore. The pool tolerates concurrent writers.
type FilingStore struct {
	db  DB
	ids filing.IDGenerator
}

// NewFilingStore builds a FilingStore over db; ids supplies primary keys.
func NewFilingStore(db DB, ids filing.IDGenerator) (*FilingStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	return &FilingStore{db: db, ids: ids}, nil
}

// Close releases the underlying pool.
func (s *FilingStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

const upsertFiling = `
INSERT INTO filings (
	id, run_id, source, jurisdiction, franchise_name, franchise_key, filing_number,
	document_type, filing_date, source_url, download_url, content_hash, blob_uri,
	size_bytes, page_count, extra, retrieved_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
)
ON CONFLICT (franchise_key, jurisdiction, filing_number, content_hash) DO UPDATE
SET run_id = EXCLUDED.run_id, blob_uri = EXCLUDED.blob_uri, retrieved_at = EXCLUDED.retrieved_at
RETURNING id`

// SaveFiling upserts the record and returns the stored filing id.
func (s *FilingStore) SaveFiling(ctx context.Context, record filing.FilingRecord) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate filing id: %w", err)
	}
	extra := record.Descriptor.Extra
	if extra == nil {
		extra = map[string]string{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return "", fmt.Errorf("marshal extra: %w", err)
	}
	var pageCount *int
	if record.PageCount > 0 {
		pageCount = &record.PageCount
	}
	key := record.Key()
	desc := record.Descriptor

	var stored string
	err = s.db.QueryRow(ctx, upsertFiling,
		id,
		record.RunID,
		record.Source,
		record.Jurisdiction,
		desc.FranchiseName,
		key.FranchiseName,
		desc.FilingNumber,
		desc.DocumentType,
		desc.FilingDate,
		desc.SourceURL,
		desc.DownloadURL,
		record.ContentHash.String(),
		record.BlobURI,
		record.SizeBytes,
		pageCount,
		extraJSON,
		record.RetrievedAt,
	).Scan(&stored)
	if err != nil {
		return "", fmt.Errorf("upsert filing: %w", err)
	}
	return stored, nil
}

const findDuplicate = `
SELECT id FROM filings
WHERE franchise_key = $1 AND jurisdiction = $2 AND filing_number = $3 AND content_hash = $4
LIMIT 1`

// FindDuplicate looks up a filing by its duplicate key.
func (s *FilingStore) FindDuplicate(ctx context.Context, key filing.DuplicateKey) (string, bool, error) {
	var id string
	err := s.db.QueryRow(ctx, findDuplicate,
		filing.NormalizeFranchiseName(key.FranchiseName),
		key.Jurisdiction,
		key.FilingNumber,
		key.ContentHash.String(),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find duplicate filing: %w", err)
	}
	return id, true, nil
}
