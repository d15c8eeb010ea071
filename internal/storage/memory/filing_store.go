package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/fdd-retriever/internal/filing"
)

// FilingStore is an in-memory filing.MetadataStore safe for concurrent runs.
type FilingStore struct {
	mu      sync.RWMutex
	records map[string]filing.FilingRecord
	order   []string
	byKey   map[filing.DuplicateKey]string
	seq     int
}

// NewFilingStore constructs a FilingStore.
func NewFilingStore() *FilingStore {
	return &FilingStore{
		records: make(map[string]filing.FilingRecord),
		byKey:   make(map[filing.DuplicateKey]string),
	}
}

// SaveFiling stores the record; saving the same duplicate key again returns the existing id.
func (s *FilingStore) SaveFiling(_ context.Context, record filing.FilingRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := record.Key()
	if id, ok := s.byKey[key]; ok {
		s.records[id] = record
		return id, nil
	}
	s.seq++
	id := fmt.Sprintf("filing-%d", s.seq)
	s.records[id] = record
	s.byKey[key] = id
	s.order = append(s.order, id)
	return id, nil
}

// FindDuplicate reports whether a filing with key was already saved.
func (s *FilingStore) FindDuplicate(_ context.Context, key filing.DuplicateKey) (string, bool, error) {
	key.FranchiseName = filing.NormalizeFranchiseName(key.FranchiseName)
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	return id, ok, nil
}

// Records returns saved records in insertion order.
func (s *FilingStore) Records() []filing.FilingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]filing.FilingRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}
