// Package extract maps rendered listing fragments into filing descriptors.
package extract

import (
	"fmt"
	"strings"
)

// Field is the semantic meaning of one listing column.
type Field string

// Known column fields. Any other tag is copied into Descriptor.Extra under its own name.
const (
	FieldFranchiseName Field = "franchise_name"
	FieldDocumentType  Field = "document_type"
	FieldFilingDate    Field = "filing_date"
	FieldFilingNumber  Field = "filing_number"
	FieldYear          Field = "year"
	FieldNotes         Field = "notes"
	FieldSize          Field = "size"
	FieldLink          Field = "link"
	FieldIgnore        Field = "-"
)

// DefaultDateLayouts are tried in order when a schema does not list its own.
var DefaultDateLayouts = []string{
	"01/02/2006",
	"1/2/2006",
	"2006-01-02",
	"Jan 2, 2006",
	"January 2, 2006",
	"01/02/2006 3:04:05 PM",
}

// Schema describes one portal's listing table as data.
type Schema struct {
	Name string
	// Columns maps column index to semantic field.
	Columns []Field
	// RowSelector selects candidate rows inside the fragment.
	RowSelector string
	// HeaderSentinel is a cell value that marks the header row.
	HeaderSentinel string
	MinColumns     int
	// LinkColumn is the column holding the document anchor; -1 searches the whole row.
	LinkColumn   int
	LinkSelector string
	LinkAttr     string
	// DetailSelector optionally locates a per-filing detail page link inside the row,
	// recorded under filing.ExtraDetailURL for enrichment.
	DetailSelector string
	// DocumentOnDetail means the row link leads to a detail page, not the document.
	// Descriptors then carry the link as their detail URL and are marked pending.
	DocumentOnDetail bool
	// TypeMarker must appear (case-insensitive) in the document type column when set.
	TypeMarker string
	// ExcludeKeywords drop a row when any appears in the notes column.
	ExcludeKeywords     []string
	DateLayouts         []string
	DefaultDocumentType string
}

// Validate checks that the schema can drive the extractor.
func (s Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema %q: no columns", s.Name)
	}
	if s.index(FieldFranchiseName) < 0 {
		return fmt.Errorf("schema %q: missing %s column", s.Name, FieldFranchiseName)
	}
	if s.LinkColumn >= len(s.Columns) {
		return fmt.Errorf("schema %q: link column %d out of range", s.Name, s.LinkColumn)
	}
	if s.MinColumns > len(s.Columns) {
		return fmt.Errorf("schema %q: min columns %d exceeds %d columns", s.Name, s.MinColumns, len(s.Columns))
	}
	return nil
}

func (s Schema) withDefaults() Schema {
	if s.RowSelector == "" {
		s.RowSelector = "tr"
	}
	if s.LinkSelector == "" {
		s.LinkSelector = "a[href]"
	}
	if s.LinkAttr == "" {
		s.LinkAttr = "href"
	}
	if s.MinColumns <= 0 {
		s.MinColumns = len(s.Columns)
	}
	if len(s.DateLayouts) == 0 {
		s.DateLayouts = DefaultDateLayouts
	}
	if s.DefaultDocumentType == "" {
		s.DefaultDocumentType = "FDD"
	}
	return s
}

func (s Schema) index(f Field) int {
	for i, c := range s.Columns {
		if c == f {
			return i
		}
	}
	return -1
}

func (s Schema) isHeader(cells []string) bool {
	if s.HeaderSentinel == "" {
		return false
	}
	for _, c := range cells {
		if strings.EqualFold(c, s.HeaderSentinel) {
			return true
		}
	}
	return false
}

func (s Schema) accepts(docType, notes string) bool {
	if s.TypeMarker != "" && s.index(FieldDocumentType) >= 0 && !strings.Contains(strings.ToLower(docType), strings.ToLower(s.TypeMarker)) {
		return false
	}
	lowerNotes := strings.ToLower(notes)
	for _, kw := range s.ExcludeKeywords {
		if kw != "" && strings.Contains(lowerNotes, strings.ToLower(kw)) {
			return false
		}
	}
	return true
}
