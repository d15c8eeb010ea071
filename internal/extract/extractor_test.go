package extract

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/fdd-retriever/internal/filing"
)

const base = "https://cards.example.gov/cards/search"

func testSchema() Schema {
	return Schema{
		Name:            "test",
		Columns:         []Field{FieldFranchiseName, FieldDocumentType, FieldYear, FieldFilingDate, FieldNotes},
		HeaderSentinel:  "Franchise Name",
		MinColumns:      3,
		LinkColumn:      0,
		TypeMarker:      "fdd",
		ExcludeKeywords: []string{"withdrawn"},
	}
}

const listing = `
<table id="results">
  <tr><th>Franchise Name</th><th>Type</th><th>Year</th><th>Received</th><th>Notes</th></tr>
  <tr>
    <td><a href="/cards/download?documentId=%7Babc-123%7D">Acme   Burgers</a></td>
    <td>Clean FDD</td><td>2024</td><td>04/15/2024</td><td></td>
  </tr>
  <tr><td>Short Row</td><td>FDD</td></tr>
  <tr><td>No Link Inc</td><td>FDD</td><td>2024</td><td>04/15/2024</td><td></td></tr>
  <tr>
    <td><a href="/cards/download?documentId={def-456}">Beta Tacos</a></td>
    <td>Amendment</td><td>2024</td><td>04/16/2024</td><td></td>
  </tr>
  <tr>
    <td><a href="/cards/download?documentId=ghi">Gamma Gyms</a></td>
    <td>FDD</td><td>2023</td><td>01/02/2023</td><td>Registration withdrawn</td>
  </tr>
  <tr>
    <td><a href="https://docs.example.gov/file.pdf">Delta Donuts</a></td>
    <td>Redline FDD</td><td>2022</td><td>not a date</td><td></td>
  </tr>
  <tr>
    <td><a href="javascript:void(0)">Epsilon</a></td>
    <td>FDD</td><td>2022</td><td>01/02/2022</td><td></td>
  </tr>
</table>`

func TestExtractSkipsHeaderShortAndLinklessRows(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	ex := New(zap.New(core))
	got, stats := ex.ExtractWithStats(listing, base, testSchema())

	require.Len(t, got, 2)
	d := got[0]
	assert.Equal(t, "Acme Burgers", d.FranchiseName)
	assert.Equal(t, "Clean FDD", d.DocumentType)
	assert.Equal(t, "https://cards.example.gov/cards/download?documentId=%7Babc-123%7D", d.DownloadURL)
	assert.Equal(t, base, d.SourceURL)
	require.NotNil(t, d.FilingDate)
	assert.Equal(t, time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC), *d.FilingDate)
	assert.Equal(t, "abc-123", d.Extra[filing.ExtraDocumentID])
	assert.Equal(t, "2024", d.Extra["year"])

	undated := got[1]
	assert.Equal(t, "Delta Donuts", undated.FranchiseName)
	assert.Nil(t, undated.FilingDate)
	assert.Equal(t, "not a date", undated.Extra[filing.ExtraFilingDateRaw])

	assert.Equal(t, Stats{Rows: 8, Header: 1, Short: 1, NoLink: 2, Filtered: 2, Emitted: 2}, stats)
	assert.Equal(t, 5, stats.Skipped())
	assert.Equal(t, 2, logs.FilterMessage("skipping row without document link").Len())
	assert.Equal(t, 1, logs.FilterMessage("unparseable filing date, keeping row without it").Len())
}

func TestExtractDetailOnlyRowsArePending(t *testing.T) {
	t.Parallel()

	schema := Schema{
		Columns:          []Field{FieldFranchiseName, Field("status")},
		LinkColumn:       -1,
		LinkSelector:     "a[href*='details.aspx']",
		DocumentOnDetail: true,
	}
	fragment := `<tr><td><a href="details.aspx?id=42">Kappa Kebab</a></td><td>Registered</td></tr>`
	got := New(nil).Extract(fragment, "https://apps.example.gov/search/main.aspx", schema)
	require.Len(t, got, 1)
	d := got[0]
	assert.Empty(t, d.DownloadURL)
	assert.False(t, d.Downloadable())
	assert.Equal(t, "https://apps.example.gov/search/details.aspx?id=42", d.Extra[filing.ExtraDetailURL])
	assert.Empty(t, d.DocumentID())
}

func TestExtractBareRowFragment(t *testing.T) {
	t.Parallel()

	fragment := `<tr><td><a href="download?documentId=%7Bx-1%7D">Zeta</a></td><td>FDD</td><td>2021</td></tr>` +
		`<tr><td><a href="download?documentId=%7Bx-2%7D">Eta</a></td><td>FDD</td><td>2021</td></tr>`
	got := New(nil).Extract(fragment, base, testSchema())
	require.Len(t, got, 2)
	assert.Equal(t, "Zeta", got[0].FranchiseName)
	assert.Equal(t, "https://cards.example.gov/cards/download?documentId=%7Bx-1%7D", got[0].DownloadURL)
	assert.Equal(t, "x-2", got[1].DocumentID())
	assert.Equal(t, 2, CountRows(fragment, testSchema()))
}

func TestExtractDefaultsDocumentType(t *testing.T) {
	t.Parallel()

	schema := Schema{
		Columns:    []Field{FieldFranchiseName, FieldFilingNumber, FieldSize},
		LinkColumn: -1,
	}
	fragment := `<tr><td>Theta</td><td>F-2024-1</td><td><a href="https://x.example/doc.pdf">1.5 MB</a></td></tr>`
	got := New(nil).Extract(fragment, "", schema)
	require.Len(t, got, 1)
	assert.Equal(t, filing.DefaultDocumentType, got[0].DocumentType)
	assert.Equal(t, "F-2024-1", got[0].FilingNumber)
	require.NotNil(t, got[0].SizeBytes)
	assert.Equal(t, int64(1572864), *got[0].SizeBytes)
}

func TestExtractRelativeLinkWithoutBaseIsSkipped(t *testing.T) {
	t.Parallel()

	fragment := `<tr><td><a href="/doc.pdf">Iota</a></td><td>FDD</td><td>2020</td></tr>`
	got, stats := New(nil).ExtractWithStats(fragment, "", testSchema())
	assert.Empty(t, got)
	assert.Equal(t, 1, stats.NoLink)
}

func TestExtractInvalidSchema(t *testing.T) {
	t.Parallel()

	got := New(nil).Extract(listing, base, Schema{Columns: []Field{FieldNotes}})
	assert.Nil(t, got)
}

func TestResolveLinkPreservesQuery(t *testing.T) {
	t.Parallel()

	b, err := url.Parse("https://cards.example.gov/cards/search?q=1")
	require.NoError(t, err)
	got, ok := ResolveLink(b, "/download?documentId=%7Babc-123%7D")
	require.True(t, ok)
	assert.Equal(t, "https://cards.example.gov/download?documentId=%7Babc-123%7D", got)
	assert.Equal(t, "abc-123", DocumentID(got))

	_, ok = ResolveLink(b, "#top")
	assert.False(t, ok)
	_, ok = ResolveLink(b, "mailto:someone@example.gov")
	assert.False(t, ok)
}

func TestDocumentIDPatterns(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://x/download?documentId=%7Babc-123%7D":         "abc-123",
		"https://x/download?documentId=%7babc-123%7d":         "abc-123",
		"https://x/download?documentId={abc-123}&x=1":         "abc-123",
		"https://x/download?u=%2Fdl%3FdocumentId%3D%257Bq%257D": "q",
		"https://x/download?documentId=plain-42":              "plain-42",
		"https://x/download?other=1":                          "",
	}
	for in, want := range cases {
		assert.Equal(t, want, DocumentID(in), in)
	}
}

func TestParseSize(t *testing.T) {
	t.Parallel()

	cases := map[string]int64{
		"1024":      1024,
		"1,024":     1024,
		"2 KB":      2048,
		"1.5 MB":    1572864,
		"3 bytes":   3,
		"1 GB":      1 << 30,
	}
	for in, want := range cases {
		got, ok := ParseSize(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseSize("unknown")
	assert.False(t, ok)
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	got, err := ParseDate("Jan 5, 2024", nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), got)

	_, err = ParseDate("yesterday", nil)
	require.Error(t, err)
}

func TestExtractRecordsDetailLink(t *testing.T) {
	t.Parallel()

	schema := Schema{
		Name:           "detail",
		Columns:        []Field{FieldFranchiseName, FieldLink},
		LinkColumn:     1,
		DetailSelector: "td:first-child a[href]",
	}
	fragment := `<tr><td><a href="/detail/77">Zeta Pizza</a></td><td><a href="/files/77.pdf">PDF</a></td></tr>`

	out := New(nil).Extract(fragment, base, schema)
	require.Len(t, out, 1)
	assert.Equal(t, "https://cards.example.gov/files/77.pdf", out[0].DownloadURL)
	assert.Equal(t, "https://cards.example.gov/detail/77", out[0].Extra[filing.ExtraDetailURL])
}
