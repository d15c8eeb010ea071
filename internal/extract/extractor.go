package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/fdd-retriever/internal/filing"
)

// Stats counts how each candidate row of a fragment was handled.
type Stats struct {
	Rows     int
	Header   int
	Short    int
	NoLink   int
	Filtered int
	Errors   int
	Emitted  int
}

// Skipped returns the number of non-header rows that produced no descriptor.
func (s Stats) Skipped() int {
	return s.Short + s.NoLink + s.Filtered + s.Errors
}

// Extractor turns listing HTML into descriptors. It is stateless and safe for concurrent use.
type Extractor struct {
	logger *zap.Logger
}

// New builds an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract returns the descriptors found in fragment. Rows that cannot be mapped are logged and skipped.
func (e *Extractor) Extract(fragment, baseURL string, schema Schema) []filing.Descriptor {
	out, _ := e.ExtractWithStats(fragment, baseURL, schema)
	return out
}

// ExtractWithStats is Extract plus per-row accounting.
func (e *Extractor) ExtractWithStats(fragment, baseURL string, schema Schema) ([]filing.Descriptor, Stats) {
	var stats Stats
	if err := schema.Validate(); err != nil {
		e.logger.Error("invalid schema", zap.Error(err))
		return nil, stats
	}
	schema = schema.withDefaults()

	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || !base.IsAbs() {
		base = nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(wrapFragment(fragment)))
	if err != nil {
		e.logger.Warn("parse listing fragment", zap.String("schema", schema.Name), zap.Error(err))
		return nil, stats
	}

	var out []filing.Descriptor
	doc.Find(schema.RowSelector).Each(func(i int, row *goquery.Selection) {
		stats.Rows++
		cells := row.ChildrenFiltered("td, th")
		texts := cellTexts(cells)
		if isHeaderRow(cells, texts, schema) {
			stats.Header++
			return
		}
		if len(texts) < schema.MinColumns {
			stats.Short++
			e.logger.Debug("skipping short row",
				zap.String("schema", schema.Name), zap.Int("row", i), zap.Int("columns", len(texts)))
			return
		}
		link, ok := findLink(row, cells, schema, base)
		if !ok {
			stats.NoLink++
			e.logger.Debug("skipping row without document link",
				zap.String("schema", schema.Name), zap.Int("row", i))
			return
		}
		desc, accepted, err := buildDescriptor(texts, link, baseURL, schema)
		if err != nil {
			stats.Errors++
			e.logger.Warn("skipping malformed row",
				zap.String("schema", schema.Name), zap.Int("row", i), zap.Error(err))
			return
		}
		if !accepted {
			stats.Filtered++
			return
		}
		if schema.DetailSelector != "" && !schema.DocumentOnDetail {
			if detail, ok := findAttr(row, schema.DetailSelector, "href", base); ok {
				desc = desc.WithExtra(filing.ExtraDetailURL, detail)
			}
		}
		if raw := desc.Extra[filing.ExtraFilingDateRaw]; raw != "" {
			e.logger.Warn("unparseable filing date, keeping row without it",
				zap.String("schema", schema.Name), zap.Int("row", i), zap.String("value", raw))
		}
		stats.Emitted++
		out = append(out, desc)
	})
	return out, stats
}

// CountRows returns the number of data rows (header excluded) in fragment.
func CountRows(fragment string, schema Schema) int {
	schema = schema.withDefaults()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(wrapFragment(fragment)))
	if err != nil {
		return 0
	}
	n := 0
	doc.Find(schema.RowSelector).Each(func(_ int, row *goquery.Selection) {
		cells := row.ChildrenFiltered("td, th")
		if !isHeaderRow(cells, cellTexts(cells), schema) {
			n++
		}
	})
	return n
}

// wrapFragment makes bare <tr> fragments parseable; the HTML parser drops rows outside a table.
func wrapFragment(fragment string) string {
	if strings.Contains(strings.ToLower(fragment), "<table") {
		return fragment
	}
	return "<table><tbody>" + fragment + "</tbody></table>"
}

func isHeaderRow(cells *goquery.Selection, texts []string, schema Schema) bool {
	if schema.isHeader(texts) {
		return true
	}
	n := cells.Length()
	return n > 0 && cells.Filter("th").Length() == n
}

func cellTexts(cells *goquery.Selection) []string {
	texts := make([]string, cells.Length())
	cells.Each(func(i int, c *goquery.Selection) {
		texts[i] = normalizeSpace(c.Text())
	})
	return texts
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func findLink(row, cells *goquery.Selection, schema Schema, base *url.URL) (string, bool) {
	scope := row
	if schema.LinkColumn >= 0 && schema.LinkColumn < cells.Length() {
		scope = cells.Eq(schema.LinkColumn)
	}
	return findAttr(scope, schema.LinkSelector, schema.LinkAttr, base)
}

func findAttr(scope *goquery.Selection, selector, attr string, base *url.URL) (string, bool) {
	var resolved string
	scope.Find(selector).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, ok := a.Attr(attr)
		if !ok {
			return true
		}
		if abs, ok := ResolveLink(base, href); ok {
			resolved = abs
			return false
		}
		return true
	})
	return resolved, resolved != ""
}

// ResolveLink resolves href against base, rejecting script and fragment-only links.
// The query string is preserved verbatim.
func ResolveLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return "", false
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if !parsed.IsAbs() {
		if base == nil {
			return "", false
		}
		parsed = base.ResolveReference(parsed)
	}
	if parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", false
	}
	return parsed.String(), true
}

func buildDescriptor(cells []string, link, sourceURL string, schema Schema) (filing.Descriptor, bool, error) {
	cell := func(f Field) string {
		i := schema.index(f)
		if i < 0 || i >= len(cells) {
			return ""
		}
		return cells[i]
	}

	docType := cell(FieldDocumentType)
	notes := cell(FieldNotes)
	if !schema.accepts(docType, notes) {
		return filing.Descriptor{}, false, nil
	}
	if docType == "" {
		docType = schema.DefaultDocumentType
	}

	desc := filing.Descriptor{
		FranchiseName: cell(FieldFranchiseName),
		DocumentType:  docType,
		FilingNumber:  cell(FieldFilingNumber),
		SourceURL:     sourceURL,
		DownloadURL:   link,
	}
	extra := map[string]string{}
	if schema.DocumentOnDetail {
		desc.DownloadURL = ""
		extra[filing.ExtraDetailURL] = link
		extra[filing.ExtraDocumentPending] = "true"
	}
	if raw := cell(FieldFilingDate); raw != "" {
		if when, err := ParseDate(raw, schema.DateLayouts); err == nil {
			desc.FilingDate = &when
		} else {
			extra[filing.ExtraFilingDateRaw] = raw
		}
	}
	if raw := cell(FieldSize); raw != "" {
		if size, ok := ParseSize(raw); ok {
			desc.SizeBytes = &size
		}
	}

	for i, f := range schema.Columns {
		if i >= len(cells) || cells[i] == "" {
			continue
		}
		switch f {
		case FieldFranchiseName, FieldDocumentType, FieldFilingDate, FieldFilingNumber, FieldSize, FieldLink, FieldIgnore:
		default:
			extra[string(f)] = cells[i]
		}
	}
	if id := DocumentID(desc.DownloadURL); id != "" {
		extra[filing.ExtraDocumentID] = id
	}
	if len(extra) > 0 {
		desc.Extra = extra
	}
	if err := desc.Validate(); err != nil {
		return filing.Descriptor{}, false, fmt.Errorf("build descriptor: %w", err)
	}
	return desc, true, nil
}

var documentIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)documentid=%7B([^%&#]+)%7D`),
	regexp.MustCompile(`(?i)documentid=\{([^}&#]+)\}`),
}

var plainDocumentID = regexp.MustCompile(`(?i)documentid=([^&#{}%]+)`)

// DocumentID pulls the portal document identifier out of a download URL.
// It tries percent-encoded braces, then literal braces, then the URL-decoded form, then a bare value.
func DocumentID(rawURL string) string {
	if id := matchDocumentID(rawURL); id != "" {
		return id
	}
	if decoded, err := url.QueryUnescape(rawURL); err == nil && decoded != rawURL {
		if id := matchDocumentID(decoded); id != "" {
			return id
		}
		rawURL = decoded
	}
	if m := plainDocumentID.FindStringSubmatch(rawURL); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func matchDocumentID(s string) string {
	for _, re := range documentIDPatterns {
		if m := re.FindStringSubmatch(s); len(m) == 2 {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

// ParseDate tries each layout in order.
func ParseDate(raw string, layouts []string) (time.Time, error) {
	raw = normalizeSpace(raw)
	if len(layouts) == 0 {
		layouts = DefaultDateLayouts
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse date %q: no layout matched", raw)
}

var sizePattern = regexp.MustCompile(`(?i)^([0-9][0-9,]*(?:\.[0-9]+)?)\s*(b|bytes|kb|k|mb|m|gb|g)?$`)

// ParseSize understands plain byte counts and KB/MB/GB suffixes (binary multiples).
func ParseSize(raw string) (int64, bool) {
	m := sizePattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(m[2]) {
	case "kb", "k":
		n *= 1 << 10
	case "mb", "m":
		n *= 1 << 20
	case "gb", "g":
		n *= 1 << 30
	}
	return int64(n), true
}
