package source

import (
	"github.com/JakeFAU/fdd-retriever/internal/enrich"
	"github.com/JakeFAU/fdd-retriever/internal/extract"
	"github.com/JakeFAU/fdd-retriever/internal/paginate"
)

// Built-in source names.
const (
	NameMinnesota = "mn_cards"
	NameWisconsin = "wi_dfi"
)

// Minnesota is the Commerce Actions and Regulatory Documents Search. Results render as
// a table whose "Load more" control carries a JSON continuation payload; later pages
// come back as bare rows from a partial-refresh endpoint.
func Minnesota() Source {
	return Source{
		Name:              NameMinnesota,
		Jurisdiction:      "MN",
		ListingURL:        "https://www.cards.commerce.state.mn.us/franchise-registrations?doSearch=true&documentTitle=&franchisor=&franchiseName=&year=&fileNumber=&documentType=Clean+FDD&content=",
		BaseURL:           "https://www.cards.commerce.state.mn.us/",
		ReadySelector:     "#results table",
		ContainerSelector: "#results",
		RowSelector:       "#results tbody tr",
		Schema: extract.Schema{
			Name: NameMinnesota,
			Columns: []extract.Field{
				extract.FieldIgnore,
				extract.FieldFranchiseName,
				extract.Field("franchisor"),
				extract.FieldFilingNumber,
				extract.FieldDocumentType,
				extract.FieldYear,
				extract.FieldFilingDate,
				extract.FieldNotes,
				extract.FieldLink,
			},
			HeaderSentinel:  "Franchisor",
			MinColumns:      8,
			LinkColumn:      8,
			TypeMarker:      "fdd",
			ExcludeKeywords: []string{"withdrawn", "rejected"},
		},
		Triggers: []string{
			"button.load-more:not(.hidden)",
			"#results a.load-more",
		},
		Token: &paginate.TokenConfig{
			PayloadSelector: "[data-page-payload]",
			PayloadAttr:     "data-page-payload",
			Endpoint:        "/franchise-registrations/next-page",
		},
	}
}

// Wisconsin is the Department of Financial Institutions franchise search. It renders
// a results grid grown by a "Next" control; each franchise links to a detail page that
// carries the file number, effective date and the document link. Rows stay pending
// until enrichment resolves that link.
func Wisconsin() Source {
	return Source{
		Name:              NameWisconsin,
		Jurisdiction:      "WI",
		ListingURL:        "https://apps.dfi.wi.gov/apps/FranchiseSearch/MainSearch.aspx",
		SetupClicks:       []string{"#btnSearch"},
		ReadySelector:     "#gvResults",
		ContainerSelector: "#gvResults",
		RowSelector:       "#gvResults tr",
		Schema: extract.Schema{
			Name: NameWisconsin,
			Columns: []extract.Field{
				extract.FieldFranchiseName,
				extract.Field("franchisor"),
				extract.Field("status"),
				extract.FieldLink,
			},
			HeaderSentinel:   "Franchise Name",
			MinColumns:       3,
			LinkColumn:       -1,
			LinkSelector:     "a[href*='details.aspx']",
			DocumentOnDetail: true,
		},
		Triggers: []string{
			"a#lnkNext",
			"input#btnNext",
			"#gvResults .pager a.next",
		},
		Detail: enrich.Config{
			Fields: map[string]string{
				string(extract.FieldFilingNumber): "#lblFileNumber",
				string(extract.FieldFilingDate):   "#lblEffectiveDate",
				"expiration_date":                 "#lblExpirationDate",
				"states_filed":                    "#lblStatesFiled",
			},
			DocumentSelector: "a#lnkDocument, a[href*='.pdf']",
		},
	}
}
