package paginate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fdd-retriever/internal/browser"
	"github.com/JakeFAU/fdd-retriever/internal/browser/browsertest"
	"github.com/JakeFAU/fdd-retriever/internal/extract"
	"github.com/JakeFAU/fdd-retriever/internal/filing"
	"github.com/JakeFAU/fdd-retriever/internal/policy/pause"
	"github.com/JakeFAU/fdd-retriever/internal/session"
)

const (
	listingURL = "https://portal.example.gov/search"
	moreButton = "button.load-more"
)

func testListing() Listing {
	return Listing{
		SourceURL:         listingURL,
		ContainerSelector: "#results",
		RowSelector:       "#results tr",
		Schema: extract.Schema{
			Name:           "test",
			Columns:        []extract.Field{extract.FieldFranchiseName, extract.FieldDocumentType, extract.FieldYear},
			HeaderSentinel: "Franchise",
			LinkColumn:     0,
		},
	}
}

func row(name, id string) string {
	return fmt.Sprintf(`<tr><td><a href="/download?documentId=%%7B%s%%7D">%s</a></td><td>FDD</td><td>2024</td></tr>`, id, name)
}

// growingListing simulates a page whose table gains one batch of rows per click.
type growingListing struct {
	mu      sync.Mutex
	batches [][]string
	shown   int
	// grow controls whether a click appends the next batch.
	grow bool
	// endless keeps the trigger enabled after the last batch.
	endless bool
}

func newGrowingListing(batches ...[]string) *growingListing {
	return &growingListing{batches: batches, shown: 1, grow: true}
}

func (g *growingListing) rows() []string {
	var out []string
	for _, b := range g.batches[:g.shown] {
		out = append(out, b...)
	}
	return out
}

func (g *growingListing) page() *browsertest.Page {
	return &browsertest.Page{
		HTMLFunc: func(selector string) (string, error) {
			g.mu.Lock()
			defer g.mu.Unlock()
			return `<table id="results"><tr><th>Franchise</th><th>Type</th><th>Year</th></tr>` +
				strings.Join(g.rows(), "") + `</table>`, nil
		},
		CountFunc: func(string) (int, error) {
			g.mu.Lock()
			defer g.mu.Unlock()
			return len(g.rows()) + 1, nil
		},
		ProbeFunc: func(selector string) (browser.ElementState, error) {
			if selector != moreButton {
				return browser.ElementState{}, nil
			}
			g.mu.Lock()
			defer g.mu.Unlock()
			more := g.endless || g.shown < len(g.batches)
			return browser.ElementState{Found: true, Visible: true, Enabled: more}, nil
		},
		ClickFunc: func(string) error {
			g.mu.Lock()
			defer g.mu.Unlock()
			if !g.grow {
				return nil
			}
			if g.shown < len(g.batches) {
				g.shown++
			} else if g.endless {
				n := len(g.rows())
				g.batches = append(g.batches, []string{row(fmt.Sprintf("Endless %d", n), fmt.Sprintf("e-%d", n))})
				g.shown++
			}
			return nil
		},
	}
}

type collector struct {
	pages []int
	descs []filing.Descriptor
}

func (c *collector) emit(page int, descs []filing.Descriptor) {
	c.pages = append(c.pages, page)
	c.descs = append(c.descs, descs...)
}

func (c *collector) names() []string {
	out := make([]string, len(c.descs))
	for i, d := range c.descs {
		out[i] = d.FranchiseName
	}
	return out
}

func domConfig() DOMGrowthConfig {
	return DOMGrowthConfig{
		Trigger:       Selectors("a.next-page", moreButton),
		GrowthTimeout: time.Second,
		PollInterval:  100 * time.Millisecond,
		PoliteDelay:   2 * time.Second,
	}
}

func TestDOMGrowthThreeRowListing(t *testing.T) {
	t.Parallel()

	g := newGrowingListing([]string{row("Alpha", "a-1"), row("Bravo", "b-2")}, []string{row("Charlie", "c-3")})
	page := g.page()
	pauser := &pause.Recorder{}
	p := NewDOMGrowth(page, testListing(), domConfig(), Deps{Pauser: pauser})

	var c collector
	sum, err := p.Run(context.Background(), c.emit)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha", "Bravo", "Charlie"}, c.names())
	assert.Equal(t, []int{1, 2}, c.pages)
	assert.Equal(t, StopTriggerDisabled, sum.Reason)
	assert.Equal(t, 2, sum.Pages)
	assert.Equal(t, 3, sum.Descriptors)
	assert.Equal(t, []string{moreButton}, page.Clicks)
	assert.Equal(t, "c-3", c.descs[2].DocumentID())
	assert.Equal(t, "https://portal.example.gov/download?documentId=%7Bc-3%7D", c.descs[2].DownloadURL)
	assert.Contains(t, pauser.Delays, 2*time.Second)
	assert.Equal(t, DomCursor{ObservedRowCount: 4}, sum.Cursor)
}

func TestDOMGrowthEmitsEveryRowOnceInOrder(t *testing.T) {
	t.Parallel()

	var batches [][]string
	var want []string
	for b := 0; b < 5; b++ {
		var batch []string
		for r := 0; r <= b; r++ {
			name := fmt.Sprintf("Franchise %d-%d", b, r)
			want = append(want, name)
			batch = append(batch, row(name, fmt.Sprintf("%d-%d", b, r)))
		}
		batches = append(batches, batch)
	}
	g := newGrowingListing(batches...)
	p := NewDOMGrowth(g.page(), testListing(), domConfig(), Deps{Pauser: &pause.Recorder{}})

	var c collector
	sum, err := p.Run(context.Background(), c.emit)
	require.NoError(t, err)
	assert.Equal(t, want, c.names())
	assert.Len(t, c.descs, 15)
	seen := map[string]bool{}
	for _, d := range c.descs {
		require.False(t, seen[d.DownloadURL], "duplicate %s", d.DownloadURL)
		seen[d.DownloadURL] = true
	}
	assert.Equal(t, 5, sum.Pages)
}

func TestDOMGrowthTimeoutIsExhaustedNotError(t *testing.T) {
	t.Parallel()

	g := newGrowingListing([]string{row("Alpha", "a")}, []string{row("Bravo", "b")})
	g.grow = false
	pauser := &pause.Recorder{}
	p := NewDOMGrowth(g.page(), testListing(), domConfig(), Deps{Pauser: pauser})

	var c collector
	sum, err := p.Run(context.Background(), c.emit)
	require.NoError(t, err)
	assert.Equal(t, StopGrowthTimeout, sum.Reason)
	assert.Equal(t, []string{"Alpha"}, c.names())
	// one second budget polled every 100ms
	assert.Len(t, pauser.Delays, 10)
}

func TestDOMGrowthPageCeiling(t *testing.T) {
	t.Parallel()

	g := newGrowingListing([]string{row("Alpha", "a")})
	g.endless = true
	cfg := domConfig()
	cfg.MaxPages = 3
	p := NewDOMGrowth(g.page(), testListing(), cfg, Deps{Pauser: &pause.Recorder{}})

	var c collector
	sum, err := p.Run(context.Background(), c.emit)
	require.NoError(t, err)
	assert.Equal(t, StopMaxPages, sum.Reason)
	assert.Equal(t, 3, sum.Pages)
	assert.Len(t, c.descs, 3)
}

func TestDOMGrowthNoTrigger(t *testing.T) {
	t.Parallel()

	g := newGrowingListing([]string{row("Alpha", "a")})
	cfg := domConfig()
	cfg.Trigger = Selectors("a.missing")
	p := NewDOMGrowth(g.page(), testListing(), cfg, Deps{Pauser: &pause.Recorder{}})

	var c collector
	sum, err := p.Run(context.Background(), c.emit)
	require.NoError(t, err)
	assert.Equal(t, StopNoTrigger, sum.Reason)
	assert.Len(t, c.descs, 1)
}

func TestDOMGrowthFirstPageFailureIsError(t *testing.T) {
	t.Parallel()

	page := &browsertest.Page{}
	p := NewDOMGrowth(page, testListing(), domConfig(), Deps{Pauser: &pause.Recorder{}})
	_, err := p.Run(context.Background(), func(int, []filing.Descriptor) {})
	require.ErrorIs(t, err, filing.ErrElementNotFound)
}

func TestDOMGrowthCancellation(t *testing.T) {
	t.Parallel()

	g := newGrowingListing([]string{row("Alpha", "a")}, []string{row("Bravo", "b")})
	p := NewDOMGrowth(g.page(), testListing(), domConfig(), Deps{Pauser: &pause.Recorder{}})
	ctx, cancel := context.WithCancel(context.Background())

	var c collector
	sum, err := p.Run(ctx, func(page int, descs []filing.Descriptor) {
		c.emit(page, descs)
		cancel()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StopCanceled, sum.Reason)
	assert.Equal(t, []string{"Alpha"}, c.names())
}

func TestFirstMatchOrder(t *testing.T) {
	t.Parallel()

	page := &browsertest.Page{States: map[string]browser.ElementState{
		"b.second": {Found: true, Visible: true},
		"c.third":  {Found: true, Visible: true, Enabled: true},
	}}
	trig, ok, err := Selectors("a.first", "b.second", "c.third").FindTrigger(context.Background(), page)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b.second", trig.Selector)
	assert.False(t, trig.State.Clickable())

	failing := &browsertest.Page{ProbeFunc: func(string) (browser.ElementState, error) {
		return browser.ElementState{}, errors.New("devtools gone")
	}}
	_, ok, err = Selectors("a", "b").FindTrigger(context.Background(), failing)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestParseTokenCursor(t *testing.T) {
	t.Parallel()

	cur, err := ParseTokenCursor(`{"documentClass":"FDD","pageToken":"abc==","pageNumber":2}`)
	require.NoError(t, err)
	assert.Equal(t, TokenCursor{Token: "abc==", PageNumber: 2, DocumentClass: "FDD"}, cur)
	assert.Equal(t, map[string]string{"documentClass": "FDD", "pageToken": "abc==", "pageNumber": "2"}, cur.Form())

	cur, err = ParseTokenCursor(`{"pageToken":"x","pageNumber":"7"}`)
	require.NoError(t, err)
	assert.Equal(t, 7, cur.PageNumber)

	for _, bad := range []string{"", "not json", `{"pageNumber":1}`} {
		_, err := ParseTokenCursor(bad)
		assert.Error(t, err, bad)
	}
}

const payloadAttr = "data-pagination"

func payload(token string, page int) string {
	return fmt.Sprintf(`{"documentClass":"FDD","pageToken":"%s","pageNumber":%d}`, token, page)
}

func tokenSession(t *testing.T, page *browsertest.Page) *session.Session {
	t.Helper()
	mgr := session.NewManager(session.Config{}, &browsertest.Engine{Browser: &browsertest.Browser{Page: page}}, nil)
	sess, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	t.Cleanup(sess.Release)
	return sess
}

func TestTokenPaginatorFollowsEmbeddedPayloads(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		forms []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mu.Lock()
		forms = append(forms, r.PostForm.Get("pageToken")+"/"+r.PostForm.Get("pageNumber"))
		mu.Unlock()
		if r.Header.Get("X-Requested-With") != "XMLHttpRequest" || r.Header.Get("Referer") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if c, err := r.Cookie("session"); err != nil || c.Value != "s1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.PostForm.Get("pageToken") {
		case "t2":
			fmt.Fprint(w, row("Charlie", "c")+row("Delta", "d")+
				`<a class="more" data-pagination='`+payload("t3", 3)+`'>More</a>`)
		case "t3":
			fmt.Fprint(w, row("Echo", "e"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	page := &browsertest.Page{
		Fragments: map[string]string{
			"#results": `<table id="results"><tr><th>Franchise</th></tr>` + row("Alpha", "a") + row("Bravo", "b") + `</table>`,
		},
		Attributes: map[string]map[string]string{"a.more": {payloadAttr: payload("t2", 2)}},
		Jar:        []*http.Cookie{{Name: "session", Value: "s1", Domain: "127.0.0.1", Path: "/"}},
	}
	sess := tokenSession(t, page)
	listing := testListing()
	listing.SourceURL = srv.URL + "/search"

	p := NewToken(sess, listing, TokenConfig{
		PayloadSelector: "a.more",
		PayloadAttr:     payloadAttr,
		Endpoint:        "/next",
		PoliteDelay:     time.Second,
	}, Deps{Pauser: &pause.Recorder{}})

	var c collector
	sum, err := p.Run(context.Background(), c.emit)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha", "Bravo", "Charlie", "Delta", "Echo"}, c.names())
	assert.Equal(t, StopNoToken, sum.Reason)
	assert.Equal(t, 3, sum.Pages)
	assert.Equal(t, 5, sum.Descriptors)
	assert.Equal(t, []string{"t2/2", "t3/3"}, forms)
	assert.Equal(t, TokenCursor{Token: "t3", PageNumber: 3, DocumentClass: "FDD"}, sum.Cursor)
	assert.Len(t, page.CookieURLs, 2)
	assert.Equal(t, srv.URL+"/download?documentId=%7Be%7D", c.descs[4].DownloadURL)
}

func TestTokenPaginatorHTTPFailureIsExhausted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	page := &browsertest.Page{
		Fragments:  map[string]string{"#results": `<table id="results">` + row("Alpha", "a") + `</table>`},
		Attributes: map[string]map[string]string{"a.more": {payloadAttr: payload("t2", 2)}},
	}
	sess := tokenSession(t, page)
	listing := testListing()
	listing.SourceURL = srv.URL + "/search"
	p := NewToken(sess, listing, TokenConfig{
		PayloadSelector: "a.more", PayloadAttr: payloadAttr, Endpoint: srv.URL + "/next",
	}, Deps{Pauser: &pause.Recorder{}})

	var c collector
	sum, err := p.Run(context.Background(), c.emit)
	require.NoError(t, err)
	assert.Equal(t, StopHTTPFailure, sum.Reason)
	assert.Equal(t, []string{"Alpha"}, c.names())
}

func TestTokenPaginatorPageCeiling(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		n := r.PostForm.Get("pageNumber")
		fmt.Fprint(w, row("Page "+n, "p"+n)+`<a class="more" data-pagination='`+payload("t", 99)+`'>More</a>`)
	}))
	defer srv.Close()

	page := &browsertest.Page{
		Fragments:  map[string]string{"#results": `<table id="results">` + row("Alpha", "a") + `</table>`},
		Attributes: map[string]map[string]string{"a.more": {payloadAttr: payload("t", 2)}},
	}
	sess := tokenSession(t, page)
	listing := testListing()
	listing.SourceURL = srv.URL + "/search"
	p := NewToken(sess, listing, TokenConfig{
		PayloadSelector: "a.more", PayloadAttr: payloadAttr, Endpoint: "/next", MaxPages: 4,
	}, Deps{Pauser: &pause.Recorder{}})

	sum, err := p.Run(context.Background(), func(int, []filing.Descriptor) {})
	require.NoError(t, err)
	assert.Equal(t, StopMaxPages, sum.Reason)
	assert.Equal(t, 4, sum.Pages)
}

func TestSelectPrecedence(t *testing.T) {
	t.Parallel()

	cfg := Config{
		DOM:   DOMGrowthConfig{Trigger: Selectors(moreButton)},
		Token: &TokenConfig{PayloadSelector: "a.more", PayloadAttr: payloadAttr},
	}
	withPayload := map[string]map[string]string{"a.more": {payloadAttr: payload("t", 2)}}

	both := &browsertest.Page{
		States:     map[string]browser.ElementState{moreButton: {Found: true, Visible: true, Enabled: true}},
		Attributes: withPayload,
	}
	assert.Equal(t, StrategyDOMGrowth, Select(context.Background(), tokenSession(t, both), testListing(), cfg, Deps{}).Strategy())

	payloadOnly := &browsertest.Page{Attributes: withPayload}
	assert.Equal(t, StrategyToken, Select(context.Background(), tokenSession(t, payloadOnly), testListing(), cfg, Deps{}).Strategy())

	disabledTrigger := &browsertest.Page{
		States:     map[string]browser.ElementState{moreButton: {Found: true, Visible: true}},
		Attributes: withPayload,
	}
	assert.Equal(t, StrategyToken, Select(context.Background(), tokenSession(t, disabledTrigger), testListing(), cfg, Deps{}).Strategy())

	neither := &browsertest.Page{}
	assert.Equal(t, StrategyDOMGrowth, Select(context.Background(), tokenSession(t, neither), testListing(), cfg, Deps{}).Strategy())
}
