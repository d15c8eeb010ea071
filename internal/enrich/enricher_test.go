package enrich

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fdd-retriever/internal/filing"
	"github.com/JakeFAU/fdd-retriever/internal/retry"
)

type fakeSession struct {
	jar    http.CookieJar
	ua     string
	synced []string
}

func (f *fakeSession) Jar() http.CookieJar { return f.jar }
func (f *fakeSession) UserAgent() string   { return f.ua }
func (f *fakeSession) SyncAuth(_ context.Context, urls ...string) (int, error) {
	f.synced = append(f.synced, urls...)
	return 0, nil
}

const detailPage = `<html><body>
<dl>
  <dt>File Number</dt><dd id="file-no">F-2024-0042</dd>
  <dt>Effective</dt><dd id="effective">03/01/2024</dd>
  <dt>Status</dt><dd id="status">  Registered </dd>
</dl>
<a id="doc" href="/docs/download?documentId=%7Bxyz-9%7D">Download</a>
</body></html>`

func newSession(t *testing.T, srvURL string) *fakeSession {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	u, err := url.Parse(srvURL)
	require.NoError(t, err)
	jar.SetCookies(u, []*http.Cookie{{Name: "ASP.NET_SessionId", Value: "s1", Path: "/"}})
	return &fakeSession{jar: jar, ua: "fdd-test-agent"}
}

func TestEnrichAppliesDetailFields(t *testing.T) {
	t.Parallel()

	var (
		mu               sync.Mutex
		gotCookie, gotUA string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		if c, err := r.Cookie("ASP.NET_SessionId"); err == nil {
			gotCookie = c.Value
		}
		gotUA = r.UserAgent()
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(detailPage))
	}))
	t.Cleanup(srv.Close)

	sess := newSession(t, srv.URL)
	e := New(Config{
		Fields: map[string]string{
			"filing_number": "#file-no",
			"filing_date":   "#effective",
			"status":        "#status",
		},
		DocumentSelector: "a#doc",
	}, nil)

	orig := filing.Descriptor{
		FranchiseName: "Acme",
		DocumentType:  "FDD",
		DownloadURL:   srv.URL + "/listing/file.pdf",
		Extra:         map[string]string{filing.ExtraDetailURL: srv.URL + "/detail/42"},
	}
	got, err := e.Enrich(context.Background(), sess, orig)
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, "s1", gotCookie)
	assert.Equal(t, "fdd-test-agent", gotUA)
	mu.Unlock()
	assert.Equal(t, []string{srv.URL + "/detail/42"}, sess.synced)
	assert.Equal(t, "F-2024-0042", got.FilingNumber)
	require.NotNil(t, got.FilingDate)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), *got.FilingDate)
	assert.Equal(t, "Registered", got.Extra["status"])
	assert.Equal(t, srv.URL+"/docs/download?documentId=%7Bxyz-9%7D", got.DownloadURL)
	assert.Equal(t, "xyz-9", got.DocumentID())
	assert.Equal(t, "true", got.Extra[filing.ExtraEnriched])
	assert.Empty(t, orig.FilingNumber, "input descriptor must not be mutated")
	assert.NotContains(t, orig.Extra, filing.ExtraEnriched)
}

func TestEnrichWithoutDetailURLIsNoop(t *testing.T) {
	t.Parallel()

	e := New(Config{Fields: map[string]string{"filing_number": "#x"}}, nil)
	desc := filing.Descriptor{FranchiseName: "Acme", DownloadURL: "https://example.gov/a.pdf"}
	got, err := e.Enrich(context.Background(), &fakeSession{}, desc)
	require.NoError(t, err)
	assert.Equal(t, desc, got)
}

func pendingDescriptor(detail string) filing.Descriptor {
	return filing.Descriptor{
		FranchiseName: "Acme",
		DocumentType:  "FDD",
		Extra: map[string]string{
			filing.ExtraDetailURL:       detail,
			filing.ExtraDocumentPending: "true",
		},
	}
}

func TestEnrichResolvesPendingDocument(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(detailPage))
	}))
	t.Cleanup(srv.Close)

	e := New(Config{DocumentSelector: "a#doc"}, nil)
	got, err := e.Enrich(context.Background(), newSession(t, srv.URL), pendingDescriptor(srv.URL+"/details.aspx?id=42"))
	require.NoError(t, err)
	assert.True(t, got.Downloadable())
	assert.Equal(t, srv.URL+"/docs/download?documentId=%7Bxyz-9%7D", got.DownloadURL)
	assert.Equal(t, "true", got.Extra[filing.ExtraEnriched])
}

func TestEnrichPendingWithoutDocumentLinkFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><dd id="file-no">F-1</dd></body></html>`))
	}))
	t.Cleanup(srv.Close)

	e := New(Config{Fields: map[string]string{"filing_number": "#file-no"}, DocumentSelector: "a#doc"}, nil)
	desc := pendingDescriptor(srv.URL + "/details.aspx?id=42")
	got, err := e.Enrich(context.Background(), newSession(t, srv.URL), desc)
	require.ErrorIs(t, err, filing.ErrElementNotFound)
	assert.True(t, retry.IsPermanent(err))
	assert.Equal(t, desc, got)
	assert.NotContains(t, got.Extra, filing.ExtraEnriched)
}

func TestEnrichMissingDocumentLinkKeepsListingURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><dd id="file-no">F-1</dd></body></html>`))
	}))
	t.Cleanup(srv.Close)

	e := New(Config{Fields: map[string]string{"filing_number": "#file-no"}, DocumentSelector: "a#doc"}, nil)
	desc := filing.Descriptor{
		FranchiseName: "Acme",
		DownloadURL:   "https://example.gov/a.pdf",
		Extra:         map[string]string{filing.ExtraDetailURL: srv.URL + "/detail"},
	}
	got, err := e.Enrich(context.Background(), newSession(t, srv.URL), desc)
	require.NoError(t, err)
	assert.Equal(t, "F-1", got.FilingNumber)
	assert.Equal(t, "https://example.gov/a.pdf", got.DownloadURL)
	assert.NotContains(t, got.Extra, filing.ExtraEnriched)
}

func TestEnrichStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	e := New(Config{Fields: map[string]string{"filing_number": "#x"}}, nil)
	desc := filing.Descriptor{
		FranchiseName: "Acme",
		DownloadURL:   "https://example.gov/a.pdf",
		Extra:         map[string]string{filing.ExtraDetailURL: srv.URL + "/detail"},
	}
	got, err := e.Enrich(context.Background(), newSession(t, srv.URL), desc)
	var statusErr *filing.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, desc, got)
}

func TestEnrichCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := New(Config{Fields: map[string]string{"filing_number": "#x"}}, nil)
	desc := filing.Descriptor{
		FranchiseName: "Acme",
		DownloadURL:   "https://example.gov/a.pdf",
		Extra:         map[string]string{filing.ExtraDetailURL: "https://example.gov/detail"},
	}
	_, err := e.Enrich(ctx, &fakeSession{}, desc)
	require.ErrorIs(t, err, context.Canceled)
}
