package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "fdd-test"})
	require.NoError(t, err)
	return store
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/fdd-test/o")
		assert.Equal(t, "mn/abc.pdf", r.URL.Query().Get("name"))
		assert.Equal(t, "0", r.URL.Query().Get("ifGenerationMatch"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "%PDF-1.7")
		assert.Contains(t, string(body), "application/pdf")
		fmt.Fprintln(w, `{"name": "mn/abc.pdf", "bucket": "fdd-test"}`)
	}))

	uri, err := store.PutObject(context.Background(), "mn/abc.pdf", "application/pdf", strings.NewReader("%PDF-1.7"))
	require.NoError(t, err)
	assert.Equal(t, "gs://fdd-test/mn/abc.pdf", uri)
}

func TestPutObjectExistingObjectIsSuccess(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprintln(w, `{"error": {"code": 412, "message": "At least one of the pre-conditions you specified did not hold."}}`)
	}))

	uri, err := store.PutObject(context.Background(), "mn/abc.pdf", "application/pdf", strings.NewReader("%PDF-1.7"))
	require.NoError(t, err)
	assert.Equal(t, "gs://fdd-test/mn/abc.pdf", uri)
}

func TestPutObjectError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprintln(w, `{"error": {"code": 403, "message": "forbidden"}}`)
	}))

	_, err := store.PutObject(context.Background(), "mn/abc.pdf", "application/pdf", strings.NewReader("%PDF-1.7"))
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	_, err = New(client, Config{})
	require.Error(t, err)
}
