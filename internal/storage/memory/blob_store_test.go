package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("%PDF-1.7")
	uri, err := store.PutObject(context.Background(), "mn/abc.pdf", "application/pdf", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://mn/abc.pdf", uri)

	payload[0] = 'X'
	got, contentType, ok := store.Object("mn/abc.pdf")
	require.True(t, ok)
	require.Equal(t, "%PDF-1.7", string(got))
	require.Equal(t, "application/pdf", contentType)
	require.Equal(t, 1, store.Len())

	_, _, ok = store.Object("missing")
	require.False(t, ok)
}
