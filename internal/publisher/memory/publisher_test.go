package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "filings", map[string]string{"hash": "abc"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "runs", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "filings", msgs[0].Topic)
	require.JSONEq(t, `{"hash":"abc"}`, string(msgs[0].Data))
	require.Equal(t, "runs", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "filings", pub.Messages()[0].Topic, "Messages must return a copy")

	filings := pub.Topic("filings")
	require.Len(t, filings, 1)
	require.Equal(t, "memory-1", filings[0].ID)
	require.Empty(t, pub.Topic("missing"))
}

func TestPublisherRejectsBadInput(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is required")
	_, err = pub.Publish(context.Background(), "filings", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
	require.Empty(t, pub.Messages())
}
