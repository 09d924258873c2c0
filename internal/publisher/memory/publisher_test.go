package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

func TestPublisherStoresEvents(t *testing.T) {
	t.Parallel()

	pub := New()
	ids := []string{"1", "2"}
	require.NoError(t, pub.Publish(context.Background(), crawler.PostsCaptured{TopicID: "77", PostIDs: ids}))
	require.NoError(t, pub.Publish(context.Background(), crawler.PostsCaptured{TopicID: "78"}))
	ids[0] = "changed"

	events := pub.Events()
	require.Len(t, events, 2)
	require.Equal(t, "77", events[0].TopicID)
	require.Equal(t, []string{"1", "2"}, events[0].PostIDs)

	events[0].TopicID = "modified"
	require.Equal(t, "77", pub.Events()[0].TopicID)
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("boom")
	pub.FailWith(boom)
	require.ErrorIs(t, pub.Publish(context.Background(), crawler.PostsCaptured{}), boom)
	require.Empty(t, pub.Events())
}
