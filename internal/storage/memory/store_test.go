package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/geolink/internal/links"
)

func TestStoreLinks(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()

	_, err := store.GetLink(ctx, "abc")
	require.ErrorIs(t, err, links.ErrNotFound)

	require.Error(t, store.PutLink(links.Link{ID: "abc", AccountID: "a"}))
	link := links.Link{ID: "abc", AccountID: "a", Destinations: links.DestinationSet{"default": "https://example.com"}}
	require.NoError(t, store.PutLink(link))

	got, err := store.GetLink(ctx, "abc")
	require.NoError(t, err)
	got.Destinations["default"] = "mutated"

	again, err := store.GetLink(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, "https://example.com", again.Destinations["default"])
}

func TestStoreEvaluationsAreInsertOnce(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	eval := links.Evaluation{ID: "e1", Status: links.StatusLive, CreatedAt: time.Now()}

	require.NoError(t, store.InsertEvaluation(ctx, eval))
	eval.Status = links.StatusUnavailable
	require.NoError(t, store.InsertEvaluation(ctx, eval))

	got := store.Evaluations()
	require.Len(t, got, 1)
	require.Equal(t, links.StatusLive, got[0].Status)

	require.ErrorIs(t, store.InsertEvaluation(ctx, links.Evaluation{}), links.ErrInvalidInput)
}

func TestStoreClicks(t *testing.T) {
	t.Parallel()

	store := NewStore()
	require.NoError(t, store.AppendClick(context.Background(), links.ClickEvent{LinkID: "abc"}))
	require.Len(t, store.Clicks(), 1)
}
