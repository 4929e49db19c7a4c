package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/geolink/internal/links"
	"github.com/JakeFAU/geolink/internal/storage/memory"
)

type failingClickStore struct{}

func (failingClickStore) AppendClick(context.Context, links.ClickEvent) error {
	return errors.New("db down")
}

type fakeCollector struct {
	calls   []string
	err     error
	started bool
}

func (f *fakeCollector) CollectLinkClick(_ context.Context, accountID, linkID, destination, country string) (bool, error) {
	f.calls = append(f.calls, accountID+"/"+linkID+"/"+destination+"/"+country)
	return f.started, f.err
}

func TestRecorderPersistsThenCollects(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	collector := &fakeCollector{started: true}
	rec, err := NewRecorder(store, collector, nil)
	require.NoError(t, err)

	event := geoEvent("abc")
	require.NoError(t, rec.Handle(context.Background(), event))
	require.Len(t, store.Clicks(), 1)
	require.Equal(t, []string{"acct/abc/https://example.com/US"}, collector.calls)
}

func TestRecorderReturnsStoreErrors(t *testing.T) {
	t.Parallel()

	collector := &fakeCollector{}
	rec, err := NewRecorder(failingClickStore{}, collector, nil)
	require.NoError(t, err)

	err = rec.Handle(context.Background(), geoEvent("abc"))
	require.ErrorIs(t, err, links.ErrPersistenceUnavailable)
	require.Empty(t, collector.calls)
}

func TestRecorderSwallowsSchedulerErrors(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	rec, err := NewRecorder(store, &fakeCollector{err: errors.New("starter down")}, nil)
	require.NoError(t, err)
	require.NoError(t, rec.Handle(context.Background(), geoEvent("abc")))
	require.Len(t, store.Clicks(), 1)
}

func TestRecorderWithoutCollector(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	rec, err := NewRecorder(store, nil, nil)
	require.NoError(t, err)
	require.NoError(t, rec.Handle(context.Background(), geoEvent("abc")))

	_, err = NewRecorder(nil, nil, nil)
	require.Error(t, err)
}
