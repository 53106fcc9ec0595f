package lazypin

import (
	"path/filepath"
	"testing"

	"github.com/livepeer/encoder-worker/internal/job"
	"github.com/livepeer/encoder-worker/internal/pinstore"
	"github.com/stretchr/testify/require"
)

type fakeActive struct{ count int }

func (f fakeActive) ActiveCount() int { return f.count }

type fakePinner struct {
	calls []string
	err   error
}

func (f *fakePinner) Pin(cid string) error {
	f.calls = append(f.calls, cid)
	return f.err
}

func newTestStore(t *testing.T) *pinstore.Store {
	t.Helper()
	s, err := pinstore.New(filepath.Join(t.TempDir(), "pending_pins.json"))
	require.NoError(t, err)
	return s
}

func TestTickSkipsWhenActive(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Add(job.PendingPin{CID: "a"}))
	pinner := &fakePinner{}

	r := New(store, fakeActive{count: 1}, pinner, 0)
	r.tick()

	require.Empty(t, pinner.calls)
}

func TestTickPinsOldestWhenIdle(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Add(job.PendingPin{CID: "a"}))
	pinner := &fakePinner{}

	r := New(store, fakeActive{count: 0}, pinner, 0)
	r.tick()

	require.Equal(t, []string{"a"}, pinner.calls)
	require.Equal(t, 0, store.Stats().Total)
}

func TestTickMarksFailedOnPinError(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Add(job.PendingPin{CID: "a"}))
	pinner := &fakePinner{err: require.AnError}

	r := New(store, fakeActive{count: 0}, pinner, 0)
	r.tick()

	require.Equal(t, 1, store.Stats().Total)
}
