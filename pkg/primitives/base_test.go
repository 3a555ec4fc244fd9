package primitives

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"coordkit/pkg/coordination"
	"coordkit/pkg/coordination/memstore"
)

func testConfig() Config {
	return Config{Root: "/test", Logger: zap.NewNop()}
}

// session opens a store session that is closed with the test.
func session(t *testing.T, ens *memstore.Ensemble) coordination.Store {
	t.Helper()
	s := ens.Connect()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnsurePathConcurrent(t *testing.T) {
	ens := memstore.New()
	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		store := session(t, ens)
		eg.Go(func() error {
			return ensurePath(context.Background(), store, "/a/b/c/d")
		})
	}
	require.NoError(t, eg.Wait())

	st, err := session(t, ens).Exists(context.Background(), "/a/b/c/d", nil)
	require.NoError(t, err)
	assert.NotNil(t, st)
}

func TestEnsurePathExisting(t *testing.T) {
	store := session(t, memstore.New())
	ctx := context.Background()
	_, err := store.Create(ctx, "/a", nil, coordination.Persistent)
	require.NoError(t, err)

	require.NoError(t, ensurePath(ctx, store, "/a/b"))
	require.NoError(t, ensurePath(ctx, store, "/a/b"))
}

func TestDeleteTree(t *testing.T) {
	store := session(t, memstore.New())
	ctx := context.Background()
	require.NoError(t, ensurePath(ctx, store, "/x/y/z"))
	_, err := store.Create(ctx, "/x/y/leaf", []byte("v"), coordination.Persistent)
	require.NoError(t, err)

	require.NoError(t, deleteTree(ctx, store, "/x"))
	require.NoError(t, deleteTree(ctx, store, "/x"))

	st, err := store.Exists(ctx, "/x", nil)
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestNewBaseRejectsBadIDs(t *testing.T) {
	store := session(t, memstore.New())
	for _, id := range []string{"", "a/b", "..", "."} {
		t.Run(fmt.Sprintf("%q", id), func(t *testing.T) {
			_, err := newBase(context.Background(), store, testConfig(), "queue", id)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestTakeEventTimesOut(t *testing.T) {
	store := session(t, memstore.New())
	cfg := testConfig()
	cfg.WaitTimeout = 20 * time.Millisecond
	b, err := newBase(context.Background(), store, cfg, "barrier", "timeout")
	require.NoError(t, err)

	_, err = b.takeEvent(context.Background(), "test")
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestTakeEventReturnsQueuedEventsInOrder(t *testing.T) {
	store := session(t, memstore.New())
	b, err := newBase(context.Background(), store, testConfig(), "barrier", "order")
	require.NoError(t, err)

	b.watch(coordination.Event{Type: coordination.EventNodeCreated, Path: "/1"})
	b.watch(coordination.Event{Type: coordination.EventNodeDeleted, Path: "/2"})

	ev, err := b.takeEvent(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, "/1", ev.Path)
	ev, err = b.takeEvent(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, "/2", ev.Path)
}

func TestErrorMatchesKindAndCause(t *testing.T) {
	err := wrap("queue.dequeue", fmt.Errorf("read: %w", coordination.ErrClosed))

	assert.ErrorIs(t, err, ErrGeneric)
	assert.ErrorIs(t, err, coordination.ErrClosed)
	assert.False(t, errors.Is(err, ErrWaitTimeout))
	assert.Equal(t, err, wrap("outer", err))
	assert.Contains(t, err.Error(), "queue.dequeue")
}
