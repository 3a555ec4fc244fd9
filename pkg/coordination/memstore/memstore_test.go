package memstore

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coordkit/pkg/coordination"
)

func watchChan() (coordination.Watcher, <-chan coordination.Event) {
	ch := make(chan coordination.Event, 1)
	return func(ev coordination.Event) { ch <- ev }, ch
}

func expectEvent(t *testing.T, ch <-chan coordination.Event, want coordination.EventType) coordination.Event {
	t.Helper()
	select {
	case ev := <-ch:
		require.Equal(t, want, ev.Type)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %v", want)
	}
	return coordination.Event{}
}

func TestCreateRequiresParent(t *testing.T) {
	s := New().Connect()
	defer s.Close()
	ctx := context.Background()

	_, err := s.Create(ctx, "/a/b", nil, coordination.Persistent)
	assert.ErrorIs(t, err, coordination.ErrNoNode)

	p, err := s.Create(ctx, "/a", []byte("x"), coordination.Persistent)
	require.NoError(t, err)
	assert.Equal(t, "/a", p)

	_, err = s.Create(ctx, "/a", nil, coordination.Persistent)
	assert.ErrorIs(t, err, coordination.ErrNodeExists)
}

func TestSequentialNamesAreOrdered(t *testing.T) {
	s := New().Connect()
	defer s.Close()
	ctx := context.Background()
	_, err := s.Create(ctx, "/q", nil, coordination.Persistent)
	require.NoError(t, err)

	var created []string
	for i := 0; i < 3; i++ {
		p, err := s.Create(ctx, "/q/item-", nil, coordination.PersistentSequential)
		require.NoError(t, err)
		created = append(created, p)
	}
	assert.Equal(t, "/q/item-0000000000", created[0])
	assert.True(t, sort.StringsAreSorted(created))

	children, err := s.GetChildren(ctx, "/q", nil)
	require.NoError(t, err)
	assert.Len(t, children, 3)
}

func TestVersionsAndConditionalWrites(t *testing.T) {
	s := New().Connect()
	defer s.Close()
	ctx := context.Background()
	_, err := s.Create(ctx, "/c", nil, coordination.Persistent)
	require.NoError(t, err)

	st, err := s.SetData(ctx, "/c", nil, coordination.AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, int32(1), st.Version)

	_, err = s.SetData(ctx, "/c", nil, 0)
	assert.ErrorIs(t, err, coordination.ErrBadVersion)

	assert.ErrorIs(t, s.Delete(ctx, "/c", 7), coordination.ErrBadVersion)
	require.NoError(t, s.Delete(ctx, "/c", 1))
	assert.ErrorIs(t, s.Delete(ctx, "/c", coordination.AnyVersion), coordination.ErrNoNode)
}

func TestDeleteRefusesNonEmpty(t *testing.T) {
	s := New().Connect()
	defer s.Close()
	ctx := context.Background()
	_, _ = s.Create(ctx, "/p", nil, coordination.Persistent)
	_, _ = s.Create(ctx, "/p/c", nil, coordination.Persistent)

	assert.ErrorIs(t, s.Delete(ctx, "/p", coordination.AnyVersion), coordination.ErrNotEmpty)
}

func TestEphemeralCannotHaveChildren(t *testing.T) {
	s := New().Connect()
	defer s.Close()
	ctx := context.Background()
	_, err := s.Create(ctx, "/e", nil, coordination.Ephemeral)
	require.NoError(t, err)

	_, err = s.Create(ctx, "/e/c", nil, coordination.Persistent)
	assert.ErrorIs(t, err, coordination.ErrNoChildrenForEphemerals)
}

func TestWatchesFireOnce(t *testing.T) {
	s := New().Connect()
	defer s.Close()
	ctx := context.Background()

	w, ch := watchChan()
	st, err := s.Exists(ctx, "/w", w)
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = s.Create(ctx, "/w", nil, coordination.Persistent)
	require.NoError(t, err)
	ev := expectEvent(t, ch, coordination.EventNodeCreated)
	assert.Equal(t, "/w", ev.Path)

	// not re-armed, so a second change stays silent
	_, err = s.SetData(ctx, "/w", []byte("1"), coordination.AnyVersion)
	require.NoError(t, err)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	w, ch = watchChan()
	_, err = s.GetChildren(ctx, "/w", w)
	require.NoError(t, err)
	_, err = s.Create(ctx, "/w/child", nil, coordination.Persistent)
	require.NoError(t, err)
	expectEvent(t, ch, coordination.EventNodeChildrenChanged)

	w, ch = watchChan()
	_, _, err = s.GetData(ctx, "/w/child", w)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "/w/child", coordination.AnyVersion))
	expectEvent(t, ch, coordination.EventNodeDeleted)
}

func TestCloseRemovesEphemeralsAndNotifiesOthers(t *testing.T) {
	ens := New()
	owner := ens.Connect()
	observer := ens.Connect()
	defer observer.Close()
	ctx := context.Background()

	_, err := owner.Create(ctx, "/members", nil, coordination.Persistent)
	require.NoError(t, err)
	_, err = owner.Create(ctx, "/members/m-", nil, coordination.EphemeralSequential)
	require.NoError(t, err)

	w, ch := watchChan()
	children, err := observer.GetChildren(ctx, "/members", w)
	require.NoError(t, err)
	require.Len(t, children, 1)

	require.NoError(t, owner.Close())
	expectEvent(t, ch, coordination.EventNodeChildrenChanged)

	children, err = observer.GetChildren(ctx, "/members", nil)
	require.NoError(t, err)
	assert.Empty(t, children)

	_, err = owner.Create(ctx, "/x", nil, coordination.Persistent)
	assert.ErrorIs(t, err, coordination.ErrClosed)
	assert.NoError(t, owner.Close())
}

func TestCloseReleasesOwnWatches(t *testing.T) {
	s := New().Connect()
	w, ch := watchChan()
	_, err := s.Exists(context.Background(), "/never", w)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	expectEvent(t, ch, coordination.EventNotWatching)
}
