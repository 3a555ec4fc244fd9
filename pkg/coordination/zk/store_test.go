package zk

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"coordkit/pkg/coordination"
	"coordkit/pkg/coordination/storetest"
)

func TestFlags(t *testing.T) {
	tests := []struct {
		mode coordination.CreateMode
		want int32
	}{
		{coordination.Persistent, 0},
		{coordination.PersistentSequential, zk.FlagSequence},
		{coordination.Ephemeral, zk.FlagEphemeral},
		{coordination.EphemeralSequential, zk.FlagEphemeral | zk.FlagSequence},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, flags(tt.mode))
		})
	}
}

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr(nil))
	assert.ErrorIs(t, mapErr(zk.ErrNodeExists), coordination.ErrNodeExists)
	assert.ErrorIs(t, mapErr(zk.ErrNoNode), coordination.ErrNoNode)
	assert.ErrorIs(t, mapErr(zk.ErrBadVersion), coordination.ErrBadVersion)
	assert.ErrorIs(t, mapErr(zk.ErrNotEmpty), coordination.ErrNotEmpty)
	assert.ErrorIs(t, mapErr(zk.ErrNoChildrenForEphemerals), coordination.ErrNoChildrenForEphemerals)
	assert.ErrorIs(t, mapErr(zk.ErrSessionExpired), coordination.ErrClosed)
	assert.ErrorIs(t, mapErr(zk.ErrClosing), coordination.ErrClosed)

	other := errors.New("connection reset")
	mapped := mapErr(other)
	assert.ErrorIs(t, mapped, other)
	assert.False(t, errors.Is(mapped, coordination.ErrClosed))
}

func TestEventType(t *testing.T) {
	assert.Equal(t, coordination.EventNodeCreated, eventType(zk.EventNodeCreated))
	assert.Equal(t, coordination.EventNodeDeleted, eventType(zk.EventNodeDeleted))
	assert.Equal(t, coordination.EventNodeDataChanged, eventType(zk.EventNodeDataChanged))
	assert.Equal(t, coordination.EventNodeChildrenChanged, eventType(zk.EventNodeChildrenChanged))
	assert.Equal(t, coordination.EventNotWatching, eventType(zk.EventNotWatching))
	assert.Equal(t, coordination.EventNotWatching, eventType(zk.EventSession))
}

func TestToStat(t *testing.T) {
	assert.Nil(t, toStat(nil))
	assert.Equal(t, &coordination.Stat{Version: 3, Ephemeral: true}, toStat(&zk.Stat{Version: 3, EphemeralOwner: 42}))
	assert.Equal(t, &coordination.Stat{Version: 0}, toStat(&zk.Stat{}))
}

func TestDeliverReportsClosedChannel(t *testing.T) {
	s := &Store{notifier: coordination.NewNotifier()}
	defer s.notifier.Close()
	ch := make(chan zk.Event)
	got := make(chan coordination.Event, 1)
	s.deliver("/x", ch, func(ev coordination.Event) { got <- ev })
	close(ch)

	select {
	case ev := <-got:
		assert.Equal(t, coordination.Event{Type: coordination.EventNotWatching, Path: "/x"}, ev)
	case <-time.After(time.Second):
		t.Fatal("watcher not called")
	}
}

// TestStoreConformance runs against a live ensemble named by
// COORD_TEST_ZK_SERVERS, e.g. "localhost:2181".
func TestStoreConformance(t *testing.T) {
	servers := os.Getenv("COORD_TEST_ZK_SERVERS")
	if servers == "" {
		t.Skip("COORD_TEST_ZK_SERVERS not set")
	}
	suite.Run(t, &storetest.Suite{
		Connect: func() (coordination.Store, error) {
			return NewStore(strings.Split(servers, ","), 5*time.Second, zap.NewNop())
		},
	})
}
