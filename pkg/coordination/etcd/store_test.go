package etcd

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"coordkit/pkg/coordination"
	"coordkit/pkg/coordination/storetest"
)

func testStore() *Store {
	return &Store{prefix: "/coord", log: zap.NewNop()}
}

func TestKeyLayout(t *testing.T) {
	s := testStore()
	assert.Equal(t, "/coord/", s.key("/"))
	assert.Equal(t, "/coord/a/b", s.key("/a/b"))
	assert.Equal(t, "/coord/", s.childPrefix("/"))
	assert.Equal(t, "/coord/a/", s.childPrefix("/a"))
	assert.False(t, strings.HasPrefix(s.seqKey("/a"), s.childPrefix("/")),
		"sequence counters must not be listed as nodes")
}

func TestIsDirectChild(t *testing.T) {
	s := testStore()
	tests := []struct {
		parent, key string
		want        bool
	}{
		{"/a", "/coord/a/b", true},
		{"/a", "/coord/a/b/c", false},
		{"/a", "/coord/a/", false},
		{"/a", "/coord/ab", false},
		{"/", "/coord/a", true},
		{"/", "/coord/a/b", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.isDirectChild(tt.parent, tt.key), "%s under %s", tt.key, tt.parent)
	}
}

func put(key string, created, modified int64) *clientv3.Event {
	return &clientv3.Event{
		Type: clientv3.EventTypePut,
		Kv:   &mvccpb.KeyValue{Key: []byte(key), CreateRevision: created, ModRevision: modified},
	}
}

func del(key string) *clientv3.Event {
	return &clientv3.Event{
		Type: clientv3.EventTypeDelete,
		Kv:   &mvccpb.KeyValue{Key: []byte(key)},
	}
}

func TestMatchNode(t *testing.T) {
	match := testStore().matchNode("/a")

	typ, ok := match(put("/coord/a", 5, 5))
	assert.True(t, ok)
	assert.Equal(t, coordination.EventNodeCreated, typ)

	typ, ok = match(put("/coord/a", 5, 9))
	assert.True(t, ok)
	assert.Equal(t, coordination.EventNodeDataChanged, typ)

	typ, ok = match(del("/coord/a"))
	assert.True(t, ok)
	assert.Equal(t, coordination.EventNodeDeleted, typ)

	_, ok = match(put("/coord/a/child", 7, 7))
	assert.False(t, ok)
}

func TestMatchChildren(t *testing.T) {
	match := testStore().matchChildren("/a")

	typ, ok := match(put("/coord/a/b", 5, 5))
	assert.True(t, ok)
	assert.Equal(t, coordination.EventNodeChildrenChanged, typ)

	typ, ok = match(del("/coord/a/b"))
	assert.True(t, ok)
	assert.Equal(t, coordination.EventNodeChildrenChanged, typ)

	_, ok = match(put("/coord/a/b", 5, 8))
	assert.False(t, ok, "data changes of a child are not membership changes")
	_, ok = match(put("/coord/a/b/c", 9, 9))
	assert.False(t, ok, "grandchildren are ignored")

	typ, ok = match(del("/coord/a"))
	assert.True(t, ok)
	assert.Equal(t, coordination.EventNodeDeleted, typ)
}

func TestToStat(t *testing.T) {
	assert.Nil(t, toStat(&clientv3.GetResponse{}))
	resp := &clientv3.GetResponse{Kvs: []*mvccpb.KeyValue{{Version: 1, Lease: 7}}}
	assert.Equal(t, &coordination.Stat{Version: 0, Ephemeral: true}, toStat(resp))
}

// TestStoreConformance runs against a live cluster named by
// COORD_TEST_ETCD_ENDPOINTS, e.g. "localhost:2379".
func TestStoreConformance(t *testing.T) {
	endpoints := os.Getenv("COORD_TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("COORD_TEST_ETCD_ENDPOINTS not set")
	}
	suite.Run(t, &storetest.Suite{
		Connect: func() (coordination.Store, error) {
			return NewStore(strings.Split(endpoints, ","), 10, "/coordkit-test", zap.NewNop())
		},
	})
}
