package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	config "coordkit/configs"
	"coordkit/pkg/coordination"
	"coordkit/pkg/coordination/memstore"
	"coordkit/pkg/primitives"
)

func testConfig() *config.Config {
	cfg := config.LoadConfig()
	cfg.StoreBackend = config.BackendMemory
	cfg.RootPath = "/svc"
	cfg.WaitTimeout = config.Duration{Duration: 2 * time.Second}
	return cfg
}

func TestServiceBuildsPrimitivesUnderRoot(t *testing.T) {
	ctx := context.Background()
	store := memstore.New().Connect()
	svc, err := New(store, testConfig(), zap.NewNop())
	require.NoError(t, err)
	defer svc.Close(ctx)

	require.NoError(t, svc.Ping(ctx))

	c, err := svc.NewCounter(ctx, "requests")
	require.NoError(t, err)
	v, err := c.IncrementAndGet(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)

	q, err := svc.NewQueue(ctx, "jobs")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, []byte("x"))
	require.NoError(t, err)

	b, err := svc.NewBarrier(ctx, "start", 1)
	require.NoError(t, err)
	require.NoError(t, b.WaitOnBarrier(ctx))

	for _, p := range []string{"/svc/counter/requests", "/svc/queue/jobs", "/svc/barrier/start"} {
		st, err := store.Exists(ctx, p, nil)
		require.NoError(t, err)
		assert.NotNil(t, st, p)
	}
}

func TestServiceCloseLeavesGroups(t *testing.T) {
	ctx := context.Background()
	ens := memstore.New()
	svc, err := New(ens.Connect(), testConfig(), zap.NewNop())
	require.NoError(t, err)

	g, err := svc.NewGroup(ctx, "workers")
	require.NoError(t, err)
	found, ok := svc.Group("workers")
	require.True(t, ok)
	assert.Same(t, g, found)

	require.NoError(t, svc.Close(ctx))
	require.NoError(t, svc.Close(ctx))
	assert.False(t, g.IsActive())

	observer := ens.Connect()
	defer observer.Close()
	children, err := observer.GetChildren(ctx, "/svc/group/workers", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"__COMM__"}, children)

	_, err = svc.NewQueue(ctx, "late")
	assert.ErrorIs(t, err, ErrServiceClosed)
}

func TestServiceLeaveGroup(t *testing.T) {
	ctx := context.Background()
	svc, err := New(memstore.New().Connect(), testConfig(), zap.NewNop())
	require.NoError(t, err)
	defer svc.Close(ctx)

	_, err = svc.NewGroup(ctx, "temp")
	require.NoError(t, err)
	require.NoError(t, svc.LeaveGroup(ctx, "temp"))
	_, ok := svc.Group("temp")
	assert.False(t, ok)
}

func TestServiceRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.RootPath = "relative"
	_, err := New(memstore.New().Connect(), cfg, zap.NewNop())
	assert.ErrorIs(t, err, primitives.ErrInvalidConfiguration)
}

func TestOpenStoreMemory(t *testing.T) {
	store, err := OpenStore(testConfig(), zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	_, err = store.Create(context.Background(), "/canary", nil, coordination.Ephemeral)
	assert.NoError(t, err)

	cfg := testConfig()
	cfg.StoreBackend = "consul"
	_, err = OpenStore(cfg, zap.NewNop())
	assert.Error(t, err)
}
