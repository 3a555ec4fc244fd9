package primitives

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"coordkit/pkg/coordination/memstore"
)

func TestCounterIncrementsAreUnique(t *testing.T) {
	const (
		workers = 8
		each    = 25
	)
	ens := memstore.New()
	ctx := context.Background()

	var (
		mu     sync.Mutex
		values = map[int32]int{}
		eg     errgroup.Group
	)
	for w := 0; w < workers; w++ {
		store := session(t, ens)
		eg.Go(func() error {
			c, err := NewCounter(ctx, store, testConfig(), "hits")
			if err != nil {
				return err
			}
			last := int32(0)
			for i := 0; i < each; i++ {
				v, err := c.IncrementAndGet(ctx)
				if err != nil {
					return err
				}
				assert.Greater(t, v, last, "values seen by one caller must increase")
				last = v
				mu.Lock()
				values[v]++
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	require.Len(t, values, workers*each)
	for v := int32(1); v <= workers*each; v++ {
		assert.Equal(t, 1, values[v], "value %d", v)
	}
}

func TestCounterGetAndDelete(t *testing.T) {
	ctx := context.Background()
	c, err := NewCounter(ctx, session(t, memstore.New()), testConfig(), "seq")
	require.NoError(t, err)
	assert.Equal(t, "seq", c.ID())

	v, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(0), v)

	v, err = c.IncrementAndGet(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)

	require.NoError(t, c.Delete(ctx))
	require.NoError(t, c.Delete(ctx))
	_, err = c.IncrementAndGet(ctx)
	assert.ErrorIs(t, err, ErrGeneric)
}
