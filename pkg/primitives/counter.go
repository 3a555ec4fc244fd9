package primitives

import (
	"context"

	"coordkit/pkg/coordination"
	"coordkit/pkg/metrics"
)

// IntegerCounter uses the version of its node as the counter value. The
// store increments it atomically on every write.
type IntegerCounter struct {
	*base
}

func NewCounter(ctx context.Context, store coordination.Store, cfg Config, id string) (*IntegerCounter, error) {
	b, err := newBase(ctx, store, cfg, "counter", id)
	if err != nil {
		return nil, err
	}
	return &IntegerCounter{base: b}, nil
}

func (c *IntegerCounter) ID() string { return c.id }

func (c *IntegerCounter) IncrementAndGet(ctx context.Context) (int32, error) {
	st, err := c.store.SetData(ctx, c.root, nil, coordination.AnyVersion)
	if err != nil {
		return 0, wrap("counter.increment", err)
	}
	metrics.CounterIncrements.Inc()
	return st.Version, nil
}

// Get reads the current value without changing it.
func (c *IntegerCounter) Get(ctx context.Context) (int32, error) {
	_, st, err := c.store.GetData(ctx, c.root, nil)
	if err != nil {
		return 0, wrap("counter.get", err)
	}
	return st.Version, nil
}

// Delete removes the counter node. Deleting twice is a no-op.
func (c *IntegerCounter) Delete(ctx context.Context) error {
	return wrap("counter.delete", c.deleteQuietly(ctx, c.root))
}
