package resilience

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"coordkit/pkg/coordination"
)

// BreakerStore fails fast with ErrCircuitOpen while the coordination store
// keeps failing. Protocol outcomes such as ErrNoNode or ErrNodeExists are
// answers, not failures, and never trip the circuit.
type BreakerStore struct {
	next    coordination.Store
	breaker *CircuitBreaker
}

var _ coordination.Store = (*BreakerStore)(nil)

func NewBreakerStore(next coordination.Store, config CircuitBreakerConfig, log *zap.Logger) *BreakerStore {
	config.IsFailure = IsStoreFailure
	if config.OnStateChange == nil && log != nil {
		config.OnStateChange = func(name string, from, to CircuitState) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		}
	}
	return &BreakerStore{next: next, breaker: NewCircuitBreaker("coordination-store", config)}
}

// IsStoreFailure reports whether err indicates an unhealthy store rather than
// an expected protocol outcome.
func IsStoreFailure(err error) bool {
	for _, expected := range []error{
		coordination.ErrNodeExists,
		coordination.ErrNoNode,
		coordination.ErrBadVersion,
		coordination.ErrNotEmpty,
		coordination.ErrNoChildrenForEphemerals,
		context.Canceled,
	} {
		if errors.Is(err, expected) {
			return false
		}
	}
	return true
}

func (s *BreakerStore) Breaker() *CircuitBreaker { return s.breaker }

func (s *BreakerStore) Create(ctx context.Context, path string, data []byte, mode coordination.CreateMode) (actual string, err error) {
	err = s.breaker.Execute(ctx, func() error {
		actual, err = s.next.Create(ctx, path, data, mode)
		return err
	})
	return actual, err
}

func (s *BreakerStore) Exists(ctx context.Context, path string, w coordination.Watcher) (st *coordination.Stat, err error) {
	err = s.breaker.Execute(ctx, func() error {
		st, err = s.next.Exists(ctx, path, w)
		return err
	})
	return st, err
}

func (s *BreakerStore) GetData(ctx context.Context, path string, w coordination.Watcher) (data []byte, st *coordination.Stat, err error) {
	err = s.breaker.Execute(ctx, func() error {
		data, st, err = s.next.GetData(ctx, path, w)
		return err
	})
	return data, st, err
}

func (s *BreakerStore) GetChildren(ctx context.Context, path string, w coordination.Watcher) (children []string, err error) {
	err = s.breaker.Execute(ctx, func() error {
		children, err = s.next.GetChildren(ctx, path, w)
		return err
	})
	return children, err
}

func (s *BreakerStore) SetData(ctx context.Context, path string, data []byte, version int32) (st *coordination.Stat, err error) {
	err = s.breaker.Execute(ctx, func() error {
		st, err = s.next.SetData(ctx, path, data, version)
		return err
	})
	return st, err
}

func (s *BreakerStore) Delete(ctx context.Context, path string, version int32) error {
	return s.breaker.Execute(ctx, func() error {
		return s.next.Delete(ctx, path, version)
	})
}

func (s *BreakerStore) Close() error {
	return s.next.Close()
}
