package tracing

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"coordkit/pkg/coordination"
	"coordkit/pkg/metrics"
)

// TracedStore records a span and the store metrics around every call of the
// wrapped store.
type TracedStore struct {
	next   coordination.Store
	tracer trace.Tracer
}

var _ coordination.Store = (*TracedStore)(nil)

func NewTracedStore(next coordination.Store, tracer trace.Tracer) *TracedStore {
	return &TracedStore{next: next, tracer: tracer}
}

func (s *TracedStore) observe(ctx context.Context, op, path string, fn func(ctx context.Context) error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "store."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("coordination.path", path)),
	)
	defer span.End()

	err := fn(ctx)
	metrics.RecordStoreOp(op, result(err), time.Since(start).Seconds())
	if err != nil && result(err) == "error" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// result classifies expected protocol outcomes apart from real failures.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, coordination.ErrNodeExists):
		return "exists"
	case errors.Is(err, coordination.ErrNoNode):
		return "no_node"
	case errors.Is(err, coordination.ErrBadVersion):
		return "bad_version"
	case errors.Is(err, coordination.ErrNotEmpty):
		return "not_empty"
	default:
		return "error"
	}
}

func (s *TracedStore) Create(ctx context.Context, path string, data []byte, mode coordination.CreateMode) (actual string, err error) {
	s.observe(ctx, "create", path, func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("coordination.mode", mode.String()))
		actual, err = s.next.Create(ctx, path, data, mode)
		return err
	})
	return actual, err
}

func (s *TracedStore) Exists(ctx context.Context, path string, w coordination.Watcher) (st *coordination.Stat, err error) {
	s.observe(ctx, "exists", path, func(ctx context.Context) error {
		st, err = s.next.Exists(ctx, path, w)
		return err
	})
	return st, err
}

func (s *TracedStore) GetData(ctx context.Context, path string, w coordination.Watcher) (data []byte, st *coordination.Stat, err error) {
	s.observe(ctx, "get_data", path, func(ctx context.Context) error {
		data, st, err = s.next.GetData(ctx, path, w)
		return err
	})
	return data, st, err
}

func (s *TracedStore) GetChildren(ctx context.Context, path string, w coordination.Watcher) (children []string, err error) {
	s.observe(ctx, "get_children", path, func(ctx context.Context) error {
		children, err = s.next.GetChildren(ctx, path, w)
		return err
	})
	return children, err
}

func (s *TracedStore) SetData(ctx context.Context, path string, data []byte, version int32) (st *coordination.Stat, err error) {
	s.observe(ctx, "set_data", path, func(ctx context.Context) error {
		st, err = s.next.SetData(ctx, path, data, version)
		return err
	})
	return st, err
}

func (s *TracedStore) Delete(ctx context.Context, path string, version int32) (err error) {
	s.observe(ctx, "delete", path, func(ctx context.Context) error {
		err = s.next.Delete(ctx, path, version)
		return err
	})
	return err
}

func (s *TracedStore) Close() error {
	return s.next.Close()
}
