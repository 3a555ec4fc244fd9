package primitives

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"coordkit/pkg/coordination"
	"coordkit/pkg/metrics"
)

// Priority entries sort before FIFO entries because "p-" < "q-".
const (
	priorityPrefix = "p-"
	fifoPrefix     = "q-"
)

// Queue is a distributed work queue. Claiming an entry is deleting its node,
// so each entry is handed to exactly one consumer.
type Queue struct {
	*base
}

func NewQueue(ctx context.Context, store coordination.Store, cfg Config, id string) (*Queue, error) {
	b, err := newBase(ctx, store, cfg, "queue", id)
	if err != nil {
		return nil, err
	}
	return &Queue{base: b}, nil
}

func (q *Queue) ID() string { return q.id }

// Enqueue appends a FIFO entry and returns its node name.
func (q *Queue) Enqueue(ctx context.Context, data []byte) (string, error) {
	p, err := q.store.Create(ctx, coordination.Join(q.root, fifoPrefix), data, coordination.PersistentSequential)
	if err != nil {
		return "", wrap("queue.enqueue", err)
	}
	metrics.QueueEnqueued.WithLabelValues("fifo").Inc()
	return coordination.Base(p), nil
}

// EnqueuePriority adds an entry named after priority; lower values are
// dequeued first and ahead of every FIFO entry. The name carries no unique
// id, so a second entry at a priority still pending fails with
// coordination.ErrNodeExists wrapped in ErrGeneric.
func (q *Queue) EnqueuePriority(ctx context.Context, data []byte, priority uint32) (string, error) {
	name := fmt.Sprintf("%s%0*d", priorityPrefix, coordination.SequenceDigits, priority)
	if _, err := q.store.Create(ctx, coordination.Join(q.root, name), data, coordination.Persistent); err != nil {
		return "", wrap("queue.enqueue_priority", err)
	}
	metrics.QueueEnqueued.WithLabelValues("priority").Inc()
	return name, nil
}

// Dequeue claims the first entry in order. ok is false when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (data []byte, ok bool, err error) {
	data, ok, err = q.claim(ctx, nil)
	return data, ok, wrap("queue.dequeue", err)
}

// BlockingDequeue waits until an entry can be claimed.
func (q *Queue) BlockingDequeue(ctx context.Context) ([]byte, error) {
	const op = "queue.blocking_dequeue"
	for {
		data, ok, err := q.claim(ctx, q.watch)
		if err != nil {
			return nil, wrap(op, err)
		}
		if ok {
			return data, nil
		}
		if _, err := q.takeEvent(ctx, op); err != nil {
			return nil, err
		}
	}
}

// Size returns the number of pending entries.
func (q *Queue) Size(ctx context.Context) (int, error) {
	names, err := q.pending(ctx, nil)
	if err != nil {
		return 0, wrap("queue.size", err)
	}
	return len(names), nil
}

// Close deletes the queue and every pending entry. Closing twice is a no-op.
func (q *Queue) Close(ctx context.Context) error {
	if err := deleteTree(ctx, q.store, q.root); err != nil {
		return wrap("queue.close", err)
	}
	q.log.Debug("queue closed")
	return nil
}

func (q *Queue) pending(ctx context.Context, w coordination.Watcher) ([]string, error) {
	children, err := q.store.GetChildren(ctx, q.root, w)
	if err != nil {
		return nil, err
	}
	out := children[:0]
	for _, c := range children {
		if strings.HasPrefix(c, priorityPrefix) || strings.HasPrefix(c, fifoPrefix) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (q *Queue) claim(ctx context.Context, w coordination.Watcher) ([]byte, bool, error) {
	names, err := q.pending(ctx, w)
	if err != nil {
		return nil, false, err
	}
	for _, name := range names {
		p := coordination.Join(q.root, name)
		data, _, err := q.store.GetData(ctx, p, nil)
		if errors.Is(err, coordination.ErrNoNode) {
			metrics.QueueClaimConflicts.Inc()
			continue
		}
		if err != nil {
			return nil, false, err
		}
		err = q.store.Delete(ctx, p, coordination.AnyVersion)
		if errors.Is(err, coordination.ErrNoNode) {
			q.log.Debug("entry claimed by another consumer", zap.String("entry", name))
			metrics.QueueClaimConflicts.Inc()
			continue
		}
		if err != nil {
			return nil, false, err
		}
		metrics.QueueDequeued.Inc()
		return data, true, nil
	}
	return nil, false, nil
}
