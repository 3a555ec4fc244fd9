package primitives

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"coordkit/pkg/coordination"
	"coordkit/pkg/metrics"
)

const (
	entryPrefix = "entry-"
	readyNode   = "ready"
)

// Barrier is a double barrier: Enter returns once size participants have
// entered, Leave returns once the others have left.
//
// A barrier id can be reused once every participant of a round has returned
// from Leave; the last one out removes the ready marker. Rounds must not
// overlap: a participant of the next round that enters while the previous
// round still holds entries or the ready marker is released immediately.
type Barrier struct {
	*base
	size int

	mu    sync.Mutex
	token string
}

func NewBarrier(ctx context.Context, store coordination.Store, cfg Config, id string, size int) (*Barrier, error) {
	if size < 1 {
		return nil, newError(ErrInvalidConfiguration, "barrier.new", "size must be at least 1")
	}
	b, err := newBase(ctx, store, cfg, "barrier", id)
	if err != nil {
		return nil, err
	}
	return &Barrier{base: b, size: size}, nil
}

func (b *Barrier) ID() string { return b.id }

func (b *Barrier) Size() int { return b.size }

// Enter blocks until size participants hold an entry token. Any failure
// deletes the whole barrier, which also aborts the other waiters.
func (b *Barrier) Enter(ctx context.Context) error {
	start := time.Now()
	if err := b.enter(ctx); err != nil {
		b.log.Warn("barrier enter failed, releasing barrier", zap.Error(err))
		b.release(context.WithoutCancel(ctx))
		return err
	}
	metrics.BarrierWait.WithLabelValues("enter").Observe(time.Since(start).Seconds())
	return nil
}

func (b *Barrier) enter(ctx context.Context) error {
	const op = "barrier.enter"
	ready := coordination.Join(b.root, readyNode)
	if _, err := b.store.Exists(ctx, ready, b.watch); err != nil {
		return wrap(op, err)
	}
	token, err := b.store.Create(ctx, coordination.Join(b.root, entryPrefix), nil, coordination.EphemeralSequential)
	if err != nil {
		return wrap(op, err)
	}
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
	name := coordination.Base(token)

	for {
		entries, err := b.entries(ctx)
		if err != nil {
			return wrap(op, err)
		}
		if len(entries) >= b.size {
			if entries[len(entries)-1] == name {
				_, err := b.store.Create(ctx, ready, nil, coordination.Ephemeral)
				if err != nil && !errors.Is(err, coordination.ErrNodeExists) {
					return wrap(op, err)
				}
				b.log.Debug("barrier ready", zap.String("token", name), zap.Int("entries", len(entries)))
			}
			return nil
		}
		// Early participants may already be leaving, so the entry count alone
		// can drop below size again.
		st, err := b.store.Exists(ctx, ready, nil)
		if err != nil {
			return wrap(op, err)
		}
		if st != nil {
			return nil
		}
		if _, err := b.takeEvent(ctx, op); err != nil {
			return err
		}
	}
}

// Leave removes this participant's token and waits until at most one
// participant is still inside.
func (b *Barrier) Leave(ctx context.Context) error {
	const op = "barrier.leave"
	start := time.Now()
	b.mu.Lock()
	token := b.token
	b.token = ""
	b.mu.Unlock()
	if token != "" {
		if err := b.deleteQuietly(ctx, token); err != nil {
			return wrap(op, err)
		}
	}
	for {
		entries, err := b.entries(ctx)
		if errors.Is(err, coordination.ErrNoNode) {
			return nil
		}
		if err != nil {
			return wrap(op, err)
		}
		if len(entries) == 0 {
			if err := b.deleteQuietly(ctx, coordination.Join(b.root, readyNode)); err != nil {
				return wrap(op, err)
			}
		}
		if len(entries) <= 1 {
			metrics.BarrierWait.WithLabelValues("leave").Observe(time.Since(start).Seconds())
			return nil
		}
		if _, err := b.takeEvent(ctx, op); err != nil {
			return err
		}
	}
}

// WaitOnBarrier is Enter followed by Leave.
func (b *Barrier) WaitOnBarrier(ctx context.Context) error {
	if err := b.Enter(ctx); err != nil {
		return err
	}
	return b.Leave(ctx)
}

// entries lists the entry tokens in order and re-arms the children watch.
func (b *Barrier) entries(ctx context.Context) ([]string, error) {
	children, err := b.store.GetChildren(ctx, b.root, b.watch)
	if err != nil {
		return nil, err
	}
	out := children[:0]
	for _, c := range children {
		if strings.HasPrefix(c, entryPrefix) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out, nil
}
