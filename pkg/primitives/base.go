// Package primitives implements distributed synchronization primitives on top
// of a coordination.Store: a double barrier, a group with leader election and
// messaging, a FIFO/priority work queue and an integer counter.
package primitives

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"coordkit/pkg/coordination"
	"coordkit/pkg/logger"
	"coordkit/pkg/metrics"
)

// DefaultRoot is the namespace primitives live under when Config.Root is empty.
const DefaultRoot = "/coordination"

// Config is shared by every primitive constructor.
type Config struct {
	// Root is the parent of all primitive namespaces.
	Root string
	// WaitTimeout bounds each blocking wait for a notification. Zero waits forever.
	WaitTimeout time.Duration
	// Logger defaults to a named child of the global logger.
	Logger *zap.Logger
}

// base is the scaffolding every primitive embeds: its root path, the watch
// event queue and best-effort cleanup.
type base struct {
	store       coordination.Store
	kind        string
	id          string
	root        string
	waitTimeout time.Duration
	log         *zap.Logger
	events      *eventQueue
}

func newBase(ctx context.Context, store coordination.Store, cfg Config, kind, id string) (*base, error) {
	op := kind + ".new"
	if err := validateID(id); err != nil {
		return nil, &Error{Kind: ErrInvalidConfiguration, Op: op, Err: err}
	}
	root := cfg.Root
	if root == "" {
		root = DefaultRoot
	}
	full := coordination.Join(root, kind, id)
	if err := coordination.ValidatePath(full); err != nil {
		return nil, &Error{Kind: ErrInvalidConfiguration, Op: op, Err: err}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Component(kind)
	}
	b := &base{
		store:       store,
		kind:        kind,
		id:          id,
		root:        full,
		waitTimeout: cfg.WaitTimeout,
		log:         log.With(zap.String("id", id)),
		events:      newEventQueue(),
	}
	if err := ensurePath(ctx, store, full); err != nil {
		return nil, wrap(op, err)
	}
	return b, nil
}

func validateID(id string) error {
	switch {
	case id == "":
		return errors.New("empty instance id")
	case id == "." || id == "..":
		return errors.New("instance id may not be a relative segment")
	case strings.ContainsAny(id, "/\x00"):
		return errors.New("instance id may not contain '/'")
	}
	return nil
}

// ensurePath creates p and any missing ancestors. It walks up until a create
// succeeds or finds the node already there, then creates the rest top-down.
// Concurrent callers racing on the same path all succeed.
func ensurePath(ctx context.Context, store coordination.Store, p string) error {
	var missing []string
	for cur := p; cur != "/"; cur = coordination.Parent(cur) {
		_, err := store.Create(ctx, cur, nil, coordination.Persistent)
		if err == nil || errors.Is(err, coordination.ErrNodeExists) {
			break
		}
		if !errors.Is(err, coordination.ErrNoNode) {
			return err
		}
		missing = append(missing, cur)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		_, err := store.Create(ctx, missing[i], nil, coordination.Persistent)
		if err != nil && !errors.Is(err, coordination.ErrNodeExists) {
			return err
		}
	}
	return nil
}

// deleteTree removes p and everything below it. Nodes that vanish concurrently
// are not errors.
func deleteTree(ctx context.Context, store coordination.Store, p string) error {
	for attempt := 0; ; attempt++ {
		children, err := store.GetChildren(ctx, p, nil)
		if errors.Is(err, coordination.ErrNoNode) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := deleteTree(ctx, store, coordination.Join(p, c)); err != nil {
				return err
			}
		}
		err = store.Delete(ctx, p, coordination.AnyVersion)
		switch {
		case err == nil, errors.Is(err, coordination.ErrNoNode):
			return nil
		case errors.Is(err, coordination.ErrNotEmpty) && attempt < 3:
			continue
		default:
			return err
		}
	}
}

// watch is the default watcher: it only queues the event.
func (b *base) watch(ev coordination.Event) {
	metrics.WatchEvents.WithLabelValues(b.kind, ev.Type.String()).Inc()
	b.events.push(ev)
}

// takeEvent blocks for the next queued notification.
func (b *base) takeEvent(ctx context.Context, op string) (coordination.Event, error) {
	ev, err := b.events.take(ctx, b.waitTimeout)
	if errors.Is(err, errWaitExpired) {
		return ev, newError(ErrWaitTimeout, op, b.waitTimeout.String())
	}
	return ev, wrap(op, err)
}

// release deletes the primitive's whole subtree.
func (b *base) release(ctx context.Context) {
	if err := deleteTree(ctx, b.store, b.root); err != nil {
		b.log.Warn("failed to release primitive root", zap.String("path", b.root), zap.Error(err))
	}
}

// deleteQuietly deletes a single node, treating an absent node as success.
func (b *base) deleteQuietly(ctx context.Context, p string) error {
	err := b.store.Delete(ctx, p, coordination.AnyVersion)
	if errors.Is(err, coordination.ErrNoNode) {
		b.log.Debug("node already gone", zap.String("path", p))
		return nil
	}
	return err
}

var errWaitExpired = errors.New("wait expired")

// eventQueue is an unbounded FIFO of watch events.
type eventQueue struct {
	mu     sync.Mutex
	items  []coordination.Event
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev coordination.Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) take(ctx context.Context, timeout time.Duration) (coordination.Event, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-expired:
			return coordination.Event{}, errWaitExpired
		case <-ctx.Done():
			return coordination.Event{}, ctx.Err()
		}
	}
}
