// Package memstore is an in-process coordination store with ZooKeeper
// semantics: sessions, ephemeral and sequential nodes, versions and one-shot
// watches delivered per session in order.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"coordkit/pkg/coordination"
)

type node struct {
	data     []byte
	version  int32
	cversion int32
	owner    *Session
	children map[string]*node
}

func newNode(data []byte, owner *Session) *node {
	return &node{
		data:     append([]byte(nil), data...),
		owner:    owner,
		children: map[string]*node{},
	}
}

func (n *node) stat() *coordination.Stat {
	return &coordination.Stat{
		Version:   n.version,
		Ephemeral: n.owner != nil,
	}
}

type registration struct {
	session *Session
	fn      coordination.Watcher
}

// Ensemble is the shared tree. Every Session connected to it sees the same
// nodes, like clients of one ZooKeeper ensemble.
type Ensemble struct {
	mu           sync.Mutex
	root         *node
	dataWatches  map[string][]registration
	childWatches map[string][]registration
	nextID       atomic.Int64
}

// New creates an empty ensemble holding only the root node.
func New() *Ensemble {
	return &Ensemble{
		root:         newNode(nil, nil),
		dataWatches:  map[string][]registration{},
		childWatches: map[string][]registration{},
	}
}

// Connect opens a new session.
func (e *Ensemble) Connect() *Session {
	s := &Session{
		ens:        e,
		id:         e.nextID.Add(1),
		ephemerals: map[string]struct{}{},
		notifier:   coordination.NewNotifier(),
	}
	return s
}

// lookup must be called with e.mu held.
func (e *Ensemble) lookup(p string) *node {
	if p == "/" {
		return e.root
	}
	n := e.root
	for _, seg := range splitPath(p) {
		child, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

// fire must be called with e.mu held; delivery happens on the session goroutines.
func (e *Ensemble) fire(table map[string][]registration, p string, t coordination.EventType) {
	regs := table[p]
	if len(regs) == 0 {
		return
	}
	delete(table, p)
	ev := coordination.Event{Type: t, Path: p}
	for _, r := range regs {
		r.session.notifier.Post(r.fn, ev)
	}
}

func (e *Ensemble) watch(table map[string][]registration, p string, s *Session, w coordination.Watcher) {
	if w == nil {
		return
	}
	table[p] = append(table[p], registration{session: s, fn: w})
}

// deleteNode must be called with e.mu held and after all checks passed.
func (e *Ensemble) deleteNode(p string, parent, n *node) {
	delete(parent.children, coordination.Base(p))
	parent.cversion++
	if n.owner != nil {
		delete(n.owner.ephemerals, p)
	}
	e.fire(e.dataWatches, p, coordination.EventNodeDeleted)
	e.fire(e.childWatches, p, coordination.EventNodeDeleted)
	e.fire(e.childWatches, coordination.Parent(p), coordination.EventNodeChildrenChanged)
}

// Session is one client connection. It implements coordination.Store.
type Session struct {
	ens *Ensemble
	id  int64

	// guarded by ens.mu
	closed     bool
	ephemerals map[string]struct{}

	notifier *coordination.Notifier
}

var _ coordination.Store = (*Session)(nil)

// ID returns the session id.
func (s *Session) ID() int64 {
	return s.id
}

func (s *Session) begin(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := coordination.ValidatePath(p); err != nil {
		return err
	}
	if s.closed {
		return coordination.ErrClosed
	}
	return nil
}

func (s *Session) Create(ctx context.Context, p string, data []byte, mode coordination.CreateMode) (string, error) {
	e := s.ens
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.begin(ctx, p); err != nil {
		return "", err
	}
	if p == "/" {
		return "", coordination.ErrNodeExists
	}
	parentPath := coordination.Parent(p)
	parent := e.lookup(parentPath)
	if parent == nil {
		return "", coordination.ErrNoNode
	}
	if parent.owner != nil {
		return "", coordination.ErrNoChildrenForEphemerals
	}
	name := coordination.Base(p)
	if mode.IsSequential() {
		name = fmt.Sprintf("%s%0*d", name, coordination.SequenceDigits, parent.cversion)
	}
	if _, ok := parent.children[name]; ok {
		return "", coordination.ErrNodeExists
	}

	var owner *Session
	if mode.IsEphemeral() {
		owner = s
	}
	full := coordination.Join(parentPath, name)
	parent.children[name] = newNode(data, owner)
	parent.cversion++
	if owner != nil {
		s.ephemerals[full] = struct{}{}
	}
	e.fire(e.dataWatches, full, coordination.EventNodeCreated)
	e.fire(e.childWatches, parentPath, coordination.EventNodeChildrenChanged)
	return full, nil
}

func (s *Session) Exists(ctx context.Context, p string, w coordination.Watcher) (*coordination.Stat, error) {
	e := s.ens
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.begin(ctx, p); err != nil {
		return nil, err
	}
	e.watch(e.dataWatches, p, s, w)
	if n := e.lookup(p); n != nil {
		return n.stat(), nil
	}
	return nil, nil
}

func (s *Session) GetData(ctx context.Context, p string, w coordination.Watcher) ([]byte, *coordination.Stat, error) {
	e := s.ens
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.begin(ctx, p); err != nil {
		return nil, nil, err
	}
	n := e.lookup(p)
	if n == nil {
		return nil, nil, coordination.ErrNoNode
	}
	e.watch(e.dataWatches, p, s, w)
	return append([]byte(nil), n.data...), n.stat(), nil
}

func (s *Session) GetChildren(ctx context.Context, p string, w coordination.Watcher) ([]string, error) {
	e := s.ens
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.begin(ctx, p); err != nil {
		return nil, err
	}
	n := e.lookup(p)
	if n == nil {
		return nil, coordination.ErrNoNode
	}
	e.watch(e.childWatches, p, s, w)
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	return names, nil
}

func (s *Session) SetData(ctx context.Context, p string, data []byte, version int32) (*coordination.Stat, error) {
	e := s.ens
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.begin(ctx, p); err != nil {
		return nil, err
	}
	n := e.lookup(p)
	if n == nil {
		return nil, coordination.ErrNoNode
	}
	if version != coordination.AnyVersion && version != n.version {
		return nil, coordination.ErrBadVersion
	}
	n.data = append([]byte(nil), data...)
	n.version++
	e.fire(e.dataWatches, p, coordination.EventNodeDataChanged)
	return n.stat(), nil
}

func (s *Session) Delete(ctx context.Context, p string, version int32) error {
	e := s.ens
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.begin(ctx, p); err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("memstore: the root node cannot be deleted")
	}
	parent := e.lookup(coordination.Parent(p))
	if parent == nil {
		return coordination.ErrNoNode
	}
	n, ok := parent.children[coordination.Base(p)]
	if !ok {
		return coordination.ErrNoNode
	}
	if version != coordination.AnyVersion && version != n.version {
		return coordination.ErrBadVersion
	}
	if len(n.children) > 0 {
		return coordination.ErrNotEmpty
	}
	e.deleteNode(p, parent, n)
	return nil
}

// Close expires the session: its ephemeral nodes are removed and its
// outstanding watches receive EventNotWatching.
func (s *Session) Close() error {
	e := s.ens
	e.mu.Lock()
	if s.closed {
		e.mu.Unlock()
		return nil
	}
	s.closed = true

	var orphaned []coordination.Event
	var orphanedFns []coordination.Watcher
	for _, table := range []map[string][]registration{e.dataWatches, e.childWatches} {
		for p, regs := range table {
			kept := regs[:0]
			for _, r := range regs {
				if r.session == s {
					orphaned = append(orphaned, coordination.Event{Type: coordination.EventNotWatching, Path: p})
					orphanedFns = append(orphanedFns, r.fn)
					continue
				}
				kept = append(kept, r)
			}
			if len(kept) == 0 {
				delete(table, p)
			} else {
				table[p] = kept
			}
		}
	}

	paths := make([]string, 0, len(s.ephemerals))
	for p := range s.ephemerals {
		paths = append(paths, p)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	for _, p := range paths {
		parent := e.lookup(coordination.Parent(p))
		if parent == nil {
			continue
		}
		if n, ok := parent.children[coordination.Base(p)]; ok {
			e.deleteNode(p, parent, n)
		}
	}
	e.mu.Unlock()

	for i, ev := range orphaned {
		s.notifier.Post(orphanedFns[i], ev)
	}
	s.notifier.Close()
	return nil
}

func splitPath(p string) []string {
	var segs []string
	start := 1
	for i := 1; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			segs = append(segs, p[start:i])
			start = i + 1
		}
	}
	return segs
}
