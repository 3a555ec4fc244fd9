package zk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"coordkit/pkg/coordination"
)

// Store adapts a ZooKeeper connection to coordination.Store.
type Store struct {
	conn *zk.Conn
	acl  []zk.ACL
	log  *zap.Logger
	done chan struct{}
	once sync.Once

	notifier *coordination.Notifier
	watchers sync.WaitGroup
}

var _ coordination.Store = (*Store)(nil)

// zkLogger bridges the client's Printf logging onto zap.
type zkLogger struct {
	sugar *zap.SugaredLogger
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// NewStore connects to the ensemble and waits up to sessionTimeout for the
// session to be established.
func NewStore(servers []string, sessionTimeout time.Duration, log *zap.Logger) (*Store, error) {
	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(zkLogger{sugar: log.Sugar()}))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}

	s := &Store{
		conn: conn,
		acl:  zk.WorldACL(zk.PermAll),
		log:      log,
		done:     make(chan struct{}),
		notifier: coordination.NewNotifier(),
	}

	timer := time.NewTimer(sessionTimeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			if ev.State == zk.StateHasSession {
				go s.logSessionEvents(events)
				return s, nil
			}
		case <-timer.C:
			conn.Close()
			s.notifier.Close()
			return nil, fmt.Errorf("zookeeper session not established within %s", sessionTimeout)
		}
	}
}

func (s *Store) logSessionEvents(events <-chan zk.Event) {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == zk.EventSession {
				s.log.Info("zookeeper session state changed", zap.String("state", ev.State.String()))
			}
		}
	}
}

func flags(mode coordination.CreateMode) int32 {
	var f int32
	if mode.IsEphemeral() {
		f |= zk.FlagEphemeral
	}
	if mode.IsSequential() {
		f |= zk.FlagSequence
	}
	return f
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNodeExists):
		return coordination.ErrNodeExists
	case errors.Is(err, zk.ErrNoNode):
		return coordination.ErrNoNode
	case errors.Is(err, zk.ErrBadVersion):
		return coordination.ErrBadVersion
	case errors.Is(err, zk.ErrNotEmpty):
		return coordination.ErrNotEmpty
	case errors.Is(err, zk.ErrNoChildrenForEphemerals):
		return coordination.ErrNoChildrenForEphemerals
	case errors.Is(err, zk.ErrClosing), errors.Is(err, zk.ErrSessionExpired):
		return fmt.Errorf("%w: %v", coordination.ErrClosed, err)
	default:
		return fmt.Errorf("zookeeper: %w", err)
	}
}

func toStat(st *zk.Stat) *coordination.Stat {
	if st == nil {
		return nil
	}
	return &coordination.Stat{
		Version:   st.Version,
		Ephemeral: st.EphemeralOwner != 0,
	}
}

func eventType(t zk.EventType) coordination.EventType {
	switch t {
	case zk.EventNodeCreated:
		return coordination.EventNodeCreated
	case zk.EventNodeDeleted:
		return coordination.EventNodeDeleted
	case zk.EventNodeDataChanged:
		return coordination.EventNodeDataChanged
	case zk.EventNodeChildrenChanged:
		return coordination.EventNodeChildrenChanged
	default:
		return coordination.EventNotWatching
	}
}

// deliver forwards the single event of a zk watch channel to w through the
// session notifier, so callbacks never run concurrently.
func (s *Store) deliver(path string, ch <-chan zk.Event, w coordination.Watcher) {
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		ev, ok := <-ch
		if !ok {
			s.notifier.Post(w, coordination.Event{Type: coordination.EventNotWatching, Path: path})
			return
		}
		s.notifier.Post(w, coordination.Event{Type: eventType(ev.Type), Path: path})
	}()
}

func (s *Store) Create(ctx context.Context, path string, data []byte, mode coordination.CreateMode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	actual, err := s.conn.Create(path, data, flags(mode), s.acl)
	return actual, mapErr(err)
}

func (s *Store) Exists(ctx context.Context, path string, w coordination.Watcher) (*coordination.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w == nil {
		ok, st, err := s.conn.Exists(path)
		if err != nil || !ok {
			return nil, mapErr(err)
		}
		return toStat(st), nil
	}
	ok, st, ch, err := s.conn.ExistsW(path)
	if err != nil {
		return nil, mapErr(err)
	}
	s.deliver(path, ch, w)
	if !ok {
		return nil, nil
	}
	return toStat(st), nil
}

func (s *Store) GetData(ctx context.Context, path string, w coordination.Watcher) ([]byte, *coordination.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if w == nil {
		data, st, err := s.conn.Get(path)
		return data, toStat(st), mapErr(err)
	}
	data, st, ch, err := s.conn.GetW(path)
	if err != nil {
		return nil, nil, mapErr(err)
	}
	s.deliver(path, ch, w)
	return data, toStat(st), nil
}

func (s *Store) GetChildren(ctx context.Context, path string, w coordination.Watcher) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w == nil {
		children, _, err := s.conn.Children(path)
		return children, mapErr(err)
	}
	children, _, ch, err := s.conn.ChildrenW(path)
	if err != nil {
		return nil, mapErr(err)
	}
	s.deliver(path, ch, w)
	return children, nil
}

func (s *Store) SetData(ctx context.Context, path string, data []byte, version int32) (*coordination.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := s.conn.Set(path, data, version)
	if err != nil {
		return nil, mapErr(err)
	}
	return toStat(st), nil
}

func (s *Store) Delete(ctx context.Context, path string, version int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapErr(s.conn.Delete(path, version))
}

func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
		// Closing the connection ends every pending watch.
		go func() {
			s.watchers.Wait()
			s.notifier.Close()
		}()
	})
	return nil
}
