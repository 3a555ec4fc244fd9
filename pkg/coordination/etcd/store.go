package etcd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"coordkit/pkg/coordination"
)

// Store emulates the hierarchical coordination contract on a flat etcd
// keyspace. Node "/a/b" lives at key prefix+"/a/b"; ephemeral nodes are bound
// to the session lease; versions are etcd Version-1 so they start at 0.
type Store struct {
	client  *clientv3.Client
	session *concurrency.Session
	prefix  string
	log     *zap.Logger

	watchCtx    context.Context
	cancelWatch context.CancelFunc
	notifier    *coordination.Notifier
	watchers    sync.WaitGroup
}

var _ coordination.Store = (*Store)(nil)

func NewStore(endpoints []string, ttl int, prefix string, log *zap.Logger) (*Store, error) {
	// Create the raw etcd client
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// The session lease carries every ephemeral node created through this store
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		client:      cli,
		session:     sess,
		prefix:      strings.TrimSuffix(prefix, "/"),
		log:         log,
		watchCtx:    watchCtx,
		cancelWatch: cancel,
		notifier:    coordination.NewNotifier(),
	}
	go func() {
		select {
		case <-sess.Done():
			log.Warn("etcd session lease expired", zap.Int64("lease", int64(sess.Lease())))
		case <-watchCtx.Done():
		}
	}()
	return s, nil
}

func (s *Store) Close() error {
	s.cancelWatch()
	// Cancelling ends every pending watch with EventNotWatching.
	go func() {
		s.watchers.Wait()
		s.notifier.Close()
	}()
	if s.session != nil {
		s.session.Close()
	}
	return s.client.Close()
}

func (s *Store) key(p string) string {
	if p == "/" {
		return s.prefix + "/"
	}
	return s.prefix + p
}

func (s *Store) childPrefix(p string) string {
	if p == "/" {
		return s.prefix + "/"
	}
	return s.prefix + p + "/"
}

// seqKey sits outside the node keyspace so it is never listed as a child.
func (s *Store) seqKey(parent string) string {
	return s.prefix + "\x00seq" + parent
}

func (s *Store) isDirectChild(parent, key string) bool {
	rest := strings.TrimPrefix(key, s.childPrefix(parent))
	return rest != key && rest != "" && !strings.Contains(rest, "/")
}

func toStat(kv *clientv3.GetResponse) *coordination.Stat {
	if len(kv.Kvs) == 0 {
		return nil
	}
	return &coordination.Stat{
		Version:   int32(kv.Kvs[0].Version - 1),
		Ephemeral: kv.Kvs[0].Lease != 0,
	}
}

func (s *Store) sequence(ctx context.Context, parent string) (int64, int64, error) {
	resp, err := s.client.Get(ctx, s.seqKey(parent))
	if err != nil {
		return 0, 0, fmt.Errorf("etcd: read sequence: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return 0, 0, nil
	}
	n, err := strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("etcd: corrupt sequence for %s: %w", parent, err)
	}
	return n, resp.Kvs[0].ModRevision, nil
}

func (s *Store) Create(ctx context.Context, p string, data []byte, mode coordination.CreateMode) (string, error) {
	if err := coordination.ValidatePath(p); err != nil {
		return "", err
	}
	if p == "/" {
		return "", coordination.ErrNodeExists
	}
	parent := coordination.Parent(p)
	if parent != "/" {
		resp, err := s.client.Get(ctx, s.key(parent))
		if err != nil {
			return "", fmt.Errorf("etcd: %w", err)
		}
		if len(resp.Kvs) == 0 {
			return "", coordination.ErrNoNode
		}
		if resp.Kvs[0].Lease != 0 {
			return "", coordination.ErrNoChildrenForEphemerals
		}
	}

	var putOpts []clientv3.OpOption
	if mode.IsEphemeral() {
		putOpts = append(putOpts, clientv3.WithLease(s.session.Lease()))
	}

	for {
		name := p
		var cmps []clientv3.Cmp
		var ops []clientv3.Op
		var seq, seqRev int64
		if mode.IsSequential() {
			var err error
			seq, seqRev, err = s.sequence(ctx, parent)
			if err != nil {
				return "", err
			}
			name = fmt.Sprintf("%s%0*d", p, coordination.SequenceDigits, seq)
			cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(s.seqKey(parent)), "=", seqRev))
			ops = append(ops, clientv3.OpPut(s.seqKey(parent), strconv.FormatInt(seq+1, 10)))
		}
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(s.key(name)), "=", 0))
		if parent != "/" {
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(s.key(parent)), ">", 0))
		}
		ops = append(ops, clientv3.OpPut(s.key(name), string(data), putOpts...))

		resp, err := s.client.Txn(ctx).
			If(cmps...).
			Then(ops...).
			Else(
				clientv3.OpGet(s.key(name), clientv3.WithKeysOnly()),
				clientv3.OpGet(s.key(parent), clientv3.WithKeysOnly()),
			).
			Commit()
		if err != nil {
			return "", fmt.Errorf("etcd: create %s: %w", name, err)
		}
		if resp.Succeeded {
			return name, nil
		}

		nameTaken := len(resp.Responses[0].GetResponseRange().Kvs) > 0
		parentGone := parent != "/" && len(resp.Responses[1].GetResponseRange().Kvs) == 0
		switch {
		case parentGone:
			return "", coordination.ErrNoNode
		case !mode.IsSequential():
			return "", coordination.ErrNodeExists
		case nameTaken:
			// a node squats on the next sequence value; skip past it
			_, err := s.client.Txn(ctx).
				If(clientv3.Compare(clientv3.ModRevision(s.seqKey(parent)), "=", seqRev)).
				Then(clientv3.OpPut(s.seqKey(parent), strconv.FormatInt(seq+1, 10))).
				Commit()
			if err != nil {
				return "", fmt.Errorf("etcd: advance sequence: %w", err)
			}
		}
	}
}

func (s *Store) Exists(ctx context.Context, p string, w coordination.Watcher) (*coordination.Stat, error) {
	if err := coordination.ValidatePath(p); err != nil {
		return nil, err
	}
	if p == "/" {
		return &coordination.Stat{}, nil
	}
	resp, err := s.client.Get(ctx, s.key(p))
	if err != nil {
		return nil, fmt.Errorf("etcd: %w", err)
	}
	if w != nil {
		s.watchOnce(p, resp.Header.Revision, false, s.matchNode(p), w)
	}
	return toStat(resp), nil
}

func (s *Store) GetData(ctx context.Context, p string, w coordination.Watcher) ([]byte, *coordination.Stat, error) {
	if err := coordination.ValidatePath(p); err != nil {
		return nil, nil, err
	}
	if p == "/" {
		return nil, &coordination.Stat{}, nil
	}
	resp, err := s.client.Get(ctx, s.key(p))
	if err != nil {
		return nil, nil, fmt.Errorf("etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil, coordination.ErrNoNode
	}
	if w != nil {
		s.watchOnce(p, resp.Header.Revision, false, s.matchNode(p), w)
	}
	return resp.Kvs[0].Value, toStat(resp), nil
}

func (s *Store) GetChildren(ctx context.Context, p string, w coordination.Watcher) ([]string, error) {
	if err := coordination.ValidatePath(p); err != nil {
		return nil, err
	}
	resp, err := s.client.Txn(ctx).
		Then(
			clientv3.OpGet(s.key(p), clientv3.WithKeysOnly()),
			clientv3.OpGet(s.childPrefix(p), clientv3.WithPrefix(), clientv3.WithKeysOnly()),
		).
		Commit()
	if err != nil {
		return nil, fmt.Errorf("etcd: %w", err)
	}
	if p != "/" && len(resp.Responses[0].GetResponseRange().Kvs) == 0 {
		return nil, coordination.ErrNoNode
	}

	var names []string
	for _, kv := range resp.Responses[1].GetResponseRange().Kvs {
		key := string(kv.Key)
		if s.isDirectChild(p, key) {
			names = append(names, strings.TrimPrefix(key, s.childPrefix(p)))
		}
	}
	if w != nil {
		s.watchOnce(p, resp.Header.Revision, true, s.matchChildren(p), w)
	}
	return names, nil
}

func (s *Store) SetData(ctx context.Context, p string, data []byte, version int32) (*coordination.Stat, error) {
	if err := coordination.ValidatePath(p); err != nil {
		return nil, err
	}
	k := s.key(p)
	cmps := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(k), ">", 0)}
	if version != coordination.AnyVersion {
		cmps = append(cmps, clientv3.Compare(clientv3.Version(k), "=", int64(version)+1))
	}
	resp, err := s.client.Txn(ctx).
		If(cmps...).
		Then(clientv3.OpPut(k, string(data), clientv3.WithIgnoreLease()), clientv3.OpGet(k)).
		Else(clientv3.OpGet(k, clientv3.WithKeysOnly())).
		Commit()
	if err != nil {
		return nil, fmt.Errorf("etcd: set %s: %w", p, err)
	}
	if !resp.Succeeded {
		if len(resp.Responses[0].GetResponseRange().Kvs) == 0 {
			return nil, coordination.ErrNoNode
		}
		return nil, coordination.ErrBadVersion
	}
	kv := resp.Responses[1].GetResponseRange().Kvs[0]
	return &coordination.Stat{Version: int32(kv.Version - 1), Ephemeral: kv.Lease != 0}, nil
}

func (s *Store) Delete(ctx context.Context, p string, version int32) error {
	if err := coordination.ValidatePath(p); err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("etcd: the root node cannot be deleted")
	}
	children, err := s.client.Get(ctx, s.childPrefix(p), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return fmt.Errorf("etcd: %w", err)
	}
	if children.Count > 0 {
		return coordination.ErrNotEmpty
	}

	k := s.key(p)
	cmps := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(k), ">", 0)}
	if version != coordination.AnyVersion {
		cmps = append(cmps, clientv3.Compare(clientv3.Version(k), "=", int64(version)+1))
	}
	resp, err := s.client.Txn(ctx).
		If(cmps...).
		Then(clientv3.OpDelete(k), clientv3.OpDelete(s.seqKey(p))).
		Else(clientv3.OpGet(k, clientv3.WithKeysOnly())).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd: delete %s: %w", p, err)
	}
	if !resp.Succeeded {
		if len(resp.Responses[0].GetResponseRange().Kvs) == 0 {
			return coordination.ErrNoNode
		}
		return coordination.ErrBadVersion
	}
	return nil
}

type matcher func(ev *clientv3.Event) (coordination.EventType, bool)

func (s *Store) matchNode(p string) matcher {
	k := s.key(p)
	return func(ev *clientv3.Event) (coordination.EventType, bool) {
		if string(ev.Kv.Key) != k {
			return 0, false
		}
		switch {
		case ev.Type == clientv3.EventTypeDelete:
			return coordination.EventNodeDeleted, true
		case ev.IsCreate():
			return coordination.EventNodeCreated, true
		default:
			return coordination.EventNodeDataChanged, true
		}
	}
}

func (s *Store) matchChildren(p string) matcher {
	k := s.key(p)
	return func(ev *clientv3.Event) (coordination.EventType, bool) {
		key := string(ev.Kv.Key)
		if key == k && ev.Type == clientv3.EventTypeDelete {
			return coordination.EventNodeDeleted, true
		}
		if s.isDirectChild(p, key) && (ev.IsCreate() || ev.Type == clientv3.EventTypeDelete) {
			return coordination.EventNodeChildrenChanged, true
		}
		return 0, false
	}
}

// watchOnce starts an etcd watch right after the read at rev, so no change
// between the read and the watch is missed, and stops it after the first match.
func (s *Store) watchOnce(p string, rev int64, prefix bool, match matcher, w coordination.Watcher) {
	ctx, cancel := context.WithCancel(s.watchCtx)
	opts := []clientv3.OpOption{clientv3.WithRev(rev + 1)}
	key := s.key(p)
	if prefix {
		opts = append(opts, clientv3.WithPrefix())
		if p == "/" {
			key = s.childPrefix(p)
		}
	}
	wch := s.client.Watch(clientv3.WithRequireLeader(ctx), key, opts...)

	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		defer cancel()
		for resp := range wch {
			if err := resp.Err(); err != nil {
				s.log.Debug("etcd watch ended", zap.String("path", p), zap.Error(err))
				break
			}
			for _, ev := range resp.Events {
				if t, ok := match(ev); ok {
					s.notifier.Post(w, coordination.Event{Type: t, Path: p})
					return
				}
			}
		}
		s.notifier.Post(w, coordination.Event{Type: coordination.EventNotWatching, Path: p})
	}()
}
