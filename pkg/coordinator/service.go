// Package coordinator wires a coordination store, the janitor and the
// primitive constructors behind one service object.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	config "coordkit/configs"
	"coordkit/pkg/coordination"
	"coordkit/pkg/coordination/etcd"
	"coordkit/pkg/coordination/memstore"
	"coordkit/pkg/coordination/zk"
	"coordkit/pkg/primitives"
)

var ErrServiceClosed = errors.New("coordination service is closed")

// OpenStore connects to the backend selected by cfg.StoreBackend.
func OpenStore(cfg *config.Config, log *zap.Logger) (coordination.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return memstore.New().Connect(), nil
	case config.BackendZooKeeper:
		return zk.NewStore(cfg.ZKServers, cfg.ZKSessionTimeout.Duration, log.Named("zk"))
	case config.BackendEtcd:
		return etcd.NewStore(cfg.EtcdEndpoints, cfg.EtcdSessionTTL, cfg.EtcdKeyPrefix, log.Named("etcd"))
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// Service hands out primitives bound to one store session and cleans up
// after them on Close.
type Service struct {
	store     coordination.Store
	cfg       *config.Config
	primCfg   primitives.Config
	janitor   *primitives.Janitor
	groupOpts []primitives.GroupOption
	log       *zap.Logger

	mu     sync.Mutex
	groups map[string][]*primitives.Group
	closed bool
}

// New takes ownership of store; Close closes it.
func New(store coordination.Store, cfg *config.Config, log *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &primitives.Error{Kind: primitives.ErrInvalidConfiguration, Op: "coordinator.new", Err: err}
	}
	janitor, err := primitives.NewJanitor(store, cfg.JanitorSchedule, log.Named("janitor"))
	if err != nil {
		return nil, err
	}
	janitor.Start()

	s := &Service{
		store: store,
		cfg:   cfg,
		primCfg: primitives.Config{
			Root:        cfg.RootPath,
			WaitTimeout: cfg.WaitTimeout.Duration,
		},
		janitor: janitor,
		groupOpts: []primitives.GroupOption{
			primitives.WithJanitor(janitor),
			primitives.WithPeerTimeout(cfg.PeerRequestTimeout.Duration, cfg.PeerLivenessInterval.Duration),
			primitives.WithMaxChunkSize(cfg.MaxChunkSize),
			primitives.WithMessageTTL(cfg.MessageTTL.Duration),
		},
		log:    log,
		groups: map[string][]*primitives.Group{},
	}
	log.Info("coordination service started",
		zap.String("backend", cfg.StoreBackend),
		zap.String("root", cfg.RootPath))
	return s, nil
}

func (s *Service) config(kind string) (primitives.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return primitives.Config{}, ErrServiceClosed
	}
	c := s.primCfg
	c.Logger = s.log.Named(kind)
	return c, nil
}

func (s *Service) NewBarrier(ctx context.Context, id string, size int) (*primitives.Barrier, error) {
	c, err := s.config("barrier")
	if err != nil {
		return nil, err
	}
	return primitives.NewBarrier(ctx, s.store, c, id, size)
}

func (s *Service) NewQueue(ctx context.Context, id string) (*primitives.Queue, error) {
	c, err := s.config("queue")
	if err != nil {
		return nil, err
	}
	return primitives.NewQueue(ctx, s.store, c, id)
}

func (s *Service) NewCounter(ctx context.Context, id string) (*primitives.IntegerCounter, error) {
	c, err := s.config("counter")
	if err != nil {
		return nil, err
	}
	return primitives.NewCounter(ctx, s.store, c, id)
}

// NewGroup joins group id with the configured peer timeouts, chunk size and
// janitor; opts are applied after those defaults.
func (s *Service) NewGroup(ctx context.Context, id string, opts ...primitives.GroupOption) (*primitives.Group, error) {
	c, err := s.config("group")
	if err != nil {
		return nil, err
	}
	all := append(append([]primitives.GroupOption{}, s.groupOpts...), opts...)
	g, err := primitives.NewGroup(ctx, s.store, c, id, all...)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.groups[id] = append(s.groups[id], g)
	s.mu.Unlock()
	return g, nil
}

// Group returns the oldest active member this service joined to id.
func (s *Service) Group(id string) (*primitives.Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups[id] {
		if g.IsActive() {
			return g, true
		}
	}
	return nil, false
}

// LeaveGroup makes every member this service joined to id leave.
func (s *Service) LeaveGroup(ctx context.Context, id string) error {
	s.mu.Lock()
	members := s.groups[id]
	delete(s.groups, id)
	s.mu.Unlock()

	var errs []error
	for _, g := range members {
		errs = append(errs, g.Leave(ctx))
	}
	return errors.Join(errs...)
}

// Ping checks the store session answers.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.store.Exists(ctx, "/", nil)
	return err
}

func (s *Service) Janitor() *primitives.Janitor { return s.janitor }

// Close leaves all groups, runs the on-close deletions and closes the store.
// Calling it again is a no-op.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	groups := s.groups
	s.groups = map[string][]*primitives.Group{}
	s.mu.Unlock()

	var errs []error
	for _, members := range groups {
		for _, g := range members {
			errs = append(errs, g.Leave(ctx))
		}
	}
	errs = append(errs, s.janitor.Close(ctx), s.store.Close())
	s.log.Info("coordination service stopped")
	return errors.Join(errs...)
}
