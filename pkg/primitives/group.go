package primitives

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"coordkit/pkg/coordination"
	"coordkit/pkg/metrics"
)

// Group layout under its root:
//
//	node<seq>                           member tokens, seq is the member id
//	__COMM__/GROUP_COMMUNICATION/msg-   broadcast messages
//	__COMM__/PEER_REQUESTS/<member>/req- requests addressed to a member
//	__COMM__/PEER_RESULTS/<id>          responses and result chunks
const (
	memberPrefix    = "node"
	commNode        = "__COMM__"
	broadcastNode   = "GROUP_COMMUNICATION"
	requestsNode    = "PEER_REQUESTS"
	resultsNode     = "PEER_RESULTS"
	messagePrefix   = "msg-"
	requestPrefix   = "req-"
	retryDelay      = time.Second
)

const (
	DefaultPeerTimeout      = 2 * time.Minute
	DefaultLivenessInterval = 5 * time.Second
	DefaultMaxChunkSize     = 512 * 1024
	DefaultMessageTTL       = 2 * time.Minute
)

// Listener receives group notifications. All methods are called from the
// group's event loop, one at a time and in order; they should return quickly
// and must not call SendReceive on their own group.
type Listener interface {
	OnMemberArrival(memberID string)
	OnMemberDeparture(memberID string)
	OnLeaderChange(leaderID string)
	OnGroupMessage(data []byte)
	// OnPeerMessage answers a SendReceive from another member. A non-nil
	// error is returned to the caller as ErrPeerError.
	OnPeerMessage(payload []byte) ([]byte, error)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	MemberArrival   func(memberID string)
	MemberDeparture func(memberID string)
	LeaderChange    func(leaderID string)
	GroupMessage    func(data []byte)
	PeerMessage     func(payload []byte) ([]byte, error)
}

func (f ListenerFuncs) OnMemberArrival(id string) {
	if f.MemberArrival != nil {
		f.MemberArrival(id)
	}
}

func (f ListenerFuncs) OnMemberDeparture(id string) {
	if f.MemberDeparture != nil {
		f.MemberDeparture(id)
	}
}

func (f ListenerFuncs) OnLeaderChange(id string) {
	if f.LeaderChange != nil {
		f.LeaderChange(id)
	}
}

func (f ListenerFuncs) OnGroupMessage(data []byte) {
	if f.GroupMessage != nil {
		f.GroupMessage(data)
	}
}

var errNoPeerHandler = errors.New("no peer message handler registered")

func (f ListenerFuncs) OnPeerMessage(payload []byte) ([]byte, error) {
	if f.PeerMessage == nil {
		return nil, errNoPeerHandler
	}
	return f.PeerMessage(payload)
}

type GroupOption func(*Group)

func WithListener(l Listener) GroupOption {
	return func(g *Group) { g.listener = l }
}

// WithCodec replaces the CBOR envelope codec. Every member must agree.
func WithCodec(c Codec) GroupOption {
	return func(g *Group) { g.codec = c }
}

// WithJanitor enables timed deletion of messages and results.
func WithJanitor(j *Janitor) GroupOption {
	return func(g *Group) { g.janitor = j }
}

// WithPeerTimeout sets the total bound of SendReceive and how often the
// target's membership is re-checked meanwhile.
func WithPeerTimeout(total, liveness time.Duration) GroupOption {
	return func(g *Group) {
		if total > 0 {
			g.peerTimeout = total
		}
		if liveness > 0 {
			g.liveness = liveness
		}
	}
}

func WithMaxChunkSize(n int) GroupOption {
	return func(g *Group) {
		if n > 0 {
			g.maxChunk = n
		}
	}
}

func WithMessageTTL(d time.Duration) GroupOption {
	return func(g *Group) {
		if d > 0 {
			g.messageTTL = d
		}
	}
}

// Group is one process's membership in a named group. The leader is the
// member with the smallest id.
type Group struct {
	*base
	memberID string
	token    string

	broadcastRoot string
	requestsRoot  string
	resultsRoot   string
	ownChannel    string

	listener    Listener
	codec       Codec
	janitor     *Janitor
	peerTimeout time.Duration
	liveness    time.Duration
	maxChunk    int
	messageTTL  time.Duration

	active atomic.Bool

	mu      sync.RWMutex
	members []string
	leader  string
	changed chan struct{}

	chanMu       sync.Mutex
	peerChannels map[string]string

	membershipSig chan struct{}
	broadcastSig  chan struct{}
	requestSig    chan struct{}
	stop          chan struct{}
	done          chan struct{}
	loopCtx       context.Context
	cancelLoop    context.CancelFunc

	// owned by the event loop
	broadcastCursor string
	requestCursor   string
}

// NewGroup joins the group id. The member token is ephemeral, so the member
// also leaves when the store session ends.
func NewGroup(ctx context.Context, store coordination.Store, cfg Config, id string, opts ...GroupOption) (*Group, error) {
	const op = "group.join"
	b, err := newBase(ctx, store, cfg, "group", id)
	if err != nil {
		return nil, err
	}
	comm := coordination.Join(b.root, commNode)
	g := &Group{
		base:          b,
		broadcastRoot: coordination.Join(comm, broadcastNode),
		requestsRoot:  coordination.Join(comm, requestsNode),
		resultsRoot:   coordination.Join(comm, resultsNode),
		listener:      ListenerFuncs{},
		codec:         CBORCodec{},
		peerTimeout:   DefaultPeerTimeout,
		liveness:      DefaultLivenessInterval,
		maxChunk:      DefaultMaxChunkSize,
		messageTTL:    DefaultMessageTTL,
		changed:       make(chan struct{}),
		peerChannels:  map[string]string{},
		membershipSig: make(chan struct{}, 1),
		broadcastSig:  make(chan struct{}, 1),
		requestSig:    make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	for _, p := range []string{g.broadcastRoot, g.requestsRoot, g.resultsRoot} {
		if err := ensurePath(ctx, store, p); err != nil {
			return nil, wrap(op, err)
		}
	}

	token, err := store.Create(ctx, coordination.Join(b.root, memberPrefix), nil, coordination.EphemeralSequential)
	if err != nil {
		return nil, wrap(op, err)
	}
	g.token = token
	g.memberID = strings.TrimPrefix(coordination.Base(token), memberPrefix)
	g.log = g.log.With(zap.String("member_id", g.memberID))
	g.ownChannel = coordination.Join(g.requestsRoot, g.memberID)
	if err := ensurePath(ctx, store, g.ownChannel); err != nil {
		_ = g.deleteQuietly(ctx, token)
		return nil, wrap(op, err)
	}
	if g.janitor != nil {
		g.janitor.ScheduleOnClose(g.ownChannel)
	}

	// Messages published before joining are not delivered.
	msgs, err := g.channelEntries(ctx, g.broadcastRoot, messagePrefix)
	if err != nil {
		g.abortJoin(ctx)
		return nil, wrap(op, err)
	}
	if len(msgs) > 0 {
		g.broadcastCursor = msgs[len(msgs)-1]
	}

	g.active.Store(true)
	if err := g.refreshMembers(ctx); err != nil {
		g.active.Store(false)
		g.abortJoin(ctx)
		return nil, wrap(op, err)
	}

	trackLocalMember(g.id, 1)
	g.loopCtx, g.cancelLoop = context.WithCancel(context.WithoutCancel(ctx))
	notify(g.broadcastSig)
	notify(g.requestSig)
	go g.run()
	g.log.Info("joined group", zap.String("leader", g.LeaderID()))
	return g, nil
}

func (g *Group) abortJoin(ctx context.Context) {
	_ = g.deleteQuietly(ctx, g.token)
	_ = deleteTree(ctx, g.store, g.ownChannel)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// run is the single writer of membership and channel cursors. Each signal
// is coalesced, so a burst of notifications costs one recompute.
func (g *Group) run() {
	defer close(g.done)
	for {
		select {
		case <-g.stop:
			return
		case <-g.membershipSig:
			if err := g.refreshMembers(g.loopCtx); err != nil {
				g.retryLater(g.membershipSig, "membership refresh failed", err)
			}
		case <-g.broadcastSig:
			if err := g.drainBroadcast(g.loopCtx); err != nil {
				g.retryLater(g.broadcastSig, "broadcast channel drain failed", err)
			}
		case <-g.requestSig:
			if err := g.drainRequests(g.loopCtx); err != nil {
				g.retryLater(g.requestSig, "request channel drain failed", err)
			}
		}
	}
}

// retryLater re-signals ch after retryDelay, since a failed step left its
// watch unarmed. Errors from a closed session are not retried.
func (g *Group) retryLater(ch chan struct{}, msg string, err error) {
	if !g.active.Load() || errors.Is(err, coordination.ErrClosed) {
		return
	}
	g.log.Warn(msg, zap.Error(err), zap.Duration("retry_in", retryDelay))
	time.AfterFunc(retryDelay, func() {
		if g.active.Load() {
			notify(ch)
		}
	})
}

// signalOn wakes the loop for ch. EventNotWatching counts as a change: the
// watch is gone and only a fresh read re-arms it.
func (g *Group) signalOn(ch chan struct{}) coordination.Watcher {
	return func(ev coordination.Event) {
		metrics.WatchEvents.WithLabelValues(g.kind, ev.Type.String()).Inc()
		if !g.active.Load() {
			return
		}
		notify(ch)
	}
}

// refreshMembers re-arms the membership watch, then diffs the new member
// list against the previous one and fires the listener.
func (g *Group) refreshMembers(ctx context.Context) error {
	if !g.active.Load() {
		return nil
	}
	children, err := g.store.GetChildren(ctx, g.root, g.signalOn(g.membershipSig))
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(children))
	for _, c := range children {
		if strings.HasPrefix(c, memberPrefix) {
			ids = append(ids, strings.TrimPrefix(c, memberPrefix))
		}
	}
	sort.Strings(ids)
	leader := ""
	if len(ids) > 0 {
		leader = ids[0]
	}

	g.mu.Lock()
	previous, previousLeader := g.members, g.leader
	g.members, g.leader = ids, leader
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()

	arrived, departed := diffSorted(previous, ids)
	for _, id := range departed {
		g.forgetPeer(id)
		g.log.Info("member departed", zap.String("member", id))
		g.listener.OnMemberDeparture(id)
	}
	for _, id := range arrived {
		g.log.Debug("member arrived", zap.String("member", id))
		g.listener.OnMemberArrival(id)
	}
	if g.active.Load() {
		metrics.GroupMembers.WithLabelValues(g.id).Set(float64(len(ids)))
	}
	if leader != previousLeader {
		g.log.Info("leader changed", zap.String("leader", leader), zap.String("previous", previousLeader))
		metrics.LeaderChanges.WithLabelValues(g.id).Inc()
		g.listener.OnLeaderChange(leader)
	}
	return nil
}

// diffSorted returns the ids only in next (arrived) and only in prev (departed).
func diffSorted(prev, next []string) (arrived, departed []string) {
	i, j := 0, 0
	for i < len(prev) || j < len(next) {
		switch {
		case j == len(next) || (i < len(prev) && prev[i] < next[j]):
			departed = append(departed, prev[i])
			i++
		case i == len(prev) || next[j] < prev[i]:
			arrived = append(arrived, next[j])
			j++
		default:
			i++
			j++
		}
	}
	return arrived, departed
}

func (g *Group) MemberID() string { return g.memberID }

func (g *Group) GroupID() string { return g.id }

func (g *Group) IsActive() bool { return g.active.Load() }

// MemberIDs returns the live member ids in ascending order.
func (g *Group) MemberIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.members...)
}

// LeaderID returns the smallest live member id.
func (g *Group) LeaderID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.leader
}

// IsLeader reports whether this member currently leads the group.
func (g *Group) IsLeader() bool {
	return g.LeaderID() == g.memberID
}

// WaitForMemberCount blocks until at least n members are live.
func (g *Group) WaitForMemberCount(ctx context.Context, n int) error {
	const op = "group.wait_for_member_count"
	var expired <-chan time.Time
	if g.waitTimeout > 0 {
		t := time.NewTimer(g.waitTimeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		g.mu.RLock()
		count, changed := len(g.members), g.changed
		g.mu.RUnlock()
		if count >= n {
			return nil
		}
		select {
		case <-changed:
		case <-expired:
			return newError(ErrWaitTimeout, op, g.waitTimeout.String())
		case <-ctx.Done():
			return wrap(op, ctx.Err())
		}
	}
}

// Leave stops all processing and removes the member token. Calling it again
// is a no-op.
func (g *Group) Leave(ctx context.Context) error {
	if !g.active.CompareAndSwap(true, false) {
		return nil
	}
	close(g.stop)
	g.cancelLoop()
	trackLocalMember(g.id, -1)
	if err := g.deleteQuietly(ctx, g.token); err != nil && !errors.Is(err, coordination.ErrClosed) {
		return wrap("group.leave", err)
	}
	if err := deleteTree(ctx, g.store, g.ownChannel); err != nil && !errors.Is(err, coordination.ErrClosed) {
		g.log.Warn("failed to delete request channel", zap.Error(err))
	}
	g.log.Info("left group")
	return nil
}

// localMembers counts the joined Group handles per group id in this process.
// The members gauge of a group is dropped only when the last one leaves.
var localMembers = struct {
	sync.Mutex
	count map[string]int
}{count: map[string]int{}}

func trackLocalMember(groupID string, delta int) {
	localMembers.Lock()
	defer localMembers.Unlock()
	n := localMembers.count[groupID] + delta
	if n > 0 {
		localMembers.count[groupID] = n
		return
	}
	delete(localMembers.count, groupID)
	metrics.GroupMembers.DeleteLabelValues(groupID)
}

// channelEntries lists the entries of a channel root in order.
func (g *Group) channelEntries(ctx context.Context, root, prefix string) ([]string, error) {
	children, err := g.store.GetChildren(ctx, root, nil)
	if err != nil {
		return nil, err
	}
	out := children[:0]
	for _, c := range children {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out, nil
}

// publish appends an entry to a channel and bumps the channel root's data so
// listeners get one constant-size notification.
func (g *Group) publish(ctx context.Context, root, prefix string, data []byte) (string, error) {
	p, err := g.store.Create(ctx, coordination.Join(root, prefix), data, coordination.EphemeralSequential)
	if err != nil {
		return "", err
	}
	if _, err := g.store.SetData(ctx, root, nil, coordination.AnyVersion); err != nil {
		return p, err
	}
	return p, nil
}
