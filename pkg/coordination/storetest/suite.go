// Package storetest holds a conformance suite every coordination.Store
// adapter runs in its own tests.
package storetest

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"coordkit/pkg/coordination"
)

// Suite checks the hierarchical store semantics the primitives rely on.
// Connect must return a new session to the same store on every call.
type Suite struct {
	suite.Suite
	Connect func() (coordination.Store, error)

	ctx      context.Context
	root     string
	sessions []coordination.Store
}

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.root = "/storetest-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	_, err := s.session().Create(s.ctx, s.root, nil, coordination.Persistent)
	s.Require().NoError(err)
}

func (s *Suite) TearDownTest() {
	if len(s.sessions) > 0 {
		s.deleteTree(s.sessions[0], s.root)
	}
	for _, st := range s.sessions {
		st.Close()
	}
	s.sessions = nil
}

// session returns the first session, connecting it if needed.
func (s *Suite) session() coordination.Store {
	if len(s.sessions) == 0 {
		return s.newSession()
	}
	return s.sessions[0]
}

func (s *Suite) newSession() coordination.Store {
	st, err := s.Connect()
	s.Require().NoError(err)
	s.sessions = append(s.sessions, st)
	return st
}

func (s *Suite) deleteTree(st coordination.Store, p string) {
	children, err := st.GetChildren(s.ctx, p, nil)
	if err != nil {
		return
	}
	for _, c := range children {
		s.deleteTree(st, p+"/"+c)
	}
	_ = st.Delete(s.ctx, p, coordination.AnyVersion)
}

func (s *Suite) path(rel string) string { return s.root + "/" + rel }

func watchChan() (coordination.Watcher, <-chan coordination.Event) {
	ch := make(chan coordination.Event, 4)
	return func(ev coordination.Event) { ch <- ev }, ch
}

func (s *Suite) expect(ch <-chan coordination.Event, want coordination.EventType) {
	select {
	case ev := <-ch:
		s.Equal(want, ev.Type)
	case <-time.After(5 * time.Second):
		s.Failf("watch did not fire", "waiting for %v", want)
	}
}

func (s *Suite) TestCreateAndConditionalWrites() {
	st := s.session()
	p := s.path("node")

	_, err := st.Create(s.ctx, s.path("missing/child"), nil, coordination.Persistent)
	s.ErrorIs(err, coordination.ErrNoNode)

	actual, err := st.Create(s.ctx, p, []byte("v0"), coordination.Persistent)
	s.Require().NoError(err)
	s.Equal(p, actual)
	_, err = st.Create(s.ctx, p, nil, coordination.Persistent)
	s.ErrorIs(err, coordination.ErrNodeExists)

	data, stat, err := st.GetData(s.ctx, p, nil)
	s.Require().NoError(err)
	s.Equal("v0", string(data))
	s.Equal(int32(0), stat.Version)
	s.False(stat.Ephemeral)

	stat, err = st.SetData(s.ctx, p, []byte("v1"), 0)
	s.Require().NoError(err)
	s.Equal(int32(1), stat.Version)
	_, err = st.SetData(s.ctx, p, []byte("stale"), 0)
	s.ErrorIs(err, coordination.ErrBadVersion)

	s.ErrorIs(st.Delete(s.ctx, p, 0), coordination.ErrBadVersion)
	s.NoError(st.Delete(s.ctx, p, 1))
	_, _, err = st.GetData(s.ctx, p, nil)
	s.ErrorIs(err, coordination.ErrNoNode)
	s.ErrorIs(st.Delete(s.ctx, p, coordination.AnyVersion), coordination.ErrNoNode)
}

func (s *Suite) TestSequentialNames() {
	st := s.session()
	var names []string
	for i := 0; i < 3; i++ {
		actual, err := st.Create(s.ctx, s.path("n-"), nil, coordination.EphemeralSequential)
		s.Require().NoError(err)
		suffix := strings.TrimPrefix(actual, s.path("n-"))
		s.Len(suffix, coordination.SequenceDigits, actual)
		names = append(names, actual)
	}
	s.True(sort.StringsAreSorted(names), names)
}

func (s *Suite) TestChildrenAreDirectOnly() {
	st := s.session()
	for _, rel := range []string{"b", "a", "a/x"} {
		_, err := st.Create(s.ctx, s.path(rel), nil, coordination.Persistent)
		s.Require().NoError(err)
	}
	children, err := st.GetChildren(s.ctx, s.root, nil)
	s.Require().NoError(err)
	sort.Strings(children)
	s.Equal([]string{"a", "b"}, children)

	s.ErrorIs(st.Delete(s.ctx, s.path("a"), coordination.AnyVersion), coordination.ErrNotEmpty)
}

func (s *Suite) TestEphemeralsCannotHaveChildren() {
	st := s.session()
	_, err := st.Create(s.ctx, s.path("eph"), nil, coordination.Ephemeral)
	s.Require().NoError(err)
	_, err = st.Create(s.ctx, s.path("eph/child"), nil, coordination.Persistent)
	s.ErrorIs(err, coordination.ErrNoChildrenForEphemerals)
}

func (s *Suite) TestWatchesFireOnce() {
	st := s.session()
	p := s.path("watched")

	w, ch := watchChan()
	stat, err := st.Exists(s.ctx, p, w)
	s.Require().NoError(err)
	s.Nil(stat)
	_, err = st.Create(s.ctx, p, nil, coordination.Persistent)
	s.Require().NoError(err)
	s.expect(ch, coordination.EventNodeCreated)

	w, ch = watchChan()
	_, _, err = st.GetData(s.ctx, p, w)
	s.Require().NoError(err)
	_, err = st.SetData(s.ctx, p, []byte("x"), coordination.AnyVersion)
	s.Require().NoError(err)
	s.expect(ch, coordination.EventNodeDataChanged)
	_, err = st.SetData(s.ctx, p, []byte("y"), coordination.AnyVersion)
	s.Require().NoError(err)
	select {
	case ev := <-ch:
		s.Failf("watch fired twice", "%v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	w, ch = watchChan()
	_, err = st.GetChildren(s.ctx, p, w)
	s.Require().NoError(err)
	_, err = st.Create(s.ctx, p+"/kid", nil, coordination.Persistent)
	s.Require().NoError(err)
	s.expect(ch, coordination.EventNodeChildrenChanged)
}

func (s *Suite) TestClosedSessionDropsEphemerals() {
	observer := s.session()
	owner := s.newSession()
	p := s.path("owned")

	_, err := owner.Create(s.ctx, p, nil, coordination.Ephemeral)
	s.Require().NoError(err)
	w, ch := watchChan()
	stat, err := observer.Exists(s.ctx, p, w)
	s.Require().NoError(err)
	s.Require().NotNil(stat)
	s.True(stat.Ephemeral)

	s.Require().NoError(owner.Close())
	s.expect(ch, coordination.EventNodeDeleted)
	stat, err = observer.Exists(s.ctx, p, nil)
	s.Require().NoError(err)
	s.Nil(stat)
}
