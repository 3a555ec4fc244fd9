package api

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"coordkit/pkg/api/middleware"
	"coordkit/pkg/primitives"
)

const inboxLimit = 100

// member is a group membership held by the API server on behalf of callers.
type member struct {
	group *primitives.Group
	inbox *inbox
}

// inbox keeps the most recent broadcasts a member received.
type inbox struct {
	mu       sync.Mutex
	messages []string
}

func (b *inbox) add(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, string(data))
	if over := len(b.messages) - inboxLimit; over > 0 {
		b.messages = append([]string(nil), b.messages[over:]...)
	}
}

func (b *inbox) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.messages...)
}

// MessageRequest is the request body for a broadcast.
type MessageRequest struct {
	Data string `json:"data" binding:"required"`
}

// PeerRequest is the request body for a request/response exchange.
type PeerRequest struct {
	Target string `json:"target" binding:"required"`
	Data   string `json:"data"`
}

// lookupMember returns the active member for the :id group or answers 404.
func (s *Server) lookupMember(c *gin.Context) (*member, bool) {
	id, ok := s.pathID(c)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	m, found := s.members[id]
	s.mu.Unlock()
	if !found || !m.group.IsActive() {
		c.Set(middleware.ErrorKindKey, "not_joined")
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not a member of group " + id, "kind": "not_joined"})
		return nil, false
	}
	return m, true
}

// joinGroup handles POST /api/v1/groups/:id/members
func (s *Server) joinGroup(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, found := s.members[id]; found && m.group.IsActive() {
		c.JSON(http.StatusConflict, gin.H{
			"error":     "already a member of group " + id,
			"member_id": m.group.MemberID(),
		})
		return
	}

	box := &inbox{}
	g, err := s.svc.NewGroup(c.Request.Context(), id,
		primitives.WithListener(primitives.ListenerFuncs{GroupMessage: box.add}))
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.members[id] = &member{group: g, inbox: box}
	c.JSON(http.StatusCreated, statusBody(g))
}

// groupStatus handles GET /api/v1/groups/:id
func (s *Server) groupStatus(c *gin.Context) {
	m, ok := s.lookupMember(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, statusBody(m.group))
}

func statusBody(g *primitives.Group) gin.H {
	return gin.H{
		"group_id":  g.GroupID(),
		"member_id": g.MemberID(),
		"leader_id": g.LeaderID(),
		"is_leader": g.IsLeader(),
		"members":   g.MemberIDs(),
	}
}

// leaveGroup handles DELETE /api/v1/groups/:id/members
func (s *Server) leaveGroup(c *gin.Context) {
	m, ok := s.lookupMember(c)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.members[m.group.GroupID()] == m {
		delete(s.members, m.group.GroupID())
	}
	s.mu.Unlock()

	if err := m.group.Leave(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// groupMessages handles GET /api/v1/groups/:id/messages
func (s *Server) groupMessages(c *gin.Context) {
	m, ok := s.lookupMember(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": m.inbox.snapshot()})
}

// broadcast handles POST /api/v1/groups/:id/messages
func (s *Server) broadcast(c *gin.Context) {
	m, ok := s.lookupMember(c)
	if !ok {
		return
	}
	var req MessageRequest
	if !s.bindJSON(c, &req) {
		return
	}
	data := []byte(req.Data)
	if err := s.validator.ValidatePayload(data); err != nil {
		s.respondError(c, err)
		return
	}
	if err := m.group.Broadcast(c.Request.Context(), data); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// clearGroupMessages handles DELETE /api/v1/groups/:id/messages
func (s *Server) clearGroupMessages(c *gin.Context) {
	m, ok := s.lookupMember(c)
	if !ok {
		return
	}
	if err := m.group.ClearGroupMessages(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// sendReceive handles POST /api/v1/groups/:id/requests
func (s *Server) sendReceive(c *gin.Context) {
	m, ok := s.lookupMember(c)
	if !ok {
		return
	}
	var req PeerRequest
	if !s.bindJSON(c, &req) {
		return
	}
	out, err := m.group.SendReceive(c.Request.Context(), req.Target, []byte(req.Data))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"target": req.Target, "data": string(out)})
}
