package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"coordkit/pkg/api/middleware"
)

// EnqueueRequest is the request body for adding a queue item.
type EnqueueRequest struct {
	Data string `json:"data"`
	// Priority selects the priority lane; lower values dequeue first.
	Priority *uint32 `json:"priority,omitempty"`
}

// BarrierRequest is the request body for waiting on a barrier.
type BarrierRequest struct {
	Size int `json:"size" binding:"required,min=1"`
}

// getCounter handles GET /api/v1/counters/:id
func (s *Server) getCounter(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	counter, err := s.svc.NewCounter(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	value, err := counter.Get(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "value": value})
}

// incrementCounter handles POST /api/v1/counters/:id/increment
func (s *Server) incrementCounter(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	counter, err := s.svc.NewCounter(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	value, err := counter.IncrementAndGet(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "value": value})
}

// deleteCounter handles DELETE /api/v1/counters/:id
func (s *Server) deleteCounter(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	counter, err := s.svc.NewCounter(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := counter.Delete(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// queueSize handles GET /api/v1/queues/:id
func (s *Server) queueSize(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	q, err := s.svc.NewQueue(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	size, err := q.Size(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "size": size})
}

// enqueue handles POST /api/v1/queues/:id/items
func (s *Server) enqueue(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	var req EnqueueRequest
	if !s.bindJSON(c, &req) {
		return
	}
	data := []byte(req.Data)
	if err := s.validator.ValidatePayload(data); err != nil {
		s.respondError(c, err)
		return
	}

	q, err := s.svc.NewQueue(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	var name string
	if req.Priority != nil {
		name, err = q.EnqueuePriority(c.Request.Context(), data, *req.Priority)
	} else {
		name, err = q.Enqueue(c.Request.Context(), data)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "name": name})
}

// dequeue handles POST /api/v1/queues/:id/dequeue?wait=true
//
// Without wait an empty queue answers 204. With wait the request blocks until
// an item arrives or the configured wait timeout expires (504).
func (s *Server) dequeue(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	wait, err := strconv.ParseBool(c.DefaultQuery("wait", "false"))
	if err != nil {
		s.respondError(c, &middleware.ValidationError{Field: "wait", Message: "must be a boolean"})
		return
	}

	q, err := s.svc.NewQueue(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	var data []byte
	if wait {
		data, err = q.BlockingDequeue(c.Request.Context())
	} else {
		data, ok, err = q.Dequeue(c.Request.Context())
		if err == nil && !ok {
			c.Status(http.StatusNoContent)
			return
		}
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "data": string(data)})
}

// closeQueue handles DELETE /api/v1/queues/:id
func (s *Server) closeQueue(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	q, err := s.svc.NewQueue(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := q.Close(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// waitOnBarrier handles POST /api/v1/barriers/:id/wait
//
// The request returns once size participants have entered, then leaves.
func (s *Server) waitOnBarrier(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	var req BarrierRequest
	if !s.bindJSON(c, &req) {
		return
	}
	b, err := s.svc.NewBarrier(c.Request.Context(), id, req.Size)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := b.WaitOnBarrier(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": b.ID(), "size": b.Size()})
}
