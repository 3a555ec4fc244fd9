package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	config "coordkit/configs"
	"coordkit/pkg/api/middleware"
	"coordkit/pkg/coordination/memstore"
	"coordkit/pkg/coordinator"
	"coordkit/pkg/resilience"
)

// APITestSuite drives the admin API against an in-memory store.
type APITestSuite struct {
	suite.Suite
	svc    *coordinator.Service
	server *Server
}

func (s *APITestSuite) SetupSuite() {
	gin.SetMode(gin.TestMode)
}

func (s *APITestSuite) SetupTest() {
	cfg := config.LoadConfig()
	cfg.StoreBackend = config.BackendMemory
	cfg.RootPath = "/api-test"
	cfg.WaitTimeout = config.Duration{Duration: 200 * time.Millisecond}

	svc, err := coordinator.New(memstore.New().Connect(), cfg, zap.NewNop())
	s.Require().NoError(err)
	s.svc = svc
	s.server = NewServer(Config{
		Service: svc,
		Breaker: resilience.NewCircuitBreaker("store", resilience.DefaultCircuitBreakerConfig()),
		Logger:  zap.NewNop(),
		RateLimit: middleware.RateLimiterConfig{
			RequestsPerMinute: 60000,
			BurstSize:         1000,
		},
	})
}

func (s *APITestSuite) TearDownTest() {
	ctx := context.Background()
	s.NoError(s.server.Shutdown(ctx))
	s.NoError(s.svc.Close(ctx))
}

func (s *APITestSuite) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(w, req)
	return w
}

func (s *APITestSuite) decode(w *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *APITestSuite) TestHealth() {
	w := s.do("GET", "/health", nil)
	s.Equal(http.StatusOK, w.Code)
	body := s.decode(w)
	s.Equal("healthy", body["status"])
	deps := body["dependencies"].(map[string]any)
	s.Equal("closed", deps["breaker"].(map[string]any)["state"])
	s.NotEmpty(w.Header().Get("X-Request-ID"))
}

func (s *APITestSuite) TestCounter() {
	for want := 1.0; want <= 3; want++ {
		w := s.do("POST", "/api/v1/counters/hits/increment", nil)
		s.Require().Equal(http.StatusOK, w.Code)
		s.Equal(want, s.decode(w)["value"])
	}

	w := s.do("GET", "/api/v1/counters/hits", nil)
	s.Equal(3.0, s.decode(w)["value"])

	s.Equal(http.StatusNoContent, s.do("DELETE", "/api/v1/counters/hits", nil).Code)
	w = s.do("GET", "/api/v1/counters/hits", nil)
	s.Equal(0.0, s.decode(w)["value"])
}

func (s *APITestSuite) TestQueueOrdering() {
	two := uint32(2)
	one := uint32(1)
	s.Equal(http.StatusCreated, s.do("POST", "/api/v1/queues/jobs/items", EnqueueRequest{Data: "fifo"}).Code)
	s.Equal(http.StatusCreated, s.do("POST", "/api/v1/queues/jobs/items", EnqueueRequest{Data: "second", Priority: &two}).Code)
	w := s.do("POST", "/api/v1/queues/jobs/items", EnqueueRequest{Data: "first", Priority: &one})
	s.Equal(http.StatusCreated, w.Code)
	s.Equal("p-0000000001", s.decode(w)["name"])

	s.Equal(3.0, s.decode(s.do("GET", "/api/v1/queues/jobs", nil))["size"])

	for _, want := range []string{"first", "second", "fifo"} {
		w := s.do("POST", "/api/v1/queues/jobs/dequeue", nil)
		s.Require().Equal(http.StatusOK, w.Code)
		s.Equal(want, s.decode(w)["data"])
	}
	s.Equal(http.StatusNoContent, s.do("POST", "/api/v1/queues/jobs/dequeue", nil).Code)
}

func (s *APITestSuite) TestQueueBlockingDequeueTimesOut() {
	w := s.do("POST", "/api/v1/queues/empty/dequeue?wait=true", nil)
	s.Equal(http.StatusGatewayTimeout, w.Code)
	s.Equal("wait_timeout", s.decode(w)["kind"])

	w = s.do("POST", "/api/v1/queues/empty/dequeue?wait=maybe", nil)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *APITestSuite) TestQueuePriorityCollision() {
	p := uint32(9)
	s.Equal(http.StatusCreated, s.do("POST", "/api/v1/queues/c/items", EnqueueRequest{Data: "a", Priority: &p}).Code)
	w := s.do("POST", "/api/v1/queues/c/items", EnqueueRequest{Data: "b", Priority: &p})
	s.Equal(http.StatusInternalServerError, w.Code)
	s.Equal("store", s.decode(w)["kind"])
}

func (s *APITestSuite) TestCloseQueue() {
	s.do("POST", "/api/v1/queues/gone/items", EnqueueRequest{Data: "x"})
	s.Equal(http.StatusNoContent, s.do("DELETE", "/api/v1/queues/gone", nil).Code)
	s.Equal(0.0, s.decode(s.do("GET", "/api/v1/queues/gone", nil))["size"])
}

func (s *APITestSuite) TestBarrier() {
	w := s.do("POST", "/api/v1/barriers/start/wait", BarrierRequest{Size: 0})
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do("POST", "/api/v1/barriers/alone/wait", BarrierRequest{Size: 2})
	s.Equal(http.StatusGatewayTimeout, w.Code)

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i] = s.do("POST", "/api/v1/barriers/pair/wait", BarrierRequest{Size: 2}).Code
		}()
	}
	wg.Wait()
	s.Equal([]int{http.StatusOK, http.StatusOK}, codes)
}

func (s *APITestSuite) TestGroupLifecycle() {
	s.Equal(http.StatusNotFound, s.do("GET", "/api/v1/groups/ops", nil).Code)

	w := s.do("POST", "/api/v1/groups/ops/members", nil)
	s.Require().Equal(http.StatusCreated, w.Code)
	joined := s.decode(w)
	s.Equal(true, joined["is_leader"])
	memberID := joined["member_id"].(string)

	s.Equal(http.StatusConflict, s.do("POST", "/api/v1/groups/ops/members", nil).Code)

	status := s.decode(s.do("GET", "/api/v1/groups/ops", nil))
	s.Equal(memberID, status["leader_id"])
	s.Equal([]any{memberID}, status["members"])

	s.Equal(http.StatusAccepted, s.do("POST", "/api/v1/groups/ops/messages", MessageRequest{Data: "hello"}).Code)
	s.Eventually(func() bool {
		msgs := s.decode(s.do("GET", "/api/v1/groups/ops/messages", nil))["messages"].([]any)
		return len(msgs) == 1 && msgs[0] == "hello"
	}, 2*time.Second, 10*time.Millisecond)
	s.Equal(http.StatusNoContent, s.do("DELETE", "/api/v1/groups/ops/messages", nil).Code)

	s.Equal(http.StatusNoContent, s.do("DELETE", "/api/v1/groups/ops/members", nil).Code)
	s.Equal(http.StatusNotFound, s.do("GET", "/api/v1/groups/ops", nil).Code)
}

func (s *APITestSuite) TestGroupRequests() {
	w := s.do("POST", "/api/v1/groups/rpc/members", nil)
	s.Require().Equal(http.StatusCreated, w.Code)
	self := s.decode(w)["member_id"].(string)

	w = s.do("POST", "/api/v1/groups/rpc/requests", PeerRequest{Target: "9999999999", Data: "ping"})
	s.Equal(http.StatusNotFound, w.Code)
	s.Equal("peer_unreachable", s.decode(w)["kind"])

	// Members joined through the API register no peer handler.
	w = s.do("POST", "/api/v1/groups/rpc/requests", PeerRequest{Target: self, Data: "ping"})
	s.Equal(http.StatusBadGateway, w.Code)
	body := s.decode(w)
	s.Equal("peer_error", body["kind"])
	s.NotEmpty(body["message"])
}

func (s *APITestSuite) TestRejectsBadIDs() {
	long := string(bytes.Repeat([]byte("x"), 200))
	w := s.do("POST", "/api/v1/counters/"+long+"/increment", nil)
	s.Equal(http.StatusBadRequest, w.Code)
	s.Equal("validation", s.decode(w)["kind"])
}

func (s *APITestSuite) TestClosedServiceIsUnavailable() {
	s.Require().NoError(s.svc.Close(context.Background()))
	w := s.do("POST", "/api/v1/counters/late/increment", nil)
	s.Equal(http.StatusServiceUnavailable, w.Code)
	s.Equal("service_closed", s.decode(w)["kind"])
}

func TestAPITestSuite(t *testing.T) {
	suite.Run(t, new(APITestSuite))
}
