package primitives

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"coordkit/pkg/coordination"
	"coordkit/pkg/logger"
	"coordkit/pkg/metrics"
)

// DefaultJanitorSchedule is used when NewJanitor gets an empty schedule.
const DefaultJanitorSchedule = "@every 30s"

// Janitor deletes nodes after a delay or when it is closed. It is the safety
// net for broadcast messages and RPC results whose readers never show up.
type Janitor struct {
	store coordination.Store
	log   *zap.Logger
	cron  *cron.Cron
	now   func() time.Time

	mu      sync.Mutex
	due     map[string]time.Time
	onClose map[string]struct{}
}

// NewJanitor parses schedule (standard cron or "@every <duration>") but does
// not start sweeping until Start.
func NewJanitor(store coordination.Store, schedule string, log *zap.Logger) (*Janitor, error) {
	if log == nil {
		log = logger.Component("janitor")
	}
	if schedule == "" {
		schedule = DefaultJanitorSchedule
	}
	j := &Janitor{
		store:   store,
		log:     log,
		cron:    cron.New(),
		now:     time.Now,
		due:     map[string]time.Time{},
		onClose: map[string]struct{}{},
	}
	if _, err := j.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		j.Sweep(ctx)
	}); err != nil {
		return nil, &Error{Kind: ErrInvalidConfiguration, Op: "janitor.new", Err: err}
	}
	return j, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
}

// Schedule deletes path once ttl has elapsed. Rescheduling replaces the deadline.
func (j *Janitor) Schedule(path string, ttl time.Duration) {
	j.mu.Lock()
	j.due[path] = j.now().Add(ttl)
	j.mu.Unlock()
}

// ScheduleOnClose deletes path (and its subtree) when the janitor is closed.
func (j *Janitor) ScheduleOnClose(path string) {
	j.mu.Lock()
	j.onClose[path] = struct{}{}
	j.mu.Unlock()
}

// Pending returns the number of timed deletions not yet performed.
func (j *Janitor) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.due)
}

// Sweep deletes every path whose deadline has passed and returns how many
// were removed. Failed deletions stay scheduled for the next sweep.
func (j *Janitor) Sweep(ctx context.Context) int {
	now := j.now()
	var ready []string
	j.mu.Lock()
	for p, at := range j.due {
		if !at.After(now) {
			ready = append(ready, p)
		}
	}
	j.mu.Unlock()

	removed := 0
	for _, p := range ready {
		if err := deleteTree(ctx, j.store, p); err != nil {
			j.log.Warn("timed deletion failed", zap.String("path", p), zap.Error(err))
			continue
		}
		j.mu.Lock()
		if at, ok := j.due[p]; ok && !at.After(now) {
			delete(j.due, p)
		}
		j.mu.Unlock()
		removed++
		metrics.JanitorDeletions.WithLabelValues("timed").Inc()
	}
	if removed > 0 {
		j.log.Debug("janitor sweep", zap.Int("removed", removed))
	}
	return removed
}

// Close stops the schedule and performs the on-close deletions.
func (j *Janitor) Close(ctx context.Context) error {
	stopped := j.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}

	j.mu.Lock()
	paths := make([]string, 0, len(j.onClose))
	for p := range j.onClose {
		paths = append(paths, p)
	}
	j.onClose = map[string]struct{}{}
	j.mu.Unlock()

	var firstErr error
	for _, p := range paths {
		if err := deleteTree(ctx, j.store, p); err != nil {
			j.log.Warn("on-close deletion failed", zap.String("path", p), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.JanitorDeletions.WithLabelValues("close").Inc()
	}
	return wrap("janitor.close", firstErr)
}
