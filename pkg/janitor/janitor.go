// Package janitor evicts idle conversations from the history store on a
// cron schedule.
package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/dotchat/pkg/logger"
)

// Evictor drops conversations that have been idle since before cutoff.
type Evictor interface {
	EvictIdle(cutoff time.Time) int
}

type Janitor struct {
	expr  string
	ttl   time.Duration
	store Evictor
	now   func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastRun time.Time
	evicted int
}

// New validates the cron expression. A non-positive ttl disables eviction.
func New(expr string, ttl time.Duration, store Evictor) (*Janitor, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid sweep schedule %q", expr)
	}
	return &Janitor{
		expr:  expr,
		ttl:   ttl,
		store: store,
		now:   time.Now,
	}, nil
}

// Next returns the first scheduled sweep strictly after t.
func (j *Janitor) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(j.expr, t, false)
}

// Sweep evicts every conversation idle for longer than the ttl.
func (j *Janitor) Sweep() int {
	if j.ttl <= 0 {
		return 0
	}
	now := j.now()
	n := j.store.EvictIdle(now.Add(-j.ttl))

	j.mu.Lock()
	j.lastRun = now
	j.evicted += n
	j.mu.Unlock()

	logger.DebugCF("janitor", "Idle sweep finished", map[string]any{
		"evicted": n,
		"ttl":     j.ttl.String(),
	})
	return n
}

// Start runs sweeps in the background until Stop or ctx cancellation.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	go j.run(ctx, j.done)

	logger.InfoCF("janitor", "Idle sweep scheduled", map[string]any{
		"schedule": j.expr,
		"ttl":      j.ttl.String(),
	})
}

func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Status reports the last sweep time and the total evicted so far.
func (j *Janitor) Status() map[string]any {
	j.mu.Lock()
	defer j.mu.Unlock()
	status := map[string]any{
		"schedule": j.expr,
		"evicted":  j.evicted,
	}
	if !j.lastRun.IsZero() {
		status["last_run"] = j.lastRun.Format(time.RFC3339)
	}
	return status
}

func (j *Janitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		next, err := j.Next(j.now())
		if err != nil {
			logger.ErrorCF("janitor", "Cannot compute next sweep", map[string]any{"error": err.Error()})
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.Sweep()
		}
	}
}
