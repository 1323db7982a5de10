// Package bus carries task-outcome events from workers to the pattern
// recorder without coupling either side to the other's lifecycle.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ctxforge/ctxforge/pkg/ctxengine"
	"github.com/ctxforge/ctxforge/pkg/logger"
)

// OutcomeBus is a bounded in-process queue of failure and success events.
// Publishing never blocks the caller for more than the publish timeout;
// events that cannot be queued in time are counted and dropped. Losing an
// outcome event only costs a learning opportunity, never correctness.
type OutcomeBus struct {
	failures  chan ctxengine.FailureEvent
	successes chan ctxengine.SuccessEvent
	closed    bool
	dropped   droppedCounters
	mu        sync.RWMutex
}

type droppedCounters struct {
	failures  atomic.Uint64
	successes atomic.Uint64
}

const publishTimeout = 100 * time.Millisecond

func NewOutcomeBus() *OutcomeBus {
	return &OutcomeBus{
		failures:  make(chan ctxengine.FailureEvent, 100),
		successes: make(chan ctxengine.SuccessEvent, 100),
	}
}

func (b *OutcomeBus) PublishFailure(ev ctxengine.FailureEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.failures <- ev:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.failures <- ev:
		case <-timer.C:
			b.dropped.failures.Add(1)
		}
	}
}

func (b *OutcomeBus) PublishSuccess(ev ctxengine.SuccessEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.successes <- ev:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.successes <- ev:
		case <-timer.C:
			b.dropped.successes.Add(1)
		}
	}
}

func (b *OutcomeBus) ConsumeFailure(ctx context.Context) (ctxengine.FailureEvent, bool) {
	select {
	case ev, ok := <-b.failures:
		if !ok {
			return ctxengine.FailureEvent{}, false
		}
		return ev, true
	case <-ctx.Done():
		return ctxengine.FailureEvent{}, false
	}
}

func (b *OutcomeBus) ConsumeSuccess(ctx context.Context) (ctxengine.SuccessEvent, bool) {
	select {
	case ev, ok := <-b.successes:
		if !ok {
			return ctxengine.SuccessEvent{}, false
		}
		return ev, true
	case <-ctx.Done():
		return ctxengine.SuccessEvent{}, false
	}
}

// Run drains the bus into the pattern engine until ctx is done or the bus
// closes. Recording failures is in-memory and cannot error; a failed
// success write is logged and skipped.
func (b *OutcomeBus) Run(ctx context.Context, engine *ctxengine.PatternEngine) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.failures:
			if !ok {
				return
			}
			engine.RecordFailure(ev)
		case ev, ok := <-b.successes:
			if !ok {
				return
			}
			if _, _, err := engine.RecordSuccess(ctx, ev); err != nil {
				logger.WarnCF("bus", "Failed to record success outcome", map[string]interface{}{
					"error":      err.Error(),
					"attempt_id": ev.AttemptID,
				})
			}
		}
	}
}

func (b *OutcomeBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.failures)
	close(b.successes)
}

func (b *OutcomeBus) DroppedFailures() uint64 {
	return b.dropped.failures.Load()
}

func (b *OutcomeBus) DroppedSuccesses() uint64 {
	return b.dropped.successes.Load()
}
