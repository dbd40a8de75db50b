// Package admission bounds the number of requests being handled at once.
//
// A Gate never blocks: TryAcquire either takes a permit or reports that the
// consumer is saturated, and the caller answers the request with an overload
// error instead of queueing it.
package admission

import (
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// OverloadMessage is the text sent back to a requester whose request was not admitted.
const OverloadMessage = "Request rejected: consumer queue is full, try again later"

// Gate is a non-blocking counting semaphore. A nil queue size disables it.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight atomic.Int64
	logger   *zap.Logger
}

// New creates a Gate with queueSize permits, or a disabled Gate when queueSize is nil.
// A queue size of zero admits nothing.
func New(queueSize *int, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Gate{logger: logger}
	if queueSize != nil {
		g.capacity = int64(max(*queueSize, 0))
		g.sem = semaphore.NewWeighted(g.capacity)
	}
	return g
}

// Enabled reports whether admission control is active.
func (g *Gate) Enabled() bool {
	return g.sem != nil
}

// TryAcquire takes a permit without blocking. It always succeeds when the gate is disabled.
func (g *Gate) TryAcquire() bool {
	if g.sem == nil {
		return true
	}
	if !g.sem.TryAcquire(1) {
		return false
	}
	g.inFlight.Add(1)
	return true
}

// Release returns a permit taken by TryAcquire. It is safe to call from any
// goroutine. Releases without a matching acquire are logged and ignored.
func (g *Gate) Release() {
	if g.sem == nil {
		return
	}
	for {
		current := g.inFlight.Load()
		if current <= 0 {
			g.logger.Warn("Admission gate released more permits than acquired")
			return
		}
		if g.inFlight.CompareAndSwap(current, current-1) {
			g.sem.Release(1)
			return
		}
	}
}

// InFlight returns the number of permits currently held.
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

// Capacity returns the number of permits, or -1 when the gate is disabled.
func (g *Gate) Capacity() int {
	if g.sem == nil {
		return -1
	}
	return int(g.capacity)
}
