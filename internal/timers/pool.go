// Package timers tracks every pending timer so a process can cancel all of
// them at shutdown.
package timers

import (
	"sync"
	"time"
)

// Pool creates managed timers. A managed timer is removed from the pool when
// it fires or is stopped.
type Pool struct {
	clock   Clock
	mu      sync.Mutex
	pending map[*Handle]struct{}
}

// Handle is the cancellation token of a managed timer.
type Handle struct {
	pool  *Pool
	timer Timer
}

// NewPool creates a pool on the given clock. A nil clock means RealClock.
func NewPool(clock Clock) *Pool {
	if clock == nil {
		clock = RealClock{}
	}
	return &Pool{clock: clock, pending: make(map[*Handle]struct{})}
}

// Clock returns the pool's time source.
func (p *Pool) Clock() Clock { return p.clock }

// Now returns the current time of the pool's clock.
func (p *Pool) Now() time.Time { return p.clock.Now() }

// AfterFunc schedules f to run after d. f never runs once the handle (or the
// whole pool) has been stopped.
func (p *Pool) AfterFunc(d time.Duration, f func()) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := &Handle{pool: p}
	p.pending[h] = struct{}{}
	h.timer = p.clock.AfterFunc(d, func() {
		if !p.release(h) {
			return
		}
		f()
	})
	return h
}

// Stop cancels the timer. It reports whether the timer was still pending.
// Stopping a nil, fired or already stopped handle is a no-op.
func (h *Handle) Stop() bool {
	if h == nil {
		return false
	}
	if !h.pool.release(h) {
		return false
	}
	h.timer.Stop()
	return true
}

// StopAll cancels every pending timer and returns how many were cancelled.
func (p *Pool) StopAll() int {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.pending))
	for h := range p.pending {
		handles = append(handles, h)
	}
	clear(p.pending)
	p.mu.Unlock()

	for _, h := range handles {
		h.timer.Stop()
	}
	return len(handles)
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) release(h *Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[h]; !ok {
		return false
	}
	delete(p.pending, h)
	return true
}
