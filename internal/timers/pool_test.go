package timers

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_FiresAndReleases(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	p := NewPool(clock)

	var fired atomic.Int32
	p.AfterFunc(time.Second, func() { fired.Add(1) })
	assert.Equal(t, 1, p.Pending())

	clock.Advance(999 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	clock.Advance(time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 0, p.Pending())
}

func TestPool_StopPreventsFire(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	p := NewPool(clock)

	var fired atomic.Int32
	h := p.AfterFunc(time.Second, func() { fired.Add(1) })
	assert.True(t, h.Stop())
	assert.False(t, h.Stop(), "second stop is a no-op")

	clock.Advance(time.Minute)
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, 0, p.Pending())
	assert.Equal(t, 0, clock.Waiting())
}

func TestPool_StopNilHandle(t *testing.T) {
	var h *Handle
	assert.False(t, h.Stop())
}

func TestPool_StopAll(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	p := NewPool(clock)

	var fired atomic.Int32
	for i := 0; i < 5; i++ {
		p.AfterFunc(time.Duration(i+1)*time.Second, func() { fired.Add(1) })
	}
	require.Equal(t, 5, p.Pending())

	assert.Equal(t, 5, p.StopAll())
	clock.Advance(time.Hour)
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, 0, p.Pending())
}

func TestPool_RealClock(t *testing.T) {
	p := NewPool(nil)
	done := make(chan struct{})
	p.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestFakeClock_CallbackReschedules(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	p := NewPool(clock)

	var fired []time.Time
	var tick func()
	tick = func() {
		fired = append(fired, clock.Now())
		if len(fired) < 3 {
			p.AfterFunc(time.Second, tick)
		}
	}
	p.AfterFunc(time.Second, tick)

	clock.Advance(10 * time.Second)
	require.Len(t, fired, 3)
	assert.Equal(t, int64(1), fired[0].Unix())
	assert.Equal(t, int64(2), fired[1].Unix())
	assert.Equal(t, int64(3), fired[2].Unix())
	assert.Equal(t, int64(10), clock.Now().Unix())
}
