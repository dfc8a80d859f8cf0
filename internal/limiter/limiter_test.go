package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"firestige.xyz/rom/internal/core"
)

var (
	dstA = core.Addr(0x0a000001)
	dstB = core.Addr(0x0a000002)
)

func TestLivenessOncePerSecond(t *testing.T) {
	l := NewLiveness()
	base := time.Unix(1700000000, 0)

	assert.True(t, l.ShouldNotify(dstA, base))
	for i := 0; i < 100; i++ {
		assert.False(t, l.ShouldNotify(dstA, base.Add(time.Duration(i)*time.Millisecond)))
	}
	assert.True(t, l.ShouldNotify(dstB, base), "destinations are independent")
	assert.True(t, l.ShouldNotify(dstA, base.Add(time.Second)))
	assert.False(t, l.ShouldNotify(dstA, base.Add(1500*time.Millisecond)))
	assert.Equal(t, 2, l.Len())

	l.Clear()
	assert.Equal(t, 0, l.Len())
	assert.True(t, l.ShouldNotify(dstA, base.Add(1500*time.Millisecond)))
}

func TestFailureSwallowFirstThenThreshold(t *testing.T) {
	f := NewFailure(FailureConfig{Enabled: true, Threshold: 2, Interval: time.Second})
	now := time.Unix(1700000000, 0)

	assert.False(t, f.ShouldNotify(dstA, now))
	assert.False(t, f.ShouldNotify(dstA, now.Add(10*time.Millisecond)))
	assert.True(t, f.ShouldNotify(dstA, now.Add(20*time.Millisecond)))

	// the allowing call restarts counting inside the same window
	assert.False(t, f.ShouldNotify(dstA, now.Add(30*time.Millisecond)))
	assert.True(t, f.ShouldNotify(dstA, now.Add(40*time.Millisecond)))
}

func TestFailureQuietPeriodResets(t *testing.T) {
	f := NewFailure(FailureConfig{Enabled: true, Threshold: 3})
	now := time.Unix(1700000000, 0)

	assert.False(t, f.ShouldNotify(dstA, now))
	assert.False(t, f.ShouldNotify(dstA, now.Add(100*time.Millisecond)))

	later := now.Add(2 * time.Second)
	assert.False(t, f.ShouldNotify(dstA, later), "first call after a quiet period is swallowed")
	assert.False(t, f.ShouldNotify(dstA, later.Add(time.Millisecond)))
	assert.False(t, f.ShouldNotify(dstA, later.Add(2*time.Millisecond)))
	assert.True(t, f.ShouldNotify(dstA, later.Add(3*time.Millisecond)))
}

func TestFailureModes(t *testing.T) {
	now := time.Now()

	off := NewFailure(FailureConfig{Enabled: false, Threshold: 2})
	for i := 0; i < 5; i++ {
		assert.False(t, off.ShouldNotify(dstA, now))
	}
	assert.False(t, off.Active())

	every := NewFailure(FailureConfig{Enabled: true, Threshold: 1})
	for i := 0; i < 5; i++ {
		assert.True(t, every.ShouldNotify(dstA, now))
	}
	assert.False(t, every.Active())
	assert.Equal(t, 0, every.Len())
}
