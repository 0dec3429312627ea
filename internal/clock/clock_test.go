// ABOUTME: Tests for the clock utilities
// ABOUTME: Covers monotonic guarding against backwards steps and the fake clock

package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystem_ReturnsUTC(t *testing.T) {
	now := System().Now()
	assert.Equal(t, time.UTC, now.Location())
}

func TestFake_SetAndAdvance(t *testing.T) {
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	f := NewFake(start)
	assert.Equal(t, start, f.Now())

	got := f.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), got)
	assert.Equal(t, got, f.Now())

	f.Set(start.Add(-time.Hour))
	assert.Equal(t, start.Add(-time.Hour), f.Now())
}

func TestMonotonic_NeverGoesBackwards(t *testing.T) {
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	f := NewFake(start)
	m := NewMonotonic(f)

	first := m.Now()
	require.Equal(t, start, first)

	f.Set(start.Add(-10 * time.Second))
	assert.Equal(t, first, m.Now(), "clock stepped back, monotonic should hold last value")

	f.Set(start.Add(time.Second))
	assert.Equal(t, start.Add(time.Second), m.Now())
}

func TestMonotonic_Concurrent(t *testing.T) {
	m := NewMonotonic(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := m.Now()
			for j := 0; j < 200; j++ {
				next := m.Now()
				if next.Before(prev) {
					t.Errorf("time went backwards: %v < %v", next, prev)
					return
				}
				prev = next
			}
		}()
	}
	wg.Wait()
}
