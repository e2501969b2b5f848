package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepClock_StartsAtEpoch(t *testing.T) {
	c := NewStepClock()
	assert.Equal(t, Epoch, c.Peek())
	assert.Equal(t, Epoch, c.Now())
}

func TestStepClock_NowAdvancesByStep(t *testing.T) {
	c := NewStepClock()
	first := c.Now()
	second := c.Now()
	assert.Equal(t, time.Second, second.Sub(first))
}

func TestStepClock_SetAndAdvance(t *testing.T) {
	c := NewStepClock()
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c.Set(at)
	c.Advance(time.Minute)
	assert.Equal(t, at.Add(time.Minute), c.Now())
}

func TestStepClock_ZeroStepFreezesTime(t *testing.T) {
	c := NewStepClock()
	c.Step = 0
	assert.Equal(t, c.Now(), c.Now())
}

func TestStepClock_ConcurrentReadsAreUnique(t *testing.T) {
	c := NewStepClock()
	const n = 50

	var mu sync.Mutex
	seen := make(map[time.Time]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts := c.Now()
			mu.Lock()
			seen[ts] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
}
