package pending

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_FiresInDeadlineOrder(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i, d := range []time.Duration{60 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond} {
		s.Schedule(d, func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, []int{1, 2, 0}, order)
}

func TestScheduler_Cancel(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var fired atomic.Int32
	h := s.Schedule(30*time.Millisecond, func() { fired.Add(1) })
	assert.True(t, h.Cancel())
	assert.False(t, h.Cancel())

	done := make(chan struct{})
	late := s.Schedule(10*time.Millisecond, func() { close(done) })
	<-done
	assert.False(t, late.Cancel(), "a fired job can no longer be cancelled")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.False(t, Handle{}.Cancel())
}

func TestScheduler_ScheduleFromManyGoroutines(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var fired atomic.Int32
	var wg sync.WaitGroup
	handles := make([]Handle, 100)
	for i := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i] = s.Schedule(time.Duration(i%5)*time.Millisecond, func() { fired.Add(1) })
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return fired.Load() == 100 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_Stop(t *testing.T) {
	s := NewScheduler()
	var fired atomic.Int32
	h := s.Schedule(20*time.Millisecond, func() { fired.Add(1) })
	s.Stop()
	s.Stop()

	assert.False(t, h.Cancel())
	assert.Equal(t, Handle{}, s.Schedule(time.Millisecond, func() { fired.Add(1) }))
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}
