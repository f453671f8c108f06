package pending

import (
	"container/heap"
	"sync"
	"time"
)

// Scheduler runs delayed callbacks on a single goroutine that owns every
// deadline. Schedule and Cancel are marshaled onto that goroutine, so
// firing and cancellation never race each other.
type Scheduler struct {
	requests chan request
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type job struct {
	at    time.Time
	fn    func()
	index int // position in the heap, -1 once fired or cancelled
}

type request struct {
	job    *job
	cancel bool
	reply  chan bool
}

// Handle refers to a scheduled callback. The zero Handle is valid and
// cancels nothing.
type Handle struct {
	s *Scheduler
	j *job
}

// NewScheduler starts the scheduling goroutine.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		requests: make(chan request),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Schedule arranges for fn to run after d on its own goroutine. It only
// blocks until the scheduler has accepted the job. After Stop it returns
// the zero Handle and fn never runs.
func (s *Scheduler) Schedule(d time.Duration, fn func()) Handle {
	j := &job{at: time.Now().Add(d), fn: fn, index: -1}
	if !s.submit(request{job: j}) {
		return Handle{}
	}
	return Handle{s: s, j: j}
}

// Cancel stops the callback from running and reports whether it was still
// scheduled.
func (h Handle) Cancel() bool {
	if h.s == nil {
		return false
	}
	return h.s.submit(request{job: h.j, cancel: true})
}

func (s *Scheduler) submit(req request) bool {
	req.reply = make(chan bool, 1)
	select {
	case s.requests <- req:
		return <-req.reply
	case <-s.done:
		return false
	}
}

// Stop terminates the scheduler. Jobs not yet fired are dropped.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)

	var jobs jobHeap
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if len(jobs) > 0 {
			timer.Reset(time.Until(jobs[0].at))
		} else {
			timer.Stop()
		}

		select {
		case req := <-s.requests:
			if req.cancel {
				scheduled := req.job.index >= 0
				if scheduled {
					heap.Remove(&jobs, req.job.index)
				}
				req.reply <- scheduled
				continue
			}
			heap.Push(&jobs, req.job)
			req.reply <- true

		case <-timer.C:
			now := time.Now()
			for len(jobs) > 0 && !jobs[0].at.After(now) {
				j := heap.Pop(&jobs).(*job)
				go j.fn()
			}

		case <-s.quit:
			return
		}
	}
}

type jobHeap []*job

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}
