package relay

import (
	"container/heap"
	"time"

	"github.com/jonboulle/clockwork"
)

// task is a scheduled one-shot callback. Cancelling marks it; the heap entry
// is discarded lazily when it surfaces.
type task struct {
	at        time.Time
	seq       uint64
	fn        func()
	cancelled bool
	index     int
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// scheduler is a delay queue keyed by fire time, driven by a single clock
// timer. It runs exclusively on the engine goroutine: schedule, cancel and
// fire must never be called concurrently. Tasks scheduled for the same
// instant fire in schedule order.
type scheduler struct {
	clock clockwork.Clock
	tasks taskHeap
	timer clockwork.Timer
	seq   uint64
}

func newScheduler(clock clockwork.Clock) *scheduler {
	return &scheduler{clock: clock}
}

// schedule registers fn to run after delay and returns a handle usable with
// cancel. The callback runs on the engine goroutine via fire.
func (s *scheduler) schedule(delay time.Duration, fn func()) *task {
	s.seq++
	t := &task{
		at:  s.clock.Now().Add(delay),
		seq: s.seq,
		fn:  fn,
	}
	heap.Push(&s.tasks, t)
	s.rearm()
	return t
}

// cancel marks a task so it becomes a no-op when it surfaces. Safe to call on
// an already-fired or already-cancelled task.
func (s *scheduler) cancel(t *task) {
	if t != nil {
		t.cancelled = true
	}
}

// C returns the channel that signals a due task, or nil while the queue is
// empty. A nil channel never fires in a select.
func (s *scheduler) C() <-chan time.Time {
	if len(s.tasks) == 0 || s.timer == nil {
		return nil
	}
	return s.timer.Chan()
}

// fire runs every task due at or before now, in fire-time order, then rearms
// the timer for the next pending task.
func (s *scheduler) fire(now time.Time) {
	for len(s.tasks) > 0 && !s.tasks[0].at.After(now) {
		t := heap.Pop(&s.tasks).(*task)
		if t.cancelled {
			continue
		}
		t.fn()
	}
	s.rearm()
}

func (s *scheduler) rearm() {
	if len(s.tasks) == 0 {
		return
	}
	d := s.tasks[0].at.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	if s.timer == nil {
		s.timer = s.clock.NewTimer(d)
		return
	}
	s.timer.Stop()
	// Drain a stale fire so Reset starts clean.
	select {
	case <-s.timer.Chan():
	default:
	}
	s.timer.Reset(d)
}
