package syncclient

import (
	"sync"
	"time"
)

// sleeper is the cancellable "(promise, wake())" primitive spec.md §9
// describes: a channel that closes either when its timer fires or when
// wake() is called, whichever comes first. Wake is safe to call multiple
// times, concurrently, and after the timer has already fired.
type sleeper struct {
	done  chan struct{}
	once  sync.Once
	timer *time.Timer
}

// newSleeper starts a sleeper that resolves after d, or immediately on
// Wake().
func newSleeper(d time.Duration) *sleeper {
	s := &sleeper{done: make(chan struct{})}
	s.timer = time.AfterFunc(d, s.Wake)
	return s
}

// Done returns the channel that closes when the sleeper resolves, by
// timeout or by Wake.
func (s *sleeper) Done() <-chan struct{} { return s.done }

// Wake resolves the sleeper early and stops its timer.
func (s *sleeper) Wake() {
	s.once.Do(func() {
		s.timer.Stop()
		close(s.done)
	})
}
