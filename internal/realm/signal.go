package realm

import (
	"context"
	"sync"
)

// commitSignal broadcasts commits on one shared store to every waiting handle.
//
// Each publish or release closes the current wake channel and installs a new
// one, so any number of waiters wake at once. A release stays in effect until
// rearm is called.
//
// Thread-safety: all methods are safe for concurrent use.
type commitSignal struct {
	mu       sync.Mutex
	latest   uint64
	released bool
	wake     chan struct{}
}

func newCommitSignal(latest uint64) *commitSignal {
	return &commitSignal{latest: latest, wake: make(chan struct{})}
}

// publish records a committed version. Older or equal versions are ignored.
func (s *commitSignal) publish(version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if version <= s.latest {
		return
	}
	s.latest = version
	s.broadcastLocked()
}

// release makes current and future waits return false.
func (s *commitSignal) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.released = true
	s.broadcastLocked()
}

// rearm clears a prior release.
func (s *commitSignal) rearm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = false
}

// Latest returns the newest version published so far.
func (s *commitSignal) Latest() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

func (s *commitSignal) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// wait blocks until a version newer than seen is published (true), the signal
// is released (false), done is closed (false) or ctx ends (false, ctx.Err()).
//
// The wake channel is read under the same lock as the flags, so a publish or
// release that happens after the check always closes the channel being waited on.
func (s *commitSignal) wait(ctx context.Context, seen uint64, done <-chan struct{}) (bool, error) {
	for {
		s.mu.Lock()
		if s.released {
			s.mu.Unlock()
			return false, nil
		}
		if s.latest > seen {
			s.mu.Unlock()
			return true, nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-done:
			return false, nil
		case <-wake:
		}
	}
}
