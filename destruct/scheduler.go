// Package destruct runs per-message self-destruct countdowns. A countdown
// starts when the message is first rendered, not when it was sent, so the
// recipient always gets the full window to read it.
package destruct

import (
	"sync"
	"time"

	"github.com/dmitrykh/whisperline/logging"
)

// ExpireFunc is invoked once when a countdown elapses. It runs on its own
// goroutine and typically deletes the message.
type ExpireFunc func(messageID string)

// Scheduler owns one timer per scheduled message.
type Scheduler struct {
	expire ExpireFunc
	log    logging.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	timer    *time.Timer
	deadline time.Time
}

func New(expire ExpireFunc, log logging.Logger) *Scheduler {
	if log == nil {
		log = logging.Nop()
	}
	return &Scheduler{
		expire:  expire,
		log:     log,
		entries: make(map[string]*entry),
	}
}

// Schedule starts the countdown for a message. Scheduling an already
// scheduled message is a no-op: a re-render must not restart the clock.
// A non-positive duration expires the message immediately.
func (s *Scheduler) Schedule(messageID string, d time.Duration) {
	if messageID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.entries[messageID]; ok {
		return
	}

	e := &entry{deadline: time.Now().Add(d)}
	e.timer = time.AfterFunc(d, func() { s.fire(messageID) })
	s.entries[messageID] = e
}

// fire runs on the timer goroutine. The entry check under the lock makes
// Cancel authoritative: once Cancel returns, expire will not be called.
func (s *Scheduler) fire(messageID string) {
	s.mu.Lock()
	_, ok := s.entries[messageID]
	if ok {
		delete(s.entries, messageID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.expire(messageID)
}

// Cancel stops a pending countdown. It reports whether a countdown was
// still pending; after it returns, the expire callback is guaranteed not
// to run for this message.
func (s *Scheduler) Cancel(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[messageID]
	if !ok {
		return false
	}
	delete(s.entries, messageID)
	e.timer.Stop()
	return true
}

// Deadline returns when the message will expire, if a countdown is pending.
func (s *Scheduler) Deadline(messageID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[messageID]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Pending returns the number of armed countdowns.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// CancelAll stops every pending countdown without closing the scheduler.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
}

// Close cancels every pending countdown. The scheduler accepts no further
// Schedule calls afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
}
