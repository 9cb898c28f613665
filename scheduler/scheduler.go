// Package scheduler implements the sorted timer ring that stands in for the
// step-pulse timer ISR. It is the same insert-sorted-by-wake-time design the
// teacher firmware uses for its step and endstop timers, generalized to a
// reusable type instead of a single package-level list so tests can run
// independent schedulers in parallel.
package scheduler

import (
	"sync"

	"cr1/diag"
)

// Result tells the scheduler what to do with a timer after its handler runs.
type Result uint8

const (
	Done Result = iota
	Reschedule
)

// Timer is one scheduled event. WakeTime is in scheduler ticks; comparisons
// use signed wraparound arithmetic so a 32-bit tick counter can roll over
// without timers reordering.
type Timer struct {
	WakeTime uint32
	Handler  func(*Timer) Result

	next *Timer
}

// PastThreshold is how far behind WakeTime a fired timer may be before it is
// treated as a missed deadline (the step rate the caller asked for could not
// be sustained).
const PastThreshold = 1_200_000 // ticks; ~100ms at 12MHz

// Scheduler owns one sorted singly-linked list of pending timers and the
// current tick count. One Scheduler backs one axis-independent time base;
// the stepper engine uses a single shared instance across all axes so their
// segments stay on a common clock.
type Scheduler struct {
	mu         sync.Mutex
	list       *Timer
	now        uint32
	pastErrors uint32
	onPast     func(t *Timer, diff int32)
}

// New creates an empty scheduler at tick 0.
func New() *Scheduler {
	return &Scheduler{}
}

// OnPast installs a callback invoked when a timer is found more than
// PastThreshold ticks overdue. Used by the stepper engine to force an alarm
// instead of silently falling behind.
func (s *Scheduler) OnPast(fn func(t *Timer, diff int32)) {
	s.mu.Lock()
	s.onPast = fn
	s.mu.Unlock()
}

// Now returns the scheduler's current tick count.
func (s *Scheduler) Now() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock forward to now and dispatches every timer whose
// WakeTime has passed, in wake-time order. Handlers may schedule new timers;
// those are picked up if their WakeTime is also <= now.
func (s *Scheduler) Advance(now uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now

	for s.list != nil && int32(s.now-s.list.WakeTime) >= 0 {
		t := s.list
		s.list = t.next
		t.next = nil

		diff := int32(s.now - t.WakeTime)
		if diff > int32(PastThreshold) {
			s.pastErrors++
			diag.Record(diag.Event{Type: diag.EvtTimerPast, Clock: s.now, Value1: t.WakeTime, Value2: uint32(diff)})
			if s.onPast != nil {
				s.onPast(t, diff)
			}
			continue
		}

		result := t.Handler(t)
		if result == Reschedule {
			s.insertLocked(t)
		}
	}
}

// Add inserts a timer in wake-time order.
func (s *Scheduler) Add(t *Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(t)
}

func (s *Scheduler) insertLocked(t *Timer) {
	if s.list == nil || int32(t.WakeTime-s.list.WakeTime) < 0 {
		t.next = s.list
		s.list = t
		return
	}
	cur := s.list
	for cur.next != nil && int32(cur.next.WakeTime-t.WakeTime) < 0 {
		cur = cur.next
	}
	t.next = cur.next
	cur.next = t
}

// Remove drops a timer from the pending list if present. No-op if it has
// already fired or was never scheduled.
func (s *Scheduler) Remove(t *Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.list == t {
		s.list = t.next
		t.next = nil
		return
	}
	cur := s.list
	for cur != nil && cur.next != t {
		cur = cur.next
	}
	if cur != nil {
		cur.next = t.next
		t.next = nil
	}
}

// PastErrors returns the count of timer-in-past events observed so far.
func (s *Scheduler) PastErrors() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pastErrors
}

// Pending reports whether any timer is still queued.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list != nil
}
