package feed

import (
	"sync"
	"time"

	"github.com/scopevis/scopevis/internal/domain"
)

// SliceSource replays an in-memory event list, optionally pacing delivery
// by the recorded timestamps
type SliceSource struct {
	events []domain.RawEvent
	speed  float64

	out  chan domain.RawEvent
	done chan struct{}

	closeOnce sync.Once
}

// Replay creates a source over a recorded event list. speed scales the
// recorded gaps: 1 replays in real time, 2 twice as fast, 0 or less with
// no pacing at all.
func Replay(events []domain.RawEvent, speed float64) *SliceSource {
	s := &SliceSource{
		events: events,
		speed:  speed,
		out:    make(chan domain.RawEvent),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Events returns the event channel; it closes after the last event
func (s *SliceSource) Events() <-chan domain.RawEvent { return s.out }

// Err always returns nil; a replayed list ends cleanly
func (s *SliceSource) Err() error { return nil }

// Close stops the replay early
func (s *SliceSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *SliceSource) run() {
	defer close(s.out)

	var prev int64
	for _, raw := range s.events {
		if s.speed > 0 && prev > 0 && raw.TS > prev {
			gap := time.Duration(float64(raw.TS-prev)/s.speed) * time.Microsecond
			select {
			case <-s.done:
				return
			case <-time.After(gap):
			}
		}
		if raw.TS > 0 {
			prev = raw.TS
		}

		select {
		case s.out <- raw:
		case <-s.done:
			return
		}
	}
}

// StepSource delivers a recorded event list one event per Advance call,
// for stepping through a recording by hand
type StepSource struct {
	events []domain.RawEvent

	out  chan domain.RawEvent
	step chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

// Step creates a gated source over a recorded event list. Nothing is
// delivered until Advance is called, one event per call.
func Step(events []domain.RawEvent) *StepSource {
	s := &StepSource{
		events: events,
		out:    make(chan domain.RawEvent),
		step:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Events returns the event channel; it closes after the last event
func (s *StepSource) Events() <-chan domain.RawEvent { return s.out }

// Err always returns nil; a stepped list ends cleanly
func (s *StepSource) Err() error { return nil }

// Advance releases the next event. At most one advance is queued; extra
// calls while the pipeline is busy coalesce.
func (s *StepSource) Advance() {
	select {
	case s.step <- struct{}{}:
	default:
	}
}

// Close stops the source early
func (s *StepSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *StepSource) run() {
	defer close(s.out)

	for _, raw := range s.events {
		select {
		case <-s.done:
			return
		case <-s.step:
		}
		select {
		case s.out <- raw:
		case <-s.done:
			return
		}
	}
}
