package ais

import (
	"sync"
	"time"
)

// DefaultStreamTimeInterval is the minimum stream time between PSTT sentences.
const DefaultStreamTimeInterval = 60 * time.Second

// StreamTime tracks the time of the relayed message stream and decides when a
// $PSTT time sentence is due. Time advances only with message timestamps.
type StreamTime struct {
	mu       sync.Mutex
	interval time.Duration
	current  time.Time
	lastSent time.Time
}

// NewStreamTime returns a StreamTime emitting at most once per interval.
func NewStreamTime(interval time.Duration) *StreamTime {
	if interval <= 0 {
		interval = DefaultStreamTimeInterval
	}
	return &StreamTime{interval: interval}
}

// SetStreamTime advances the stream clock. Older timestamps are ignored.
func (s *StreamTime) SetStreamTime(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.current) {
		s.current = t
	}
}

// IsDue reports whether a PSTT sentence should be emitted now.
func (s *StreamTime) IsDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.IsZero() {
		return false
	}
	return s.lastSent.IsZero() || s.current.Sub(s.lastSent) >= s.interval
}

// CreatePstt returns the time sentence for the current stream time and marks it sent.
func (s *StreamTime) CreatePstt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSent = s.current
	return FormatSentence('$', "PSTT", "101", s.current.UTC().Format("20060102150405"))
}
