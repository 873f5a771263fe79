// Package connstate implements per-connection stream accounting: for one
// connection manager, how many streams the peer allows concurrently, how
// many are reserved, how many are actually open, and whether the
// connection is quiescing.
//
// A State is not safe for concurrent use; it is owned by exactly one
// ConnectionPool and mutated only from that pool's executor, matching the
// cooperative single-threaded model the rest of this module follows.
package connstate

import "fmt"

// Utilization reports open streams against the peer-advertised ceiling,
// as returned by StreamOpened and StreamClosed.
type Utilization struct {
	Open         int
	MaxAvailable uint32
}

// State tracks one connection's stream accounting. The zero value is not
// usable; construct with New.
type State struct {
	maxAvailable uint32
	reserved     int
	open         int
	quiescing    bool
	hasSettings  bool
}

// New returns a State with no SETTINGS observed yet (available_streams
// reports 0 until UpdateMaxConcurrentStreams is called).
func New() *State {
	return &State{}
}

// UpdateMaxConcurrentStreams records a new peer-advertised ceiling,
// returning the previous value. ok is false on the first call, which the
// pool uses as the signal that the connection has just become usable.
func (s *State) UpdateMaxConcurrentStreams(n uint32) (prev uint32, ok bool) {
	prev, ok = s.maxAvailable, s.hasSettings
	s.maxAvailable = n
	s.hasSettings = true
	return prev, ok
}

// Reserve returns true and increments the reserved count iff the
// connection has available capacity and is not quiescing. Callers use
// the true result to go on and open a stream via the connection's
// multiplexer.
func (s *State) Reserve() bool {
	if s.AvailableStreams() == 0 {
		return false
	}
	s.reserved++
	return true
}

// StreamOpened records that a reserved slot became an actual open stream.
func (s *State) StreamOpened() Utilization {
	s.open++
	if s.open > s.reserved {
		panic(fmt.Sprintf("connstate: open (%d) exceeds reserved (%d)", s.open, s.reserved))
	}
	return Utilization{Open: s.open, MaxAvailable: s.maxAvailable}
}

// ReleaseReservation releases a reserved slot that never became an open
// stream — the case where Reserve succeeded but the subsequent
// OpenStream call failed. It does not touch the open count.
func (s *State) ReleaseReservation() {
	if s.reserved <= 0 {
		panic(fmt.Sprintf("connstate: release_reservation with reserved=%d", s.reserved))
	}
	s.reserved--
}

// StreamClosed records that one previously-open stream closed, releasing
// both its open and reserved slot.
func (s *State) StreamClosed() Utilization {
	if s.open <= 0 || s.reserved <= 0 {
		panic(fmt.Sprintf("connstate: stream_closed with open=%d reserved=%d", s.open, s.reserved))
	}
	s.open--
	s.reserved--
	return Utilization{Open: s.open, MaxAvailable: s.maxAvailable}
}

// MarkQuiescing sets the quiescing flag without touching reserved/open
// counts; existing streams continue, AvailableStreams drops to 0.
func (s *State) MarkQuiescing() {
	s.quiescing = true
}

// MarkUnavailable clears this State's availability (as on disconnect or
// shutdown) and returns however many streams were still reserved, so the
// owning pool can refund them to the pool manager's accounting.
func (s *State) MarkUnavailable() (droppedReservations int) {
	dropped := s.reserved
	s.hasSettings = false
	s.maxAvailable = 0
	s.reserved = 0
	s.open = 0
	s.quiescing = false
	return dropped
}

// AvailableStreams is max_available - reserved, or 0 while quiescing or
// before the first SETTINGS frame.
func (s *State) AvailableStreams() uint32 {
	if s.quiescing || !s.hasSettings {
		return 0
	}
	if uint32(s.reserved) >= s.maxAvailable {
		return 0
	}
	return s.maxAvailable - uint32(s.reserved)
}

// ReservedStreams is the current reserved count.
func (s *State) ReservedStreams() int { return s.reserved }

// MaxAvailableStreams is the most recent SETTINGS value, or 0 if none has
// arrived yet.
func (s *State) MaxAvailableStreams() uint32 { return s.maxAvailable }

// IsQuiescing reports whether MarkQuiescing has been called since the
// last MarkUnavailable.
func (s *State) IsQuiescing() bool { return s.quiescing }

// HasSettings reports whether at least one SETTINGS frame has been
// observed since the last MarkUnavailable.
func (s *State) HasSettings() bool { return s.hasSettings }
