// Package health tracks decode statistics for the packet loop and runs
// periodic checks that tell a quiet network apart from a broken decoder.
package health

import (
	"sync/atomic"
	"time"
)

// Status classifies the decode pipeline.
type Status string

const (
	// StatusWaiting means no packet has been seen yet.
	StatusWaiting Status = "waiting"
	// StatusOK means packets are flowing and decoding.
	StatusOK Status = "ok"
	// StatusDegraded means a large share of recent messages fail to decode.
	StatusDegraded Status = "degraded"
	// StatusStale means packets stopped arriving.
	StatusStale Status = "stale"
)

// Thresholds tune Status.
type Thresholds struct {
	// StaleAfter is how long without packets before the pipeline is stale.
	StaleAfter time.Duration
	// ErrorRatio is the decode failure ratio above which it is degraded.
	ErrorRatio float64
	// MinMessages is the sample size needed before the ratio is trusted.
	MinMessages uint64
}

// DefaultThresholds returns the default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StaleAfter:  30 * time.Second,
		ErrorRatio:  0.25,
		MinMessages: 20,
	}
}

// Stats are lock-free counters written by the packet loop and read by
// consumers on other goroutines.
type Stats struct {
	packets      atomic.Uint64
	messages     atomic.Uint64
	unknown      atomic.Uint64
	decodeErrors atomic.Uint64
	frameErrors  atomic.Uint64
	combatEvents atomic.Uint64
	filtered     atomic.Uint64
	archived     atomic.Uint64
	lastPacket   atomic.Int64
}

// NewStats returns zeroed counters.
func NewStats() *Stats {
	return &Stats{}
}

// Packet counts one packet observed at ts.
func (s *Stats) Packet(ts time.Time) {
	s.packets.Add(1)
	s.lastPacket.Store(ts.UnixNano())
}

// Messages counts n framed messages.
func (s *Stats) Messages(n int) {
	s.messages.Add(uint64(n))
}

// Unknown counts one payload sent to the unknown sink.
func (s *Stats) Unknown() {
	s.unknown.Add(1)
}

// DecodeError counts one message whose parameters failed to decode.
func (s *Stats) DecodeError() {
	s.decodeErrors.Add(1)
}

// FrameError counts one packet whose command list was malformed.
func (s *Stats) FrameError() {
	s.frameErrors.Add(1)
}

// CombatEvent counts one combat event accepted by the meter.
func (s *Stats) CombatEvent() {
	s.combatEvents.Add(1)
}

// Filtered counts one combat event rejected by the party filter.
func (s *Stats) Filtered() {
	s.filtered.Add(1)
}

// Archived counts one archived encounter.
func (s *Stats) Archived() {
	s.archived.Add(1)
}

// Report is a point-in-time copy of the counters.
type Report struct {
	Status       Status    `json:"status"`
	Packets      uint64    `json:"packets"`
	Messages     uint64    `json:"messages"`
	Unknown      uint64    `json:"unknown"`
	DecodeErrors uint64    `json:"decode_errors"`
	FrameErrors  uint64    `json:"frame_errors"`
	CombatEvents uint64    `json:"combat_events"`
	Filtered     uint64    `json:"filtered"`
	Archived     uint64    `json:"archived"`
	LastPacket   time.Time `json:"last_packet,omitempty"`
}

// Report copies the counters and classifies them at now.
func (s *Stats) Report(now time.Time, th Thresholds) Report {
	r := Report{
		Packets:      s.packets.Load(),
		Messages:     s.messages.Load(),
		Unknown:      s.unknown.Load(),
		DecodeErrors: s.decodeErrors.Load(),
		FrameErrors:  s.frameErrors.Load(),
		CombatEvents: s.combatEvents.Load(),
		Filtered:     s.filtered.Load(),
		Archived:     s.archived.Load(),
	}
	if ns := s.lastPacket.Load(); ns != 0 {
		r.LastPacket = time.Unix(0, ns).UTC()
	}
	r.Status = classify(r, now, th)
	return r
}

// Status classifies the counters at now.
func (s *Stats) Status(now time.Time, th Thresholds) Status {
	return s.Report(now, th).Status
}

func classify(r Report, now time.Time, th Thresholds) Status {
	if r.Packets == 0 {
		return StatusWaiting
	}
	failures := r.DecodeErrors + r.FrameErrors
	total := r.Messages + r.FrameErrors
	if total >= th.MinMessages && total > 0 &&
		float64(failures)/float64(total) > th.ErrorRatio {
		return StatusDegraded
	}
	if th.StaleAfter > 0 && now.Sub(r.LastPacket) > th.StaleAfter {
		return StatusStale
	}
	return StatusOK
}
