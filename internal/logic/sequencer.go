package logic

import "time"

// Sequencer decides when a master emits and turns line activity into events.
type Sequencer struct {
	role          Role
	interval      time.Duration
	startTime     time.Time
	lastSignal    time.Time
	lastHeartbeat time.Time
	counts        EventCounts
}

// NewSequencer creates a sequencer for the given role. A master becomes due
// to signal one interval after startTime; interval <= 0 disables signalling.
func NewSequencer(role Role, interval time.Duration, startTime time.Time) *Sequencer {
	return &Sequencer{
		role:          role,
		interval:      interval,
		startTime:     startTime,
		lastSignal:    startTime,
		lastHeartbeat: startTime,
	}
}

// Role returns the role events are attributed to.
func (s *Sequencer) Role() Role {
	return s.role
}

// SetRole changes role and restarts the signal schedule from now.
func (s *Sequencer) SetRole(role Role, now time.Time) {
	s.role = role
	s.lastSignal = now
}

// DueSignal reports whether a master should emit a pulse at now.
// Always false for a slave.
func (s *Sequencer) DueSignal(now time.Time) bool {
	if !s.role.IsMaster() || s.interval <= 0 {
		return false
	}
	return now.Sub(s.lastSignal) >= s.interval
}

// RecordSignal records a pulse attempt. A failed attempt still restarts the
// schedule so a broken line is not retried on every tick.
func (s *Sequencer) RecordSignal(now time.Time, err error) Event {
	s.lastSignal = now
	if err != nil {
		s.counts.SignalErrors++
		return Event{
			Timestamp: now,
			Type:      EventSignalFailed,
			Role:      s.role,
			Seq:       s.counts.SignalErrors,
			Error:     err.Error(),
		}
	}
	s.counts.Signals++
	return Event{
		Timestamp: now,
		Type:      EventSignal,
		Role:      s.role,
		Seq:       s.counts.Signals,
	}
}

// RecordTrip records a consumed trip. totalCoalesced is the handler's
// running count of coalesced edges; the event carries the increase since
// the previous trip.
func (s *Sequencer) RecordTrip(now time.Time, totalCoalesced uint64) Event {
	var coalesced uint64
	if totalCoalesced > s.counts.Coalesced {
		coalesced = totalCoalesced - s.counts.Coalesced
	}
	s.counts.Coalesced = totalCoalesced
	s.counts.Trips++
	return Event{
		Timestamp: now,
		Type:      EventTrip,
		Role:      s.role,
		Seq:       s.counts.Trips,
		Coalesced: coalesced,
	}
}

// Counts returns a copy of the event counts.
func (s *Sequencer) Counts() EventCounts {
	return s.counts
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if the interval has not elapsed,
// or if interval is <= 0 (disabled).
func (s *Sequencer) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}

	if now.Sub(s.lastHeartbeat) < interval {
		return nil
	}

	s.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(s.startTime),
		Counts:    s.counts,
	}
}
