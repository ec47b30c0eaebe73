// Package logic contains pure scheduling and counting logic for the comsync main loop.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"fmt"
	"strings"
	"time"
)

// Role is the node's part in the synchronization group.
type Role string

const (
	RoleMaster Role = "MASTER"
	RoleSlave  Role = "SLAVE"
)

// RoleOf maps the line handler's master flag to a Role.
func RoleOf(master bool) Role {
	if master {
		return RoleMaster
	}
	return RoleSlave
}

// IsMaster reports whether r is RoleMaster.
func (r Role) IsMaster() bool {
	return r == RoleMaster
}

// ParseRole accepts "master" or "slave" in any case.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleMaster:
		return RoleMaster, nil
	case RoleSlave:
		return RoleSlave, nil
	}
	return "", fmt.Errorf("unknown role %q (want master or slave)", s)
}

// EventType represents a line event to be published.
type EventType string

const (
	EventSignal       EventType = "SIGNAL"        // master emitted a pulse
	EventSignalFailed EventType = "SIGNAL_FAILED" // master pulse could not be driven
	EventTrip         EventType = "TRIP"          // slave consumed a trip
)

// Event represents a line event to be published.
type Event struct {
	Timestamp time.Time
	Type      EventType
	Role      Role
	// Seq numbers events of the same type from 1.
	Seq uint64
	// Coalesced is the number of extra edges folded into this trip.
	Coalesced uint64
	// Error is set for SIGNAL_FAILED.
	Error string
}

// EventCounts tracks the number of each event type since startup.
type EventCounts struct {
	Signals      uint64
	SignalErrors uint64
	Trips        uint64
	Coalesced    uint64
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    EventCounts
}
