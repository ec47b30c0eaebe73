// Package comline handles the three COM lines shared between motion-control
// nodes: one node is the timing master and pulses the lines, the others are
// slaves that latch the master's trip edge for their main loop to consume.
//
// Only one Handler may exist in a process at a time. It binds the fixed COM
// line offsets and the single edge callback; New refuses a second instance
// until the first is closed.
package comline

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/sweeney/comsync/internal/gpio"
)

// Pulse timing. Both holds are long enough for a slave's kernel edge
// detection to latch through TripDebounce and short enough that the
// master's loop is stalled for well under one poll period.
const (
	LeadHold = 5 * time.Millisecond  // lead asserted before the trip edge
	TripHold = 10 * time.Millisecond // trip asserted before release
)

// Bounds accepted by WithHolds.
const (
	MinHold = 1 * time.Millisecond
	MaxHold = 100 * time.Millisecond
)

var (
	// ErrHandlerExists is returned by New while another Handler is open.
	ErrHandlerExists = errors.New("comline: handler already exists")

	// ErrNotMaster is returned by MasterSignal on a slave. No line is driven.
	ErrNotMaster = errors.New("comline: not master")
)

// live is set while a Handler holds the COM lines.
var live atomic.Bool

// Phase is the handler's position in the signalling state machine.
type Phase int32

const (
	PhaseIdle      Phase = iota // waiting (slave) or ready to emit (master)
	PhaseTripped                // slave: an unconsumed trip is pending
	PhaseLeading                // master: lead asserted
	PhaseFollowing              // master: trip edge asserted and released
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseTripped:
		return "TRIPPED"
	case PhaseLeading:
		return "LEADING"
	case PhaseFollowing:
		return "FOLLOWING"
	}
	return "UNKNOWN"
}

// Stats counts line activity since the handler was created.
type Stats struct {
	Edges     uint64 // qualifying edges latched by the slave callback
	Trips     uint64 // trips consumed through SlaveClear
	Pulses    uint64 // pulses completed by MasterSignal
	Coalesced uint64 // edges folded into an earlier, still unconsumed trip
}

// tripCell is the only state written from the edge callback.
type tripCell struct {
	tripped   atomic.Bool
	edges     atomic.Uint64
	coalesced atomic.Uint64
}

func (c *tripCell) set() {
	c.edges.Add(1)
	if c.tripped.Swap(true) {
		c.coalesced.Add(1)
	}
}

// testAndClear reports and clears a pending trip in one atomic step, so an
// edge landing between the read and the clear is never lost.
func (c *tripCell) testAndClear() bool {
	return c.tripped.CompareAndSwap(true, false)
}

func (c *tripCell) clear() {
	c.tripped.Store(false)
}

func (c *tripCell) pending() bool {
	return c.tripped.Load()
}

// Handler owns the COM lines for one node.
type Handler struct {
	lines gpio.Lines
	trip  tripCell

	// master is read by the edge callback, so it is atomic even though only
	// the main loop writes it.
	master atomic.Bool
	phase  atomic.Int32
	trips  atomic.Uint64
	pulses atomic.Uint64

	leadHold time.Duration
	tripHold time.Duration
	sleep    func(time.Duration)
	closed   atomic.Bool
}

// Option configures a Handler.
type Option func(*Handler) error

// WithHolds overrides the lead and trip hold durations.
func WithHolds(lead, trip time.Duration) Option {
	return func(h *Handler) error {
		for _, d := range []time.Duration{lead, trip} {
			if d < MinHold || d > MaxHold {
				return fmt.Errorf("hold %v outside [%v, %v]", d, MinHold, MaxHold)
			}
		}
		h.leadHold = lead
		h.tripHold = trip
		return nil
	}
}

// WithSleep replaces time.Sleep for the pulse holds.
func WithSleep(sleep func(time.Duration)) Option {
	return func(h *Handler) error {
		h.sleep = sleep
		return nil
	}
}

// New creates the process's Handler in the slave role with no trip pending
// and binds the edge callback to the trip line. The handler takes ownership
// of lines on success.
func New(lines gpio.Lines, opts ...Option) (*Handler, error) {
	if !live.CompareAndSwap(false, true) {
		return nil, ErrHandlerExists
	}

	h := &Handler{
		lines:    lines,
		leadHold: LeadHold,
		tripHold: TripHold,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			live.Store(false)
			return nil, err
		}
	}

	if err := lines.Watch(h.slaveTripped); err != nil {
		live.Store(false)
		return nil, fmt.Errorf("watch trip line: %w", err)
	}
	if err := lines.ConfigureSlave(); err != nil {
		live.Store(false)
		return nil, fmt.Errorf("configure slave: %w", err)
	}
	return h, nil
}

// IsMaster reports the current role.
func (h *Handler) IsMaster() bool {
	return h.master.Load()
}

// SetMaster sets the role and reconfigures line directions to match.
// Either change of role leaves no trip pending: a master never consumes
// edges, and a slave starts from a clean latch.
func (h *Handler) SetMaster(master bool) error {
	if master {
		// Flip the role first so an edge already in flight is ignored.
		prev := h.master.Swap(true)
		if err := h.lines.ConfigureMaster(); err != nil {
			h.master.Store(prev)
			return fmt.Errorf("configure master: %w", err)
		}
		h.trip.clear()
		return nil
	}

	if err := h.lines.ConfigureSlave(); err != nil {
		return fmt.Errorf("configure slave: %w", err)
	}
	// Edges are ignored until the role flips.
	h.trip.clear()
	h.master.Store(false)
	return nil
}

// MasterSignal emits one synchronization pulse: lead asserted, lead hold,
// trip asserted, trip hold, trip released, lead released. It blocks for
// the whole pulse. On a slave it returns ErrNotMaster without driving
// anything.
func (h *Handler) MasterSignal() error {
	if !h.master.Load() {
		return ErrNotMaster
	}
	defer h.phase.Store(int32(PhaseIdle))

	if err := h.masterLead(); err != nil {
		h.release()
		return err
	}
	if err := h.masterFollow(); err != nil {
		h.release()
		return err
	}
	h.pulses.Add(1)
	return nil
}

func (h *Handler) masterLead() error {
	h.phase.Store(int32(PhaseLeading))
	if err := h.lines.Set(gpio.COM2, true); err != nil {
		return fmt.Errorf("assert lead: %w", err)
	}
	h.sleep(h.leadHold)
	return nil
}

func (h *Handler) masterFollow() error {
	h.phase.Store(int32(PhaseFollowing))
	if err := h.lines.Set(gpio.COM1, true); err != nil {
		return fmt.Errorf("assert trip: %w", err)
	}
	h.sleep(h.tripHold)
	if err := h.lines.Set(gpio.COM1, false); err != nil {
		return fmt.Errorf("release trip: %w", err)
	}
	if err := h.lines.Set(gpio.COM2, false); err != nil {
		return fmt.Errorf("release lead: %w", err)
	}
	return nil
}

// release drops both master outputs after a failed pulse.
func (h *Handler) release() {
	for _, l := range []gpio.Line{gpio.COM1, gpio.COM2} {
		if err := h.lines.Set(l, false); err != nil {
			log.Printf("comline: release %s: %v", l, err)
		}
	}
}

// SlaveClear returns true exactly once per latched trip and clears it.
// Safe to poll every loop iteration; with nothing pending it changes nothing.
// Two edges latched before a poll are reported once.
func (h *Handler) SlaveClear() bool {
	if !h.trip.testAndClear() {
		return false
	}
	h.trips.Add(1)
	return true
}

// slaveTripped is the edge callback. It runs on the GPIO event goroutine
// and only latches the trip.
func (h *Handler) slaveTripped(e gpio.Edge) {
	if !e.Rising || h.master.Load() {
		return
	}
	h.trip.set()
	// SetMaster(true) may have run between the role check and the latch.
	if h.master.Load() {
		h.trip.clear()
	}
}

// Phase returns the current state machine phase.
func (h *Handler) Phase() Phase {
	if p := Phase(h.phase.Load()); p != PhaseIdle {
		return p
	}
	if !h.master.Load() && h.trip.pending() {
		return PhaseTripped
	}
	return PhaseIdle
}

// Stats returns a snapshot of line activity counters.
func (h *Handler) Stats() Stats {
	return Stats{
		Edges:     h.trip.edges.Load(),
		Trips:     h.trips.Load(),
		Pulses:    h.pulses.Load(),
		Coalesced: h.trip.coalesced.Load(),
	}
}

// Lines returns the levels of all COM lines, in gpio.AllLines order.
func (h *Handler) Lines() ([]bool, error) {
	levels := make([]bool, 0, len(gpio.AllLines))
	for _, l := range gpio.AllLines {
		v, err := h.lines.Get(l)
		if err != nil {
			return nil, err
		}
		levels = append(levels, v)
	}
	return levels, nil
}

// Close releases the lines and allows a new Handler to be created.
// Only the first call has any effect.
func (h *Handler) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := h.lines.Close()
	live.Store(false)
	return err
}
