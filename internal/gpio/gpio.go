// Package gpio provides access to the three COM lines with hardware abstraction.
// The real implementation uses Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"errors"
	"fmt"
	"time"
)

// Line identifies one of the three shared COM lines.
type Line int

// COM line offsets on gpiochip0 (BCM numbering). Fixed for the life of the process.
const (
	COM1 Line = 17 // Trip line: watched by slaves, driven by the master
	COM2 Line = 27 // Lead line: driven by the master for the whole pulse
	COM3 Line = 22 // Reserved, held as input
)

// Chip is the GPIO character device holding the COM lines.
const Chip = "gpiochip0"

// TripDebounce is the kernel debounce period applied to the trip line.
const TripDebounce = 500 * time.Microsecond

// ErrNotOutput is returned when driving a line that is configured as input.
var ErrNotOutput = errors.New("gpio: line is not an output")

// AllLines lists the COM lines in order.
var AllLines = []Line{COM1, COM2, COM3}

func (l Line) String() string {
	switch l {
	case COM1:
		return "COM1"
	case COM2:
		return "COM2"
	case COM3:
		return "COM3"
	}
	return fmt.Sprintf("line(%d)", int(l))
}

// Edge is a qualifying transition observed on a watched line.
type Edge struct {
	Line Line
	// Rising is true for an inactive to active transition.
	Rising bool
	// Timestamp is the kernel event time, monotonic from an arbitrary origin.
	Timestamp time.Duration
}

// EdgeHandler is called for every edge on the watched line. It runs outside
// the main loop and must return quickly.
type EdgeHandler func(Edge)

// Lines drives and watches the COM lines.
type Lines interface {
	// Watch binds the handler to rising edges on COM1.
	// It may only be called once.
	Watch(handler EdgeHandler) error

	// ConfigureMaster drives COM1 and COM2 as outputs, both inactive.
	// Edges on COM1 are no longer reported.
	ConfigureMaster() error

	// ConfigureSlave returns COM1 and COM2 to inputs and re-enables
	// edge detection on COM1.
	ConfigureSlave() error

	// Set drives an output line. Returns ErrNotOutput for input lines.
	Set(line Line, active bool) error

	// Get returns the logical level of a line.
	Get(line Line) (bool, error)

	// Close releases GPIO resources.
	Close() error
}
