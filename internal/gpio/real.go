//go:build linux

package gpio

import (
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "comsync"

// RealLines drives the COM lines on actual hardware using Linux GPIO character device.
type RealLines struct {
	chip  *gpiocdev.Chip
	lines map[Line]*gpiocdev.Line
	out   map[Line]bool
}

// NewRealLines opens the GPIO chip and claims COM2 and COM3 as inputs.
// COM1 is claimed by Watch, since the edge handler is bound at request time.
func NewRealLines() (*RealLines, error) {
	chip, err := gpiocdev.NewChip(Chip, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	r := &RealLines{
		chip:  chip,
		lines: make(map[Line]*gpiocdev.Line),
		out:   make(map[Line]bool),
	}
	for _, l := range []Line{COM2, COM3} {
		line, err := chip.RequestLine(int(l), gpiocdev.AsInput, gpiocdev.WithPullDown)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("request %s pin %d: %w", l, int(l), err)
		}
		r.lines[l] = line
	}
	return r, nil
}

// Watch requests COM1 as an edge-detecting input and binds the handler.
func (r *RealLines) Watch(handler EdgeHandler) error {
	if _, ok := r.lines[COM1]; ok {
		return fmt.Errorf("watch %s: already watched", COM1)
	}

	eh := func(evt gpiocdev.LineEvent) {
		handler(Edge{
			Line:      Line(evt.Offset),
			Rising:    evt.Type == gpiocdev.LineEventRisingEdge,
			Timestamp: evt.Timestamp,
		})
	}
	line, err := r.chip.RequestLine(int(COM1),
		gpiocdev.AsInput,
		gpiocdev.WithPullDown,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithDebounce(TripDebounce),
		gpiocdev.WithEventHandler(eh))
	if err != nil {
		return fmt.Errorf("request %s pin %d: %w", COM1, int(COM1), err)
	}
	r.lines[COM1] = line
	return nil
}

// ConfigureMaster drives COM1 and COM2 low. Reconfiguring COM1 as output
// drops its edge detection, so a master never sees its own pulse.
func (r *RealLines) ConfigureMaster() error {
	for _, l := range []Line{COM1, COM2} {
		line, err := r.line(l)
		if err != nil {
			return err
		}
		if err := line.Reconfigure(gpiocdev.AsOutput(0)); err != nil {
			return fmt.Errorf("reconfigure %s as output: %w", l, err)
		}
		r.out[l] = true
	}
	return nil
}

// ConfigureSlave returns COM1 and COM2 to pulled-down inputs and restores
// rising edge detection on COM1.
func (r *RealLines) ConfigureSlave() error {
	line, err := r.line(COM2)
	if err != nil {
		return err
	}
	if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
		return fmt.Errorf("reconfigure %s as input: %w", COM2, err)
	}
	r.out[COM2] = false

	line, err = r.line(COM1)
	if err != nil {
		return err
	}
	if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown,
		gpiocdev.WithRisingEdge, gpiocdev.WithDebounce(TripDebounce)); err != nil {
		return fmt.Errorf("reconfigure %s as input: %w", COM1, err)
	}
	r.out[COM1] = false
	return nil
}

// Set drives an output line.
func (r *RealLines) Set(l Line, active bool) error {
	if !r.out[l] {
		return fmt.Errorf("set %s: %w", l, ErrNotOutput)
	}
	line, err := r.line(l)
	if err != nil {
		return err
	}
	v := 0
	if active {
		v = 1
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("set %s: %w", l, err)
	}
	return nil
}

// Get reads the level of a line.
func (r *RealLines) Get(l Line) (bool, error) {
	line, err := r.line(l)
	if err != nil {
		return false, err
	}
	v, err := line.Value()
	if err != nil {
		return false, fmt.Errorf("read %s: %w", l, err)
	}
	return v == 1, nil
}

func (r *RealLines) line(l Line) (*gpiocdev.Line, error) {
	line, ok := r.lines[l]
	if !ok {
		return nil, fmt.Errorf("%s not requested", l)
	}
	return line, nil
}

// Close releases GPIO resources.
// Lines are returned to input with pull-down before closing so the bus is
// not left driven by a node that has gone away.
func (r *RealLines) Close() error {
	var errs []error

	for _, l := range AllLines {
		line, ok := r.lines[l]
		if !ok {
			continue
		}
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure %s: %w", l, err))
		}
		// Close waits for a running event handler to return.
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", l, err))
		}
		delete(r.lines, l)
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		r.chip = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}
