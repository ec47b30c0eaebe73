package gpio

import (
	"fmt"
	"sync"
	"time"
)

// Transition is one recorded change of an output line.
type Transition struct {
	Line   Line
	Active bool
	At     time.Time
}

// FakeLines is a test double that records driven lines and simulates edges.
// Safe for concurrent use; the edge handler is always called without the
// lock held.
type FakeLines struct {
	mu      sync.Mutex
	handler EdgeHandler
	out     map[Line]bool
	level   map[Line]bool
	trace   []Transition
	start   time.Time
	bus     *FakeBus

	// Now supplies trace timestamps. Defaults to time.Now.
	Now func() time.Time

	// SetError, if set, will be returned by Set.
	SetError error

	// ConfigureError, if set, will be returned by ConfigureMaster and ConfigureSlave.
	ConfigureError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeLines creates a FakeLines with every line an inactive input.
func NewFakeLines() *FakeLines {
	return &FakeLines{
		out:   make(map[Line]bool),
		level: make(map[Line]bool),
		start: time.Now(),
		Now:   time.Now,
	}
}

// Watch records the handler for COM1 edges.
func (f *FakeLines) Watch(handler EdgeHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handler != nil {
		return fmt.Errorf("watch %s: already watched", COM1)
	}
	f.handler = handler
	return nil
}

// ConfigureMaster marks COM1 and COM2 as outputs driven inactive.
func (f *FakeLines) ConfigureMaster() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConfigureError != nil {
		return f.ConfigureError
	}
	for _, l := range []Line{COM1, COM2} {
		f.out[l] = true
		f.level[l] = false
	}
	return nil
}

// ConfigureSlave marks COM1 and COM2 as inputs.
func (f *FakeLines) ConfigureSlave() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConfigureError != nil {
		return f.ConfigureError
	}
	f.out[COM1] = false
	f.out[COM2] = false
	return nil
}

// Set drives an output line and records the transition if the level changed.
// On a bus the new level is seen by every other attached fake.
func (f *FakeLines) Set(l Line, active bool) error {
	f.mu.Lock()
	if !f.out[l] {
		f.mu.Unlock()
		return fmt.Errorf("set %s: %w", l, ErrNotOutput)
	}
	if f.SetError != nil {
		err := f.SetError
		f.mu.Unlock()
		return err
	}
	changed := f.level[l] != active
	f.level[l] = active
	if changed {
		f.trace = append(f.trace, Transition{Line: l, Active: active, At: f.Now()})
	}
	bus := f.bus
	f.mu.Unlock()

	if changed && bus != nil {
		bus.propagate(f, l, active)
	}
	return nil
}

// Get returns the current level of a line.
func (f *FakeLines) Get(l Line) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.level[l], nil
}

// Edge simulates a rising edge on an input line. The watcher is called
// only for COM1 while it is an input, mirroring the hardware where an
// output line reports no edges. Returns whether the watcher was called.
func (f *FakeLines) Edge(l Line) bool {
	f.mu.Lock()
	if f.out[l] {
		f.mu.Unlock()
		return false
	}
	f.level[l] = true
	h := f.handler
	ts := f.Now().Sub(f.start)
	f.mu.Unlock()

	if l != COM1 || h == nil {
		return false
	}
	h(Edge{Line: l, Rising: true, Timestamp: ts})
	return true
}

// Release simulates an input line falling back to inactive.
func (f *FakeLines) Release(l Line) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.out[l] {
		f.level[l] = false
	}
}

// IsOutput reports whether a line is currently configured as output.
func (f *FakeLines) IsOutput(l Line) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out[l]
}

// Trace returns a copy of the recorded output transitions.
func (f *FakeLines) Trace() []Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Transition, len(f.trace))
	copy(out, f.trace)
	return out
}

// ResetTrace discards recorded transitions.
func (f *FakeLines) ResetTrace() {
	f.mu.Lock()
	f.trace = nil
	f.mu.Unlock()
}

// Close marks the lines as closed.
func (f *FakeLines) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// FakeBus connects several FakeLines as if they shared the physical COM wires.
type FakeBus struct {
	mu    sync.Mutex
	nodes []*FakeLines
}

// NewFakeBus creates an empty bus.
func NewFakeBus() *FakeBus {
	return &FakeBus{}
}

// Attach creates a FakeLines wired to the bus.
func (b *FakeBus) Attach() *FakeLines {
	f := NewFakeLines()
	f.bus = b
	b.mu.Lock()
	b.nodes = append(b.nodes, f)
	b.mu.Unlock()
	return f
}

func (b *FakeBus) propagate(from *FakeLines, l Line, active bool) {
	b.mu.Lock()
	nodes := make([]*FakeLines, len(b.nodes))
	copy(nodes, b.nodes)
	b.mu.Unlock()

	for _, n := range nodes {
		if n == from {
			continue
		}
		if active {
			n.Edge(l)
		} else {
			n.Release(l)
		}
	}
}
