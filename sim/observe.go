package sim

import (
	"fmt"
	"time"

	"lautenbacher.net/gosle/bus"
	"lautenbacher.net/gosle/platform"
)

// Line names a reader line in the event trace.
type Line int

const (
	LineClock Line = iota
	LineReset
	LineIO
)

// Event is one change the host applied to a line. Reads are not traced.
type Event struct {
	Line  Line
	Level platform.Level  // clock and reset
	Mode  platform.IOMode // I/O
}

func (e Event) String() string {
	switch e.Line {
	case LineClock:
		return "CK=" + e.Level.String()
	case LineReset:
		return "RST=" + e.Level.String()
	case LineIO:
		return "IO=" + e.Mode.String()
	default:
		return fmt.Sprintf("Line(%d)", int(e.Line))
	}
}

// record must be called with the mutex held.
func (c *Card) record(e Event) {
	c.activity++
	if c.traceSize <= 0 {
		return
	}
	if c.events.Len() == c.traceSize {
		c.events.PopFront()
	}
	c.events.PushBack(e)
}

// Commands returns the commands decoded from the bus since the last
// ResetTrace, complete frames only.
func (c *Card) Commands() []bus.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := make([]bus.Command, len(c.commands))
	copy(ret, c.commands)
	return ret
}

// Events returns the most recent line changes, oldest first.
func (c *Card) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := make([]Event, c.events.Len())
	for i := range ret {
		ret[i] = c.events.At(i)
	}
	return ret
}

// Activity is the number of line changes since the last ResetTrace,
// including those dropped from the bounded event trace.
func (c *Card) Activity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activity
}

// ClockPulses counts rising clock edges since the last ResetTrace.
func (c *Card) ClockPulses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pulses
}

// Elapsed is the total time the host spent in Delay.
func (c *Card) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

// PowerCycles reports how often the port was enabled and disabled.
func (c *Card) PowerCycles() (enables, disables int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enables, c.disables
}

func (c *Card) ResetTrace() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = nil
	c.events.Clear()
	c.activity = 0
	c.pulses = 0
	c.elapsed = 0
}

// MainMemory returns the card side main memory.
func (c *Card) MainMemory() [MainMemorySize]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.main
}

// SecurityMemory returns the card side security memory including the
// reference data a reader cannot see.
func (c *Card) SecurityMemory() [4]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.security
}

func (c *Card) ProtectionMemory() [4]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protection
}

func (c *Card) ErrorCounter() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.security[0]
}

// Unlocked reports whether the PSC has been verified since power on.
func (c *Card) Unlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unlocked
}

func (c *Card) Present() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.present
}
