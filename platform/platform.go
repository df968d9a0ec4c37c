package platform

import (
	"fmt"
	"time"

	"lautenbacher.net/gosle/config"
)

// Level is the logic level of a line.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "High"
	}
	return "Low"
}

// IOMode selects what the bidirectional I/O line does next.
type IOMode int

const (
	// IODriveLow and IODriveHigh set the output latch. They only have
	// an electrical effect while the line is an output.
	IODriveLow IOMode = iota
	IODriveHigh
	// IOOutput turns the line into an output driving the latched level.
	IOOutput
	// IOInputPullUp turns the line into an input. Depending on the pull
	// resistor policy of the port the internal pull-up is enabled, in
	// any case the idle line reads High.
	IOInputPullUp
)

func (m IOMode) String() string {
	switch m {
	case IODriveLow:
		return "DriveLow"
	case IODriveHigh:
		return "DriveHigh"
	case IOOutput:
		return "Output"
	case IOInputPullUp:
		return "InputPullUp"
	default:
		return fmt.Sprintf("IOMode(%d)", int(m))
	}
}

// Port defines the interface for abstracting away the GPIO lines a card
// reader is connected to: reset and clock (outputs), the bidirectional
// I/O line and the card present switch (input).
//
// Setting and reading lines never fails: implementations report
// hardware errors through the log.
type Port interface {
	// Enable puts the lines into their idle state: reset and clock low
	// outputs, I/O and present as inputs.
	Enable() error

	// Disable releases all lines to high impedance inputs.
	Disable() error

	SetClock(level Level)
	SetReset(level Level)
	SetIO(mode IOMode)
	ReadIO() Level
	ReadPresent() Level

	// Delay blocks for d. Real hardware busy-waits, simulations may
	// only account for the time.
	Delay(d time.Duration)
}

// NewPort returns the hardware port for the GPIO library named in the
// configuration.
func NewPort(conf config.HardwareConfig) (Port, error) {
	switch conf.GPIOLibrary {
	case config.LibraryPeriph:
		return NewPeriphPort(conf), nil
	case config.LibraryRpio:
		return NewRpioPort(conf), nil
	default:
		return nil, fmt.Errorf("unknown GPIO library: %s", conf.GPIOLibrary)
	}
}
