package platform

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/stianeikeland/go-rpio/v4"
	"lautenbacher.net/gosle/config"
)

// RpioPort drives the reader lines through go-rpio's memory mapped
// register access, which is considerably faster than periph.io's sysfs
// fallback on older kernels.
type RpioPort struct {
	config  config.HardwareConfig
	rst     rpio.Pin
	ck      rpio.Pin
	io      rpio.Pin
	present rpio.Pin
	opened  bool
}

func NewRpioPort(conf config.HardwareConfig) *RpioPort {
	return &RpioPort{
		config:  conf,
		rst:     rpio.Pin(conf.ResetPin),
		ck:      rpio.Pin(conf.ClockPin),
		io:      rpio.Pin(conf.IOPin),
		present: rpio.Pin(conf.PresentPin),
	}
}

func (s *RpioPort) Enable() error {
	slog.Info("Initialise GPIO via rpio...",
		"rst", s.config.ResetPin, "ck", s.config.ClockPin, "io", s.config.IOPin, "present", s.config.PresentPin)
	if err := rpio.Open(); err != nil {
		return fmt.Errorf("failed to open rpio: %w", err)
	}
	s.opened = true

	s.rst.Output()
	s.rst.Low()
	s.ck.Output()
	s.ck.Low()

	s.present.Input()
	s.io.Input()
	if s.config.IOPullUp {
		s.present.PullUp()
		s.io.PullUp()
	} else {
		s.present.PullOff()
		s.io.PullOff()
	}
	// The output latch keeps its value while the pin is an input,
	// pre-set it so that switching to output drives the idle level.
	s.io.High()
	return nil
}

func (s *RpioPort) Disable() error {
	if !s.opened {
		return nil
	}
	for _, pin := range []rpio.Pin{s.rst, s.ck, s.io, s.present} {
		pin.Input()
		pin.PullOff()
	}
	s.opened = false
	if err := rpio.Close(); err != nil {
		return fmt.Errorf("failed to close rpio: %w", err)
	}
	return nil
}

func (s *RpioPort) SetClock(level Level) {
	writePin(s.ck, level)
}

func (s *RpioPort) SetReset(level Level) {
	writePin(s.rst, level)
}

func (s *RpioPort) SetIO(mode IOMode) {
	switch mode {
	case IODriveLow:
		s.io.Low()
	case IODriveHigh:
		s.io.High()
	case IOOutput:
		s.io.Output()
	case IOInputPullUp:
		s.io.High()
		s.io.Input()
		if s.config.IOPullUp {
			s.io.PullUp()
		}
	}
}

func (s *RpioPort) ReadIO() Level {
	return s.io.Read() == rpio.High
}

func (s *RpioPort) ReadPresent() Level {
	return s.present.Read() == rpio.High
}

func (s *RpioPort) Delay(d time.Duration) {
	BusyWait(d)
}

func writePin(pin rpio.Pin, level Level) {
	if level {
		pin.High()
	} else {
		pin.Low()
	}
}
