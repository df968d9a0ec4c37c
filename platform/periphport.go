package platform

import (
	"fmt"
	"log/slog"
	"time"

	"lautenbacher.net/gosle/config"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// PeriphPort drives the reader lines through periph.io.
type PeriphPort struct {
	config   config.HardwareConfig
	rst      gpio.PinIO
	ck       gpio.PinIO
	io       gpio.PinIO
	present  gpio.PinIO
	ioLatch  gpio.Level
	ioOutput bool
}

func NewPeriphPort(conf config.HardwareConfig) *PeriphPort {
	return &PeriphPort{config: conf, ioLatch: gpio.High}
}

func (s *PeriphPort) Enable() error {
	slog.Info("Initialise GPIO via periph.io...",
		"rst", s.config.ResetPin, "ck", s.config.ClockPin, "io", s.config.IOPin, "present", s.config.PresentPin)
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to init periph: %w", err)
	}

	var err error
	if s.rst, err = lookupPin(s.config.ResetPin); err != nil {
		return err
	}
	if s.ck, err = lookupPin(s.config.ClockPin); err != nil {
		return err
	}
	if s.io, err = lookupPin(s.config.IOPin); err != nil {
		return err
	}
	if s.present, err = lookupPin(s.config.PresentPin); err != nil {
		return err
	}

	if err := s.rst.Out(gpio.Low); err != nil {
		return fmt.Errorf("failed to set reset pin %d to output: %w", s.config.ResetPin, err)
	}
	if err := s.ck.Out(gpio.Low); err != nil {
		return fmt.Errorf("failed to set clock pin %d to output: %w", s.config.ClockPin, err)
	}
	if err := s.io.In(s.pull(), gpio.NoEdge); err != nil {
		return fmt.Errorf("failed to set io pin %d to input: %w", s.config.IOPin, err)
	}
	if err := s.present.In(s.pull(), gpio.NoEdge); err != nil {
		return fmt.Errorf("failed to set present pin %d to input: %w", s.config.PresentPin, err)
	}
	s.ioLatch = gpio.High
	s.ioOutput = false
	return nil
}

func (s *PeriphPort) Disable() error {
	var firstErr error
	for _, pin := range []gpio.PinIO{s.rst, s.ck, s.io, s.present} {
		if pin == nil {
			continue
		}
		if err := pin.In(gpio.Float, gpio.NoEdge); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to release pin %s: %w", pin.Name(), err)
		}
		if err := pin.Halt(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to halt pin %s: %w", pin.Name(), err)
		}
	}
	return firstErr
}

func (s *PeriphPort) SetClock(level Level) {
	if err := s.ck.Out(gpio.Level(level)); err != nil {
		slog.Error("Error setting clock line", "level", level, "error", err)
	}
}

func (s *PeriphPort) SetReset(level Level) {
	if err := s.rst.Out(gpio.Level(level)); err != nil {
		slog.Error("Error setting reset line", "level", level, "error", err)
	}
}

// SetIO emulates a port with separate direction and output latch on
// top of periph.io, where Out both selects the direction and the level.
func (s *PeriphPort) SetIO(mode IOMode) {
	var err error
	switch mode {
	case IODriveLow, IODriveHigh:
		s.ioLatch = gpio.Level(mode == IODriveHigh)
		if s.ioOutput {
			err = s.io.Out(s.ioLatch)
		}
	case IOOutput:
		s.ioOutput = true
		err = s.io.Out(s.ioLatch)
	case IOInputPullUp:
		s.ioOutput = false
		s.ioLatch = gpio.High
		err = s.io.In(s.pull(), gpio.NoEdge)
	}
	if err != nil {
		slog.Error("Error setting io line", "mode", mode, "error", err)
	}
}

func (s *PeriphPort) ReadIO() Level {
	return Level(s.io.Read())
}

func (s *PeriphPort) ReadPresent() Level {
	return Level(s.present.Read())
}

func (s *PeriphPort) Delay(d time.Duration) {
	BusyWait(d)
}

func (s *PeriphPort) pull() gpio.Pull {
	if s.config.IOPullUp {
		return gpio.PullUp
	}
	return gpio.Float
}

func lookupPin(number int) (gpio.PinIO, error) {
	pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", number))
	if pin == nil {
		return nil, fmt.Errorf("failed to find pin %d", number)
	}
	return pin, nil
}
