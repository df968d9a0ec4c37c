package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

const CONFILE = "gosle.yml"

const (
	LibraryPeriph = "periph.io"
	LibraryRpio   = "rpio"
)

type Config struct {
	Hardware   HardwareConfig   `yaml:"Hardware"`
	Timing     TimingConfig     `yaml:"Timing"`
	Simulation SimulationConfig `yaml:"Simulation"`
	Monitor    MonitorConfig    `yaml:"Monitor"`
	Logging    LoggingConfig    `yaml:"Logging"`
}

// HardwareConfig describes how the card reader is wired to the GPIO header.
// Pin numbers are BCM numbers.
type HardwareConfig struct {
	GPIOLibrary      string `yaml:"GPIOLibrary"`
	ResetPin         int    `yaml:"ResetPin"`
	ClockPin         int    `yaml:"ClockPin"`
	IOPin            int    `yaml:"IOPin"`
	PresentPin       int    `yaml:"PresentPin"`
	PresentActiveLow bool   `yaml:"PresentActiveLow"`
	IOPullUp         bool   `yaml:"IOPullUp"`
}

// TimingConfig holds the bus delays. HalfPeriod is half of the clock
// wave, e.g. 25us for a 20kHz clock.
type TimingConfig struct {
	HalfPeriod          time.Duration `yaml:"HalfPeriod"`
	FrontDelay          time.Duration `yaml:"FrontDelay"`
	ResetDelay          time.Duration `yaml:"ResetDelay"`
	ProcessingTimeout   time.Duration `yaml:"ProcessingTimeout"`
	MaxProcessingCycles int           `yaml:"MaxProcessingCycles"`
}

// SimulationConfig describes the card that is simulated when not
// running on real hardware.
type SimulationConfig struct {
	ATR     []byte `yaml:"ATR"`
	PSC     []byte `yaml:"PSC"`
	Present bool   `yaml:"Present"`
}

type MonitorConfig struct {
	PollInterval time.Duration `yaml:"PollInterval"`
}

type LoggingConfig struct {
	Level  string `yaml:"Level"`
	Format string `yaml:"Format"`
	File   string `yaml:"File"`
}

// Default returns a configuration for a 20kHz card clock on the pins
// used by the reference reader board.
func Default() Config {
	return Config{
		Hardware: HardwareConfig{
			GPIOLibrary: LibraryPeriph,
			ResetPin:    17,
			ClockPin:    27,
			IOPin:       22,
			PresentPin:  23,
			IOPullUp:    true,
		},
		Timing: TimingConfig{
			HalfPeriod:          25 * time.Microsecond,
			FrontDelay:          4 * time.Microsecond,
			ResetDelay:          50 * time.Microsecond,
			ProcessingTimeout:   250 * time.Millisecond,
			MaxProcessingCycles: 1024,
		},
		Simulation: SimulationConfig{
			ATR:     []byte{0xA2, 0x13, 0x10, 0x91},
			PSC:     []byte{0xFF, 0xFF, 0xFF},
			Present: true,
		},
		Monitor: MonitorConfig{
			PollInterval: 500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// ReadConfig reads the YAML file cfile on top of the defaults and
// validates the result.
func ReadConfig(cfile string) (Config, error) {
	conf := Default()

	f, err := os.Open(cfile)
	if err != nil {
		return Config{}, fmt.Errorf("can't open config file %s: %w", cfile, err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&conf); err != nil {
		return Config{}, fmt.Errorf("can't decode config file %s: %w", cfile, err)
	}

	if err := conf.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config file %s: %w", cfile, err)
	}
	return conf, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	hw := c.Hardware
	switch hw.GPIOLibrary {
	case LibraryPeriph, LibraryRpio:
	default:
		errs = append(errs, fmt.Errorf("Hardware.GPIOLibrary must be %q or %q, got %q", LibraryPeriph, LibraryRpio, hw.GPIOLibrary))
	}
	pins := []int{hw.ResetPin, hw.ClockPin, hw.IOPin, hw.PresentPin}
	for i, pin := range pins {
		if pin < 0 || pin > 27 {
			errs = append(errs, fmt.Errorf("Hardware pin %d must be between 0 and 27", pin))
		}
		if slices.Contains(pins[i+1:], pin) {
			errs = append(errs, fmt.Errorf("Hardware pin %d is assigned more than once", pin))
		}
	}

	t := c.Timing
	if t.HalfPeriod <= 0 {
		errs = append(errs, errors.New("Timing.HalfPeriod must be positive"))
	}
	if t.FrontDelay <= 0 || t.FrontDelay >= t.HalfPeriod {
		errs = append(errs, fmt.Errorf("Timing.FrontDelay (%s) must be positive and shorter than Timing.HalfPeriod (%s)", t.FrontDelay, t.HalfPeriod))
	}
	if t.ResetDelay <= 0 {
		errs = append(errs, errors.New("Timing.ResetDelay must be positive"))
	}
	if t.ProcessingTimeout < 0 {
		errs = append(errs, errors.New("Timing.ProcessingTimeout must not be negative"))
	}
	if t.MaxProcessingCycles < 0 {
		errs = append(errs, errors.New("Timing.MaxProcessingCycles must not be negative"))
	}
	if t.ProcessingTimeout == 0 && t.MaxProcessingCycles == 0 {
		errs = append(errs, errors.New("at least one of Timing.ProcessingTimeout and Timing.MaxProcessingCycles must bound the processing wait"))
	}

	if len(c.Simulation.ATR) != 4 {
		errs = append(errs, fmt.Errorf("Simulation.ATR must have 4 bytes, got %d", len(c.Simulation.ATR)))
	}
	if len(c.Simulation.PSC) != 3 {
		errs = append(errs, fmt.Errorf("Simulation.PSC must have 3 bytes, got %d", len(c.Simulation.PSC)))
	}

	if c.Monitor.PollInterval <= 0 {
		errs = append(errs, errors.New("Monitor.PollInterval must be positive"))
	}

	if !slices.Contains([]string{"DEBUG", "INFO", "WARN", "ERROR"}, strings.ToUpper(c.Logging.Level)) {
		errs = append(errs, fmt.Errorf("Logging.Level %q is not one of DEBUG, INFO, WARN, ERROR", c.Logging.Level))
	}
	if !slices.Contains([]string{"text", "json"}, strings.ToLower(c.Logging.Format)) {
		errs = append(errs, fmt.Errorf("Logging.Format %q must be text or json", c.Logging.Format))
	}

	return errors.Join(errs...)
}
