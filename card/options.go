package card

import (
	"log/slog"
	"time"

	"lautenbacher.net/gosle/bus"
	"lautenbacher.net/gosle/config"
)

type options struct {
	timing           bus.Timing
	limit            bus.ProcessingLimit
	presentActiveLow bool
	logger           *slog.Logger
}

func defaultOptions() options {
	return options{
		timing: bus.DefaultTiming,
		limit: bus.ProcessingLimit{
			MaxCycles: 1024,
			Timeout:   250 * time.Millisecond,
		},
		logger: slog.Default(),
	}
}

// Option is a functional option for configuring a Session.
type Option func(*options)

// WithTiming sets the bus delays.
func WithTiming(timing bus.Timing) Option {
	return func(o *options) {
		o.timing = timing
	}
}

// WithProcessingTimeout bounds every processing wait in wall clock
// time, zero removes the bound.
func WithProcessingTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout >= 0 {
			o.limit.Timeout = timeout
		}
	}
}

// WithMaxProcessingCycles bounds every processing wait in clock cycles,
// zero removes the bound.
func WithMaxProcessingCycles(cycles int) Option {
	return func(o *options) {
		if cycles >= 0 {
			o.limit.MaxCycles = cycles
		}
	}
}

// WithPresentActiveLow selects a present switch that pulls the line
// low while a card is inserted.
func WithPresentActiveLow(activeLow bool) Option {
	return func(o *options) {
		o.presentActiveLow = activeLow
	}
}

// WithLogger sets the logger of the session, the default is slog's.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// FromConfig returns the options matching the configuration.
func FromConfig(conf config.Config) []Option {
	limit := bus.LimitFromConfig(conf.Timing)
	return []Option{
		WithTiming(bus.TimingFromConfig(conf.Timing)),
		WithProcessingTimeout(limit.Timeout),
		WithMaxProcessingCycles(limit.MaxCycles),
		WithPresentActiveLow(conf.Hardware.PresentActiveLow),
	}
}
