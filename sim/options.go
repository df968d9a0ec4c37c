package sim

import "lautenbacher.net/gosle/config"

// Option configures a simulated Card.
type Option func(*Card)

// WithATR sets the answer to reset, which is stored in the first four
// bytes of main memory.
func WithATR(atr [4]byte) Option {
	return func(c *Card) {
		copy(c.main[:4], atr[:])
	}
}

// WithMainMemory writes data into main memory starting at offset.
// Bytes beyond the end of the memory are dropped.
func WithMainMemory(offset byte, data []byte) Option {
	return func(c *Card) {
		copy(c.main[offset:], data)
	}
}

// WithPSC sets the three byte programmable security code.
func WithPSC(pin1, pin2, pin3 byte) Option {
	return func(c *Card) {
		c.security[1], c.security[2], c.security[3] = pin1, pin2, pin3
	}
}

// WithErrorCounter sets the error counter, 7 means all attempts left.
func WithErrorCounter(ec byte) Option {
	return func(c *Card) {
		c.security[0] = ec & errorCounterMask
	}
}

// WithProtection sets the 32 protection bits, a cleared bit protects
// the corresponding byte of main memory.
func WithProtection(bits [4]byte) Option {
	return func(c *Card) {
		c.protection = bits
	}
}

// WithProcessingClocks sets the processing time of compare and update
// commands in clock cycles.
func WithProcessingClocks(compare, update int) Option {
	return func(c *Card) {
		c.compareClocks = compare
		c.updateClocks = update
	}
}

// WithStuckBusy makes the card hold the I/O line low forever once it
// starts processing, like a damaged card.
func WithStuckBusy() Option {
	return func(c *Card) {
		c.stuckBusy = true
	}
}

// WithPresentActiveLow inverts the present switch.
func WithPresentActiveLow(activeLow bool) Option {
	return func(c *Card) {
		c.presentActiveLow = activeLow
	}
}

// Removed starts the simulation without a card in the reader.
func Removed() Option {
	return func(c *Card) {
		c.present = false
	}
}

// WithTraceSize bounds the event trace, zero disables it.
func WithTraceSize(n int) Option {
	return func(c *Card) {
		c.traceSize = n
	}
}

// FromConfig builds the card described by the simulation settings.
func FromConfig(conf config.Config) []Option {
	opts := []Option{WithPresentActiveLow(conf.Hardware.PresentActiveLow)}
	if len(conf.Simulation.ATR) == 4 {
		opts = append(opts, WithMainMemory(0, conf.Simulation.ATR))
	}
	if len(conf.Simulation.PSC) == 3 {
		psc := conf.Simulation.PSC
		opts = append(opts, WithPSC(psc[0], psc[1], psc[2]))
	}
	if !conf.Simulation.Present {
		opts = append(opts, Removed())
	}
	return opts
}
