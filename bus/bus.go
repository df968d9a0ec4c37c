// Package bus implements the SLE4442 synchronous serial protocol by
// toggling the reset, clock and I/O lines of a platform.Port.
//
// All delays are busy-waits done by the port. The only wait that
// depends on the card is WaitForProcessing, which is bounded by the
// ProcessingLimit of the bus.
package bus

import (
	"context"
	"time"

	"lautenbacher.net/gosle/config"
	"lautenbacher.net/gosle/platform"
)

// ATRSize is the length of the answer to reset.
const ATRSize = 4

// Timing holds the delays of the bus. HalfPeriod is half of the clock
// wave, FrontDelay the minimal set-up time between edges of different
// lines and ResetDelay the clock high time during reset.
type Timing struct {
	HalfPeriod time.Duration
	FrontDelay time.Duration
	ResetDelay time.Duration
}

// DefaultTiming clocks the card at 20kHz.
var DefaultTiming = Timing{
	HalfPeriod: 25 * time.Microsecond,
	FrontDelay: 4 * time.Microsecond,
	ResetDelay: 50 * time.Microsecond,
}

// ProcessingLimit bounds WaitForProcessing. A zero field disables the
// respective bound, a zero limit only honours the context.
type ProcessingLimit struct {
	MaxCycles int
	Timeout   time.Duration
}

// TimingFromConfig extracts the bus timing from the configuration.
func TimingFromConfig(conf config.TimingConfig) Timing {
	return Timing{
		HalfPeriod: conf.HalfPeriod,
		FrontDelay: conf.FrontDelay,
		ResetDelay: conf.ResetDelay,
	}
}

// LimitFromConfig extracts the processing bound from the configuration.
func LimitFromConfig(conf config.TimingConfig) ProcessingLimit {
	return ProcessingLimit{
		MaxCycles: conf.MaxProcessingCycles,
		Timeout:   conf.ProcessingTimeout,
	}
}

// Bus is the bit transport. It is not safe for concurrent use: the
// lines are a single physical resource.
type Bus struct {
	port   platform.Port
	timing Timing
	limit  ProcessingLimit
}

func New(port platform.Port, timing Timing, limit ProcessingLimit) *Bus {
	return &Bus{
		port:   port,
		timing: timing,
		limit:  limit,
	}
}

// Port returns the underlying lines.
func (b *Bus) Port() platform.Port {
	return b.port
}

func (b *Bus) Timing() Timing {
	return b.timing
}

func (b *Bus) Limit() ProcessingLimit {
	return b.limit
}

// ClockPulse generates a single clock cycle.
func (b *Bus) ClockPulse() {
	b.port.SetClock(platform.High)
	b.port.Delay(b.timing.HalfPeriod)
	b.port.SetClock(platform.Low)
	b.port.Delay(b.timing.HalfPeriod)
}

func (b *Bus) SetIO(mode platform.IOMode) {
	b.port.SetIO(mode)
}

// ReadByte clocks in eight bits, least significant first. The I/O line
// is sampled while the clock is high and must already be an input.
// There is no parity on this bus, a glitch is returned as read.
func (b *Bus) ReadByte() byte {
	var value byte
	for i := 0; i < 8; i++ {
		b.port.SetClock(platform.High)
		if b.port.ReadIO() == platform.High {
			value |= 1 << i
		}
		b.port.Delay(b.timing.HalfPeriod)
		b.port.SetClock(platform.Low)
		b.port.Delay(b.timing.HalfPeriod)
	}
	return value
}

// Read fills buf with consecutive bytes from the card.
func (b *Bus) Read(buf []byte) {
	for i := range buf {
		buf[i] = b.ReadByte()
	}
}

// SendByte clocks out eight bits, least significant first. Each bit is
// put on the I/O line while the clock is low. The I/O line must already
// be an output.
func (b *Bus) SendByte(value byte) {
	for i := 0; i < 8; i++ {
		if value&(1<<i) != 0 {
			b.port.SetIO(platform.IODriveHigh)
		} else {
			b.port.SetIO(platform.IODriveLow)
		}
		b.port.Delay(b.timing.FrontDelay)
		b.port.SetClock(platform.High)
		b.port.Delay(b.timing.HalfPeriod)
		b.port.SetClock(platform.Low)
		b.port.Delay(b.timing.HalfPeriod)
	}
}

// SendStart sends the START condition: a falling I/O edge while the
// clock is high. The I/O line is left as an output.
func (b *Bus) SendStart() {
	b.port.SetClock(platform.Low)
	b.port.SetIO(platform.IOOutput)
	b.port.SetIO(platform.IODriveHigh)
	b.port.SetClock(platform.High)
	b.port.Delay(b.timing.HalfPeriod)
	b.port.SetIO(platform.IODriveLow)
	b.port.Delay(b.timing.FrontDelay)
	b.port.SetClock(platform.Low)
	b.port.Delay(b.timing.HalfPeriod)
}

// SendStop sends the STOP condition: a rising I/O edge while the clock
// is high. The I/O line is released to a pulled-up input, which
// produces the edge.
func (b *Bus) SendStop() {
	b.port.SetIO(platform.IODriveLow)
	b.port.Delay(b.timing.FrontDelay)
	b.port.SetClock(platform.High)
	b.port.Delay(b.timing.FrontDelay)
	b.port.SetIO(platform.IOInputPullUp)
	b.port.Delay(b.timing.HalfPeriod)
	b.port.SetClock(platform.Low)
	b.port.Delay(b.timing.HalfPeriod)
}

// SendReset runs the reset sequence and returns the answer to reset.
func (b *Bus) SendReset() [ATRSize]byte {
	var atr [ATRSize]byte

	b.port.SetIO(platform.IOInputPullUp)
	b.port.SetReset(platform.High)
	b.port.Delay(b.timing.FrontDelay)
	b.port.SetClock(platform.High)
	b.port.Delay(b.timing.ResetDelay)
	b.port.SetClock(platform.Low)
	b.port.Delay(b.timing.FrontDelay)
	b.port.SetReset(platform.Low)
	b.port.Delay(b.timing.HalfPeriod)

	b.Read(atr[:])
	return atr
}

// WaitForProcessing clocks the card while it holds the I/O line low,
// then issues one more pulse and returns the number of cycles waited.
//
// The wait ends with a *ProcessingTimeoutError once the limit of the
// bus is exceeded, or with the context error when ctx is done. In both
// cases the bus is parked with Abort.
func (b *Bus) WaitForProcessing(ctx context.Context) (int, error) {
	var deadline time.Time
	if b.limit.Timeout > 0 {
		deadline = time.Now().Add(b.limit.Timeout)
	}

	cycles := 0
	for b.port.ReadIO() == platform.Low {
		if err := ctx.Err(); err != nil {
			b.Abort()
			return cycles, err
		}
		if b.limit.MaxCycles > 0 && cycles >= b.limit.MaxCycles {
			b.Abort()
			return cycles, &ProcessingTimeoutError{Cycles: cycles, Limit: b.limit}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			b.Abort()
			return cycles, &ProcessingTimeoutError{Cycles: cycles, Limit: b.limit, Expired: true}
		}
		b.ClockPulse()
		cycles++
	}

	b.ClockPulse()
	return cycles, nil
}

// Abort ends an interrupted sequence the way STOP does: I/O driven low,
// one clock pulse, then I/O released to the idle input.
func (b *Bus) Abort() {
	b.port.SetIO(platform.IODriveLow)
	b.port.SetIO(platform.IOOutput)
	b.port.Delay(b.timing.FrontDelay)
	b.ClockPulse()
	b.port.SetIO(platform.IOInputPullUp)
}
