package bus

import (
	"fmt"
	"time"

	"lautenbacher.net/gosle/platform"
)

// fakePort records line changes and answers ReadIO from a script.
type fakePort struct {
	ck       platform.Level
	rst      platform.Level
	ioOutput bool
	ioLatch  platform.Level

	events  []string
	sampled []platform.Level // I/O level at rising clock edges
	rx      []platform.Level // levels returned by ReadIO, High when empty
	busy    int              // ReadIO reads Low for this many more falling edges
	stuck   bool
	pulses  int
	delays  []time.Duration
}

func newFakePort() *fakePort {
	return &fakePort{ioLatch: platform.High}
}

func (f *fakePort) Enable() error  { return nil }
func (f *fakePort) Disable() error { return nil }

func (f *fakePort) SetClock(level platform.Level) {
	f.events = append(f.events, "CK="+level.String())
	if f.ck == platform.Low && level == platform.High {
		f.pulses++
		f.sampled = append(f.sampled, f.line())
	}
	if f.ck == platform.High && level == platform.Low && f.busy > 0 && !f.stuck {
		f.busy--
	}
	f.ck = level
}

func (f *fakePort) SetReset(level platform.Level) {
	f.events = append(f.events, "RST="+level.String())
	f.rst = level
}

func (f *fakePort) SetIO(mode platform.IOMode) {
	f.events = append(f.events, "IO="+mode.String())
	switch mode {
	case platform.IODriveLow:
		f.ioLatch = platform.Low
	case platform.IODriveHigh:
		f.ioLatch = platform.High
	case platform.IOOutput:
		f.ioOutput = true
	case platform.IOInputPullUp:
		f.ioOutput = false
		f.ioLatch = platform.High
	}
}

func (f *fakePort) ReadIO() platform.Level {
	if len(f.rx) > 0 {
		level := f.rx[0]
		f.rx = f.rx[1:]
		return level
	}
	if f.busy > 0 {
		return platform.Low
	}
	return platform.High
}

func (f *fakePort) ReadPresent() platform.Level { return platform.High }

func (f *fakePort) Delay(d time.Duration) {
	f.delays = append(f.delays, d)
}

func (f *fakePort) line() platform.Level {
	if f.ioOutput {
		return f.ioLatch
	}
	return platform.High
}

func (f *fakePort) reset() {
	f.events = nil
	f.sampled = nil
	f.pulses = 0
	f.delays = nil
}

// sampledByte assembles eight sampled bits, least significant first.
func sampledByte(levels []platform.Level) byte {
	if len(levels) != 8 {
		panic(fmt.Sprintf("need 8 samples, got %d", len(levels)))
	}
	var b byte
	for i, level := range levels {
		if level == platform.High {
			b |= 1 << i
		}
	}
	return b
}

func bitsOf(b byte) []platform.Level {
	levels := make([]platform.Level, 8)
	for i := range levels {
		levels[i] = platform.Level(b&(1<<i) != 0)
	}
	return levels
}
