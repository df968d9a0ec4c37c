// Package sim simulates an SLE4442 card, including its reader lines,
// at the level of single clock edges. A Card is a platform.Port, so the
// bus and card packages run against it unchanged. It is used by the
// tests as a bit accurate observer and by gosle when not running on
// real hardware.
package sim

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"lautenbacher.net/gosle/bus"
	"lautenbacher.net/gosle/platform"
)

const MainMemorySize = 256

const (
	protectedBytes   = 32 // main memory covered by protection bits
	errorCounterMask = 0x07
	defaultTraceSize = 1 << 16
)

type mode int

const (
	modeIdle mode = iota
	modeCommand
	// Armed modes start on the next falling clock edge.
	modeOutgoingArmed
	modeOutgoing
	modeProcessingArmed
	modeProcessing
)

// Card is the simulated card and reader. It is safe for concurrent use,
// so a UI may insert or remove the card while a session talks to it.
type Card struct {
	mu sync.Mutex

	main       [MainMemorySize]byte
	protection [4]byte
	security   [4]byte

	present          bool
	presentActiveLow bool
	compareClocks    int
	updateClocks     int
	deniedClocks     int
	stuckBusy        bool

	// line state
	enabled     bool
	ck          platform.Level
	rst         platform.Level
	hostOutput  bool
	hostLatch   platform.Level
	cardDriving bool
	cardLevel   platform.Level

	mode         mode
	resetClocked bool
	shift        uint32
	nbits        int
	out          deque.Deque[bool]
	busy         int

	// security state, valid until power off
	unlocked bool
	attempt  bool
	compared byte
	mismatch bool

	commands  []bus.Command
	events    deque.Deque[Event]
	traceSize int
	activity  int
	pulses    int
	elapsed   time.Duration
	enables   int
	disables  int
}

// NewCard returns an inserted factory fresh card: erased main memory
// behind the default answer to reset, no protected bytes, full error
// counter and PSC FF FF FF.
func NewCard(opts ...Option) *Card {
	c := &Card{
		present:       true,
		compareClocks: 2,
		updateClocks:  203,
		deniedClocks:  2,
		traceSize:     defaultTraceSize,
		hostLatch:     platform.High,
	}
	for i := range c.main {
		c.main[i] = 0xFF
	}
	copy(c.main[:], []byte{0xA2, 0x13, 0x10, 0x91})
	c.protection = [4]byte{0xFF, 0xFF, 0xFF, 0xFF}
	c.security = [4]byte{errorCounterMask, 0xFF, 0xFF, 0xFF}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Card) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enables++
	c.enabled = true
	c.ck = platform.Low
	c.rst = platform.Low
	c.hostOutput = false
	c.hostLatch = platform.High
	c.idle()
	return nil
}

// Disable powers the card off, which also ends a verified PSC.
func (c *Card) Disable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disables++
	c.enabled = false
	c.unlocked = false
	c.attempt = false
	c.hostOutput = false
	c.idle()
	return nil
}

func (c *Card) SetClock(level platform.Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Event{Line: LineClock, Level: level})

	old := c.ck
	c.ck = level
	if !c.enabled || !c.present || old == level {
		return
	}
	if level == platform.High {
		c.clockRising()
	} else {
		c.clockFalling()
	}
}

func (c *Card) SetReset(level platform.Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Event{Line: LineReset, Level: level})

	old := c.rst
	c.rst = level
	if !c.enabled || !c.present || old == level {
		return
	}
	if level == platform.High {
		c.idle()
		c.resetClocked = false
		return
	}
	if c.resetClocked {
		// The answer to reset are the first four bytes of main memory,
		// the first bit is valid right after reset drops.
		c.queueBytes(c.main[:bus.ATRSize])
		c.mode = modeOutgoing
		c.cardDriving = true
		c.cardLevel = platform.Level(c.out.PopFront())
	}
	c.resetClocked = false
}

func (c *Card) SetIO(ioMode platform.IOMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Event{Line: LineIO, Mode: ioMode})

	before := c.line()
	switch ioMode {
	case platform.IODriveLow:
		c.hostLatch = platform.Low
	case platform.IODriveHigh:
		c.hostLatch = platform.High
	case platform.IOOutput:
		c.hostOutput = true
	case platform.IOInputPullUp:
		c.hostOutput = false
		c.hostLatch = platform.High
	}
	after := c.line()

	if !c.enabled || !c.present || c.ck == platform.Low || c.rst == platform.High || before == after {
		return
	}
	if after == platform.Low {
		c.start()
	} else {
		c.stop()
	}
}

func (c *Card) ReadIO() platform.Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.line()
}

func (c *Card) ReadPresent() platform.Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return platform.Level(c.present != c.presentActiveLow)
}

func (c *Card) Delay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elapsed += d
}

// line resolves the level of the I/O line: the host wins, then the
// card, otherwise the pull-up.
func (c *Card) line() platform.Level {
	if c.hostOutput {
		return c.hostLatch
	}
	if c.cardDriving && c.enabled && c.present {
		return c.cardLevel
	}
	return platform.High
}

func (c *Card) idle() {
	c.mode = modeIdle
	c.cardDriving = false
	c.out.Clear()
	c.busy = 0
	c.nbits = 0
	c.shift = 0
}

func (c *Card) clockRising() {
	c.pulses++
	if c.rst == platform.High {
		c.resetClocked = true
		return
	}
	if c.mode == modeCommand {
		if c.nbits < 24 && c.line() == platform.High {
			c.shift |= 1 << c.nbits
		}
		c.nbits++
	}
}

func (c *Card) clockFalling() {
	switch c.mode {
	case modeOutgoingArmed, modeOutgoing:
		if c.out.Len() == 0 {
			c.idle()
			return
		}
		c.mode = modeOutgoing
		c.cardDriving = true
		c.cardLevel = platform.Level(c.out.PopFront())
	case modeProcessingArmed:
		c.mode = modeProcessing
		c.cardDriving = true
		c.cardLevel = platform.Low
	case modeProcessing:
		if c.stuckBusy {
			return
		}
		c.busy--
		if c.busy <= 0 {
			c.idle()
		}
	}
}

func (c *Card) start() {
	if c.mode == modeProcessing || c.mode == modeProcessingArmed {
		return
	}
	c.idle()
	c.mode = modeCommand
}

func (c *Card) stop() {
	if c.mode != modeCommand {
		return
	}
	complete := c.nbits >= 24
	cmd := bus.Command{
		Control: byte(c.shift),
		Address: byte(c.shift >> 8),
		Data:    byte(c.shift >> 16),
	}
	c.idle()
	if complete {
		c.commands = append(c.commands, cmd)
		c.execute(cmd)
	}
}

func (c *Card) execute(cmd bus.Command) {
	switch cmd.Control {
	case bus.CmdReadMainMemory:
		c.outgoing(c.main[cmd.Address:])
	case bus.CmdReadProtectionMemory:
		c.outgoing(c.protection[:])
	case bus.CmdReadSecurityMemory:
		sec := c.security
		if !c.unlocked {
			sec[1], sec[2], sec[3] = 0, 0, 0
		}
		c.outgoing(sec[:])
	case bus.CmdUpdateSecurityMemory:
		c.processing(c.updateSecurity(cmd.Address, cmd.Data))
	case bus.CmdCompareVerificationData:
		c.processing(c.compare(cmd.Address, cmd.Data))
	case bus.CmdUpdateMainMemory:
		c.processing(c.updateMain(cmd.Address, cmd.Data))
	case bus.CmdWriteProtectionMemory:
		c.processing(c.writeProtection(cmd.Address, cmd.Data))
	}
}

func (c *Card) outgoing(data []byte) {
	c.queueBytes(data)
	c.mode = modeOutgoingArmed
}

func (c *Card) processing(clocks int) {
	c.mode = modeProcessingArmed
	c.busy = clocks
}

func (c *Card) queueBytes(data []byte) {
	c.out.Clear()
	for _, b := range data {
		for i := 0; i < 8; i++ {
			c.out.PushBack(b&(1<<i) != 0)
		}
	}
}

func (c *Card) blocked() bool {
	return c.security[0]&errorCounterMask == 0
}

func (c *Card) updateSecurity(address, data byte) int {
	if c.blocked() || address > 3 {
		return c.deniedClocks
	}
	if c.unlocked {
		if address == 0 {
			data &= errorCounterMask
		}
		c.security[address] = data
		return c.updateClocks
	}
	if address != 0 {
		return c.deniedClocks
	}
	// Locked, the error counter bits can only be cleared. Clearing
	// one starts a verification attempt.
	ec := c.security[0] & data & errorCounterMask
	if ec != c.security[0] {
		c.attempt = true
		c.compared = 0
		c.mismatch = false
	}
	c.security[0] = ec
	return c.updateClocks
}

func (c *Card) compare(address, data byte) int {
	if !c.attempt || address < 1 || address > 3 {
		return c.deniedClocks
	}
	if c.security[address] != data {
		c.mismatch = true
	}
	c.compared |= 1 << (address - 1)
	if c.compared == 0x07 {
		c.unlocked = !c.mismatch
		c.attempt = false
	}
	return c.compareClocks
}

func (c *Card) protected(address byte) bool {
	if address >= protectedBytes {
		return false
	}
	return c.protection[address/8]&(1<<(address%8)) == 0
}

func (c *Card) updateMain(address, data byte) int {
	if !c.unlocked || c.protected(address) {
		return c.deniedClocks
	}
	c.main[address] = data
	return c.updateClocks
}

func (c *Card) writeProtection(address, data byte) int {
	if !c.unlocked || address >= protectedBytes || c.main[address] != data {
		return c.deniedClocks
	}
	c.protection[address/8] &^= 1 << (address % 8)
	return c.updateClocks
}

// Insert puts the card into the reader.
func (c *Card) Insert() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.present = true
}

// Remove pulls the card out of the reader. It loses power, so a
// verified PSC ends and a running operation is cut off.
func (c *Card) Remove() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.present = false
	c.unlocked = false
	c.attempt = false
	c.idle()
}
