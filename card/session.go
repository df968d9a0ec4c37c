// Package card implements an SLE4442 card session on top of the bit
// transport: reset, memory dumps, PSC verification and writes.
package card

import (
	"context"
	"fmt"
	"log/slog"

	"lautenbacher.net/gosle/bus"
	"lautenbacher.net/gosle/platform"
)

const (
	ATRSize             = bus.ATRSize
	MainMemorySize      = 256
	ProtectedMemorySize = 4
	SecurityMemorySize  = 4
	ProcessingSlots     = 5

	// ErrorCounterFull is the error counter with all three attempts left.
	ErrorCounterFull = 0x07
)

// Session holds the state of one card reader port. A Session is not
// safe for concurrent use and only one may exist per port.
//
// The memories are snapshots of the card taken by the dump operations,
// nothing refreshes them automatically.
type Session struct {
	bus              *bus.Bus
	port             platform.Port
	logger           *slog.Logger
	presentActiveLow bool

	state            State
	atr              [ATRSize]byte
	mainMemory       [MainMemorySize]byte
	protectedMemory  [ProtectedMemorySize]byte
	securityMemory   [SecurityMemorySize]byte
	processingCycles [ProcessingSlots]int
	cardPresent      bool
	authenticated    bool
}

// Open enables the port and returns a session in state PortEnabled.
func Open(port platform.Port, opts ...Option) (*Session, error) {
	conf := defaultOptions()
	for _, opt := range opts {
		opt(&conf)
	}

	s := &Session{
		bus:              bus.New(port, conf.timing, conf.limit),
		port:             port,
		logger:           conf.logger,
		presentActiveLow: conf.presentActiveLow,
		state:            Created,
	}
	if err := port.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable card port: %w", err)
	}
	s.state = PortEnabled
	s.logger.Debug("Card session opened", "timing", conf.timing, "limit", conf.limit)
	return s, nil
}

// Close disables the port. Only the first call has an effect, later
// calls and all other operations return ErrSessionClosed.
func (s *Session) Close() error {
	if s.state == Closed {
		return ErrSessionClosed
	}
	s.state = Closed
	s.authenticated = false
	if err := s.port.Disable(); err != nil {
		return fmt.Errorf("failed to disable card port: %w", err)
	}
	s.logger.Debug("Card session closed")
	return nil
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) checkOpen() error {
	if s.state == Closed || s.state == Created {
		return ErrSessionClosed
	}
	return nil
}

// moveTo records an operation in the state machine. Authenticated is
// kept until Lock or Close.
func (s *Session) moveTo(state State) {
	if s.authenticated {
		s.state = Authenticated
		return
	}
	s.state = state
}

// CheckPresent samples the card present switch once.
func (s *Session) CheckPresent() (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	level := s.port.ReadPresent()
	s.cardPresent = (level == platform.High) != s.presentActiveLow
	s.moveTo(PresenceKnown)
	return s.cardPresent, nil
}

// Reset runs the reset sequence and stores the answer to reset.
func (s *Session) Reset() ([ATRSize]byte, error) {
	if err := s.checkOpen(); err != nil {
		return [ATRSize]byte{}, err
	}
	s.atr = s.bus.SendReset()
	s.moveTo(ResetDone)
	s.logger.Info("Card reset", "atr", fmt.Sprintf("% X", s.atr[:]))
	return s.atr, nil
}

// dump sends a read command from address 0, reads len(buf) bytes and
// parks the bus with a trailing clock pulse. On cancellation the bus is
// aborted and buf is left untouched.
func (s *Session) dump(ctx context.Context, control byte, buf []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data := make([]byte, len(buf))
	s.bus.SendCommand(control, 0, 0)
	for i := range data {
		if err := ctx.Err(); err != nil {
			s.bus.Abort()
			return fmt.Errorf("dump aborted after %d of %d bytes: %w", i, len(data), err)
		}
		data[i] = s.bus.ReadByte()
	}
	// leave the card's I/O line in high impedance
	s.bus.ClockPulse()
	copy(buf, data)
	s.moveTo(Idle)
	return nil
}

// DumpMemory reads all 256 bytes of main memory into the mirror.
func (s *Session) DumpMemory(ctx context.Context) error {
	if err := s.dump(ctx, bus.CmdReadMainMemory, s.mainMemory[:]); err != nil {
		return err
	}
	s.logger.Debug("Dumped main memory")
	return nil
}

// DumpProtectedMemory reads the 32 protection bits into the mirror.
func (s *Session) DumpProtectedMemory(ctx context.Context) error {
	if err := s.dump(ctx, bus.CmdReadProtectionMemory, s.protectedMemory[:]); err != nil {
		return err
	}
	s.logger.Debug("Dumped protected memory", "data", fmt.Sprintf("% X", s.protectedMemory[:]))
	return nil
}

// DumpSecurityMemory reads the error counter and reference data into
// the mirror. The card hides the reference data until the PSC is
// verified.
func (s *Session) DumpSecurityMemory(ctx context.Context) error {
	if err := s.dump(ctx, bus.CmdReadSecurityMemory, s.securityMemory[:]); err != nil {
		return err
	}
	s.logger.Debug("Dumped security memory", "data", fmt.Sprintf("% X", s.securityMemory[:]))
	return nil
}

// DumpAll dumps main, protected and security memory in this order. It
// is not atomic: the card may be pulled between the dumps.
func (s *Session) DumpAll(ctx context.Context) error {
	if err := s.DumpMemory(ctx); err != nil {
		return err
	}
	if err := s.DumpProtectedMemory(ctx); err != nil {
		return err
	}
	return s.DumpSecurityMemory(ctx)
}

// process sends a write class command and waits for the card, storing
// the cycle count in the given processing slot.
func (s *Session) process(ctx context.Context, slot int, control, address, data byte) error {
	cmd := bus.Command{Control: control, Address: address, Data: data}
	if !bus.IsWriteClass(control) {
		return fmt.Errorf("%s is not followed by processing", cmd)
	}
	s.bus.Send(cmd)
	cycles, err := s.bus.WaitForProcessing(ctx)
	s.processingCycles[slot] = cycles
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	s.logger.Debug("Card processed command", "control", fmt.Sprintf("0x%02X", control), "address", address, "cycles", cycles)
	return nil
}

// Authenticate verifies the three byte PSC. It only attempts a
// verification while the error counter is full, so a wrong code never
// costs more than one attempt per call. The result is false with a nil
// error for a rejected code; the error counter the card reports is kept
// in the security memory mirror.
func (s *Session) Authenticate(ctx context.Context, pin1, pin2, pin3 byte) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if err := s.DumpSecurityMemory(ctx); err != nil {
		return false, err
	}

	if s.securityMemory[0] == ErrorCounterFull {
		// write 0 to bit 3 of the error counter
		if err := s.process(ctx, 0, bus.CmdUpdateSecurityMemory, 0, 0x03); err != nil {
			return false, err
		}
		for i, pin := range [3]byte{pin1, pin2, pin3} {
			if err := s.process(ctx, i+1, bus.CmdCompareVerificationData, byte(i+1), pin); err != nil {
				return false, err
			}
		}
		// erase the error counter, only accepted after a match
		if err := s.process(ctx, 4, bus.CmdUpdateSecurityMemory, 0, 0xFF); err != nil {
			return false, err
		}
		if err := s.DumpSecurityMemory(ctx); err != nil {
			return false, err
		}
	} else {
		s.logger.Warn("Not attempting PSC verification, error counter is not full",
			"errorCounter", fmt.Sprintf("0x%02X", s.securityMemory[0]))
	}

	if s.securityMemory[0] == ErrorCounterFull {
		s.authenticated = true
		s.state = Authenticated
	}
	s.logger.Info("Card authentication", "authenticated", s.authenticated,
		"errorCounter", fmt.Sprintf("0x%02X", s.securityMemory[0]), "cycles", s.processingCycles)
	return s.authenticated, nil
}

// WriteMemory writes length bytes of the main memory mirror starting at
// base to the card, one update command per byte. Addresses wrap around
// at 256. Without authentication the bus is not touched.
func (s *Session) WriteMemory(ctx context.Context, base byte, length int) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !s.authenticated {
		return ErrNotAuthorized
	}
	for i := 0; i < length; i++ {
		addr := base + byte(i)
		if err := s.process(ctx, 0, bus.CmdUpdateMainMemory, addr, s.mainMemory[addr]); err != nil {
			return fmt.Errorf("write of address 0x%02X failed: %w", addr, err)
		}
	}
	s.logger.Info("Wrote main memory", "base", base, "length", length)
	return nil
}

// WriteSecurityMemory writes all four bytes of the security memory
// mirror back to the card, e.g. to change the PSC.
func (s *Session) WriteSecurityMemory(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !s.authenticated {
		return ErrNotAuthorized
	}
	for i := 0; i < SecurityMemorySize; i++ {
		if err := s.process(ctx, i, bus.CmdUpdateSecurityMemory, byte(i), s.securityMemory[i]); err != nil {
			return fmt.Errorf("write of security byte %d failed: %w", i, err)
		}
	}
	s.logger.Info("Wrote security memory")
	return nil
}

// Lock forgets a successful authentication, writes are refused again.
// The card itself stays unlocked until it loses power.
func (s *Session) Lock() {
	s.authenticated = false
	if s.state == Authenticated {
		s.state = Idle
	}
}

func (s *Session) Authenticated() bool {
	return s.authenticated
}

// CardPresent returns the result of the last CheckPresent.
func (s *Session) CardPresent() bool {
	return s.cardPresent
}

func (s *Session) ATR() [ATRSize]byte {
	return s.atr
}

func (s *Session) MainMemory() [MainMemorySize]byte {
	return s.mainMemory
}

func (s *Session) ProtectedMemory() [ProtectedMemorySize]byte {
	return s.protectedMemory
}

func (s *Session) SecurityMemory() [SecurityMemorySize]byte {
	return s.securityMemory
}

// ErrorCounter is byte 0 of the security memory mirror.
func (s *Session) ErrorCounter() byte {
	return s.securityMemory[0]
}

func (s *Session) ProcessingCycles() [ProcessingSlots]int {
	return s.processingCycles
}

// SetMainMemory stages data in the main memory mirror starting at
// offset for a following WriteMemory. Bytes past the end wrap around.
func (s *Session) SetMainMemory(offset byte, data []byte) {
	for i, b := range data {
		s.mainMemory[offset+byte(i)] = b
	}
}

// SetSecurityMemory stages the error counter and a new PSC for a
// following WriteSecurityMemory.
func (s *Session) SetSecurityMemory(data [SecurityMemorySize]byte) {
	s.securityMemory = data
}

// Bus exposes the transport for diagnostics.
func (s *Session) Bus() *bus.Bus {
	return s.bus
}
