package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lautenbacher.net/gosle/bus"
	"lautenbacher.net/gosle/config"
	"lautenbacher.net/gosle/platform"
)

func newBus(t *testing.T, opts ...Option) (*Card, *bus.Bus) {
	t.Helper()
	card := NewCard(opts...)
	require.NoError(t, card.Enable())
	return card, bus.New(card, bus.DefaultTiming, bus.ProcessingLimit{MaxCycles: 1000})
}

// verify runs the PSC verification sequence by hand.
func verify(t *testing.T, b *bus.Bus, pin1, pin2, pin3 byte) {
	t.Helper()
	ctx := context.Background()
	b.SendCommand(bus.CmdUpdateSecurityMemory, 0, 0x03)
	_, err := b.WaitForProcessing(ctx)
	require.NoError(t, err)
	for i, pin := range []byte{pin1, pin2, pin3} {
		b.SendCommand(bus.CmdCompareVerificationData, byte(i+1), pin)
		_, err := b.WaitForProcessing(ctx)
		require.NoError(t, err)
	}
	b.SendCommand(bus.CmdUpdateSecurityMemory, 0, 0xFF)
	_, err = b.WaitForProcessing(ctx)
	require.NoError(t, err)
}

func readSecurity(b *bus.Bus) [4]byte {
	var sec [4]byte
	b.SendCommand(bus.CmdReadSecurityMemory, 0, 0)
	b.Read(sec[:])
	b.ClockPulse()
	return sec
}

func TestDecodesEveryByte(t *testing.T) {
	card, b := newBus(t)

	for value := 0; value < 256; value++ {
		card.ResetTrace()
		b.SendCommand(0x00, byte(value), ^byte(value))
		assert.Equal(t, []bus.Command{{Control: 0x00, Address: byte(value), Data: ^byte(value)}}, card.Commands())
	}
}

func TestDecodesCommandCodes(t *testing.T) {
	card, b := newBus(t)
	ctx := context.Background()

	for _, control := range []byte{
		bus.CmdReadMainMemory, bus.CmdReadSecurityMemory, bus.CmdReadProtectionMemory,
		bus.CmdCompareVerificationData, bus.CmdUpdateMainMemory, bus.CmdUpdateSecurityMemory,
	} {
		card.ResetTrace()
		b.SendCommand(control, 0x20, 0x5A)
		if bus.IsWriteClass(control) {
			_, err := b.WaitForProcessing(ctx)
			require.NoError(t, err)
		}
		assert.Equal(t, []bus.Command{{Control: control, Address: 0x20, Data: 0x5A}}, card.Commands())
	}
}

func TestReset(t *testing.T) {
	_, b := newBus(t, WithATR([4]byte{0xA1, 0xA2, 0xA3, 0xA4}))

	assert.Equal(t, [4]byte{0xA1, 0xA2, 0xA3, 0xA4}, b.SendReset())
	b.ClockPulse()
	assert.Equal(t, platform.High, b.Port().ReadIO(), "card releases I/O after the answer to reset")
}

func TestReadMainMemory(t *testing.T) {
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	card, b := newBus(t, WithMainMemory(0x10, data))

	b.SendCommand(bus.CmdReadMainMemory, 0, 0)
	var mem [MainMemorySize]byte
	b.Read(mem[:])

	assert.Equal(t, card.MainMemory(), mem)
	assert.Equal(t, data, mem[0x10:0x14])
	assert.Equal(t, byte(0xA2), mem[0], "answer to reset heads the main memory")
	assert.Equal(t, platform.High, b.Port().ReadIO(), "card releases I/O after the last bit")
}

func TestReadMainMemory_FromAddress(t *testing.T) {
	_, b := newBus(t, WithMainMemory(0xF0, []byte{0x00, 0x01, 0x02}))

	b.SendCommand(bus.CmdReadMainMemory, 0xF0, 0)
	got := make([]byte, 17)
	b.Read(got)

	assert.Equal(t, []byte{0x00, 0x01, 0x02}, got[:3])
	assert.Equal(t, byte(0xFF), got[16], "nothing is sent past the end of memory")
}

func TestReadSecurityMemory_HidesReferenceData(t *testing.T) {
	_, b := newBus(t, WithPSC(0x11, 0x22, 0x33))

	assert.Equal(t, [4]byte{0x07, 0x00, 0x00, 0x00}, readSecurity(b))
}

func TestReadProtectionMemory(t *testing.T) {
	_, b := newBus(t, WithProtection([4]byte{0xFE, 0xFF, 0x7F, 0xFF}))

	b.SendCommand(bus.CmdReadProtectionMemory, 0, 0)
	var got [4]byte
	b.Read(got[:])

	assert.Equal(t, [4]byte{0xFE, 0xFF, 0x7F, 0xFF}, got)
}

func TestVerification(t *testing.T) {
	card, b := newBus(t, WithPSC(0x11, 0x22, 0x33))

	verify(t, b, 0x11, 0x22, 0x33)

	assert.True(t, card.Unlocked())
	assert.Equal(t, byte(0x07), card.ErrorCounter())
	assert.Equal(t, [4]byte{0x07, 0x11, 0x22, 0x33}, readSecurity(b), "reference data is readable once verified")
}

func TestVerification_WrongPSC(t *testing.T) {
	card, b := newBus(t, WithPSC(0x11, 0x22, 0x33))

	verify(t, b, 0x11, 0x22, 0x34)

	assert.False(t, card.Unlocked())
	assert.Equal(t, byte(0x03), card.ErrorCounter(), "one attempt is used up")
	assert.Equal(t, [4]byte{0x03, 0x00, 0x00, 0x00}, readSecurity(b))
}

func TestVerification_CompareWithoutAttempt(t *testing.T) {
	card, b := newBus(t, WithPSC(0x11, 0x22, 0x33))
	ctx := context.Background()

	for i, pin := range []byte{0x11, 0x22, 0x33} {
		b.SendCommand(bus.CmdCompareVerificationData, byte(i+1), pin)
		cycles, err := b.WaitForProcessing(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, cycles)
	}
	assert.False(t, card.Unlocked(), "compares only count after an error counter bit was cleared")
}

func TestBlockedCard(t *testing.T) {
	card, b := newBus(t, WithPSC(0x11, 0x22, 0x33), WithErrorCounter(0))

	verify(t, b, 0x11, 0x22, 0x33)

	assert.False(t, card.Unlocked())
	assert.Equal(t, byte(0x00), card.ErrorCounter())
}

func TestProcessingClocks(t *testing.T) {
	card, b := newBus(t, WithProcessingClocks(3, 40))
	ctx := context.Background()

	b.SendCommand(bus.CmdUpdateMainMemory, 0x40, 0x55)
	cycles, err := b.WaitForProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cycles, "a locked card refuses the update quickly")
	assert.Equal(t, byte(0xFF), card.MainMemory()[0x40])

	verify(t, b, 0xFF, 0xFF, 0xFF)
	b.SendCommand(bus.CmdUpdateMainMemory, 0x40, 0x55)
	cycles, err = b.WaitForProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, cycles)
	assert.Equal(t, byte(0x55), card.MainMemory()[0x40])
}

func TestProtectedByte(t *testing.T) {
	// clear the protection bit of address 9
	card, b := newBus(t, WithProtection([4]byte{0xFF, 0xFD, 0xFF, 0xFF}))
	ctx := context.Background()
	verify(t, b, 0xFF, 0xFF, 0xFF)

	b.SendCommand(bus.CmdUpdateMainMemory, 9, 0x00)
	_, err := b.WaitForProcessing(ctx)
	require.NoError(t, err)
	b.SendCommand(bus.CmdUpdateMainMemory, 10, 0x00)
	_, err = b.WaitForProcessing(ctx)
	require.NoError(t, err)

	mem := card.MainMemory()
	assert.Equal(t, byte(0xFF), mem[9])
	assert.Equal(t, byte(0x00), mem[10])
}

func TestWriteProtection(t *testing.T) {
	card, b := newBus(t, WithMainMemory(4, []byte{0x42}))
	ctx := context.Background()
	verify(t, b, 0xFF, 0xFF, 0xFF)

	b.SendCommand(bus.CmdWriteProtectionMemory, 4, 0x41)
	_, err := b.WaitForProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), card.ProtectionMemory()[0], "data must match memory to protect a byte")

	b.SendCommand(bus.CmdWriteProtectionMemory, 4, 0x42)
	_, err = b.WaitForProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(0xEF), card.ProtectionMemory()[0])
}

func TestStuckBusy(t *testing.T) {
	_, b := newBus(t, WithStuckBusy())

	b.SendCommand(bus.CmdUpdateSecurityMemory, 0, 0x03)
	cycles, err := b.WaitForProcessing(context.Background())

	assert.True(t, errors.Is(err, bus.ErrProcessingTimeout))
	assert.Equal(t, 1000, cycles)
}

func TestPresent(t *testing.T) {
	card := NewCard(Removed())
	assert.Equal(t, platform.Low, card.ReadPresent())
	card.Insert()
	assert.Equal(t, platform.High, card.ReadPresent())

	inverted := NewCard(WithPresentActiveLow(true))
	assert.Equal(t, platform.Low, inverted.ReadPresent())
	inverted.Remove()
	assert.Equal(t, platform.High, inverted.ReadPresent())
}

func TestRemovedCardDoesNotAnswer(t *testing.T) {
	card, b := newBus(t)
	card.Remove()

	assert.Equal(t, [4]byte{0xFF, 0xFF, 0xFF, 0xFF}, b.SendReset(), "the pull-up is all that is left")
	assert.Empty(t, card.Commands())
}

func TestPowerOffLocks(t *testing.T) {
	card, b := newBus(t)
	verify(t, b, 0xFF, 0xFF, 0xFF)
	require.True(t, card.Unlocked())

	require.NoError(t, card.Disable())
	assert.False(t, card.Unlocked())
	enables, disables := card.PowerCycles()
	assert.Equal(t, 1, enables)
	assert.Equal(t, 1, disables)
}

func TestTrace(t *testing.T) {
	card, b := newBus(t, WithTraceSize(10))

	b.ClockPulse()
	assert.Equal(t, []Event{{Line: LineClock, Level: platform.High}, {Line: LineClock, Level: platform.Low}}, card.Events())
	assert.Equal(t, 2*bus.DefaultTiming.HalfPeriod, card.Elapsed())

	b.SendCommand(0x00, 0, 0)
	assert.Len(t, card.Events(), 10, "trace is bounded")
	assert.Greater(t, card.Activity(), 10, "activity counts dropped events too")
	assert.Equal(t, 27, card.ClockPulses())

	card.ResetTrace()
	assert.Zero(t, card.Activity())
	assert.Empty(t, card.Events())
	assert.Empty(t, card.Commands())
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "CK=High", Event{Line: LineClock, Level: platform.High}.String())
	assert.Equal(t, "RST=Low", Event{Line: LineReset}.String())
	assert.Equal(t, "IO=Output", Event{Line: LineIO, Mode: platform.IOOutput}.String())
}

func TestFromConfig(t *testing.T) {
	conf := config.Default()
	conf.Simulation.ATR = []byte{1, 2, 3, 4}
	conf.Simulation.PSC = []byte{5, 6, 7}
	conf.Simulation.Present = false
	conf.Hardware.PresentActiveLow = true

	card := NewCard(FromConfig(conf)...)

	mem := card.MainMemory()
	assert.Equal(t, []byte{1, 2, 3, 4}, mem[:4])
	assert.Equal(t, [4]byte{0x07, 5, 6, 7}, card.SecurityMemory())
	assert.False(t, card.Present())
	assert.Equal(t, platform.High, card.ReadPresent(), "active low switch reads high without a card")
}
