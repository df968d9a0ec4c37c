package bus

import (
	"fmt"
	"log/slog"
)

// Control bytes of the SLE4442 command set.
const (
	CmdReadMainMemory          byte = 0x30
	CmdReadSecurityMemory      byte = 0x31
	CmdCompareVerificationData byte = 0x33
	CmdReadProtectionMemory    byte = 0x34
	CmdUpdateMainMemory        byte = 0x38
	CmdUpdateSecurityMemory    byte = 0x39
	CmdWriteProtectionMemory   byte = 0x3C
)

// IsWriteClass reports whether the card enters processing mode after
// the command. Read commands switch the card to outgoing data instead.
func IsWriteClass(control byte) bool {
	switch control {
	case CmdCompareVerificationData, CmdUpdateMainMemory, CmdUpdateSecurityMemory, CmdWriteProtectionMemory:
		return true
	}
	return false
}

// Command is one framed three byte command.
type Command struct {
	Control byte
	Address byte
	Data    byte
}

func (c Command) String() string {
	return fmt.Sprintf("%s(addr=0x%02X, data=0x%02X)", commandName(c.Control), c.Address, c.Data)
}

func commandName(control byte) string {
	switch control {
	case CmdReadMainMemory:
		return "READ_MAIN"
	case CmdReadSecurityMemory:
		return "READ_SECURITY"
	case CmdCompareVerificationData:
		return "COMPARE"
	case CmdReadProtectionMemory:
		return "READ_PROTECTION"
	case CmdUpdateMainMemory:
		return "UPDATE_MAIN"
	case CmdUpdateSecurityMemory:
		return "UPDATE_SECURITY"
	case CmdWriteProtectionMemory:
		return "WRITE_PROTECTION"
	default:
		return fmt.Sprintf("0x%02X", control)
	}
}

// SendCommand frames control, address and data between START and STOP.
// Afterwards the I/O line is an input. Write class commands must be
// followed by WaitForProcessing, read commands by the data read.
func (b *Bus) SendCommand(control, address, data byte) {
	b.Send(Command{Control: control, Address: address, Data: data})
}

func (b *Bus) Send(cmd Command) {
	slog.Debug("Sending card command", "cmd", cmd)
	b.SendStart()
	b.SendByte(cmd.Control)
	b.SendByte(cmd.Address)
	b.SendByte(cmd.Data)
	b.SendStop()
}
