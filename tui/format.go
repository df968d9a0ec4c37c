package tui

import (
	"fmt"
	"strings"

	"github.com/montanaflynn/stats"
	"lautenbacher.net/gosle/card"
)

const bytesPerRow = 16

// Snapshot is what the viewer shows of a session.
type Snapshot struct {
	State           string
	Present         bool
	Authenticated   bool
	ATR             [card.ATRSize]byte
	MainMemory      [card.MainMemorySize]byte
	ProtectedMemory [card.ProtectedMemorySize]byte
	SecurityMemory  [card.SecurityMemorySize]byte
}

// SnapshotOf copies the mirrors of s.
func SnapshotOf(s *card.Session) Snapshot {
	return Snapshot{
		State:           s.State().String(),
		Present:         s.CardPresent(),
		Authenticated:   s.Authenticated(),
		ATR:             s.ATR(),
		MainMemory:      s.MainMemory(),
		ProtectedMemory: s.ProtectedMemory(),
		SecurityMemory:  s.SecurityMemory(),
	}
}

// protected reports whether a protection bit covers address.
func protected(prot [card.ProtectedMemorySize]byte, address int) bool {
	if address >= 8*card.ProtectedMemorySize {
		return false
	}
	return prot[address/8]&(1<<(address%8)) == 0
}

// formatHexDump renders the main memory as 16 rows of 16 bytes.
// Protected bytes are red.
func formatHexDump(mem [card.MainMemorySize]byte, prot [card.ProtectedMemorySize]byte) string {
	var buf strings.Builder
	for row := 0; row < card.MainMemorySize; row += bytesPerRow {
		buf.WriteString(fmt.Sprintf("[yellow]%02X:[-]", row))
		for addr := row; addr < row+bytesPerRow; addr++ {
			if protected(prot, addr) {
				buf.WriteString(fmt.Sprintf(" [red]%02X[-]", mem[addr]))
			} else {
				buf.WriteString(fmt.Sprintf(" %02X", mem[addr]))
			}
		}
		if row+bytesPerRow < card.MainMemorySize {
			buf.WriteString("\n")
		}
	}
	return buf.String()
}

func yesNo(b bool) string {
	if b {
		return "[green]yes[-]"
	}
	return "[red]no[-]"
}

// formatStatus renders the session state, the answer to reset and the
// security memory.
func formatStatus(s Snapshot) string {
	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("[yellow]State:[-]         %s\n", s.State))
	buf.WriteString(fmt.Sprintf("[yellow]Card present:[-]  %s\n", yesNo(s.Present)))
	buf.WriteString(fmt.Sprintf("[yellow]Authenticated:[-] %s\n", yesNo(s.Authenticated)))
	buf.WriteString(fmt.Sprintf("[yellow]ATR:[-]           % X\n", s.ATR[:]))
	ec := s.SecurityMemory[0]
	ecColor := "green"
	if ec != card.ErrorCounterFull {
		ecColor = "red"
	}
	buf.WriteString(fmt.Sprintf("[yellow]Error counter:[-] [%s]0x%02X[-]\n", ecColor, ec))
	buf.WriteString(fmt.Sprintf("[yellow]PSC:[-]           % X\n", s.SecurityMemory[1:]))
	buf.WriteString(fmt.Sprintf("[yellow]Protection:[-]    % X", s.ProtectedMemory[:]))
	return buf.String()
}

type cycleStats struct {
	count  int
	min    float64
	max    float64
	mean   float64
	median float64
	stdDev float64
}

func calculateStats(data []int) cycleStats {
	if len(data) == 0 {
		return cycleStats{}
	}
	raw := stats.LoadRawData(data)
	ret := cycleStats{count: len(data)}
	ret.min, _ = raw.Min()
	ret.max, _ = raw.Max()
	ret.mean, _ = raw.Mean()
	ret.mean, _ = stats.Round(ret.mean, 1)
	ret.median, _ = raw.Median()
	ret.stdDev, _ = raw.StandardDeviation()
	return ret
}

var slotNames = [card.ProcessingSlots]string{"slot 0", "slot 1", "slot 2", "slot 3", "slot 4"}

// formatCycles renders the processing cycles of every slot: count,
// min, mean, max and standard deviation of the recorded history.
func formatCycles(history [card.ProcessingSlots][]int) string {
	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("[yellow]%-8s %5s  [min|mean|max]        %7s[-]", "", "n", "stddev"))
	for i, data := range history {
		st := calculateStats(data)
		buf.WriteString(fmt.Sprintf("\n[blue]%-8s[-] %5d  [%4.0f|%6.1f|%4.0f] %7.1f",
			slotNames[i], st.count, st.min, st.mean, st.max, st.stdDev))
	}
	return buf.String()
}
