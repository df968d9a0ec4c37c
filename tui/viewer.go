// Package tui shows a card session in the terminal: memory dump,
// security state, processing cycle statistics and the log.
package tui

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/gammazero/deque"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"lautenbacher.net/gosle/card"
	"lautenbacher.net/gosle/logging"
)

const (
	maxCycleHistory = 500
	viewerTitle     = " GOSLE Card Viewer "
)

// Action is a key the user pressed, handled by the owner of the session.
type Action int

const (
	ActionQuit Action = iota
	ActionReset
	ActionDump
	ActionAuthenticate
	ActionToggleCard
)

func (a Action) String() string {
	switch a {
	case ActionQuit:
		return "quit"
	case ActionReset:
		return "reset"
	case ActionDump:
		return "dump"
	case ActionAuthenticate:
		return "authenticate"
	case ActionToggleCard:
		return "toggle card"
	default:
		return "unknown"
	}
}

var keyActions = map[rune]Action{
	'q': ActionQuit,
	'r': ActionReset,
	'd': ActionDump,
	'a': ActionAuthenticate,
	'i': ActionToggleCard,
}

// CardViewer is the terminal UI. Update and AddCycles are safe for
// concurrent use.
type CardViewer struct {
	app     *tview.Application
	status  *tview.TextView
	memory  *tview.TextView
	cycles  *tview.TextView
	logView *tview.TextView

	mu        sync.Mutex
	history   [card.ProcessingSlots]*deque.Deque[int]
	actions   chan Action
	stopped   chan struct{}
	stopOnce  sync.Once
	simulated bool
}

func NewCardViewer(simulated bool) *CardViewer {
	v := &CardViewer{
		app:       tview.NewApplication(),
		actions:   make(chan Action, 8),
		stopped:   make(chan struct{}),
		simulated: simulated,
	}
	for i := range v.history {
		v.history[i] = new(deque.Deque[int])
		v.history[i].Grow(maxCycleHistory)
	}
	return v
}

// Actions delivers the keys pressed by the user.
func (v *CardViewer) Actions() <-chan Action {
	return v.actions
}

// Run shows the UI until ctx is done or the user quits. The log is
// shown in the UI while it runs and held back afterwards. Updates
// after Run returned are dropped.
func (v *CardViewer) Run(ctx context.Context) error {
	defer v.stopOnce.Do(func() { close(v.stopped) })
	v.setupUI()
	if err := logging.SetOutput(v.logView); err != nil {
		return err
	}
	defer logging.HoldOutput()

	go func() {
		<-ctx.Done()
		v.app.Stop()
	}()

	if err := v.app.Run(); err != nil {
		return err
	}
	slog.Info("Card viewer has stopped")
	return nil
}

// Update redraws the session state.
func (v *CardViewer) Update(s Snapshot) {
	status := formatStatus(s)
	memory := formatHexDump(s.MainMemory, s.ProtectedMemory)
	v.queue(func() {
		v.status.SetText(status)
		v.memory.SetText(memory)
	})
}

// AddCycles records the processing cycles of one authentication or
// write. Zero slots were not used and are skipped.
func (v *CardViewer) AddCycles(cycles [card.ProcessingSlots]int) {
	text := v.record(cycles)
	v.queue(func() {
		v.cycles.SetText(text)
	})
}

// queue hands f to the UI goroutine unless the UI has stopped, nothing
// would drain the update queue then.
func (v *CardViewer) queue(f func()) {
	select {
	case <-v.stopped:
		return
	default:
	}
	v.app.QueueUpdateDraw(f)
}

// record adds cycles to the history and returns the text to show.
func (v *CardViewer) record(cycles [card.ProcessingSlots]int) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, c := range cycles {
		if c == 0 {
			continue
		}
		q := v.history[i]
		if q.Len() == maxCycleHistory {
			q.PopFront()
		}
		q.PushBack(c)
	}
	return formatCycles(v.historyData())
}

// historyData must be called with the mutex held.
func (v *CardViewer) historyData() [card.ProcessingSlots][]int {
	var ret [card.ProcessingSlots][]int
	for i, q := range v.history {
		ret[i] = make([]int, q.Len())
		for j := range q.Len() {
			ret[i][j] = q.At(j)
		}
	}
	return ret
}

func newPane(title string) *tview.TextView {
	view := tview.NewTextView()
	view.SetDynamicColors(true)
	view.SetTextAlign(tview.AlignLeft)
	view.SetBackgroundColor(tcell.ColorDarkSlateGray)
	view.SetBorder(true).SetTitle(title).SetTitleColor(tcell.ColorLightBlue)
	return view
}

func (v *CardViewer) introText() string {
	var buf strings.Builder
	if v.simulated {
		buf.WriteString("[#ff0000]Simulated card,[-] '-real' flag not given. Hit [blue]i[-] to insert or remove it.\n")
	} else {
		buf.WriteString("Talking to the card reader on the GPIO header.\n")
	}
	buf.WriteString("Hit [blue]r[-] to reset, [blue]d[-] to dump, [blue]a[-] to authenticate, [#ff0000]q[-] to exit")
	return buf.String()
}

func (v *CardViewer) handleKey(event *tcell.EventKey) *tcell.EventKey {
	action, ok := keyActions[event.Rune()]
	if !ok {
		return event
	}
	select {
	case v.actions <- action:
	default:
		slog.Warn("Dropping key, card is busy", "action", action)
	}
	if action == ActionQuit {
		v.app.Stop()
	}
	return nil
}

func (v *CardViewer) setupUI() {
	intro := newPane(viewerTitle)
	intro.SetTextAlign(tview.AlignCenter)
	intro.SetText(v.introText())

	v.status = newPane(" Card ")
	v.memory = newPane(" Main memory ")
	v.cycles = newPane(" Processing cycles ")
	v.logView = newPane(" Log ")
	v.logView.SetScrollable(true)
	v.logView.SetMaxLines(1000)
	v.logView.SetChangedFunc(func() {
		v.logView.ScrollToEnd()
		v.app.Draw()
	})

	v.mu.Lock()
	v.cycles.SetText(formatCycles(v.historyData()))
	v.mu.Unlock()
	v.status.SetText(formatStatus(Snapshot{State: card.Created.String()}))

	left := tview.NewFlex().SetDirection(tview.FlexRow)
	left.AddItem(v.status, 9, 1, false)
	left.AddItem(v.cycles, 8, 1, false)

	top := tview.NewFlex()
	top.AddItem(left, 46, 1, false)
	// 16 rows plus the border, 4 + 16*3 columns plus the border
	top.AddItem(v.memory, 54, 1, false)

	layout := tview.NewFlex().SetDirection(tview.FlexRow)
	layout.AddItem(intro, 4, 1, false)
	layout.AddItem(top, 18, 1, false)
	layout.AddItem(v.logView, 0, 1, true)

	v.app.SetRoot(layout, true).SetFocus(v.logView)
	v.app.SetInputCapture(v.handleKey)
}
