// Command gosle talks to an SLE4442 memory card over GPIO lines, or to
// a simulated card when not started with -real.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"
	"lautenbacher.net/gosle/card"
	"lautenbacher.net/gosle/config"
	"lautenbacher.net/gosle/logging"
	"lautenbacher.net/gosle/platform"
	"lautenbacher.net/gosle/sim"
	"lautenbacher.net/gosle/tui"
)

const usage = `Usage: gosle [flags] <command>

Commands:
  atr      reset the card and print the answer to reset
  dump     print main, protection and security memory
  auth     verify the PSC
  write    verify the PSC and write -data to main memory at -addr
  monitor  log card insertion and removal until interrupted
  view     show the card in a terminal UI

Flags:
`

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

type options struct {
	configFile string
	real       bool
	pin        string
	addr       uint
	data       string
}

// app is one invocation: the configuration, the session and, unless
// running on real hardware, the simulated card behind it.
type app struct {
	conf    config.Config
	opts    options
	session *card.Session
	simCard *sim.Card
	out     io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("gosle", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}

	var opts options
	fs.StringVar(&opts.configFile, "config", config.CONFILE, "path to the YAML config file")
	fs.BoolVar(&opts.real, "real", false, "Set to true if program runs on the real hardware")
	fs.StringVar(&opts.pin, "pin", "", "PSC as 6 hex digits, prompted for if missing")
	fs.UintVar(&opts.addr, "addr", 0, "main memory address for write")
	fs.StringVar(&opts.data, "data", "", "hex bytes for write")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}
	command := fs.Arg(0)

	conf, err := loadConfig(opts.configFile, isFlagSet(fs, "config"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	if err := logging.Init(conf.Logging, command == "view"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{conf: conf, opts: opts, out: stdout}
	if err := a.open(); err != nil {
		slog.Error("Can't open card reader", "error", err)
		return exitError
	}
	defer a.session.Close()

	switch command {
	case "atr":
		err = a.atr()
	case "dump":
		err = a.dump(ctx)
	case "auth":
		err = a.auth(ctx)
	case "write":
		err = a.write(ctx)
	case "monitor":
		err = a.monitor(ctx)
	case "view":
		err = a.view(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		fs.Usage()
		return exitUsage
	}
	if err != nil {
		slog.Error("Command failed", "command", command, "error", err)
		return exitError
	}
	return exitOK
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// loadConfig reads cfile. A missing default config file is not an
// error, the built-in defaults are used instead.
func loadConfig(cfile string, explicit bool) (config.Config, error) {
	if _, err := os.Stat(cfile); errors.Is(err, os.ErrNotExist) && !explicit {
		return config.Default(), nil
	}
	return config.ReadConfig(cfile)
}

func (a *app) open() error {
	var port platform.Port
	if a.opts.real {
		p, err := platform.NewPort(a.conf.Hardware)
		if err != nil {
			return err
		}
		port = p
	} else {
		a.simCard = sim.NewCard(sim.FromConfig(a.conf)...)
		port = a.simCard
		slog.Info("Using a simulated card, '-real' flag not given")
	}

	session, err := card.Open(port, card.FromConfig(a.conf)...)
	if err != nil {
		return err
	}
	a.session = session
	return nil
}

// requireCard checks the present switch and resets the card.
func (a *app) requireCard() error {
	present, err := a.session.CheckPresent()
	if err != nil {
		return err
	}
	if !present {
		return errors.New("no card in the reader")
	}
	_, err = a.session.Reset()
	return err
}

func (a *app) atr() error {
	if err := a.requireCard(); err != nil {
		return err
	}
	atr := a.session.ATR()
	fmt.Fprintf(a.out, "ATR: % X\n", atr[:])
	return nil
}

func (a *app) dump(ctx context.Context) error {
	if err := a.requireCard(); err != nil {
		return err
	}
	if err := a.session.DumpAll(ctx); err != nil {
		return err
	}
	a.printMemories()
	return nil
}

func (a *app) printMemories() {
	atr := a.session.ATR()
	mem := a.session.MainMemory()
	prot := a.session.ProtectedMemory()
	sec := a.session.SecurityMemory()
	fmt.Fprintf(a.out, "ATR: % X\n", atr[:])
	fmt.Fprintf(a.out, "Main memory:\n%s", hex.Dump(mem[:]))
	fmt.Fprintf(a.out, "Protection memory: % X\n", prot[:])
	fmt.Fprintf(a.out, "Security memory:   % X\n", sec[:])
}

// parsePIN decodes six hex digits, spaces are ignored.
func parsePIN(s string) ([3]byte, error) {
	var pin [3]byte
	raw, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return pin, fmt.Errorf("PSC is not hex: %w", err)
	}
	if len(raw) != len(pin) {
		return pin, fmt.Errorf("PSC must have 3 bytes, got %d", len(raw))
	}
	copy(pin[:], raw)
	return pin, nil
}

// readPIN takes the PSC from -pin or prompts for it without echo.
func (a *app) readPIN() ([3]byte, error) {
	if a.opts.pin != "" {
		return parsePIN(a.opts.pin)
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return [3]byte{}, errors.New("no -pin given and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "PSC (6 hex digits): ")
	line, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return [3]byte{}, fmt.Errorf("can't read PSC: %w", err)
	}
	return parsePIN(string(line))
}

func (a *app) authenticate(ctx context.Context) error {
	pin, err := a.readPIN()
	if err != nil {
		return err
	}
	if err := a.requireCard(); err != nil {
		return err
	}
	ok, err := a.session.Authenticate(ctx, pin[0], pin[1], pin[2])
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Error counter: 0x%02X\n", a.session.ErrorCounter())
	if !ok {
		return errors.New("PSC rejected")
	}
	fmt.Fprintln(a.out, "PSC verified")
	return nil
}

func (a *app) auth(ctx context.Context) error {
	return a.authenticate(ctx)
}

func (a *app) write(ctx context.Context) error {
	if a.opts.addr > 0xFF {
		return fmt.Errorf("address 0x%X is outside the main memory", a.opts.addr)
	}
	data, err := hex.DecodeString(a.opts.data)
	if err != nil {
		return fmt.Errorf("-data is not hex: %w", err)
	}
	if len(data) == 0 || len(data) > card.MainMemorySize {
		return fmt.Errorf("-data must have 1 to %d bytes, got %d", card.MainMemorySize, len(data))
	}
	if end := int(a.opts.addr) + len(data); end > card.MainMemorySize {
		return fmt.Errorf("%d bytes at 0x%02X run past the end of the main memory", len(data), a.opts.addr)
	}
	if err := a.authenticate(ctx); err != nil {
		return err
	}

	a.session.SetMainMemory(byte(a.opts.addr), data)
	if err := a.session.WriteMemory(ctx, byte(a.opts.addr), len(data)); err != nil {
		return err
	}
	if err := a.session.DumpMemory(ctx); err != nil {
		return err
	}
	mem := a.session.MainMemory()
	for i := range data {
		// the card silently ignores writes to protected bytes
		if addr := byte(int(a.opts.addr) + i); mem[addr] != data[i] {
			return fmt.Errorf("address 0x%02X reads 0x%02X after writing 0x%02X, byte is protected", addr, mem[addr], data[i])
		}
	}
	fmt.Fprintf(a.out, "Wrote %d bytes at 0x%02X\n", len(data), a.opts.addr)
	return nil
}

// monitor polls the present switch and resets every inserted card. The
// poll interval follows changes of the config file.
func (a *app) monitor(ctx context.Context) error {
	intervals := make(chan time.Duration, 1)
	if _, err := os.Stat(a.opts.configFile); err == nil {
		go func() {
			err := config.Watch(ctx, a.opts.configFile, func(conf config.Config) {
				select {
				case intervals <- conf.Monitor.PollInterval:
				default:
				}
			})
			if err != nil {
				slog.Warn("Not watching config file", "error", err)
			}
		}()
	}

	ticker := time.NewTicker(a.conf.Monitor.PollInterval)
	defer ticker.Stop()
	wasPresent := false
	for {
		present, err := a.session.CheckPresent()
		if err != nil {
			return err
		}
		if present != wasPresent {
			if present {
				atr, err := a.session.Reset()
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Card inserted, ATR: % X\n", atr[:])
			} else {
				fmt.Fprintln(a.out, "Card removed")
				a.session.Lock()
			}
			wasPresent = present
		}

		select {
		case <-ctx.Done():
			return nil
		case d := <-intervals:
			slog.Info("Changing poll interval", "interval", d)
			ticker.Reset(d)
		case <-ticker.C:
		}
	}
}

// cardView is the UI driven by the view command.
type cardView interface {
	Run(ctx context.Context) error
	Actions() <-chan tui.Action
	Update(s tui.Snapshot)
	AddCycles(cycles [card.ProcessingSlots]int)
}

func (a *app) view(ctx context.Context) error {
	// the UI owns the terminal
	a.out = io.Discard
	return a.runView(ctx, tui.NewCardViewer(a.simCard != nil))
}

// runView returns only after the action goroutine is done with the
// session, so the caller may close it.
func (a *app) runView(ctx context.Context, view cardView) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.handleActions(ctx, cancel, view)
	}()

	err := view.Run(ctx)
	cancel()
	<-done
	return err
}

// handleActions owns the session while the viewer runs.
func (a *app) handleActions(ctx context.Context, cancel context.CancelFunc, view cardView) {
	ticker := time.NewTicker(a.conf.Monitor.PollInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err = a.session.CheckPresent()
		case action := <-view.Actions():
			slog.Debug("Viewer action", "action", action)
			switch action {
			case tui.ActionQuit:
				cancel()
				return
			case tui.ActionReset:
				err = a.requireCard()
			case tui.ActionDump:
				err = a.dump(ctx)
			case tui.ActionAuthenticate:
				err = a.viewAuthenticate(ctx)
				view.AddCycles(a.session.ProcessingCycles())
			case tui.ActionToggleCard:
				a.toggleCard()
			}
		}
		if err != nil {
			slog.Error("Card operation failed", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
		view.Update(tui.SnapshotOf(a.session))
	}
}

// viewAuthenticate can't prompt while the UI owns the terminal, so
// only -pin is used.
func (a *app) viewAuthenticate(ctx context.Context) error {
	if a.opts.pin == "" {
		return errors.New("start the viewer with -pin to authenticate")
	}
	pin, err := parsePIN(a.opts.pin)
	if err != nil {
		return err
	}
	if err := a.requireCard(); err != nil {
		return err
	}
	ok, err := a.session.Authenticate(ctx, pin[0], pin[1], pin[2])
	if err == nil {
		slog.Info("Authentication finished", "authenticated", ok, "errorCounter", fmt.Sprintf("0x%02X", a.session.ErrorCounter()))
	}
	return err
}

func (a *app) toggleCard() {
	if a.simCard == nil {
		slog.Warn("Can't insert or remove a real card")
		return
	}
	if a.simCard.Present() {
		a.simCard.Remove()
		a.session.Lock()
		slog.Info("Simulated card removed")
	} else {
		a.simCard.Insert()
		slog.Info("Simulated card inserted")
	}
}
