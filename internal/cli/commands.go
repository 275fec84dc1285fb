// Package cli implements the interactive console for a running meter and
// the table renderers shared with replay summaries.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/photonmeter/internal/engine"
	"github.com/energizer-project/photonmeter/internal/events"
	"github.com/energizer-project/photonmeter/internal/health"
	"github.com/energizer-project/photonmeter/internal/identity"
	"github.com/energizer-project/photonmeter/internal/meter"
)

// Reader is the read model the console displays.
type Reader interface {
	Snapshot() (meter.Snapshot, bool)
	History(limit int) []meter.HistoryEntry
	Identity() identity.View
	Health(now time.Time) health.Report
}

// Controller accepts operator commands.
type Controller interface {
	Submit(cmd engine.Command) bool
}

// Settings persists the meter mode for the next start.
type Settings interface {
	SetMeterMode(mode meter.Mode) error
	Save() error
}

// CLI provides an interactive command-line interface.
type CLI struct {
	reader   Reader
	ctrl     Controller
	settings Settings
	bus      *events.Bus

	in  io.Reader
	out io.Writer
	now func() time.Time
}

// NewCLI creates a console reading commands from in and writing to out.
// ctrl and settings may be nil.
func NewCLI(reader Reader, ctrl Controller, settings Settings, bus *events.Bus, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		reader:   reader,
		ctrl:     ctrl,
		settings: settings,
		bus:      bus,
		in:       in,
		out:      out,
		now:      time.Now,
	}
}

// Start runs the command loop until ctx is cancelled, input ends, or the
// user quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nphotonmeter console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "meter> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			quit, err := c.execute(strings.ToLower(parts[0]), parts[1:])
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
			if quit {
				return
			}
		}
	}
}

// execute processes a single command. It reports true when the console
// should exit.
func (c *CLI) execute(cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "history", "hist":
		return false, c.printHistory(args)
	case "show":
		return false, c.printEntry(args)
	case "identity", "id":
		RenderIdentity(c.out, c.reader.Identity())
	case "health":
		RenderHealth(c.out, c.reader.Health(c.now()))
	case "toggle":
		return false, c.submit(engine.CommandToggle)
	case "end":
		return false, c.submit(engine.CommandEnd)
	case "reset":
		return false, c.submit(engine.CommandReset)
	case "mode":
		return false, c.cmdMode(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down photonmeter...")
		if c.bus != nil {
			c.bus.Publish(events.Event{Type: events.EventShutdown, Source: "cli"})
		}
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  status            Live rolling meter
  history [n]       Last n archived encounters (default 10)
  show <n>          Per-source breakdown of encounter n from history
  identity          Self and party resolution state
  health            Decode health counters
  toggle            Start or stop the meter (manual mode)
  end               Archive the current encounter now
  reset             Drop the current encounter without archiving
  mode <m>          Save battle, zone or manual for the next start
  quit              Shut down
  help              Show this help message`)
	fmt.Fprintln(c.out)
}

func (c *CLI) printStatus() {
	snap, ok := c.reader.Snapshot()
	if !ok {
		fmt.Fprintln(c.out, "No data yet.")
		return
	}
	RenderSnapshot(c.out, snap)
}

func (c *CLI) printHistory(args []string) error {
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}
	entries := c.reader.History(limit)
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "No encounters archived yet.")
		return nil
	}
	RenderHistory(c.out, entries)
	return nil
}

func (c *CLI) printEntry(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: show <n>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return fmt.Errorf("invalid index: %s", args[0])
	}
	entries := c.reader.History(n)
	if len(entries) < n {
		return fmt.Errorf("only %d encounters in history", len(entries))
	}
	RenderEntry(c.out, entries[n-1])
	return nil
}

func (c *CLI) submit(cmd engine.Command) error {
	if c.ctrl == nil {
		return fmt.Errorf("no live session")
	}
	if !c.ctrl.Submit(cmd) {
		return fmt.Errorf("command queue full, try again")
	}
	log.Debug().Str("command", string(cmd)).Msg("CLI: command queued")
	fmt.Fprintf(c.out, "%s queued\n", cmd)
	return nil
}

func (c *CLI) cmdMode(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mode <battle|zone|manual>")
	}
	if c.settings == nil {
		return fmt.Errorf("settings unavailable")
	}
	mode := meter.Mode(strings.ToLower(args[0]))
	if err := c.settings.SetMeterMode(mode); err != nil {
		return err
	}
	if err := c.settings.Save(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Mode %s saved, applies on next start\n", mode)
	return nil
}
