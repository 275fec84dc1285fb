// Package engine drives one capture source through the decode, framing,
// combat mapping, identity and meter stages. Every stage runs on the
// engine's goroutine in packet order; consumers receive immutable snapshots
// and history entries over the event bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/photonmeter/internal/capture"
	"github.com/energizer-project/photonmeter/internal/combat"
	"github.com/energizer-project/photonmeter/internal/events"
	"github.com/energizer-project/photonmeter/internal/health"
	"github.com/energizer-project/photonmeter/internal/identity"
	"github.com/energizer-project/photonmeter/internal/meter"
	"github.com/energizer-project/photonmeter/internal/photon"
	"github.com/energizer-project/photonmeter/internal/protocol"
	"github.com/energizer-project/photonmeter/internal/registry"
	"github.com/energizer-project/photonmeter/internal/util"
)

const (
	source        = "engine"
	packetBuffer  = 256
	commandBuffer = 16
)

// Config assembles the per-stage configuration.
type Config struct {
	Codes    protocol.Codes
	Mapper   combat.MapperConfig
	Session  meter.SessionConfig
	Identity identity.Config
	// SnapshotInterval is the packet-time cadence of published snapshots.
	// Zero publishes only on archive and at the end of the stream.
	SnapshotInterval time.Duration
	// PartyOnly drops combat events whose source the identity layer does
	// not allow.
	PartyOnly bool
	// WallTick advances packet time during quiet periods so live idle
	// timeouts fire without new traffic. Zero disables it, as for replay.
	WallTick time.Duration
	// PacketBuffer bounds the queue between the reader goroutine and the
	// pipeline. Zero uses a default.
	PacketBuffer int
}

// Deps are the collaborators shared with the rest of the process. Nil
// fields get private defaults.
type Deps struct {
	Registry registry.Registry
	Bus      *events.Bus
	Stats    *health.Stats
	Sink     photon.UnknownSink
}

// Command is an operator action applied between packets.
type Command string

const (
	CommandToggle Command = "toggle"
	CommandEnd    Command = "end"
	CommandReset  Command = "reset"
)

// Engine owns the per-source pipeline state. Only Submit may be called
// from other goroutines while Run is active.
type Engine struct {
	cfg      Config
	framer   *photon.Framer
	mapper   *combat.Mapper
	states   *combat.StateDecoder
	reg      registry.Registry
	resolver *identity.Resolver
	session  *meter.Session
	bus      *events.Bus
	stats    *health.Stats
	sink     photon.UnknownSink
	logger   zerolog.Logger

	commands chan Command

	zone     string
	now      time.Time
	wallAt   time.Time
	lastSnap time.Time
	primary  int64
	hasSelf  bool
}

// New validates cfg and builds the pipeline.
func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.SnapshotInterval < 0 || cfg.WallTick < 0 {
		return nil, fmt.Errorf("engine: intervals must not be negative")
	}
	if cfg.PacketBuffer <= 0 {
		cfg.PacketBuffer = packetBuffer
	}
	if deps.Registry == nil {
		deps.Registry = registry.NewMemory(cfg.Codes)
	}
	if deps.Stats == nil {
		deps.Stats = health.NewStats()
	}
	if deps.Sink == nil {
		deps.Sink = photon.NopSink{}
	}

	e := &Engine{
		cfg:      cfg,
		reg:      deps.Registry,
		bus:      deps.Bus,
		stats:    deps.Stats,
		logger:   util.ComponentLogger("engine"),
		commands: make(chan Command, commandBuffer),
	}
	inner := deps.Sink
	e.sink = photon.SinkFunc(func(reason string, data []byte) {
		e.stats.Unknown()
		inner.Unknown(reason, data)
	})

	var err error
	e.framer = photon.NewFramer(e.sink)
	if e.mapper, err = combat.NewMapper(cfg.Codes, cfg.Mapper, e.sink); err != nil {
		return nil, err
	}
	e.states = combat.NewStateDecoder(cfg.Codes)
	if e.resolver, err = identity.New(cfg.Identity, cfg.Codes, e.reg); err != nil {
		return nil, err
	}
	if e.session, err = meter.NewSession(cfg.Session, e.reg); err != nil {
		return nil, err
	}
	return e, nil
}

// Process runs one packet through every stage.
func (e *Engine) Process(pkt photon.Packet) {
	ts := pkt.Timestamp
	e.now = ts
	e.wallAt = time.Now()
	e.stats.Packet(ts)

	if zc, ok := e.resolver.ObservePacket(pkt); ok {
		e.onZone(zc)
	}
	e.advance(ts)

	msgs, err := e.framer.Frame(pkt.Payload)
	if err != nil {
		e.stats.FrameError()
		e.logger.Debug().Err(err).Int("len", len(pkt.Payload)).Msg("packet framing stopped")
	}
	e.stats.Messages(len(msgs))

	for _, msg := range msgs {
		d, err := photon.Decode(msg)
		if err != nil {
			e.stats.DecodeError()
			e.sink.Unknown(fmt.Sprintf("undecodable %s %d: %v", msg.Type, msg.Code, err), msg.Payload)
			continue
		}
		e.observe(d, ts)
	}

	e.checkSelf(ts)
	if e.cfg.SnapshotInterval > 0 && ts.Sub(e.lastSnap) >= e.cfg.SnapshotInterval {
		e.Flush(ts)
	}
}

func (e *Engine) observe(d *photon.Decoded, ts time.Time) {
	e.reg.Observe(d)
	if zc, ok := e.resolver.ObserveMessage(d, ts); ok {
		e.onZone(zc)
	} else if z := e.resolver.Zone(); z != e.zone {
		e.session.RelabelZone(z)
		e.zone = z
	}
	if d.Event == nil {
		return
	}

	if st, ok := e.states.Decode(d.Event, ts); ok {
		if entry, archived := e.session.ObserveCombatState(st); archived {
			e.onArchive(entry)
		}
	}

	for _, ev := range e.mapper.MapEvent(d.Event, ts) {
		e.resolver.ObserveCombat(ev)
		if e.cfg.PartyOnly && !e.resolver.Allows(ev.Source) {
			e.stats.Filtered()
			continue
		}
		e.stats.CombatEvent()
		if entry, archived := e.session.Push(ev); archived {
			e.onArchive(entry)
		}
	}
}

func (e *Engine) onZone(zc identity.ZoneChange) {
	e.zone = zc.Current
	if zc.Previous != "" {
		// Entity ids are reassigned per zone.
		e.mapper.Reset()
	}
	if entry, archived := e.session.ObserveZone(zc.Current, zc.Authoritative, zc.Timestamp); archived {
		e.onArchive(entry)
	}
	e.publish(events.EventZoneChanged, events.ZoneChangedPayload{
		Previous:      zc.Previous,
		Current:       zc.Current,
		Authoritative: zc.Authoritative,
		Timestamp:     zc.Timestamp,
	})
}

func (e *Engine) onArchive(entry meter.HistoryEntry) {
	e.stats.Archived()
	e.publish(events.EventSessionArchived, entry)
}

func (e *Engine) checkSelf(ts time.Time) {
	id, ok := e.resolver.Primary()
	if !ok || (e.hasSelf && id == e.primary) {
		return
	}
	e.primary, e.hasSelf = id, true
	name, _ := e.resolver.SelfName()
	e.publish(events.EventSelfResolved, events.SelfResolvedPayload{ID: id, Name: name, Timestamp: ts})
}

// advance applies settled zone keys and idle timeouts up to now.
func (e *Engine) advance(now time.Time) {
	if entry, archived := e.session.Tick(now); archived {
		e.onArchive(entry)
	}
}

// Flush advances the session to now without a packet, archiving idle
// encounters, and publishes a snapshot.
func (e *Engine) Flush(now time.Time) {
	e.advance(now)
	e.lastSnap = now
	e.publish(events.EventSnapshot, e.session.Snapshot(now))
	e.publish(events.EventIdentity, e.resolver.View())
}

// Submit queues an operator command. It reports false when the queue is
// full.
func (e *Engine) Submit(cmd Command) bool {
	select {
	case e.commands <- cmd:
		return true
	default:
		return false
	}
}

// Apply executes a command at packet time ts.
func (e *Engine) Apply(cmd Command, ts time.Time) error {
	var (
		entry    meter.HistoryEntry
		archived bool
	)
	switch cmd {
	case CommandToggle:
		entry, archived = e.session.Toggle(ts)
	case CommandEnd:
		entry, archived = e.session.End(ts, meter.ReasonEnded)
	case CommandReset:
		e.session.Reset()
	default:
		return fmt.Errorf("engine: unknown command %q", cmd)
	}
	e.logger.Info().Str("command", string(cmd)).Msg("Command applied")
	if archived {
		e.onArchive(entry)
	}
	e.Flush(ts)
	return nil
}

// Run consumes src until it is exhausted or ctx is cancelled. A reader
// goroutine feeds packets in order; all pipeline work happens on the
// calling goroutine. The open encounter is archived before Run returns.
func (e *Engine) Run(ctx context.Context, src capture.Source) error {
	packets := make(chan photon.Packet, e.cfg.PacketBuffer)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(packets)
		for {
			pkt, err := src.Next(gctx)
			if err != nil {
				if errors.Is(err, io.EOF) || gctx.Err() != nil {
					return nil
				}
				return err
			}
			select {
			case packets <- pkt:
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		return e.loop(gctx, packets)
	})

	err := g.Wait()

	reason := meter.ReasonEnded
	if ctx.Err() != nil {
		reason = meter.ReasonShutdown
	}
	e.finish(reason, err)
	return err
}

func (e *Engine) loop(ctx context.Context, packets <-chan photon.Packet) error {
	var tick <-chan time.Time
	if e.cfg.WallTick > 0 {
		ticker := time.NewTicker(e.cfg.WallTick)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-packets:
			if !ok {
				return nil
			}
			e.Process(pkt)
		case cmd := <-e.commands:
			if err := e.Apply(cmd, e.clock(time.Now())); err != nil {
				e.logger.Warn().Err(err).Msg("command rejected")
			}
		case wall := <-tick:
			if !e.now.IsZero() {
				e.Flush(e.clock(wall))
			}
		}
	}
}

// clock maps a wall-clock instant onto packet time.
func (e *Engine) clock(wall time.Time) time.Time {
	if e.now.IsZero() {
		return wall
	}
	return e.now.Add(wall.Sub(e.wallAt))
}

func (e *Engine) finish(reason meter.Reason, runErr error) {
	if entry, archived := e.session.End(e.now, reason); archived {
		e.onArchive(entry)
	}
	if !e.now.IsZero() {
		e.publish(events.EventSnapshot, e.session.Snapshot(e.now))
		e.publish(events.EventIdentity, e.resolver.View())
	}

	r := e.stats.Report(e.now, health.Thresholds{})
	payload := events.CaptureEndedPayload{Packets: r.Packets}
	if runErr != nil {
		payload.Err = runErr.Error()
	}
	e.publish(events.EventCaptureEnded, payload)
	e.logger.Info().
		Str("reason", string(reason)).
		Uint64("packets", r.Packets).
		Uint64("messages", r.Messages).
		Uint64("combat_events", r.CombatEvents).
		Uint64("decode_errors", r.DecodeErrors).
		Msg("Capture finished")
}

func (e *Engine) publish(t events.EventType, payload interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{Type: t, Source: source, Payload: payload})
}

// History returns archived encounters, most recent first. Call it from the
// Run goroutine or after Run returns.
func (e *Engine) History(limit int) []meter.HistoryEntry {
	return e.session.History(limit)
}

// Snapshot returns the current rolling view at the last packet time. Same
// goroutine rules as History.
func (e *Engine) Snapshot() meter.Snapshot {
	return e.session.Snapshot(e.now)
}

// Identity returns the identity view. Same goroutine rules as History.
func (e *Engine) Identity() identity.View {
	return e.resolver.View()
}

// Mode returns the session mode.
func (e *Engine) Mode() meter.Mode {
	return e.session.Mode()
}
