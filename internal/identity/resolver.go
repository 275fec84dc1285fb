// Package identity works out which entity is the local player and which
// entities belong to the player's party, using only what is visible on the
// wire. Apart from the join response there is no authoritative signal, so
// most of it is evidence scoring with explicit thresholds.
package identity

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/photonmeter/internal/combat"
	"github.com/energizer-project/photonmeter/internal/photon"
	"github.com/energizer-project/photonmeter/internal/protocol"
	"github.com/energizer-project/photonmeter/internal/registry"
	"github.com/energizer-project/photonmeter/internal/util"
)

// ZoneChange reports that the play area changed.
type ZoneChange struct {
	Previous      string    `json:"previous"`
	Current       string    `json:"current"`
	Authoritative bool      `json:"authoritative"`
	Timestamp     time.Time `json:"timestamp"`
}

type candidate struct {
	score      float64
	lastSeen   time.Time
	linkHits   int
	combatHits int
}

type targetRequest struct {
	id int64
	ts time.Time
}

type idSet map[int64]struct{}

func (s idSet) has(id int64) bool {
	_, ok := s[id]
	return ok
}

func (s idSet) sorted() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type nameSet map[string]struct{}

func (s nameSet) has(name string) bool {
	_, ok := s[name]
	return ok
}

func (s nameSet) sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Resolver accumulates identity evidence for one capture source. It is
// driven from a single goroutine and holds no locks.
type Resolver struct {
	cfg    Config
	codes  protocol.Codes
	reg    registry.Registry
	logger zerolog.Logger

	// zone
	zone          string
	portZone      string
	authoritative bool

	// self
	primary    int64
	hasPrimary bool
	selfStale  bool
	selfIDs    idSet
	selfName   string
	nameFirm   bool
	candidates map[int64]*candidate

	// correlation
	targets   map[int64]time.Time
	targetLog []targetRequest
	outbound  []time.Time

	// party
	partyGUIDs map[protocol.GUID]string
	seedNames  nameSet
	partyNames nameSet
	partyIDs   idSet

	// match roster
	matchNames   nameSet
	matchAll     nameSet
	matchTouched time.Time
	friends      idSet
	enemies      idSet
	pending      map[int64]bool

	nonPlayer nameSet
}

// New creates a resolver. reg supplies entity names.
func New(cfg Config, codes protocol.Codes, reg registry.Registry) (*Resolver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &Resolver{
		cfg:        cfg,
		codes:      codes,
		reg:        reg,
		logger:     util.ComponentLogger("identity"),
		selfIDs:    make(idSet),
		candidates: make(map[int64]*candidate),
		targets:    make(map[int64]time.Time),
		partyGUIDs: make(map[protocol.GUID]string),
		seedNames:  make(nameSet),
		partyNames: make(nameSet),
		partyIDs:   make(idSet),
		matchNames: make(nameSet),
		matchAll:   make(nameSet),
		friends:    make(idSet),
		enemies:    make(idSet),
		pending:    make(map[int64]bool),
		nonPlayer:  make(nameSet),
	}
	for _, n := range cfg.SeedNames {
		if n = strings.TrimSpace(n); n != "" {
			r.seedNames[n] = struct{}{}
		}
	}
	for _, n := range cfg.NonPlayerNames {
		r.nonPlayer[n] = struct{}{}
	}
	r.rebuildParty()
	return r, nil
}

// ObservePacket records outbound timing and the port-based zone key.
func (r *Resolver) ObservePacket(pkt photon.Packet) (ZoneChange, bool) {
	r.sweep(pkt.Timestamp)

	var server string
	outbound := false
	switch r.cfg.GamePort {
	case pkt.Dst.Port():
		outbound = true
		server = pkt.Dst.String()
	case pkt.Src.Port():
		server = pkt.Src.String()
	default:
		return ZoneChange{}, false
	}

	var (
		change  ZoneChange
		changed bool
	)
	if server != r.portZone {
		r.portZone = server
		// Once a map index is known it wins over the port heuristic.
		if !r.authoritative {
			change, changed = r.changeZone(server, false, pkt.Timestamp)
		}
	}
	if outbound {
		r.outbound = append(r.outbound, pkt.Timestamp)
	}
	return change, changed
}

// ObserveMessage feeds a decoded message into the resolver.
func (r *Resolver) ObserveMessage(d *photon.Decoded, ts time.Time) (ZoneChange, bool) {
	r.sweep(ts)
	c := r.codes

	switch {
	case d == nil:
	case d.Request != nil:
		if d.Request.OpCode(c.OperationCodeKey) == c.OpTargetRequest {
			if id, ok := d.Request.Params.Int64(c.TargetIDKey); ok {
				r.observeTarget(id, ts)
			}
		}

	case d.Response != nil:
		switch d.Response.OpCode(c.OperationCodeKey) {
		case c.OpJoin:
			return r.observeJoin(d.Response.Params, ts)
		case c.OpChangeCluster:
			if key, ok := mapKey(d.Response.Params, c.ClusterMapKey); ok && key != r.zone {
				return r.changeZone(key, true, ts)
			}
		}

	case d.Event != nil:
		p := d.Event.Params
		switch code := d.Event.SubType(c.EventCodeKey); code {
		case c.CombatTargetLink:
			r.observeLink(p, ts)
		case c.NewCharacter:
			// A spawn may attach an id to a name already in the party.
			if len(r.partyNames) > 0 {
				r.rebuildParty()
			}
		case c.PartyRoster:
			r.observeRoster(p)
		case c.PartyMemberJoined:
			r.observeMemberJoined(p)
		case c.PartyMemberLeft, c.PartyMemberRemoved:
			r.observeMemberLeft(p)
		case c.PartyDisbanded:
			r.observeDisband(p)
		case c.MatchRoster:
			r.observeMatchRoster(p, ts)
		default:
			if c.InPartyRange(code) {
				r.observePartyShape(code, p)
			}
		}
	}
	return ZoneChange{}, false
}

// ObserveCombat scores self candidates and classifies match participants.
func (r *Resolver) ObserveCombat(ev combat.Event) {
	r.sweep(ev.Timestamp)
	r.scoreCombat(ev)
	r.classify(ev)
}

func (r *Resolver) observeJoin(p protocol.Parameters, ts time.Time) (ZoneChange, bool) {
	c := r.codes
	if id, ok := p.Int64(c.JoinSelfIDKey); ok {
		if !r.hasPrimary || r.primary != id {
			r.logger.Info().Int64("self_id", id).Msg("Self id set from join")
		}
		r.primary = id
		r.hasPrimary = true
		r.selfStale = false
		r.selfIDs = idSet{id: {}}
		if name, ok := p.String(c.JoinNameKey); ok && strings.TrimSpace(name) != "" {
			r.selfName = name
			r.nameFirm = true
			r.reg.Record(id, name)
		}
	}

	prev, upgrade := r.zone, !r.authoritative
	key, hasKey := mapKey(p, c.JoinMapKey)
	if hasKey {
		r.zone = key
		r.authoritative = true
	}
	// A join always resets short-lived correlation state.
	r.resetZoneState(ts)
	r.rebuildParty()

	// The first map index replaces a port-derived key for the zone we are
	// already in, so it is not reported as a change.
	if hasKey && key != prev && !(upgrade && prev != "") {
		r.logger.Info().Str("from", prev).Str("to", key).Msg("Zone changed (join)")
		return ZoneChange{Previous: prev, Current: key, Authoritative: true, Timestamp: ts}, true
	}
	return ZoneChange{}, false
}

func (r *Resolver) changeZone(key string, authoritative bool, ts time.Time) (ZoneChange, bool) {
	prev := r.zone
	r.zone = key
	if authoritative {
		r.authoritative = true
	}
	if prev == key {
		return ZoneChange{}, false
	}
	if prev == "" {
		// First zone seen; nothing to reset.
		return ZoneChange{Current: key, Authoritative: authoritative, Timestamp: ts}, true
	}
	r.resetZoneState(ts)
	if r.hasPrimary {
		// Entity ids are per zone; look for the new one without
		// replacing the primary.
		r.selfStale = true
	}
	r.rebuildParty()
	r.logger.Info().Str("from", prev).Str("to", key).Bool("authoritative", authoritative).Msg("Zone changed")
	return ZoneChange{Previous: prev, Current: key, Authoritative: authoritative, Timestamp: ts}, true
}

// resetZoneState drops correlation and candidate state. Confirmed self
// identity is kept, and the match roster survives only while fresh.
func (r *Resolver) resetZoneState(ts time.Time) {
	r.targets = make(map[int64]time.Time)
	r.targetLog = nil
	r.outbound = nil
	r.candidates = make(map[int64]*candidate)

	if len(r.matchNames) > 0 && ts.Sub(r.matchTouched) > r.cfg.MatchRosterTTL {
		r.logger.Debug().Msg("Match roster expired")
		r.clearMatch()
	}
}

// sweep evicts everything older than its TTL relative to ts.
func (r *Resolver) sweep(ts time.Time) {
	for id, at := range r.targets {
		if ts.Sub(at) > r.cfg.TargetTTL {
			delete(r.targets, id)
		}
	}
	r.targetLog = trimRequests(r.targetLog, ts.Add(-r.cfg.NameWindow))
	r.outbound = trimTimes(r.outbound, ts.Add(-r.cfg.OutboundWindow))
	for id, c := range r.candidates {
		if ts.Sub(c.lastSeen) > r.cfg.CandidateTTL {
			delete(r.candidates, id)
		}
	}
}

func trimTimes(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func trimRequests(reqs []targetRequest, cutoff time.Time) []targetRequest {
	i := 0
	for i < len(reqs) && reqs[i].ts.Before(cutoff) {
		i++
	}
	return reqs[i:]
}

// mapKey reads a map index, which is sent as either a string or a number.
func mapKey(p protocol.Parameters, key byte) (string, bool) {
	v, ok := p.Get(key)
	if !ok {
		return "", false
	}
	if s, ok := protocol.AsString(v); ok && s != "" {
		return s, true
	}
	if n, ok := protocol.AsInt64(v); ok {
		return strconv.FormatInt(n, 10), true
	}
	return "", false
}

// Allows reports whether combat involving id should count for the meter.
func (r *Resolver) Allows(id int64) bool {
	if r.enemies.has(id) {
		return false
	}
	if !r.cfg.Strict && r.partyEmpty() {
		return true
	}
	if len(r.selfIDs) > 0 && (r.selfIDs.has(id) || r.partyIDs.has(id)) {
		return true
	}
	name, ok := r.reg.Lookup(id)
	if !ok {
		return false
	}
	return r.partyNames.has(name) || (r.selfName != "" && name == r.selfName)
}

func (r *Resolver) partyEmpty() bool {
	return len(r.partyGUIDs) == 0 && len(r.seedNames) == 0 && len(r.friends) == 0
}

// Zone returns the current zone key.
func (r *Resolver) Zone() string {
	return r.zone
}

// Primary returns the primary self id, if resolved.
func (r *Resolver) Primary() (int64, bool) {
	return r.primary, r.hasPrimary
}

// IsSelf reports whether id is currently treated as self.
func (r *Resolver) IsSelf(id int64) bool {
	return r.selfIDs.has(id)
}

// SelfName returns the self display name and whether it is confirmed.
func (r *Resolver) SelfName() (string, bool) {
	return r.selfName, r.nameFirm
}

// PartyNames returns the current party name set, sorted.
func (r *Resolver) PartyNames() []string {
	return r.partyNames.sorted()
}

// PartyIDs returns the current party id set, sorted.
func (r *Resolver) PartyIDs() []int64 {
	return r.partyIDs.sorted()
}

// CandidateView is one self-id candidate as exposed to consumers.
type CandidateView struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name,omitempty"`
	Score      float64 `json:"score"`
	LinkHits   int     `json:"link_hits"`
	CombatHits int     `json:"combat_hits"`
}

// View is an immutable copy of the identity state.
type View struct {
	Zone              string          `json:"zone"`
	ZoneAuthoritative bool            `json:"zone_authoritative"`
	PrimarySelfID     int64           `json:"primary_self_id"`
	HasPrimary        bool            `json:"has_primary"`
	SelfIDs           []int64         `json:"self_ids"`
	SelfName          string          `json:"self_name"`
	SelfNameConfirmed bool            `json:"self_name_confirmed"`
	PartyNames        []string        `json:"party_names"`
	PartyIDs          []int64         `json:"party_ids"`
	MatchRoster       []string        `json:"match_roster"`
	MatchFriends      []int64         `json:"match_friends"`
	MatchEnemies      []int64         `json:"match_enemies"`
	Candidates        []CandidateView `json:"candidates"`
}

// View returns a snapshot of the current identity state.
func (r *Resolver) View() View {
	v := View{
		Zone:              r.zone,
		ZoneAuthoritative: r.authoritative,
		PrimarySelfID:     r.primary,
		HasPrimary:        r.hasPrimary,
		SelfIDs:           r.selfIDs.sorted(),
		SelfName:          r.selfName,
		SelfNameConfirmed: r.nameFirm,
		PartyNames:        r.partyNames.sorted(),
		PartyIDs:          r.partyIDs.sorted(),
		MatchRoster:       r.matchNames.sorted(),
		MatchFriends:      r.friends.sorted(),
		MatchEnemies:      r.enemies.sorted(),
	}
	for _, id := range r.rankedCandidates() {
		c := r.candidates[id]
		name, _ := r.reg.Lookup(id)
		v.Candidates = append(v.Candidates, CandidateView{
			ID: id, Name: name, Score: c.score, LinkHits: c.linkHits, CombatHits: c.combatHits,
		})
	}
	return v
}
