package identity

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/energizer-project/photonmeter/internal/combat"
	"github.com/energizer-project/photonmeter/internal/protocol"
)

// observeRoster replaces the roster with a full GUID/name snapshot.
func (r *Resolver) observeRoster(p protocol.Parameters) {
	guids, ok := protocol.GUIDs(p[r.codes.PartyRosterGUIDsKey])
	names, namesOK := protocol.Strings(p[r.codes.PartyRosterNamesKey])
	if !ok || !namesOK || len(guids) != len(names) {
		r.logger.Debug().Msg("Ignoring malformed party roster")
		return
	}
	r.replaceRoster(guids, names)
}

func (r *Resolver) replaceRoster(guids []protocol.GUID, names []string) {
	r.partyGUIDs = make(map[protocol.GUID]string, len(guids))
	for i, g := range guids {
		if g.IsZero() {
			continue
		}
		r.partyGUIDs[g] = names[i]
	}
	r.rebuildParty()
	r.logger.Info().Strs("members", r.partyNames.sorted()).Msg("Party roster replaced")
}

func (r *Resolver) observeMemberJoined(p protocol.Parameters) {
	g, ok := p.GUID(r.codes.PartyMemberGUIDKey)
	name, nameOK := p.String(r.codes.PartyMemberNameKey)
	if !ok || !nameOK || g.IsZero() || !r.isPlayerName(name) {
		return
	}
	r.partyGUIDs[g] = name
	r.rebuildParty()
	r.logger.Info().Str("name", name).Msg("Party member joined")
}

func (r *Resolver) observeMemberLeft(p protocol.Parameters) {
	g, ok := p.GUID(r.codes.PartyMemberGUIDKey)
	if !ok {
		return
	}
	name, tracked := r.partyGUIDs[g]
	if !tracked {
		return
	}
	delete(r.partyGUIDs, g)
	r.rebuildParty()
	r.logger.Info().Str("name", name).Msg("Party member left")
}

// observeDisband clears the roster. The sub-type is shared with other
// messages, so only the exact shape of one integer parameter besides the
// sub-type key is accepted.
func (r *Resolver) observeDisband(p protocol.Parameters) {
	var extra []protocol.Value
	for k, v := range p {
		if k == r.codes.EventCodeKey {
			continue
		}
		extra = append(extra, v)
	}
	if len(extra) != 1 {
		return
	}
	if _, ok := protocol.AsInt64(extra[0]); !ok {
		return
	}
	if len(r.partyGUIDs) == 0 {
		return
	}
	r.partyGUIDs = make(map[protocol.GUID]string)
	r.rebuildParty()
	r.logger.Info().Msg("Party disbanded")
}

// observePartyShape pattern-matches unknown sub-types in the party range:
// a GUID array with a same-length name array is a roster snapshot, and a
// lone GUID with a lone plausible player name is a member join.
func (r *Resolver) observePartyShape(code int, p protocol.Parameters) {
	var (
		guidLists [][]protocol.GUID
		nameLists [][]string
		guids     []protocol.GUID
		names     []string
	)
	for _, k := range p.Keys() {
		if k == r.codes.EventCodeKey {
			continue
		}
		v := p[k]
		if gs, ok := protocol.GUIDs(v); ok && len(gs) > 0 {
			guidLists = append(guidLists, gs)
			continue
		}
		if ns, ok := protocol.Strings(v); ok && len(ns) > 0 {
			nameLists = append(nameLists, ns)
			continue
		}
		if g, ok := protocol.AsGUID(v); ok {
			guids = append(guids, g)
			continue
		}
		if s, ok := protocol.AsString(v); ok {
			names = append(names, s)
		}
	}

	for _, gs := range guidLists {
		for _, ns := range nameLists {
			if len(gs) == len(ns) && r.allPlayerNames(ns) {
				r.logger.Debug().Int("code", code).Msg("Roster matched by shape")
				r.replaceRoster(gs, ns)
				return
			}
		}
	}

	if len(guidLists) == 0 && len(nameLists) == 0 && len(guids) == 1 && len(names) == 1 &&
		!guids[0].IsZero() && plausiblePlayerName(names[0]) && r.isPlayerName(names[0]) {
		r.logger.Debug().Int("code", code).Str("name", names[0]).Msg("Member matched by shape")
		r.partyGUIDs[guids[0]] = names[0]
		r.rebuildParty()
	}
}

func (r *Resolver) allPlayerNames(names []string) bool {
	for _, n := range names {
		if !r.isPlayerName(n) {
			return false
		}
	}
	return true
}

// plausiblePlayerName accepts single-word names of a player-like length.
func plausiblePlayerName(name string) bool {
	n := utf8.RuneCountInString(name)
	return n >= 2 && n <= 32 && !strings.ContainsAny(name, " \t\r\n")
}

// observeMatchRoster captures an instanced-content scoreboard. When the
// list splits evenly and the self name is in one half, only that half is
// kept as our side.
func (r *Resolver) observeMatchRoster(p protocol.Parameters, ts time.Time) {
	all, ok := protocol.Strings(p[r.codes.MatchRosterNamesKey])
	if !ok || len(all) == 0 {
		return
	}
	names := all
	if half := len(names) / 2; len(names)%2 == 0 && r.selfName != "" {
		switch {
		case contains(names[:half], r.selfName):
			names = names[:half]
		case contains(names[half:], r.selfName):
			names = names[half:]
		}
	}

	r.clearMatch()
	for _, n := range all {
		if r.isPlayerName(n) {
			r.matchAll[n] = struct{}{}
		}
	}
	for _, n := range names {
		if r.isPlayerName(n) {
			r.matchNames[n] = struct{}{}
		}
	}
	r.matchTouched = ts
	r.rebuildParty()
	r.logger.Info().Int("players", len(r.matchNames)).Msg("Match roster captured")
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func (r *Resolver) clearMatch() {
	r.matchNames = make(nameSet)
	r.matchAll = make(nameSet)
	r.friends = make(idSet)
	r.enemies = make(idSet)
	r.pending = make(map[int64]bool)
}

// classify marks match roster members as friend or enemy depending on
// whether they act with or against a known party member. Ids whose name is
// not known yet are parked in pending until a lookup succeeds.
func (r *Resolver) classify(ev combat.Event) {
	if len(r.matchNames) == 0 {
		return
	}
	r.matchTouched = ev.Timestamp
	r.retryPending()

	if ev.Source == ev.Target {
		return
	}
	srcOurs := r.ours(ev.Source)
	dstOurs := r.ours(ev.Target)
	if srcOurs == dstOurs {
		return
	}
	other := ev.Target
	if dstOurs {
		other = ev.Source
	}
	friend := ev.Kind == combat.Heal
	r.place(other, friend)
}

func (r *Resolver) ours(id int64) bool {
	if r.selfIDs.has(id) {
		return true
	}
	if r.enemies.has(id) {
		return false
	}
	if r.partyIDs.has(id) {
		return true
	}
	name, ok := r.reg.Lookup(id)
	return ok && (r.partyNames.has(name) || (r.selfName != "" && name == r.selfName))
}

func (r *Resolver) place(id int64, friend bool) {
	name, ok := r.reg.Lookup(id)
	if !ok {
		r.pending[id] = friend
		return
	}
	delete(r.pending, id)
	if !r.matchAll.has(name) {
		return
	}
	switch {
	case friend && r.matchNames.has(name):
		r.markFriend(id, name)
	case !friend:
		r.markEnemy(id, name)
	}
}

func (r *Resolver) retryPending() {
	for id, friend := range r.pending {
		if _, ok := r.reg.Lookup(id); ok {
			r.place(id, friend)
		}
	}
}

func (r *Resolver) markFriend(id int64, name string) {
	if r.friends.has(id) {
		return
	}
	delete(r.enemies, id)
	r.friends[id] = struct{}{}
	r.rebuildParty()
	r.logger.Info().Int64("id", id).Str("name", name).Msg("Match friend")
}

func (r *Resolver) markEnemy(id int64, name string) {
	if r.enemies.has(id) || r.selfIDs.has(id) {
		return
	}
	delete(r.friends, id)
	r.enemies[id] = struct{}{}
	r.rebuildParty()
	r.logger.Info().Int64("id", id).Str("name", name).Msg("Match enemy")
}

// rebuildParty recomputes the derived party sets from scratch so ids from
// an earlier roster never carry over.
func (r *Resolver) rebuildParty() {
	names := make(nameSet, len(r.partyGUIDs)+len(r.seedNames))
	for _, n := range r.partyGUIDs {
		names[n] = struct{}{}
	}
	for n := range r.seedNames {
		names[n] = struct{}{}
	}
	r.partyNames = names

	ids := make(idSet, len(r.selfIDs))
	for id := range r.selfIDs {
		ids[id] = struct{}{}
	}
	for id, name := range r.reg.Names() {
		if names.has(name) {
			ids[id] = struct{}{}
		}
	}
	for id, g := range r.reg.GUIDs() {
		if _, ok := r.partyGUIDs[g]; ok {
			ids[id] = struct{}{}
		}
	}
	for id := range r.friends {
		ids[id] = struct{}{}
	}
	for id := range r.enemies {
		delete(ids, id)
	}
	r.partyIDs = ids
}
