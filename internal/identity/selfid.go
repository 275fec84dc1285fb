package identity

import (
	"sort"
	"strings"
	"time"

	"github.com/energizer-project/photonmeter/internal/combat"
	"github.com/energizer-project/photonmeter/internal/protocol"
)

// searching reports whether self-id evidence is still being collected:
// before any self id is known, or after a zone change invalidated it.
func (r *Resolver) searching() bool {
	return !r.hasPrimary || r.selfStale
}

func (r *Resolver) observeTarget(id int64, ts time.Time) {
	r.targets[id] = ts
	r.targetLog = append(r.targetLog, targetRequest{id: id, ts: ts})
	r.inferSelfName()
}

func (r *Resolver) targetFresh(id int64, ts time.Time) bool {
	at, ok := r.targets[id]
	return ok && ts.Sub(at) <= r.cfg.TargetTTL
}

// outboundNear reports whether an outbound packet was seen within the
// correlation window of ts.
func (r *Resolver) outboundNear(ts time.Time) bool {
	for i := len(r.outbound) - 1; i >= 0; i-- {
		d := ts.Sub(r.outbound[i])
		if d < 0 {
			d = -d
		}
		if d <= r.cfg.OutboundWindow {
			return true
		}
		if r.outbound[i].Before(ts) {
			break
		}
	}
	return false
}

func (r *Resolver) candidate(id int64) *candidate {
	c, ok := r.candidates[id]
	if !ok {
		c = &candidate{}
		r.candidates[id] = c
	}
	return c
}

// scoreCombat awards the source of an event whose target we just requested,
// close to one of our own outbound packets.
func (r *Resolver) scoreCombat(ev combat.Event) {
	if !r.searching() || ev.Source == ev.Target || r.selfIDs.has(ev.Source) {
		return
	}
	if !r.targetFresh(ev.Target, ev.Timestamp) || !r.outboundNear(ev.Timestamp) {
		return
	}
	c := r.candidate(ev.Source)
	c.score += r.cfg.CombatWeight
	c.combatHits++
	c.lastSeen = ev.Timestamp
	r.resolve()
}

// observeLink handles the attacker/defender pairing event. When exactly
// one side is a requested target, the other side earns a link hit.
func (r *Resolver) observeLink(p protocol.Parameters, ts time.Time) {
	if !r.searching() {
		return
	}
	a, okA := p.Int64(r.codes.LinkAttackerKey)
	b, okB := p.Int64(r.codes.LinkDefenderKey)
	if !okA || !okB || a == b {
		return
	}
	aT, bT := r.targetFresh(a, ts), r.targetFresh(b, ts)
	var other int64
	switch {
	case aT && !bT:
		other = b
	case bT && !aT:
		other = a
	default:
		return
	}
	if r.selfIDs.has(other) {
		return
	}
	c := r.candidate(other)
	c.score += r.cfg.LinkWeight
	c.linkHits++
	c.lastSeen = ts
	r.resolve()
}

// rankedCandidates returns candidate ids by descending score, ties broken
// by id so the order is deterministic.
func (r *Resolver) rankedCandidates() []int64 {
	ids := make([]int64, 0, len(r.candidates))
	for id := range r.candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := r.candidates[ids[i]], r.candidates[ids[j]]
		if a.score != b.score {
			return a.score > b.score
		}
		return ids[i] < ids[j]
	})
	return ids
}

// resolve accepts a candidate once the evidence is unambiguous. Nothing is
// accepted without at least one combat hit.
func (r *Resolver) resolve() {
	if !r.searching() || len(r.candidates) == 0 {
		return
	}

	if r.selfName != "" && r.nameFirm {
		var match int64
		n := 0
		for id, c := range r.candidates {
			if c.combatHits < 1 || c.linkHits < 1 {
				continue
			}
			if name, ok := r.reg.Lookup(id); ok && name == r.selfName {
				match = id
				n++
			}
		}
		if n == 1 {
			r.acceptSelf(match, "name")
			return
		}
	}

	ranked := r.rankedCandidates()
	top := r.candidates[ranked[0]]
	if top.combatHits < 1 || top.score < r.cfg.MinScore {
		return
	}
	second := 0.0
	if len(ranked) > 1 {
		second = r.candidates[ranked[1]].score
	}
	if top.score-second < r.cfg.MinGap {
		return
	}
	r.acceptSelf(ranked[0], "score")
}

func (r *Resolver) acceptSelf(id int64, via string) {
	c := r.candidates[id]
	ev := r.logger.Info().Int64("self_id", id).Str("via", via).Float64("score", c.score).
		Int("combat_hits", c.combatHits).Int("link_hits", c.linkHits)

	if !r.hasPrimary {
		r.primary = id
		r.hasPrimary = true
		ev.Msg("Self id resolved")
	} else {
		ev.Int64("primary", r.primary).Msg("Additional self id resolved after zone change")
	}
	r.selfIDs[id] = struct{}{}
	r.selfStale = false
	r.candidates = make(map[int64]*candidate)

	if r.selfName == "" {
		if name, ok := r.reg.Lookup(id); ok {
			r.selfName = name
		}
	}
	r.rebuildParty()
}

// isPlayerName filters out empty names and configured non-player markers.
func (r *Resolver) isPlayerName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || r.nonPlayer.has(name) {
		return false
	}
	for _, p := range r.cfg.NonPlayerPrefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return false
		}
	}
	return true
}

// inferSelfName adopts the display name that dominates recent target
// requests. The adopted name is confirmed once it clears the higher bar.
func (r *Resolver) inferSelfName() {
	if r.nameFirm {
		return
	}
	counts := make(map[string]int)
	for _, req := range r.targetLog {
		name, ok := r.reg.Lookup(req.id)
		if !ok || !r.isPlayerName(name) {
			continue
		}
		counts[name]++
	}

	type tally struct {
		name string
		n    int
	}
	ranked := make([]tally, 0, len(counts))
	for name, n := range counts {
		ranked = append(ranked, tally{name, n})
	}
	if len(ranked) == 0 {
		return
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].name < ranked[j].name
	})
	best, bestName, runnerUp := ranked[0].n, ranked[0].name, 0
	if len(ranked) > 1 {
		runnerUp = ranked[1].n
	}
	if best < r.cfg.NameMinCount || float64(best) < r.cfg.NameRatio*float64(runnerUp) || best-runnerUp < r.cfg.NameMinGap {
		return
	}
	if bestName != r.selfName {
		r.logger.Info().Str("name", bestName).Int("count", best).Msg("Self name inferred")
	}
	r.selfName = bestName
	if best >= r.cfg.NameConfirmCount {
		r.nameFirm = true
		r.logger.Info().Str("name", bestName).Msg("Self name confirmed")
	}
}
