package identity

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/photonmeter/internal/combat"
	"github.com/energizer-project/photonmeter/internal/photon"
	"github.com/energizer-project/photonmeter/internal/protocol"
	"github.com/energizer-project/photonmeter/internal/registry"
)

var (
	t0     = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	codes  = protocol.DefaultCodes()
	client = netip.MustParseAddrPort("192.168.1.10:51000")
	server = netip.MustParseAddrPort("5.45.187.10:5056")
)

type fixture struct {
	t   *testing.T
	reg *registry.Memory
	r   *Resolver
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	reg := registry.NewMemory(codes)
	r, err := New(cfg, codes, reg)
	require.NoError(t, err)
	return &fixture{t: t, reg: reg, r: r}
}

func at(ms int) time.Time {
	return t0.Add(time.Duration(ms) * time.Millisecond)
}

func guid(b byte) protocol.GUID {
	var g protocol.GUID
	g[0], g[15] = b, b
	return g
}

func guidArray(gs ...protocol.GUID) protocol.Array {
	arr := protocol.Array{Elem: protocol.TypeByteArray}
	for _, g := range gs {
		arr.Items = append(arr.Items, protocol.ByteArray(append([]byte(nil), g[:]...)))
	}
	return arr
}

func (f *fixture) outbound(ts time.Time) {
	f.r.ObservePacket(photon.Packet{Timestamp: ts, Src: client, Dst: server})
}

func (f *fixture) target(id int64, ts time.Time) {
	f.r.ObserveMessage(&photon.Decoded{Request: &protocol.OperationRequest{Code: 1, Params: protocol.Parameters{
		codes.TargetIDKey:      protocol.Long(id),
		codes.OperationCodeKey: protocol.Short(int16(codes.OpTargetRequest)),
	}}}, ts)
}

func (f *fixture) event(sub int, p protocol.Parameters, ts time.Time) (ZoneChange, bool) {
	if p == nil {
		p = protocol.Parameters{}
	}
	p[codes.EventCodeKey] = protocol.Short(int16(sub))
	return f.r.ObserveMessage(&photon.Decoded{Event: &protocol.Event{Code: 1, Params: p}}, ts)
}

func (f *fixture) join(id int64, name string, mapIndex string, ts time.Time) (ZoneChange, bool) {
	p := protocol.Parameters{
		codes.JoinSelfIDKey:    protocol.Long(id),
		codes.JoinNameKey:      protocol.String(name),
		codes.OperationCodeKey: protocol.Short(int16(codes.OpJoin)),
	}
	if mapIndex != "" {
		p[codes.JoinMapKey] = protocol.String(mapIndex)
	}
	return f.r.ObserveMessage(&photon.Decoded{Response: &protocol.OperationResponse{Code: 1, Params: p}}, ts)
}

func (f *fixture) hit(src, dst int64, kind combat.Kind, ts time.Time) {
	f.r.ObserveCombat(combat.Event{Timestamp: ts, Source: src, Target: dst, Amount: 10, Kind: kind})
}

// correlatedHit targets dst, sends an outbound packet and reports src hitting
// dst shortly after.
func (f *fixture) correlatedHit(src, dst int64, ms int) {
	f.target(dst, at(ms))
	f.outbound(at(ms))
	f.hit(src, dst, combat.Damage, at(ms+200))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CandidateTTL = 0
	_, err := New(cfg, codes, registry.NewMemory(codes))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.NameConfirmCount = 1
	_, err = New(cfg, codes, registry.NewMemory(codes))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.NameMinGap = -1
	_, err = New(cfg, codes, registry.NewMemory(codes))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestJoinIsAuthoritative(t *testing.T) {
	f := newFixture(t, nil)

	change, changed := f.join(42, "Alice", "1000", at(0))
	assert.True(t, changed)
	assert.Equal(t, "1000", change.Current)
	assert.True(t, change.Authoritative)

	id, ok := f.r.Primary()
	require.True(t, ok)
	assert.Equal(t, int64(42), id)
	name, firm := f.r.SelfName()
	assert.Equal(t, "Alice", name)
	assert.True(t, firm)
	assert.True(t, f.r.IsSelf(42))

	looked, _ := f.reg.Lookup(42)
	assert.Equal(t, "Alice", looked)

	// Heuristic evidence cannot replace the primary.
	for i := 0; i < 10; i++ {
		f.correlatedHit(7, 500, i*1000)
	}
	id, _ = f.r.Primary()
	assert.Equal(t, int64(42), id)
	assert.False(t, f.r.IsSelf(7))

	// A new join replaces it.
	f.join(43, "Alice", "1000", at(20000))
	id, _ = f.r.Primary()
	assert.Equal(t, int64(43), id)
	assert.False(t, f.r.IsSelf(42))
}

func TestHeuristicSelfResolution(t *testing.T) {
	f := newFixture(t, nil)

	f.correlatedHit(7, 500, 0)
	f.correlatedHit(7, 500, 1000)
	_, ok := f.r.Primary()
	assert.False(t, ok, "two hits are below the minimum score")

	f.correlatedHit(7, 500, 2000)
	id, ok := f.r.Primary()
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
}

func TestHeuristicNeedsOutboundCorrelation(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 5; i++ {
		f.target(500, at(i*5000))
		f.outbound(at(i * 5000))
		// Well outside the correlation window.
		f.hit(7, 500, combat.Damage, at(i*5000+2000))
	}
	_, ok := f.r.Primary()
	assert.False(t, ok)
	assert.Empty(t, f.r.View().Candidates)
}

func TestHeuristicRequiresGap(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 4; i++ {
		f.correlatedHit(7, 500, i*1000)
		f.correlatedHit(8, 500, i*1000+300)
	}
	_, ok := f.r.Primary()
	assert.False(t, ok, "two equally scored candidates stay ambiguous")
}

func TestZeroCombatHitsNeverAccepted(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MinScore = 0.5; c.MinGap = 0 })

	for i := 0; i < 20; i++ {
		f.target(500, at(i*100))
		f.event(codes.CombatTargetLink, protocol.Parameters{
			codes.LinkAttackerKey: protocol.Long(9),
			codes.LinkDefenderKey: protocol.Long(500),
		}, at(i*100))
	}
	_, ok := f.r.Primary()
	assert.False(t, ok)

	view := f.r.View()
	require.Len(t, view.Candidates, 1)
	assert.Equal(t, int64(9), view.Candidates[0].ID)
	assert.Equal(t, 20, view.Candidates[0].LinkHits)
	assert.Equal(t, 0, view.Candidates[0].CombatHits)
	assert.InDelta(t, 10.0, view.Candidates[0].Score, 1e-9)
}

func TestCandidatesExpire(t *testing.T) {
	f := newFixture(t, nil)
	f.correlatedHit(7, 500, 0)
	f.correlatedHit(7, 500, 1000)
	require.Len(t, f.r.View().Candidates, 1)

	f.outbound(at(40000))
	assert.Empty(t, f.r.View().Candidates)
}

func TestNameConfirmedResolution(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MinScore = 100 })
	f.reg.Record(7, "Alice")
	f.reg.Record(500, "Alice")

	// Repeated targeting of an "Alice" entity establishes the self name.
	for i := 0; i < 6; i++ {
		f.target(500, at(i*100))
	}
	name, firm := f.r.SelfName()
	assert.Equal(t, "Alice", name)
	assert.True(t, firm)

	f.correlatedHit(7, 501, 1000)
	_, ok := f.r.Primary()
	assert.False(t, ok, "no link hit yet")

	f.target(501, at(1500))
	f.event(codes.CombatTargetLink, protocol.Parameters{
		codes.LinkAttackerKey: protocol.Long(7),
		codes.LinkDefenderKey: protocol.Long(501),
	}, at(1500))
	id, ok := f.r.Primary()
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
}

func TestSelfNameInference(t *testing.T) {
	f := newFixture(t, nil)
	f.reg.Record(1, "Alice")
	f.reg.Record(2, "Bob")
	f.reg.Record(3, "@MOB_WOLF")

	for i := 0; i < 5; i++ {
		f.target(3, at(i*10))
	}
	name, _ := f.r.SelfName()
	assert.Empty(t, name, "non-player names are ignored")

	f.target(1, at(100))
	f.target(2, at(200))
	f.target(2, at(300))
	f.target(1, at(400))
	f.target(1, at(500))
	name, _ = f.r.SelfName()
	assert.Empty(t, name, "three to two is below the ratio")

	f.target(1, at(600))
	name, firm := f.r.SelfName()
	assert.Equal(t, "Alice", name)
	assert.False(t, firm)

	f.target(1, at(700))
	f.target(1, at(800))
	_, firm = f.r.SelfName()
	assert.True(t, firm)
}

func TestSelfNameNeedsCountGap(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.NameRatio = 1
		c.NameMinGap = 2
	})
	f.reg.Record(1, "Alice")
	f.reg.Record(2, "Bob")

	for i, id := range []int64{1, 2, 1, 2, 1} {
		f.target(id, at(i*100))
	}
	name, _ := f.r.SelfName()
	assert.Empty(t, name, "three to two is inside the gap")

	f.target(1, at(500))
	name, _ = f.r.SelfName()
	assert.Equal(t, "Alice", name)
}

func TestPartyRosterSetEquality(t *testing.T) {
	f := newFixture(t, nil)
	g1, g2, g3 := guid(1), guid(2), guid(3)

	f.event(codes.PartyRoster, protocol.Parameters{
		codes.PartyRosterGUIDsKey: guidArray(g1, g2),
		codes.PartyRosterNamesKey: protocol.StringArray{"Alice", "Bob"},
	}, at(0))
	assert.Equal(t, []string{"Alice", "Bob"}, f.r.PartyNames())

	f.event(codes.PartyMemberJoined, protocol.Parameters{
		codes.PartyMemberGUIDKey: protocol.ByteArray(g3[:]),
		codes.PartyMemberNameKey: protocol.String("Carol"),
	}, at(1))
	assert.Equal(t, []string{"Alice", "Bob", "Carol"}, f.r.PartyNames())

	f.event(codes.PartyMemberLeft, protocol.Parameters{
		codes.PartyMemberGUIDKey: protocol.ByteArray(g1[:]),
	}, at(2))
	assert.Equal(t, []string{"Bob", "Carol"}, f.r.PartyNames())

	// A roster replacement drops everyone not in it.
	f.event(codes.PartyRoster, protocol.Parameters{
		codes.PartyRosterGUIDsKey: guidArray(g2),
		codes.PartyRosterNamesKey: protocol.StringArray{"Bob"},
	}, at(3))
	assert.Equal(t, []string{"Bob"}, f.r.PartyNames())

	// Mismatched lengths are ignored.
	f.event(codes.PartyRoster, protocol.Parameters{
		codes.PartyRosterGUIDsKey: guidArray(g1, g2),
		codes.PartyRosterNamesKey: protocol.StringArray{"Alice"},
	}, at(4))
	assert.Equal(t, []string{"Bob"}, f.r.PartyNames())
}

func TestPartyIDsRebuiltFromRoster(t *testing.T) {
	f := newFixture(t, nil)
	f.join(42, "Me", "", at(0))
	f.reg.Record(100, "Alice")
	f.reg.Record(200, "Bob")

	f.event(codes.PartyRoster, protocol.Parameters{
		codes.PartyRosterGUIDsKey: guidArray(guid(1), guid(2)),
		codes.PartyRosterNamesKey: protocol.StringArray{"Alice", "Bob"},
	}, at(1))
	assert.Equal(t, []int64{42, 100, 200}, f.r.PartyIDs())

	f.event(codes.PartyRoster, protocol.Parameters{
		codes.PartyRosterGUIDsKey: guidArray(guid(1)),
		codes.PartyRosterNamesKey: protocol.StringArray{"Alice"},
	}, at(2))
	assert.Equal(t, []int64{42, 100}, f.r.PartyIDs())
}

func TestDisbandShapeValidated(t *testing.T) {
	f := newFixture(t, nil)
	f.event(codes.PartyRoster, protocol.Parameters{
		codes.PartyRosterGUIDsKey: guidArray(guid(1)),
		codes.PartyRosterNamesKey: protocol.StringArray{"Alice"},
	}, at(0))

	f.event(codes.PartyDisbanded, protocol.Parameters{0: protocol.Int(1), 1: protocol.String("x")}, at(1))
	assert.Equal(t, []string{"Alice"}, f.r.PartyNames(), "two extra params is not a disband")

	f.event(codes.PartyDisbanded, protocol.Parameters{0: protocol.String("x")}, at(2))
	assert.Equal(t, []string{"Alice"}, f.r.PartyNames(), "non-integer param is not a disband")

	f.event(codes.PartyDisbanded, protocol.Parameters{0: protocol.Int(77)}, at(3))
	assert.Empty(t, f.r.PartyNames())
}

func TestPartyShapeFallback(t *testing.T) {
	f := newFixture(t, nil)
	unknown := codes.PartyRangeMin + 1
	require.NotContains(t, []int{codes.PartyRoster, codes.PartyMemberJoined, codes.PartyDisbanded}, unknown)

	f.event(unknown, protocol.Parameters{
		3: guidArray(guid(1), guid(2)),
		9: protocol.StringArray{"Alice", "Bob"},
		1: protocol.Int(5),
	}, at(0))
	assert.Equal(t, []string{"Alice", "Bob"}, f.r.PartyNames())

	g := guid(3)
	f.event(unknown, protocol.Parameters{
		4: protocol.ByteArray(g[:]),
		5: protocol.String("Carol"),
	}, at(1))
	assert.Equal(t, []string{"Alice", "Bob", "Carol"}, f.r.PartyNames())

	// A sentence is not a player name.
	g4 := guid(4)
	f.event(unknown, protocol.Parameters{
		4: protocol.ByteArray(g4[:]),
		5: protocol.String("hello there"),
	}, at(2))
	assert.Len(t, f.r.PartyNames(), 3)
}

func TestAllows(t *testing.T) {
	t.Run("non-strict empty party allows everyone", func(t *testing.T) {
		f := newFixture(t, nil)
		assert.True(t, f.r.Allows(12345))
	})

	t.Run("strict before self uses names", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.Strict = true })
		f.reg.Record(1, "Alice")
		f.reg.Record(2, "Mallory")
		f.event(codes.PartyRoster, protocol.Parameters{
			codes.PartyRosterGUIDsKey: guidArray(guid(1)),
			codes.PartyRosterNamesKey: protocol.StringArray{"Alice"},
		}, at(0))
		assert.True(t, f.r.Allows(1))
		assert.False(t, f.r.Allows(2))
		assert.False(t, f.r.Allows(3))
	})

	t.Run("strict with self uses ids", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.Strict = true })
		f.join(42, "Me", "", at(0))
		assert.True(t, f.r.Allows(42))
		assert.False(t, f.r.Allows(43))
	})

	t.Run("seeded names", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.SeedNames = []string{"Dave"} })
		f.reg.Record(5, "Dave")
		assert.True(t, f.r.Allows(5))
		assert.False(t, f.r.Allows(6))
	})
}

func TestZoneChangeResetsCorrelationButKeepsSelf(t *testing.T) {
	f := newFixture(t, nil)
	f.join(42, "Me", "1000", at(0))

	f.correlatedHit(7, 500, 100)
	assert.Empty(t, f.r.View().Candidates, "no scoring while self is known")

	change, ok := f.r.ObserveMessage(&photon.Decoded{Response: &protocol.OperationResponse{Code: 1, Params: protocol.Parameters{
		codes.ClusterMapKey:    protocol.String("2000"),
		codes.OperationCodeKey: protocol.Short(int16(codes.OpChangeCluster)),
	}}}, at(200))
	require.True(t, ok)
	assert.Equal(t, "1000", change.Previous)
	assert.Equal(t, "2000", change.Current)
	assert.True(t, change.Authoritative)

	view := f.r.View()
	assert.Equal(t, int64(42), view.PrimarySelfID)
	assert.Equal(t, "Me", view.SelfName)
	assert.Equal(t, "2000", f.r.Zone())

	// Ids are per zone, so evidence is collected again without touching
	// the primary.
	f.correlatedHit(7, 500, 1000)
	f.correlatedHit(7, 500, 2000)
	f.correlatedHit(7, 500, 3000)
	assert.True(t, f.r.IsSelf(7))
	id, _ := f.r.Primary()
	assert.Equal(t, int64(42), id)
}

func TestPortZoneHeuristic(t *testing.T) {
	f := newFixture(t, nil)
	change, ok := f.r.ObservePacket(photon.Packet{Timestamp: at(0), Src: client, Dst: server})
	require.True(t, ok)
	assert.False(t, change.Authoritative)
	assert.Equal(t, server.String(), change.Current)

	_, ok = f.r.ObservePacket(photon.Packet{Timestamp: at(1), Src: server, Dst: client})
	assert.False(t, ok, "same endpoint is the same zone")

	// The first map index takes over the same zone silently.
	_, ok = f.join(42, "Me", "1000", at(2))
	assert.False(t, ok)
	assert.Equal(t, "1000", f.r.Zone())

	// Port changes no longer move the zone once a map index is known.
	other := netip.MustParseAddrPort("5.45.187.11:5056")
	_, ok = f.r.ObservePacket(photon.Packet{Timestamp: at(3), Src: client, Dst: other})
	assert.False(t, ok)
	assert.Equal(t, "1000", f.r.Zone())

	// Traffic on other ports is ignored.
	_, ok = f.r.ObservePacket(photon.Packet{Timestamp: at(4), Src: client, Dst: netip.MustParseAddrPort("1.1.1.1:443")})
	assert.False(t, ok)
}

func matchSetup(t *testing.T) *fixture {
	f := newFixture(t, nil)
	f.join(42, "Me", "1000", at(0))
	f.reg.Record(10, "Ally")
	f.reg.Record(20, "Foe")
	f.event(codes.MatchRoster, protocol.Parameters{
		codes.MatchRosterNamesKey: protocol.StringArray{"Me", "Ally", "Foe", "Foe2"},
	}, at(10))
	return f
}

func TestMatchRosterClassification(t *testing.T) {
	f := matchSetup(t)
	assert.Equal(t, []string{"Ally", "Me"}, f.r.View().MatchRoster, "even split keeps our half")

	f.hit(42, 10, combat.Heal, at(20))
	f.hit(20, 42, combat.Damage, at(30))

	view := f.r.View()
	assert.Equal(t, []int64{10}, view.MatchFriends)
	assert.Equal(t, []int64{20}, view.MatchEnemies)
	assert.Contains(t, view.PartyIDs, int64(10))
	assert.True(t, f.r.Allows(10))
	assert.False(t, f.r.Allows(20))

	// An unnamed id waits until its name is known.
	f.hit(42, 30, combat.Damage, at(40))
	assert.NotContains(t, f.r.View().MatchEnemies, int64(30))
	f.reg.Record(30, "Foe2")
	f.hit(42, 20, combat.Damage, at(50))
	assert.Contains(t, f.r.View().MatchEnemies, int64(30))
}

func TestMatchRosterSurvivesZoneChangeWithinTTL(t *testing.T) {
	f := matchSetup(t)
	f.hit(42, 10, combat.Heal, at(20))

	f.join(42, "Me", "2000", at(60_000))
	assert.NotEmpty(t, f.r.View().MatchRoster)
	assert.Equal(t, []int64{10}, f.r.View().MatchFriends)

	f.join(42, "Me", "3000", at(60_000+6*60_000))
	assert.Empty(t, f.r.View().MatchRoster)
	assert.Empty(t, f.r.View().MatchFriends)
}
