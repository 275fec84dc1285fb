// Package registry maps entity ids to display names and GUIDs learned from
// traffic.
package registry

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/energizer-project/photonmeter/internal/photon"
	"github.com/energizer-project/photonmeter/internal/protocol"
	"github.com/energizer-project/photonmeter/internal/util"
)

// Registry is the name lookup the identity and meter layers depend on.
type Registry interface {
	// Observe learns associations from a decoded message.
	Observe(d *photon.Decoded)
	// Lookup returns the display name for an entity id.
	Lookup(id int64) (string, bool)
	// Record sets a name explicitly, overriding anything learned.
	Record(id int64, name string)
	// Names returns a copy of the id to name map.
	Names() map[int64]string
	// GUIDNames returns a copy of the GUID to name map.
	GUIDNames() map[protocol.GUID]string
	// GUIDs returns a copy of the id to GUID map.
	GUIDs() map[int64]protocol.GUID
}

// Memory is an in-memory Registry.
type Memory struct {
	mu        sync.RWMutex
	codes     protocol.Codes
	names     map[int64]string
	recorded  map[int64]struct{}
	guidNames map[protocol.GUID]string
	guids     map[int64]protocol.GUID
	logger    zerolog.Logger
}

// NewMemory creates an empty registry.
func NewMemory(codes protocol.Codes) *Memory {
	return &Memory{
		codes:     codes,
		names:     make(map[int64]string),
		recorded:  make(map[int64]struct{}),
		guidNames: make(map[protocol.GUID]string),
		guids:     make(map[int64]protocol.GUID),
		logger:    util.ComponentLogger("registry"),
	}
}

// Observe learns from join responses, character spawns and party rosters.
func (r *Memory) Observe(d *photon.Decoded) {
	if d == nil {
		return
	}
	c := r.codes
	switch {
	case d.Response != nil && d.Response.OpCode(c.OperationCodeKey) == c.OpJoin:
		r.learn(d.Response.Params, c.JoinSelfIDKey, c.JoinNameKey, c.JoinGUIDKey)

	case d.Event != nil:
		p := d.Event.Params
		switch d.Event.SubType(c.EventCodeKey) {
		case c.NewCharacter:
			r.learn(p, c.CharacterIDKey, c.CharacterNameKey, c.CharacterGUIDKey)
		case c.PartyRoster:
			guids, ok := protocol.GUIDs(p[c.PartyRosterGUIDsKey])
			names, namesOK := protocol.Strings(p[c.PartyRosterNamesKey])
			if !ok || !namesOK || len(guids) != len(names) {
				return
			}
			r.mu.Lock()
			for i, g := range guids {
				r.setGUIDName(g, names[i])
			}
			r.mu.Unlock()
		case c.PartyMemberJoined:
			g, ok := p.GUID(c.PartyMemberGUIDKey)
			name, nameOK := p.String(c.PartyMemberNameKey)
			if ok && nameOK {
				r.mu.Lock()
				r.setGUIDName(g, name)
				r.mu.Unlock()
			}
		}
	}
}

func (r *Memory) learn(p protocol.Parameters, idKey, nameKey, guidKey byte) {
	id, ok := p.Int64(idKey)
	if !ok {
		return
	}
	name, hasName := p.String(nameKey)
	g, hasGUID := p.GUID(guidKey)

	r.mu.Lock()
	defer r.mu.Unlock()
	_, pinned := r.recorded[id]
	if hasName && !pinned && strings.TrimSpace(name) != "" {
		if prev, known := r.names[id]; !known || prev != name {
			r.logger.Debug().Int64("id", id).Str("name", name).Msg("Learned entity name")
		}
		r.names[id] = name
	}
	if hasGUID && !g.IsZero() {
		r.guids[id] = g
		if hasName {
			r.setGUIDName(g, name)
		}
	}
}

func (r *Memory) setGUIDName(g protocol.GUID, name string) {
	if g.IsZero() || strings.TrimSpace(name) == "" {
		return
	}
	r.guidNames[g] = name
}

// Lookup returns the recorded name, falling back to the name attached to
// the entity's GUID.
func (r *Memory) Lookup(id int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.names[id]; ok {
		return name, true
	}
	if g, ok := r.guids[id]; ok {
		name, ok := r.guidNames[g]
		return name, ok
	}
	return "", false
}

// Record sets the name for id. Names learned from traffic no longer
// replace it.
func (r *Memory) Record(id int64, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[id] = name
	r.recorded[id] = struct{}{}
}

// Names returns a copy of the id to name map.
func (r *Memory) Names() map[int64]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]string, len(r.names))
	for k, v := range r.names {
		out[k] = v
	}
	return out
}

// GUIDNames returns a copy of the GUID to name map.
func (r *Memory) GUIDNames() map[protocol.GUID]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[protocol.GUID]string, len(r.guidNames))
	for k, v := range r.guidNames {
		out[k] = v
	}
	return out
}

// GUIDs returns a copy of the id to GUID map.
func (r *Memory) GUIDs() map[int64]protocol.GUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]protocol.GUID, len(r.guids))
	for k, v := range r.guids {
		out[k] = v
	}
	return out
}
