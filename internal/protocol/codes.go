// Package protocol implements the Protocol16 typed serialization format
// carried inside Photon messages: a closed set of value variants, a
// side-effect-free decoder, the event / operation request / operation
// response readers, and an encoder for building fixtures. All integers are
// big-endian.
package protocol

import "fmt"

// Codes lists the event codes, operation codes and parameter keys the
// downstream layers interpret. The game reassigns these between patches, so
// they are configuration and not protocol law; the defaults match the
// traffic the meter was tuned on.
type Codes struct {
	// Sub-type parameters that override the raw code byte.
	EventCodeKey     byte `json:"event_code_key"`
	OperationCodeKey byte `json:"operation_code_key"`

	// Health updates. HealthUpdate carries scalars, HealthUpdates parallel arrays.
	HealthUpdate    int  `json:"health_update"`
	HealthUpdates   int  `json:"health_updates"`
	HealthTargetKey byte `json:"health_target_key"`
	HealthChangeKey byte `json:"health_change_key"`
	HealthAfterKey  byte `json:"health_after_key"`
	HealthCauserKey byte `json:"health_causer_key"`

	// Character spawn, used by the name registry.
	NewCharacter     int  `json:"new_character"`
	CharacterIDKey   byte `json:"character_id_key"`
	CharacterNameKey byte `json:"character_name_key"`
	CharacterGUIDKey byte `json:"character_guid_key"`

	// Combat flag updates.
	CombatState        int  `json:"combat_state"`
	CombatStateIDKey   byte `json:"combat_state_id_key"`
	CombatActiveKey    byte `json:"combat_active_key"`
	CombatPassiveKey   byte `json:"combat_passive_key"`
	CombatTargetLink   int  `json:"combat_target_link"`
	LinkAttackerKey    byte `json:"link_attacker_key"`
	LinkDefenderKey    byte `json:"link_defender_key"`

	// Party roster messages.
	PartyRoster         int  `json:"party_roster"`
	PartyRosterGUIDsKey byte `json:"party_roster_guids_key"`
	PartyRosterNamesKey byte `json:"party_roster_names_key"`
	PartyMemberJoined   int  `json:"party_member_joined"`
	PartyMemberLeft     int  `json:"party_member_left"`
	PartyMemberRemoved  int  `json:"party_member_removed"`
	PartyMemberGUIDKey  byte `json:"party_member_guid_key"`
	PartyMemberNameKey  byte `json:"party_member_name_key"`
	PartyDisbanded      int  `json:"party_disbanded"`
	PartyRangeMin       int  `json:"party_range_min"`
	PartyRangeMax       int  `json:"party_range_max"`

	// Instanced-content scoreboard.
	MatchRoster         int  `json:"match_roster"`
	MatchRosterNamesKey byte `json:"match_roster_names_key"`

	// Operations.
	OpJoin          int  `json:"op_join"`
	JoinSelfIDKey   byte `json:"join_self_id_key"`
	JoinGUIDKey     byte `json:"join_guid_key"`
	JoinNameKey     byte `json:"join_name_key"`
	JoinMapKey      byte `json:"join_map_key"`
	OpChangeCluster int  `json:"op_change_cluster"`
	ClusterMapKey   byte `json:"cluster_map_key"`
	OpTargetRequest int  `json:"op_target_request"`
	TargetIDKey     byte `json:"target_id_key"`
}

// DefaultCodes returns the code table the meter ships with.
func DefaultCodes() Codes {
	return Codes{
		EventCodeKey:     252,
		OperationCodeKey: 253,

		HealthUpdate:    6,
		HealthUpdates:   7,
		HealthTargetKey: 0,
		HealthChangeKey: 2,
		HealthAfterKey:  3,
		HealthCauserKey: 6,

		NewCharacter:     29,
		CharacterIDKey:   0,
		CharacterNameKey: 1,
		CharacterGUIDKey: 7,

		CombatState:      274,
		CombatStateIDKey: 0,
		CombatActiveKey:  1,
		CombatPassiveKey: 2,
		CombatTargetLink: 13,
		LinkAttackerKey:  0,
		LinkDefenderKey:  1,

		PartyRoster:         229,
		PartyRosterGUIDsKey: 4,
		PartyRosterNamesKey: 5,
		PartyMemberJoined:   231,
		PartyMemberLeft:     233,
		PartyMemberRemoved:  234,
		PartyMemberGUIDKey:  1,
		PartyMemberNameKey:  2,
		PartyDisbanded:      230,
		PartyRangeMin:       225,
		PartyRangeMax:       245,

		MatchRoster:         371,
		MatchRosterNamesKey: 1,

		OpJoin:          2,
		JoinSelfIDKey:   0,
		JoinGUIDKey:     1,
		JoinNameKey:     2,
		JoinMapKey:      8,
		OpChangeCluster: 41,
		ClusterMapKey:   0,
		OpTargetRequest: 17,
		TargetIDKey:     1,
	}
}

// IsHealth reports whether an effective event code is a health update.
func (c Codes) IsHealth(code int) bool {
	return code == c.HealthUpdate || code == c.HealthUpdates
}

// InPartyRange reports whether code falls in the numeric range reserved for
// party messages.
func (c Codes) InPartyRange(code int) bool {
	return code >= c.PartyRangeMin && code <= c.PartyRangeMax
}

// Validate rejects tables the downstream layers cannot interpret.
func (c Codes) Validate() error {
	if c.EventCodeKey == c.OperationCodeKey {
		return fmt.Errorf("event and operation sub-type keys must differ, both %d", c.EventCodeKey)
	}
	if c.HealthUpdate == c.HealthUpdates {
		return fmt.Errorf("scalar and batched health codes must differ, both %d", c.HealthUpdate)
	}
	if c.PartyRangeMin > c.PartyRangeMax {
		return fmt.Errorf("party range is empty: %d > %d", c.PartyRangeMin, c.PartyRangeMax)
	}
	for name, code := range map[string]int{
		"health_update":     c.HealthUpdate,
		"health_updates":    c.HealthUpdates,
		"new_character":     c.NewCharacter,
		"combat_state":      c.CombatState,
		"op_join":           c.OpJoin,
		"op_change_cluster": c.OpChangeCluster,
		"op_target_request": c.OpTargetRequest,
	} {
		if code < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, code)
		}
	}
	return nil
}
