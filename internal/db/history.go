package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/photonmeter/internal/events"
	"github.com/energizer-project/photonmeter/internal/meter"
)

// HistoryStore keeps archived encounters and their per-source totals.
type HistoryStore struct {
	db *Database
}

// NewHistoryStore opens the database at dbPath and migrates the schema.
func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	hs := &HistoryStore{db: database}
	if err := hs.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return hs, nil
}

func (hs *HistoryStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS encounters (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			zone TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			start_ns INTEGER NOT NULL,
			end_ns INTEGER NOT NULL,
			duration_sec REAL NOT NULL,
			total_damage INTEGER NOT NULL,
			total_heal INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS encounter_sources (
			encounter_id TEXT NOT NULL,
			rank INTEGER NOT NULL,
			source_id INTEGER NOT NULL,
			label TEXT NOT NULL,
			damage INTEGER NOT NULL,
			heal INTEGER NOT NULL,
			dps REAL NOT NULL,
			hps REAL NOT NULL,
			PRIMARY KEY (encounter_id, rank),
			FOREIGN KEY (encounter_id) REFERENCES encounters(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_encounters_end ON encounters(end_ns);
	`
	if _, err := hs.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	log.Debug().Msg("history schema migrated")
	return nil
}

// Close closes the underlying database.
func (hs *HistoryStore) Close() error {
	return hs.db.Close()
}

// Save stores entry. Saving an id twice replaces the earlier row.
func (hs *HistoryStore) Save(entry meter.HistoryEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("history entry has no id")
	}
	return hs.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM encounters WHERE id = ?`, entry.ID); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO encounters (id, mode, zone, reason, start_ns, end_ns, duration_sec, total_damage, total_heal)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, string(entry.Mode), entry.Zone, string(entry.Reason),
			entry.Start.UnixNano(), entry.End.UnixNano(), entry.Duration,
			int64(entry.TotalDamage), int64(entry.TotalHeal),
		)
		if err != nil {
			return fmt.Errorf("failed to insert encounter: %w", err)
		}

		stmt, err := tx.Prepare(`
			INSERT INTO encounter_sources (encounter_id, rank, source_id, label, damage, heal, dps, hps)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, s := range entry.Entries {
			if _, err := stmt.Exec(entry.ID, i, s.ID, s.Label, int64(s.Damage), int64(s.Heal), s.DPS, s.HPS); err != nil {
				return fmt.Errorf("failed to insert source %d: %w", s.ID, err)
			}
		}
		return nil
	})
}

// Recent returns up to limit encounters, most recent first. A non-positive
// limit returns all of them.
func (hs *HistoryStore) Recent(limit int) ([]meter.HistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := hs.db.Query(`
		SELECT id, mode, zone, reason, start_ns, end_ns, duration_sec, total_damage, total_heal
		FROM encounters ORDER BY end_ns DESC, start_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}

	var out []meter.HistoryEntry
	for rows.Next() {
		var (
			e              meter.HistoryEntry
			mode, reason   string
			startNs, endNs int64
			dmg, heal      int64
		)
		if err := rows.Scan(&e.ID, &mode, &e.Zone, &reason, &startNs, &endNs, &e.Duration, &dmg, &heal); err != nil {
			rows.Close()
			return nil, err
		}
		e.Mode = meter.Mode(mode)
		e.Reason = meter.Reason(reason)
		e.Start = time.Unix(0, startNs).UTC()
		e.End = time.Unix(0, endNs).UTC()
		e.TotalDamage = uint64(dmg)
		e.TotalHeal = uint64(heal)
		out = append(out, e)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	// Single connection: sources are loaded after the encounter cursor closes.
	for i := range out {
		if out[i].Entries, err = hs.sources(out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (hs *HistoryStore) sources(id string) ([]meter.SourceStats, error) {
	rows, err := hs.db.Query(`
		SELECT source_id, label, damage, heal, dps, hps
		FROM encounter_sources WHERE encounter_id = ? ORDER BY rank`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []meter.SourceStats{}
	for rows.Next() {
		var (
			s         meter.SourceStats
			dmg, heal int64
		)
		if err := rows.Scan(&s.ID, &s.Label, &dmg, &heal, &s.DPS, &s.HPS); err != nil {
			return nil, err
		}
		s.Damage = uint64(dmg)
		s.Heal = uint64(heal)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prune deletes encounters that ended before cutoff.
func (hs *HistoryStore) Prune(cutoff time.Time) (int64, error) {
	res, err := hs.db.Exec(`DELETE FROM encounters WHERE end_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored encounters.
func (hs *HistoryStore) Count() (int, error) {
	var n int
	err := hs.db.QueryRow(`SELECT COUNT(*) FROM encounters`).Scan(&n)
	return n, err
}

// Attach persists every archived encounter published on bus.
func (hs *HistoryStore) Attach(bus *events.Bus) {
	bus.Subscribe(events.EventSessionArchived, "history_store", events.DefaultBuffer,
		func(_ context.Context, e events.Event) error {
			entry, ok := e.Payload.(meter.HistoryEntry)
			if !ok {
				return fmt.Errorf("unexpected payload %T", e.Payload)
			}
			return hs.Save(entry)
		})
}
