package fusion

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS incidents (
	incident_id TEXT PRIMARY KEY,
	device_id   TEXT NOT NULL,
	severity    TEXT NOT NULL,
	rule_name   TEXT NOT NULL,
	summary     TEXT NOT NULL,
	tactics     TEXT NOT NULL,
	techniques  TEXT NOT NULL,
	start_ts    INTEGER NOT NULL,
	end_ts      INTEGER NOT NULL,
	event_ids   TEXT NOT NULL,
	metadata    TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_device  ON incidents(device_id);
CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at);

CREATE TABLE IF NOT EXISTS device_risk (
	device_id         TEXT PRIMARY KEY,
	score             INTEGER NOT NULL,
	level             TEXT NOT NULL,
	reason_tags       TEXT NOT NULL,
	supporting_events TEXT NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_device_risk_updated ON device_risk(updated_at);
`

// Store persists incidents and risk snapshots. The engine treats it as
// best-effort: in-memory state stays authoritative across write failures.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the fusion database at path.
func OpenStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("fusion: open store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("fusion: init schema %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// SaveIncident upserts one incident by its id.
func (s *Store) SaveIncident(inc *Incident) error {
	tactics, _ := json.Marshal(inc.Tactics)
	techniques, _ := json.Marshal(inc.Techniques)
	eventIDs, _ := json.Marshal(inc.EventIDs)
	metadata, _ := json.Marshal(inc.Metadata)

	_, err := s.db.Exec(`
INSERT INTO incidents
	(incident_id, device_id, severity, rule_name, summary, tactics, techniques,
	 start_ts, end_ts, event_ids, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(incident_id) DO UPDATE SET
	severity = excluded.severity,
	summary  = excluded.summary,
	end_ts   = excluded.end_ts,
	event_ids = excluded.event_ids,
	metadata  = excluded.metadata`,
		inc.IncidentID, inc.DeviceID, inc.Severity, inc.RuleName, inc.Summary,
		string(tactics), string(techniques),
		inc.StartTs.UnixNano(), inc.EndTs.UnixNano(),
		string(eventIDs), string(metadata), inc.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("fusion: save incident %s: %w", inc.IncidentID, err)
	}
	return nil
}

// SaveSnapshot replaces the risk row for one device.
func (s *Store) SaveSnapshot(snap RiskSnapshot) error {
	reasons, _ := json.Marshal(snap.ReasonTags)
	supporting, _ := json.Marshal(snap.SupportingEvents)

	_, err := s.db.Exec(`
INSERT OR REPLACE INTO device_risk
	(device_id, score, level, reason_tags, supporting_events, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		snap.DeviceID, snap.Score, snap.Level,
		string(reasons), string(supporting), snap.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("fusion: save snapshot %s: %w", snap.DeviceID, err)
	}
	return nil
}

// IncidentsByDevice returns the stored incidents for one device, newest
// first.
func (s *Store) IncidentsByDevice(deviceID string, limit int) ([]*Incident, error) {
	rows, err := s.db.Query(`
SELECT incident_id, device_id, severity, rule_name, summary, tactics,
	techniques, start_ts, end_ts, event_ids, metadata, created_at
FROM incidents WHERE device_id = ? ORDER BY created_at DESC LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("fusion: query incidents: %w", err)
	}
	defer rows.Close()

	var out []*Incident
	for rows.Next() {
		var inc Incident
		var tactics, techniques, eventIDs, metadata string
		var startTs, endTs, createdAt int64
		if err := rows.Scan(&inc.IncidentID, &inc.DeviceID, &inc.Severity,
			&inc.RuleName, &inc.Summary, &tactics, &techniques,
			&startTs, &endTs, &eventIDs, &metadata, &createdAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(tactics), &inc.Tactics)
		json.Unmarshal([]byte(techniques), &inc.Techniques)
		json.Unmarshal([]byte(eventIDs), &inc.EventIDs)
		json.Unmarshal([]byte(metadata), &inc.Metadata)
		inc.StartTs = time.Unix(0, startTs)
		inc.EndTs = time.Unix(0, endTs)
		inc.CreatedAt = time.Unix(0, createdAt)
		out = append(out, &inc)
	}
	return out, rows.Err()
}

// Snapshot returns the stored risk row for one device.
func (s *Store) Snapshot(deviceID string) (RiskSnapshot, error) {
	var snap RiskSnapshot
	var reasons, supporting string
	var updatedAt int64
	err := s.db.QueryRow(`
SELECT device_id, score, level, reason_tags, supporting_events, updated_at
FROM device_risk WHERE device_id = ?`, deviceID).
		Scan(&snap.DeviceID, &snap.Score, &snap.Level, &reasons, &supporting, &updatedAt)
	if err != nil {
		return snap, fmt.Errorf("fusion: query snapshot %s: %w", deviceID, err)
	}
	json.Unmarshal([]byte(reasons), &snap.ReasonTags)
	json.Unmarshal([]byte(supporting), &snap.SupportingEvents)
	snap.UpdatedAt = time.Unix(0, updatedAt)
	return snap, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }
