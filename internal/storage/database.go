// Package storage persists an operational history of the gateway's
// Protocol Engine stat snapshots and Node/Server Manager session outcomes,
// for post-hoc inspection. It never participates in LoRaWAN session state:
// the gateway is stateless across reboots apart from its configuration.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the diagnostics database at path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stat_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		taken_at DATETIME NOT NULL,
		lati REAL NOT NULL,
		long REAL NOT NULL,
		alti INTEGER NOT NULL,
		rxnb INTEGER NOT NULL,
		rxok INTEGER NOT NULL,
		rxfw INTEGER NOT NULL,
		ackr REAL NOT NULL,
		dwnb INTEGER NOT NULL,
		txnb INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stat_snapshots_taken_at ON stat_snapshots(taken_at);

	CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		occurred_at DATETIME NOT NULL,
		component TEXT NOT NULL,
		session_id INTEGER NOT NULL,
		dev_addr INTEGER,
		event TEXT NOT NULL,
		reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_occurred_at ON session_events(occurred_at);
	CREATE INDEX IF NOT EXISTS idx_session_events_dev_addr ON session_events(dev_addr);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// StatSnapshot is one row of stat_snapshots.
type StatSnapshot struct {
	ID      int64
	TakenAt time.Time
	Lati    float64
	Long    float64
	Alti    int
	Rxnb    uint64
	Rxok    uint64
	Rxfw    uint64
	Ackr    float64
	Dwnb    uint64
	Txnb    uint64
}

// InsertStatSnapshot records a Protocol Engine stat block.
func (db *DB) InsertStatSnapshot(s *StatSnapshot) (int64, error) {
	query := `INSERT INTO stat_snapshots (taken_at, lati, long, alti, rxnb, rxok, rxfw, ackr, dwnb, txnb)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.conn.Exec(query, s.TakenAt, s.Lati, s.Long, s.Alti,
		s.Rxnb, s.Rxok, s.Rxfw, s.Ackr, s.Dwnb, s.Txnb)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// RecentStatSnapshots retrieves the most recent snapshots, newest first.
func (db *DB) RecentStatSnapshots(limit int) ([]*StatSnapshot, error) {
	query := `SELECT id, taken_at, lati, long, alti, rxnb, rxok, rxfw, ackr, dwnb, txnb
		FROM stat_snapshots ORDER BY taken_at DESC LIMIT ?`
	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []*StatSnapshot
	for rows.Next() {
		s := &StatSnapshot{}
		if err := rows.Scan(&s.ID, &s.TakenAt, &s.Lati, &s.Long, &s.Alti,
			&s.Rxnb, &s.Rxok, &s.Rxfw, &s.Ackr, &s.Dwnb, &s.Txnb); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

// SessionEvent is one row of session_events: a session outcome reported
// through the Server Manager's event sink (for example an uplink that is
// progressing, sent or canceled, or a received downlink), for post-hoc audit.
type SessionEvent struct {
	ID         int64
	OccurredAt time.Time
	Component  string // "uplink", "downlink", "protocol"
	SessionID  uint64
	DevAddr    uint32
	Event      string
	Reason     string
}

// InsertSessionEvent records one session outcome.
func (db *DB) InsertSessionEvent(e *SessionEvent) (int64, error) {
	query := `INSERT INTO session_events (occurred_at, component, session_id, dev_addr, event, reason)
		VALUES (?, ?, ?, ?, ?, ?)`
	result, err := db.conn.Exec(query, e.OccurredAt, e.Component, e.SessionID, e.DevAddr, e.Event, e.Reason)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// RecentSessionEvents retrieves the most recent session events, newest first.
func (db *DB) RecentSessionEvents(limit int) ([]*SessionEvent, error) {
	query := `SELECT id, occurred_at, component, session_id, dev_addr, event, reason
		FROM session_events ORDER BY occurred_at DESC LIMIT ?`
	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*SessionEvent
	for rows.Next() {
		e := &SessionEvent{}
		var devAddr sql.NullInt64
		var reason sql.NullString
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Component, &e.SessionID, &devAddr, &e.Event, &reason); err != nil {
			return nil, err
		}
		e.DevAddr = uint32(devAddr.Int64)
		e.Reason = reason.String
		events = append(events, e)
	}
	return events, rows.Err()
}
