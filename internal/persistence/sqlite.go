package persistence

import (
	"database/sql"

	"github.com/emberq/emberq/pkg/er"
)

// SQLiteStore persists sessions to a sqlite database so persistent
// clients survive broker restarts.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			client_id      TEXT PRIMARY KEY,
			next_packet_id INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			client_id    TEXT NOT NULL,
			topic_filter TEXT NOT NULL,
			qos          INTEGER NOT NULL,
			PRIMARY KEY (client_id, topic_filter)
		)`,
		`CREATE TABLE IF NOT EXISTS pending_messages (
			client_id TEXT NOT NULL,
			seq       INTEGER NOT NULL,
			packet_id INTEGER NOT NULL,
			topic     TEXT NOT NULL,
			payload   BLOB,
			qos       INTEGER NOT NULL,
			retain    INTEGER NOT NULL,
			sent      INTEGER NOT NULL,
			PRIMARY KEY (client_id, seq)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, &er.Err{Context: "Persistence, Schema", Message: err}
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveSession(clientID string, snap *Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &er.Err{Context: "Persistence, Save", Message: err}
	}
	defer tx.Rollback()

	if err := deleteSessionTx(tx, clientID); err != nil {
		return err
	}

	if _, err := tx.Exec(
		"INSERT INTO sessions (client_id, next_packet_id) VALUES (?, ?)",
		clientID, snap.NextPacketID,
	); err != nil {
		return &er.Err{Context: "Persistence, Save", Message: err}
	}

	for filter, qos := range snap.Subscriptions {
		if _, err := tx.Exec(
			"INSERT INTO subscriptions (client_id, topic_filter, qos) VALUES (?, ?, ?)",
			clientID, filter, qos,
		); err != nil {
			return &er.Err{Context: "Persistence, Save", Message: err}
		}
	}

	for seq, pending := range snap.Pending {
		if _, err := tx.Exec(
			`INSERT INTO pending_messages
				(client_id, seq, packet_id, topic, payload, qos, retain, sent)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			clientID, seq, pending.PacketID, pending.Topic, pending.Payload,
			pending.QoS, boolToInt(pending.Retain), boolToInt(pending.Sent),
		); err != nil {
			return &er.Err{Context: "Persistence, Save", Message: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &er.Err{Context: "Persistence, Save", Message: err}
	}
	return nil
}

func (s *SQLiteStore) LoadSession(clientID string) (*Snapshot, error) {
	snap := &Snapshot{
		ClientID:      clientID,
		Subscriptions: make(map[string]byte),
	}

	err := s.db.QueryRow(
		"SELECT next_packet_id FROM sessions WHERE client_id = ?", clientID,
	).Scan(&snap.NextPacketID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &er.Err{Context: "Persistence, Load", Message: err}
	}

	rows, err := s.db.Query(
		"SELECT topic_filter, qos FROM subscriptions WHERE client_id = ?", clientID,
	)
	if err != nil {
		return nil, &er.Err{Context: "Persistence, Load", Message: err}
	}
	defer rows.Close()
	for rows.Next() {
		var filter string
		var qos byte
		if err := rows.Scan(&filter, &qos); err != nil {
			return nil, &er.Err{Context: "Persistence, Load", Message: err}
		}
		snap.Subscriptions[filter] = qos
	}
	if err := rows.Err(); err != nil {
		return nil, &er.Err{Context: "Persistence, Load", Message: err}
	}

	pendingRows, err := s.db.Query(
		`SELECT packet_id, topic, payload, qos, retain, sent
			FROM pending_messages WHERE client_id = ? ORDER BY seq`, clientID,
	)
	if err != nil {
		return nil, &er.Err{Context: "Persistence, Load", Message: err}
	}
	defer pendingRows.Close()
	for pendingRows.Next() {
		var pending PendingMessage
		var retain, sent int
		if err := pendingRows.Scan(
			&pending.PacketID, &pending.Topic, &pending.Payload,
			&pending.QoS, &retain, &sent,
		); err != nil {
			return nil, &er.Err{Context: "Persistence, Load", Message: err}
		}
		pending.Retain = retain != 0
		pending.Sent = sent != 0
		snap.Pending = append(snap.Pending, pending)
	}
	if err := pendingRows.Err(); err != nil {
		return nil, &er.Err{Context: "Persistence, Load", Message: err}
	}

	return snap, nil
}

func (s *SQLiteStore) DeleteSession(clientID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &er.Err{Context: "Persistence, Delete", Message: err}
	}
	defer tx.Rollback()

	if err := deleteSessionTx(tx, clientID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &er.Err{Context: "Persistence, Delete", Message: err}
	}
	return nil
}

func deleteSessionTx(tx *sql.Tx, clientID string) error {
	for _, stmt := range []string{
		"DELETE FROM sessions WHERE client_id = ?",
		"DELETE FROM subscriptions WHERE client_id = ?",
		"DELETE FROM pending_messages WHERE client_id = ?",
	} {
		if _, err := tx.Exec(stmt, clientID); err != nil {
			return &er.Err{Context: "Persistence, Delete", Message: err}
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
