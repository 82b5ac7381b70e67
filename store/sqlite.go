package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"msgrelay/models"
)

// SQLiteStore persists sessions and messages in a single SQLite file.
type SQLiteStore struct {
	conn *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{conn: conn}
	if err := s.init(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *SQLiteStore) init(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			address TEXT PRIMARY KEY,
			conn_ref TEXT NOT NULL,
			last_seen INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			chat_id TEXT NOT NULL DEFAULT '',
			content TEXT,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			timestamp TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver, seq)`,
	}

	for _, query := range queries {
		if _, err := s.conn.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// Session methods
func (s *SQLiteStore) Upsert(ctx context.Context, address, connRef string, now time.Time) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO sessions (address, conn_ref, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET conn_ref = excluded.conn_ref, last_seen = excluded.last_seen`,
		address, connRef, now.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) Lookup(ctx context.Context, address string) (models.Session, error) {
	var sess models.Session
	var lastSeen int64
	err := s.conn.QueryRowContext(ctx,
		"SELECT address, conn_ref, last_seen FROM sessions WHERE address = ?", address,
	).Scan(&sess.Address, &sess.ConnRef, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	sess.LastSeen = time.Unix(0, lastSeen)
	return sess, nil
}

func (s *SQLiteStore) Remove(ctx context.Context, address string) error {
	_, err := s.conn.ExecContext(ctx, "DELETE FROM sessions WHERE address = ?", address)
	return err
}

func (s *SQLiteStore) Touch(ctx context.Context, address, connRef string, now time.Time) (bool, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT conn_ref FROM sessions WHERE address = ?", address).Scan(&current)
	created := errors.Is(err, sql.ErrNoRows)
	switch {
	case created:
		_, err = tx.ExecContext(ctx,
			"INSERT INTO sessions (address, conn_ref, last_seen) VALUES (?, ?, ?)",
			address, connRef, now.UnixNano(),
		)
	case err != nil:
		return false, err
	case current != connRef:
		return false, ErrSuperseded
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE sessions SET last_seen = ? WHERE address = ?", now.UnixNano(), address,
		)
	}
	if err != nil {
		return false, err
	}
	return created, tx.Commit()
}

func (s *SQLiteStore) RemoveConn(ctx context.Context, address, connRef string) (bool, error) {
	res, err := s.conn.ExecContext(ctx,
		"DELETE FROM sessions WHERE address = ? AND conn_ref = ?", address, connRef,
	)
	return removed(res, err)
}

func (s *SQLiteStore) RemoveIdle(ctx context.Context, address string, cutoff time.Time) (bool, error) {
	res, err := s.conn.ExecContext(ctx,
		"DELETE FROM sessions WHERE address = ? AND last_seen < ?", address, cutoff.UnixNano(),
	)
	return removed(res, err)
}

func removed(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListIdleOlderThan(ctx context.Context, threshold time.Duration, now time.Time) ([]models.Session, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT address, conn_ref, last_seen FROM sessions WHERE last_seen < ?",
		IdleCutoff(threshold, now).UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var sess models.Session
		var lastSeen int64
		if err := rows.Scan(&sess.Address, &sess.ConnRef, &lastSeen); err != nil {
			return nil, err
		}
		sess.LastSeen = time.Unix(0, lastSeen)
		sessions = append(sessions, sess)
	}

	return sessions, rows.Err()
}

// Message methods
func (s *SQLiteStore) Append(ctx context.Context, msg models.Message) error {
	// REPLACE deletes the conflicting row, so a re-sent id gets a fresh seq.
	_, err := s.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (id, chat_id, content, sender, receiver, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.Content, msg.Sender, msg.Receiver, msg.Timestamp,
	)
	return err
}

func (s *SQLiteStore) FindByReceiver(ctx context.Context, address string) ([]models.Message, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, chat_id, content, sender, receiver, timestamp
		FROM messages WHERE receiver = ? ORDER BY seq ASC`,
		address,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Content, &m.Sender, &m.Receiver, &m.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (s *SQLiteStore) DeleteByID(ctx context.Context, id string) (models.Message, error) {
	var m models.Message
	err := s.conn.QueryRowContext(ctx,
		`DELETE FROM messages WHERE id = ?
		RETURNING id, chat_id, content, sender, receiver, timestamp`,
		id,
	).Scan(&m.ID, &m.ChatID, &m.Content, &m.Sender, &m.Receiver, &m.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return m, nil
}
