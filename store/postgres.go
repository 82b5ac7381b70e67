package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"msgrelay/models"
)

// PostgresStore handles PostgreSQL operations for sessions and messages.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and creates the schema if needed.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS relay_sessions (
			address TEXT PRIMARY KEY,
			conn_ref TEXT NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_relay_sessions_last_seen ON relay_sessions(last_seen);

		CREATE TABLE IF NOT EXISTS relay_messages (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL DEFAULT '',
			content TEXT,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			timestamp TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_relay_messages_receiver ON relay_messages(receiver, seq);
	`)
	return err
}

func (s *PostgresStore) Upsert(ctx context.Context, address, connRef string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_sessions (address, conn_ref, last_seen) VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET conn_ref = EXCLUDED.conn_ref, last_seen = EXCLUDED.last_seen
	`, address, connRef, now)
	return err
}

func (s *PostgresStore) Lookup(ctx context.Context, address string) (models.Session, error) {
	var sess models.Session
	err := s.pool.QueryRow(ctx,
		`SELECT address, conn_ref, last_seen FROM relay_sessions WHERE address = $1`, address,
	).Scan(&sess.Address, &sess.ConnRef, &sess.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	return sess, nil
}

func (s *PostgresStore) Remove(ctx context.Context, address string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM relay_sessions WHERE address = $1`, address)
	return err
}

func (s *PostgresStore) Touch(ctx context.Context, address, connRef string, now time.Time) (bool, error) {
	// The conflict update is skipped for a foreign conn_ref, which returns no row.
	var created bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO relay_sessions (address, conn_ref, last_seen) VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET last_seen = EXCLUDED.last_seen
		WHERE relay_sessions.conn_ref = EXCLUDED.conn_ref
		RETURNING (xmax = 0)
	`, address, connRef, now).Scan(&created)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrSuperseded
	}
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *PostgresStore) RemoveConn(ctx context.Context, address, connRef string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM relay_sessions WHERE address = $1 AND conn_ref = $2`, address, connRef,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RemoveIdle(ctx context.Context, address string, cutoff time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM relay_sessions WHERE address = $1 AND last_seen < $2`, address, cutoff,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListIdleOlderThan(ctx context.Context, threshold time.Duration, now time.Time) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT address, conn_ref, last_seen FROM relay_sessions WHERE last_seen < $1`,
		IdleCutoff(threshold, now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.Address, &sess.ConnRef, &sess.LastSeen); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) Append(ctx context.Context, msg models.Message) error {
	// Replacing an id takes a new seq so it queues behind existing messages.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_messages (id, chat_id, content, sender, receiver, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			seq = DEFAULT,
			chat_id = EXCLUDED.chat_id,
			content = EXCLUDED.content,
			sender = EXCLUDED.sender,
			receiver = EXCLUDED.receiver,
			timestamp = EXCLUDED.timestamp
	`, msg.ID, msg.ChatID, msg.Content, msg.Sender, msg.Receiver, msg.Timestamp)
	return err
}

func (s *PostgresStore) FindByReceiver(ctx context.Context, address string) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, chat_id, content, sender, receiver, timestamp
		FROM relay_messages WHERE receiver = $1 ORDER BY seq ASC
	`, address)
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

func (s *PostgresStore) DeleteByID(ctx context.Context, id string) (models.Message, error) {
	var m models.Message
	err := s.pool.QueryRow(ctx, `
		DELETE FROM relay_messages WHERE id = $1
		RETURNING id, chat_id, content, sender, receiver, timestamp
	`, id).Scan(&m.ID, &m.ChatID, &m.Content, &m.Sender, &m.Receiver, &m.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return m, nil
}
