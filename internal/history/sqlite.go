// Package history is the local message archive backing paged history
// loads. It keeps confirmed messages in SQLite so older pages survive
// restarts and conversation switches.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"chatkit/internal/domain"
)

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the archive at path. ":memory:" works for tests.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS messages (
		client_id    TEXT PRIMARY KEY,
		server_id    TEXT,
		channel_id   TEXT NOT NULL,
		from_user_id TEXT NOT NULL,
		to_user_id   TEXT NOT NULL,
		content      TEXT NOT NULL,
		msg_type     TEXT NOT NULL,
		sent_at      INTEGER NOT NULL,
		is_own       INTEGER NOT NULL,
		is_read      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_channel_time ON messages(channel_id, sent_at);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts a confirmed message keyed by its client id. Messages that
// arrived without one (inbound from other clients) fall back to the
// server id as the key.
func (s *Store) Save(ctx context.Context, msg domain.Message) error {
	key := msg.ClientID
	if key == "" {
		key = msg.ID
	}
	if key == "" {
		return fmt.Errorf("message has neither client id nor server id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (client_id, server_id, channel_id, from_user_id, to_user_id, content, msg_type, sent_at, is_own, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			server_id = excluded.server_id,
			sent_at   = excluded.sent_at,
			is_read   = excluded.is_read`,
		key, msg.ID, msg.ChannelID, msg.FromUserID, msg.ToUserID,
		msg.Content, msg.Type, msg.Timestamp.UnixMilli(), boolInt(msg.IsOwn), boolInt(msg.IsRead))
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// FetchPage returns page (1-based) of a channel's history, newest pages
// first, each page sorted ascending by timestamp.
func (s *Store) FetchPage(ctx context.Context, channelID string, page, size int) ([]domain.Message, error) {
	if page < 1 {
		page = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, server_id, channel_id, from_user_id, to_user_id, content, msg_type, sent_at, is_own, is_read
		FROM messages
		WHERE channel_id = ?
		ORDER BY sent_at DESC
		LIMIT ? OFFSET ?`,
		channelID, size, (page-1)*size)
	if err != nil {
		return nil, fmt.Errorf("fetch history page: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var (
			m             domain.Message
			serverID      sql.NullString
			sentAt        int64
			isOwn, isRead int
		)
		if err := rows.Scan(&m.ClientID, &serverID, &m.ChannelID, &m.FromUserID, &m.ToUserID,
			&m.Content, &m.Type, &sentAt, &isOwn, &isRead); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		m.ID = serverID.String
		m.Timestamp = time.UnixMilli(sentAt)
		m.IsOwn = isOwn == 1
		m.IsRead = isRead == 1
		m.DeliveryState = domain.DeliverySent
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows came newest-first; flip to ascending for the log.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
