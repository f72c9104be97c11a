// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package statestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/fosschime/chime-api/lib/ref"
	"github.com/fosschime/chime-api/lib/sqlitepool"
)

const lastSeenSchema = `
CREATE TABLE IF NOT EXISTS last_seen (
    room_id    TEXT PRIMARY KEY,
    seen_at    TEXT NOT NULL,
    message_id TEXT NOT NULL
) STRICT;
`

// SQLite is a Store backed by a local SQLite database, one row per
// room.
type SQLite struct {
	pool *sqlitepool.Pool
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the marker database at path.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, lastSeenSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("statestore: %w", err)
	}
	return &SQLite{pool: pool}, nil
}

func (s *SQLite) ReadLastSeen(ctx context.Context, roomID ref.RoomID) (Marker, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Marker{}, false, fmt.Errorf("statestore: %w", err)
	}
	defer s.pool.Put(conn)

	var marker Marker
	found := false
	err = sqlitex.Execute(conn,
		`SELECT seen_at, message_id FROM last_seen WHERE room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seenAt, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(0))
				if err != nil {
					return fmt.Errorf("corrupt seen_at for room %s: %w", roomID, err)
				}
				messageID, err := ref.ParseMessageID(stmt.ColumnText(1))
				if err != nil {
					return fmt.Errorf("corrupt message_id for room %s: %w", roomID, err)
				}
				marker = Marker{Timestamp: seenAt, MessageID: messageID}
				found = true
				return nil
			},
		})
	if err != nil {
		return Marker{}, false, fmt.Errorf("statestore: reading marker: %w", err)
	}
	return marker, found, nil
}

func (s *SQLite) WriteLastSeen(ctx context.Context, roomID ref.RoomID, marker Marker) error {
	if marker.IsZero() {
		return fmt.Errorf("statestore: refusing to write zero marker for room %s", roomID)
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("statestore: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO last_seen (room_id, seen_at, message_id) VALUES (?, ?, ?)
		 ON CONFLICT(room_id) DO UPDATE SET seen_at = excluded.seen_at, message_id = excluded.message_id`,
		&sqlitex.ExecOptions{
			Args: []any{
				roomID.String(),
				marker.Timestamp.UTC().Format(time.RFC3339Nano),
				marker.MessageID.String(),
			},
		})
	if err != nil {
		return fmt.Errorf("statestore: writing marker: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.pool.Close()
}
