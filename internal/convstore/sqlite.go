package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // register sqlite driver

	"github.com/forgehq/forge/internal/conversation"
)

const (
	sqliteBusyMaxRetries    = 10
	sqliteBusyBackoffStepMs = 50
	sqliteBusyMaxBackoff    = time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	active_agent TEXT NOT NULL DEFAULT '',
	context_json TEXT NOT NULL,
	created      INTEGER NOT NULL,
	updated      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_workspace_updated
	ON conversations(workspace_id, updated DESC);

CREATE TABLE IF NOT EXISTS conversation_events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	conv_id TEXT NOT NULL,
	kind    TEXT NOT NULL,
	detail  TEXT NOT NULL DEFAULT '',
	created INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversation_events_conv ON conversation_events(conv_id);
`

// SQLiteStore is the durable Conversation Store Contract implementation:
// WAL mode, a busy-timeout pragma, and an additional application-level
// retry loop around SQLITE_BUSY/locked errors for writes that race with a
// checkpoint.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates a conversation store database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("convstore: open db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("convstore: pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("convstore: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// contextRow is the JSON-serialized shape of conversation.Context persisted
// in the context_json column. Kept separate from conversation.Context
// itself so a future wire-format change doesn't ripple into the in-memory
// type.
type contextRow struct {
	Messages       []conversation.Message       `json:"messages"`
	ToolsAvailable []conversation.ToolDescriptor `json:"tools_available"`
}

func (s *SQLiteStore) Get(ctx context.Context, convID string) (conversation.Conversation, error) {
	var (
		rec         conversation.Conversation
		contextJSON string
		created, updated int64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, title, active_agent, context_json, created, updated
		 FROM conversations WHERE id = ?`, convID)
	if err := row.Scan(&rec.ID, &rec.WorkspaceID, &rec.Title, &rec.ActiveAgent, &contextJSON, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return conversation.Conversation{}, ErrNotFound
		}
		return conversation.Conversation{}, fmt.Errorf("convstore: get %s: %w", convID, err)
	}
	rec.CreatedAt = time.Unix(created, 0)
	rec.UpdatedAt = time.Unix(updated, 0)

	var cr contextRow
	if err := json.Unmarshal([]byte(contextJSON), &cr); err != nil {
		return conversation.Conversation{}, fmt.Errorf("convstore: decode context for %s: %w", convID, err)
	}
	rec.Context = conversation.Context{Messages: cr.Messages, ToolsAvailable: cr.ToolsAvailable}
	return rec, nil
}

// Upsert atomically replaces the record, retrying on SQLITE_BUSY with
// bounded backoff.
func (s *SQLiteStore) Upsert(ctx context.Context, conv conversation.Conversation) error {
	if conv.WorkspaceID == "" {
		return ErrConflict
	}

	var err error
	for attempt := 0; attempt <= sqliteBusyMaxRetries; attempt++ {
		err = s.upsertOnce(ctx, conv)
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == sqliteBusyMaxRetries {
			return err
		}
		backoff := time.Duration((attempt+1)*sqliteBusyBackoffStepMs) * time.Millisecond
		if backoff > sqliteBusyMaxBackoff {
			backoff = sqliteBusyMaxBackoff
		}
		time.Sleep(backoff)
	}
	return err
}

func (s *SQLiteStore) upsertOnce(ctx context.Context, conv conversation.Conversation) error {
	cr := contextRow{Messages: conv.Context.Messages, ToolsAvailable: conv.Context.ToolsAvailable}
	payload, err := json.Marshal(cr)
	if err != nil {
		return fmt.Errorf("convstore: encode context: %w", err)
	}

	now := time.Now()
	created := conv.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, workspace_id, title, active_agent, context_json, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			title        = excluded.title,
			active_agent = excluded.active_agent,
			context_json = excluded.context_json,
			updated      = excluded.updated`,
		conv.ID, conv.WorkspaceID, conv.Title, conv.ActiveAgent, string(payload), created.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("convstore: upsert %s: %w", conv.ID, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, workspaceID string, limit int, cursor string) ([]conversation.Conversation, string, error) {
	var afterUpdated int64 = 1<<63 - 1
	if cursor != "" {
		cursorRec, err := s.Get(ctx, cursor)
		if err == nil {
			afterUpdated = cursorRec.UpdatedAt.Unix()
		}
	}

	query := `SELECT id, workspace_id, title, active_agent, context_json, created, updated
	          FROM conversations WHERE updated <= ?`
	args := []any{afterUpdated}
	if workspaceID != "" {
		query += " AND workspace_id = ?"
		args = append(args, workspaceID)
	}
	query += " ORDER BY updated DESC"
	if cursor != "" {
		query += " LIMIT ? OFFSET 1" // skip the cursor row itself
		args = append(args, limit)
	} else if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("convstore: list: %w", err)
	}
	defer rows.Close()

	var out []conversation.Conversation
	for rows.Next() {
		var (
			rec                conversation.Conversation
			contextJSON        string
			created, updated   int64
		)
		if err := rows.Scan(&rec.ID, &rec.WorkspaceID, &rec.Title, &rec.ActiveAgent, &contextJSON, &created, &updated); err != nil {
			continue
		}
		rec.CreatedAt = time.Unix(created, 0)
		rec.UpdatedAt = time.Unix(updated, 0)
		var cr contextRow
		if err := json.Unmarshal([]byte(contextJSON), &cr); err == nil {
			rec.Context = conversation.Context{Messages: cr.Messages, ToolsAvailable: cr.ToolsAvailable}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if limit > 0 && len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, convID string, event LifecycleEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_events (conv_id, kind, detail, created) VALUES (?, ?, ?, ?)`,
		convID, event.Kind, event.Detail, event.Timestamp.Unix(),
	)
	if err != nil {
		log.Warn().Err(err).Str("conv_id", convID).Str("kind", event.Kind).Msg("failed to append conversation lifecycle event")
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
