package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dotsetgreg/dotchat/pkg/logger"
)

// SQLiteStore is the persistent settings store.
type SQLiteStore struct {
	db       *sql.DB
	defaults Settings
	// serializes read-modify-write in Update
	mu sync.Mutex
}

// NewSQLiteStore creates/opens the settings database at path. ":memory:"
// opens a private in-memory database.
func NewSQLiteStore(path string, defaults Settings) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create settings db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection; this also keeps a :memory: database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, defaults: defaults}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS conversation_settings (
	conversation_id TEXT PRIMARY KEY,
	response_level TEXT NOT NULL,
	min_corresponding_length INTEGER NOT NULL,
	max_history_length INTEGER NOT NULL,
	prompt TEXT NOT NULL DEFAULT '',
	reply_interval_ms INTEGER NOT NULL,
	keywords_json TEXT NOT NULL DEFAULT '[]',
	cleared_at TEXT NOT NULL DEFAULT '',
	cleared_at_ms INTEGER NOT NULL DEFAULT 0,
	updated_at_ms INTEGER NOT NULL
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init settings schema: %w", err)
		}
	}
	return s.migrate()
}

// addedColumns are columns newer than the first schema, added in place to
// databases created before them.
var addedColumns = []struct{ name, def string }{
	{"cleared_at_ms", "INTEGER NOT NULL DEFAULT 0"},
}

func (s *SQLiteStore) migrate() error {
	for _, col := range addedColumns {
		exists, err := s.columnExists("conversation_settings", col.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE conversation_settings ADD COLUMN %s %s", col.name, col.def)); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
		logger.InfoCF("settings", "Added settings column", map[string]any{"column": col.name})
	}
	return nil
}

func (s *SQLiteStore) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid, notnull, pk int
			name, ctype      string
			dflt             any
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("inspect %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, conversationID string) (Settings, error) {
	out, err := s.get(ctx, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		d := s.defaults.clone()
		d.ConversationID = conversationID
		return d, nil
	}
	return out, err
}

func (s *SQLiteStore) get(ctx context.Context, conversationID string) (Settings, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT conversation_id, response_level, min_corresponding_length, max_history_length,
	prompt, reply_interval_ms, keywords_json, cleared_at, cleared_at_ms, updated_at_ms
FROM conversation_settings WHERE conversation_id = ?`, conversationID)

	var (
		out        Settings
		intervalMS int64
		keywords   string
		clearedMS  int64
		updatedMS  int64
	)
	if err := row.Scan(&out.ConversationID, &out.ResponseLevel, &out.MinCorrespondingLength,
		&out.MaxHistoryLength, &out.Prompt, &intervalMS, &keywords, &out.ClearedAt, &clearedMS, &updatedMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Settings{}, sql.ErrNoRows
		}
		return Settings{}, fmt.Errorf("get settings: %w", err)
	}
	out.ReplyInterval = time.Duration(intervalMS) * time.Millisecond
	out.UpdatedAt = time.UnixMilli(updatedMS)
	if clearedMS > 0 {
		out.ClearedTime = time.UnixMilli(clearedMS)
	}
	if err := json.Unmarshal([]byte(keywords), &out.Keywords); err != nil {
		return Settings{}, fmt.Errorf("decode keywords: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Update(ctx context.Context, conversationID string, fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.Get(ctx, conversationID)
	if err != nil {
		return Settings{}, err
	}
	fn(&cur)
	cur.ConversationID = conversationID
	cur.UpdatedAt = time.Now()
	if cur.Keywords == nil {
		cur.Keywords = []string{}
	}

	keywords, err := json.Marshal(cur.Keywords)
	if err != nil {
		return Settings{}, fmt.Errorf("encode keywords: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO conversation_settings(conversation_id, response_level, min_corresponding_length,
	max_history_length, prompt, reply_interval_ms, keywords_json, cleared_at, cleared_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(conversation_id) DO UPDATE SET
	response_level = excluded.response_level,
	min_corresponding_length = excluded.min_corresponding_length,
	max_history_length = excluded.max_history_length,
	prompt = excluded.prompt,
	reply_interval_ms = excluded.reply_interval_ms,
	keywords_json = excluded.keywords_json,
	cleared_at = excluded.cleared_at,
	cleared_at_ms = excluded.cleared_at_ms,
	updated_at_ms = excluded.updated_at_ms`,
		conversationID, cur.ResponseLevel, cur.MinCorrespondingLength, cur.MaxHistoryLength,
		cur.Prompt, cur.ReplyInterval.Milliseconds(), string(keywords), cur.ClearedAt,
		clearedMillis(cur.ClearedTime), cur.UpdatedAt.UnixMilli())
	if err != nil {
		return Settings{}, fmt.Errorf("update settings: %w", err)
	}
	return cur, nil
}

func clearedMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Count returns how many conversations have stored settings.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_settings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count settings: %w", err)
	}
	return n, nil
}
