package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	"google.golang.org/api/calendar/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	metaSyncToken       = "sync_token"
	metaFilterSignature = "filter_signature"
	metaLastRun         = "last_run"
)

const (
	sqlLoadTaskMap = `SELECT task_key, event_id FROM task_map`
	sqlLoadMeta    = `SELECT key, value FROM meta`
	sqlLoadErrors  = `SELECT at, op, task_id, prior_id, retries, status, message
		FROM errors ORDER BY seq`
	sqlLoadRemote = `SELECT event_id, payload FROM remote_events`

	sqlInsertTaskMap = `INSERT INTO task_map (task_key, event_id) VALUES (?, ?)`
	sqlUpsertMeta    = `INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	sqlInsertError = `INSERT INTO errors
		(at, op, task_id, prior_id, retries, status, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlInsertRemote = `INSERT INTO remote_events (event_id, payload) VALUES (?, ?)`
)

// SQLiteStore keeps State in a SQLite database. Save rewrites the tables in
// one transaction.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("state: creating %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("state: opening database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("state database ready", slog.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("state: migration filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return fmt.Errorf("state: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("state: running migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}
	return nil
}

func (st *SQLiteStore) Load(ctx context.Context) (*State, error) {
	s := New()

	rows, err := st.db.QueryContext(ctx, sqlLoadTaskMap)
	if err != nil {
		return nil, fmt.Errorf("state: loading task map: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("state: scanning task map: %w", err)
		}
		s.TaskMap[k] = v
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = st.db.QueryContext(ctx, sqlLoadMeta)
	if err != nil {
		return nil, fmt.Errorf("state: loading meta: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("state: scanning meta: %w", err)
		}
		switch k {
		case metaSyncToken:
			s.SyncToken = v
		case metaFilterSignature:
			s.FilterSignature = v
		case metaLastRun:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				s.LastRun = t
			}
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = st.db.QueryContext(ctx, sqlLoadErrors)
	if err != nil {
		return nil, fmt.Errorf("state: loading errors: %w", err)
	}
	for rows.Next() {
		var (
			rec ErrorRecord
			at  int64
		)
		if err := rows.Scan(&at, &rec.Op, &rec.TaskID, &rec.PriorID, &rec.Retries, &rec.Status, &rec.Message); err != nil {
			rows.Close()
			return nil, fmt.Errorf("state: scanning errors: %w", err)
		}
		rec.At = time.Unix(0, at).UTC()
		s.Errors = append(s.Errors, rec)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = st.db.QueryContext(ctx, sqlLoadRemote)
	if err != nil {
		return nil, fmt.Errorf("state: loading remote cache: %w", err)
	}
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("state: scanning remote cache: %w", err)
		}
		var ev calendar.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			st.logger.Warn("dropping unreadable cached event", slog.String("event_id", id), slog.String("error", err.Error()))
			continue
		}
		s.Remote[id] = &ev
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	return s, nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("state: iterating rows: %w", err)
	}
	return nil
}

func (st *SQLiteStore) Save(ctx context.Context, s *State) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"task_map", "errors", "remote_events"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("state: clearing %s: %w", table, err)
		}
	}

	for k, v := range s.TaskMap {
		if _, err := tx.ExecContext(ctx, sqlInsertTaskMap, k, v); err != nil {
			return fmt.Errorf("state: saving mapping %s: %w", k, err)
		}
	}

	lastRun := ""
	if !s.LastRun.IsZero() {
		lastRun = s.LastRun.UTC().Format(time.RFC3339Nano)
	}
	meta := [][2]string{
		{metaSyncToken, s.SyncToken},
		{metaFilterSignature, s.FilterSignature},
		{metaLastRun, lastRun},
	}
	for _, kv := range meta {
		if _, err := tx.ExecContext(ctx, sqlUpsertMeta, kv[0], kv[1]); err != nil {
			return fmt.Errorf("state: saving %s: %w", kv[0], err)
		}
	}

	for _, rec := range s.Errors {
		if _, err := tx.ExecContext(ctx, sqlInsertError,
			rec.At.UnixNano(), rec.Op, rec.TaskID, rec.PriorID, rec.Retries, rec.Status, rec.Message,
		); err != nil {
			return fmt.Errorf("state: saving error record: %w", err)
		}
	}

	for id, ev := range s.Remote {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("state: encoding cached event %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, sqlInsertRemote, id, string(payload)); err != nil {
			return fmt.Errorf("state: saving cached event %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: committing: %w", err)
	}
	return nil
}

func (st *SQLiteStore) Close() error {
	return st.db.Close()
}
