package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/user/quorum/internal/types"
	"github.com/user/quorum/pkg/llm"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id        TEXT    NOT NULL,
	model         TEXT    NOT NULL,
	provider      TEXT    NOT NULL DEFAULT '',
	topic         TEXT    NOT NULL DEFAULT '',
	started_at    INTEGER NOT NULL,
	last_sequence INTEGER NOT NULL DEFAULT 0,
	completed_at  INTEGER,
	usage         TEXT
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_job ON checkpoints(job_id);
CREATE INDEX IF NOT EXISTS idx_checkpoints_started ON checkpoints(started_at);

CREATE TABLE IF NOT EXISTS checkpoint_chunks (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	checkpoint_id INTEGER NOT NULL REFERENCES checkpoints(id) ON DELETE CASCADE,
	text          TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_checkpoint ON checkpoint_chunks(checkpoint_id);
`

type sqliteHandle struct {
	id    int64
	jobID string
}

func (h *sqliteHandle) JobID() string { return h.jobID }

// SQLiteStore keeps checkpoints in a SQLite database. Output chunks are
// insert-only rows, so a crash can lose at most the chunk being written.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteStore opens or creates the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) handle(h types.CheckpointHandle) (*sqliteHandle, error) {
	sh, ok := h.(*sqliteHandle)
	if !ok || sh == nil {
		return nil, fmt.Errorf("checkpoint handle %T does not belong to this store", h)
	}
	return sh, nil
}

// Open implements types.CheckpointStore.
func (s *SQLiteStore) Open(ctx context.Context, jobID string, meta types.CheckpointMeta) (types.CheckpointHandle, error) {
	if jobID == "" {
		return nil, fmt.Errorf("open checkpoint: empty job id")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (job_id, model, provider, topic, started_at) VALUES (?, ?, ?, ?, ?)`,
		jobID, meta.Model, string(meta.Provider), truncateTopic(meta.Topic), s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("checkpoint id: %w", err)
	}
	return &sqliteHandle{id: id, jobID: jobID}, nil
}

// Append implements types.CheckpointStore.
func (s *SQLiteStore) Append(ctx context.Context, h types.CheckpointHandle, text string) error {
	sh, err := s.handle(h)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoint_chunks (checkpoint_id, text) VALUES (?, ?)`, sh.id, text); err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	return nil
}

// SetSequence implements types.CheckpointStore.
func (s *SQLiteStore) SetSequence(ctx context.Context, h types.CheckpointHandle, seq int64) error {
	sh, err := s.handle(h)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET last_sequence = ? WHERE id = ? AND last_sequence < ?`, seq, sh.id, seq); err != nil {
		return fmt.Errorf("update sequence: %w", err)
	}
	return nil
}

// Close implements types.CheckpointStore. Rows hold no open resources, so
// only the handle is checked.
func (s *SQLiteStore) Close(_ context.Context, h types.CheckpointHandle) error {
	_, err := s.handle(h)
	return err
}

// Complete implements types.CheckpointStore.
func (s *SQLiteStore) Complete(ctx context.Context, h types.CheckpointHandle, opts types.CompleteOptions) error {
	sh, err := s.handle(h)
	if err != nil {
		return err
	}
	if opts.Delete {
		return s.deleteIDs(ctx, []int64{sh.id})
	}

	var usage any
	if opts.Usage != nil {
		data, err := json.Marshal(opts.Usage)
		if err != nil {
			return fmt.Errorf("marshal usage: %w", err)
		}
		usage = string(data)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET completed_at = ?, usage = COALESCE(?, usage) WHERE id = ?`,
		s.now().UnixNano(), usage, sh.id); err != nil {
		return fmt.Errorf("complete checkpoint: %w", err)
	}
	return nil
}

const checkpointColumns = `id, job_id, model, provider, topic, started_at, last_sequence, completed_at, usage`

func (s *SQLiteStore) scan(ctx context.Context, rows *sql.Rows) ([]*types.Checkpoint, []int64, error) {
	defer rows.Close()

	var out []*types.Checkpoint
	var ids []int64
	for rows.Next() {
		var (
			id        int64
			cp        types.Checkpoint
			provider  string
			started   int64
			completed sql.NullInt64
			usage     sql.NullString
		)
		if err := rows.Scan(&id, &cp.JobID, &cp.Model, &provider, &cp.Topic, &started, &cp.LastSequence, &completed, &usage); err != nil {
			return nil, nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Provider = types.Provider(provider)
		cp.StartedAt = time.Unix(0, started)
		if completed.Valid {
			t := time.Unix(0, completed.Int64)
			cp.CompletedAt = &t
		}
		if usage.Valid {
			var u llm.Usage
			if json.Unmarshal([]byte(usage.String), &u) == nil {
				cp.Usage = &u
			}
		}
		out = append(out, &cp)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	rows.Close()

	for i, cp := range out {
		content, err := s.content(ctx, ids[i])
		if err != nil {
			return nil, nil, err
		}
		cp.Content = content
	}
	return out, ids, nil
}

func (s *SQLiteStore) content(ctx context.Context, id int64) (string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT text FROM checkpoint_chunks WHERE checkpoint_id = ? ORDER BY id`, id)
	if err != nil {
		return "", fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return "", fmt.Errorf("scan chunk: %w", err)
		}
		b.WriteString(text)
	}
	return b.String(), rows.Err()
}

// List implements types.CheckpointStore.
func (s *SQLiteStore) List(ctx context.Context, includeCompleted bool) ([]*types.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints`
	if !includeCompleted {
		query += ` WHERE completed_at IS NULL`
	}
	query += ` ORDER BY started_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out, _, err := s.scan(ctx, rows)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*types.Checkpoint{}
	}
	return out, nil
}

// FindByJobID implements types.CheckpointStore.
func (s *SQLiteStore) FindByJobID(ctx context.Context, jobID string) (*types.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE job_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("find checkpoint: %w", err)
	}
	out, _, err := s.scan(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, jobID)
	}
	return out[0], nil
}

// Delete implements types.CheckpointStore.
func (s *SQLiteStore) Delete(ctx context.Context, jobID string) error {
	ids, err := s.ids(ctx, `SELECT id FROM checkpoints WHERE job_id = ?`, jobID)
	if err != nil {
		return err
	}
	return s.deleteIDs(ctx, ids)
}

// PurgeOlderThan implements types.CheckpointStore.
func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge).UnixNano()
	ids, err := s.ids(ctx, `SELECT id FROM checkpoints WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	if err := s.deleteIDs(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *SQLiteStore) ids(ctx context.Context, query string, arg any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("select checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) deleteIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_chunks WHERE checkpoint_id = ?`, id); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete checkpoint: %w", err)
		}
	}
	return tx.Commit()
}
