package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"photoflow/internal/domain"
)

const schema = `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  payload BLOB,
  priority INTEGER NOT NULL DEFAULT 0,
  seq INTEGER NOT NULL,
  progress INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('pending','running','paused','completed','failed','cancelled')) DEFAULT 'pending',
  retry_count INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  started_at DATETIME,
  completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, priority DESC, seq ASC);
`

type sqliteStore struct{ db *sql.DB }

// OpenSQLite opens (or creates) the durable queue database.
func OpenSQLite(path string) (Store, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Load(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,type,payload,priority,seq,progress,status,retry_count,error,created_at,started_at,completed_at
FROM tasks ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var t domain.Task
		var started, completed sql.NullTime
		if err := rows.Scan(&t.ID, &t.Type, &t.Payload, &t.Priority, &t.Seq, &t.Progress,
			&t.Status, &t.RetryCount, &t.Error, &t.CreatedAt, &started, &completed); err != nil {
			return nil, err
		}
		if started.Valid {
			ts := started.Time
			t.StartedAt = &ts
		}
		if completed.Valid {
			ts := completed.Time
			t.CompletedAt = &ts
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *sqliteStore) Put(ctx context.Context, t domain.Task) error {
	var started, completed any
	if t.StartedAt != nil {
		started = t.StartedAt.UTC()
	}
	if t.CompletedAt != nil {
		completed = t.CompletedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (id,type,payload,priority,seq,progress,status,retry_count,error,created_at,started_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  progress=excluded.progress, status=excluded.status, retry_count=excluded.retry_count,
  error=excluded.error, started_at=excluded.started_at, completed_at=excluded.completed_at,
  priority=excluded.priority, seq=excluded.seq
`, t.ID, t.Type, t.Payload, t.Priority, t.Seq, t.Progress, t.Status, t.RetryCount, t.Error,
		t.CreatedAt.UTC(), started, completed)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id=?", id); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error { return s.db.Close() }
