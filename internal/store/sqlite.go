package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"delayflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  subject_id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  fire_at INTEGER NOT NULL,
  metadata BLOB,
  firing INTEGER NOT NULL DEFAULT 0,
  expires_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_expires ON tasks(expires_at);
CREATE TABLE IF NOT EXISTS immunities (
  subject_id TEXT PRIMARY KEY,
  expires_at INTEGER NOT NULL,
  granted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_immunities_expires ON immunities(expires_at);
`
	_, err := db.Exec(schema)
	return err
}

// Times are stored as unix milliseconds; a NULL expires_at never expires.

type SQLiteTaskStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteTaskStore(db *sql.DB, opts ...Option) *SQLiteTaskStore {
	o := buildOptions(opts)
	return &SQLiteTaskStore{db: db, now: o.now}
}

// DB returns the underlying database connection.
func (s *SQLiteTaskStore) DB() *sql.DB { return s.db }

func (s *SQLiteTaskStore) Put(ctx context.Context, rec domain.TaskRecord, ttl time.Duration) error {
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (subject_id,task_id,fire_at,metadata,firing,expires_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,CURRENT_TIMESTAMP)
ON CONFLICT(subject_id) DO UPDATE SET
  task_id=excluded.task_id,
  fire_at=excluded.fire_at,
  metadata=excluded.metadata,
  firing=excluded.firing,
  expires_at=excluded.expires_at,
  created_at=excluded.created_at,
  updated_at=CURRENT_TIMESTAMP
`, rec.SubjectID, rec.TaskID, rec.FireAt.UnixMilli(), []byte(rec.Metadata), rec.Firing, nullMillis(expiry(now, ttl)), rec.CreatedAt.UnixMilli())
	return err
}

func (s *SQLiteTaskStore) Get(ctx context.Context, subject string) (domain.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT subject_id,task_id,fire_at,metadata,firing,created_at
FROM tasks WHERE subject_id=? AND (expires_at IS NULL OR expires_at > ?)`, subject, s.now().UnixMilli())
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteTaskStore) Delete(ctx context.Context, subject string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM tasks WHERE subject_id=? AND (expires_at IS NULL OR expires_at > ?)`, subject, s.now().UnixMilli())
	if err != nil {
		return false, err
	}
	// expired leftovers are not reported but still removed
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE subject_id=?`, subject); err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteTaskStore) DeleteIf(ctx context.Context, subject, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE subject_id=? AND task_id=?`, subject, taskID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteTaskStore) ListAll(ctx context.Context) ([]domain.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT subject_id,task_id,fire_at,metadata,firing,created_at
FROM tasks WHERE expires_at IS NULL OR expires_at > ?
ORDER BY fire_at`, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// PurgeExpired deletes task and immunity rows whose expiry has passed.
func (s *SQLiteTaskStore) PurgeExpired(ctx context.Context) (int, error) {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	tasks, _ := res.RowsAffected()
	res, err = s.db.ExecContext(ctx, `DELETE FROM immunities WHERE expires_at <= ?`, now)
	if err != nil {
		return int(tasks), err
	}
	imm, _ := res.RowsAffected()
	return int(tasks + imm), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.TaskRecord, error) {
	var (
		rec       domain.TaskRecord
		fireAt    int64
		createdAt int64
		metadata  []byte
	)
	if err := row.Scan(&rec.SubjectID, &rec.TaskID, &fireAt, &metadata, &rec.Firing, &createdAt); err != nil {
		return domain.TaskRecord{}, err
	}
	rec.FireAt = time.UnixMilli(fireAt)
	rec.CreatedAt = time.UnixMilli(createdAt)
	if len(metadata) > 0 {
		rec.Metadata = metadata
	}
	return rec, nil
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

type SQLiteImmunityStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteImmunityStore(db *sql.DB, opts ...Option) *SQLiteImmunityStore {
	o := buildOptions(opts)
	return &SQLiteImmunityStore{db: db, now: o.now}
}

// Put ignores ttl: the row expires at rec.ExpiresAt.
func (s *SQLiteImmunityStore) Put(ctx context.Context, rec domain.ImmunityRecord, _ time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO immunities (subject_id,expires_at,granted_at) VALUES (?,?,CURRENT_TIMESTAMP)
ON CONFLICT(subject_id) DO UPDATE SET expires_at=excluded.expires_at, granted_at=CURRENT_TIMESTAMP
`, rec.SubjectID, rec.ExpiresAt.UnixMilli())
	return err
}

func (s *SQLiteImmunityStore) Get(ctx context.Context, subject string) (domain.ImmunityRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT subject_id,expires_at FROM immunities WHERE subject_id=? AND expires_at > ?`, subject, s.now().UnixMilli())
	var (
		rec       domain.ImmunityRecord
		expiresAt int64
	)
	if err := row.Scan(&rec.SubjectID, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ImmunityRecord{}, ErrNotFound
		}
		return domain.ImmunityRecord{}, err
	}
	rec.ExpiresAt = time.UnixMilli(expiresAt)
	return rec, nil
}

func (s *SQLiteImmunityStore) Delete(ctx context.Context, subject string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM immunities WHERE subject_id=? AND expires_at > ?`, subject, s.now().UnixMilli())
	if err != nil {
		return false, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM immunities WHERE subject_id=?`, subject); err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
