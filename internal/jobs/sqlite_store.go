package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists jobs to disk, so stale terminal records survive a
// restart and can still be reaped. Enabled via server.databasePath.
type SQLiteStore struct {
	db *sql.DB
	// Serializes Update's read-modify-write; SQLite offers no row-level CAS
	// primitive for this access pattern.
	mu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		progress INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		completed_at TEXT,
		original_filename TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		output_file_size INTEGER NOT NULL DEFAULT 0,
		page_count INTEGER NOT NULL DEFAULT 0,
		output_file_path TEXT,
		error_message TEXT,
		logs_json TEXT
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	logs, err := marshalLogs(job.Logs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO jobs (id, state, progress, created_at, completed_at, original_filename,
			file_size, output_file_size, page_count, output_file_path, error_message, logs_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.State), job.Progress,
		job.CreatedAt.UTC().Format(time.RFC3339Nano), formatTimePtr(job.CompletedAt),
		job.OriginalFilename, job.FileSize, job.OutputFileSize, job.PageCount,
		nullable(job.OutputFilePath), nullable(job.Error), logs,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(id string) (*Job, error) {
	row := s.db.QueryRow(selectColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// Update performs an atomic read-modify-write of a single record.
func (s *SQLiteStore) Update(id string, mutate func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(selectColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		return err
	}

	mutate(job)

	logs, err := marshalLogs(job.Logs)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`UPDATE jobs SET state = ?, progress = ?, completed_at = ?, file_size = ?,
			output_file_size = ?, page_count = ?, output_file_path = ?, error_message = ?, logs_json = ?
		 WHERE id = ?`,
		string(job.State), job.Progress, formatTimePtr(job.CompletedAt),
		job.FileSize, job.OutputFileSize, job.PageCount,
		nullable(job.OutputFilePath), nullable(job.Error), logs, id,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Snapshot() ([]*Job, error) {
	rows, err := s.db.Query(selectColumns + ` FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("snapshot jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectColumns = `SELECT id, state, progress, created_at, completed_at, original_filename,
	file_size, output_file_size, page_count, output_file_path, error_message, logs_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var state, created string
	var completed, outputPath, errMsg, logs sql.NullString

	if err := row.Scan(
		&job.ID,
		&state,
		&job.Progress,
		&created,
		&completed,
		&job.OriginalFilename,
		&job.FileSize,
		&job.OutputFileSize,
		&job.PageCount,
		&outputPath,
		&errMsg,
		&logs,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.State = State(state)
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		job.CreatedAt = t
	}
	if completed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completed.String); err == nil {
			job.CompletedAt = &t
		}
	}
	if outputPath.Valid {
		job.OutputFilePath = outputPath.String
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	if logs.Valid && logs.String != "" {
		// Leave Logs nil on malformed JSON; do not fail retrieval.
		var lines []string
		if err := json.Unmarshal([]byte(logs.String), &lines); err == nil {
			job.Logs = lines
		}
	}
	return &job, nil
}

func marshalLogs(lines []string) (string, error) {
	if len(lines) == 0 {
		return "", nil
	}
	b, err := json.Marshal(lines)
	if err != nil {
		return "", fmt.Errorf("marshal logs: %w", err)
	}
	return string(b), nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
