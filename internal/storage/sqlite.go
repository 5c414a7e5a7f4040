package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the upload registry and the session
// audit trail.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the database file in dataDir, creating both if needed, and
// brings the schema up to date. ":memory:" opens a private in-memory database.
func Open(dataDir string) (*Store, error) {
	dbPath := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dbPath = filepath.Join(dataDir, "qwenbridge.db")
	}

	// modernc applies _pragma parameters on every new connection.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer; an in-memory database also lives only as long as its connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database %s: %w", dbPath, err)
	}

	s := &Store{db: db, logger: slog.Default().With("component", "storage")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type migration struct {
	version int
	name    string
	sql     string
}

// loadMigrations returns the embedded NNN_name.sql files ordered by version.
func loadMigrations() ([]migration, error) {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(names))
	for _, name := range names {
		base := path.Base(name)
		version, err := parseMigrationVersion(base)
		if err != nil {
			return nil, err
		}
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", base, err)
		}
		out = append(out, migration{version: version, name: base, sql: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	for i := 1; i < len(out); i++ {
		if out[i].version == out[i-1].version {
			return nil, fmt.Errorf("duplicate migration version %d (%s, %s)", out[i].version, out[i-1].name, out[i].name)
		}
	}
	return out, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}

	applied, err := s.AppliedMigrations()
	if err != nil {
		return err
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if done[m.version] {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return err
		}
		s.logger.Debug("applied migration", "version", m.version, "name", m.name)
	}
	return nil
}

// apply runs one migration and records it in the same transaction.
func (s *Store) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: %w", m.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
		return fmt.Errorf("recording migration %d: %w", m.version, err)
	}
	return tx.Commit()
}

func parseMigrationVersion(filename string) (int, error) {
	digits, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("migration %q: want NNN_name.sql", filename)
	}
	version, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("migration %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations lists applied schema versions, lowest first.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Uploads ---

// SaveUpload inserts or replaces an upload registry entry.
func (s *Store) SaveUpload(ctx context.Context, u Upload) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploads (id, url, filename, mime_type, size_bytes, upload_task_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET url = excluded.url, filename = excluded.filename,
			mime_type = excluded.mime_type, size_bytes = excluded.size_bytes,
			upload_task_id = excluded.upload_task_id, created_at = excluded.created_at`,
		u.ID, u.URL, u.Filename, u.MimeType, u.SizeBytes, u.UploadTaskID, formatTime(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving upload %s: %w", u.ID, err)
	}
	return nil
}

func (s *Store) GetUpload(ctx context.Context, id string) (Upload, error) {
	var u Upload
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, url, filename, mime_type, size_bytes, upload_task_id, created_at
		FROM uploads WHERE id = ?`, id,
	).Scan(&u.ID, &u.URL, &u.Filename, &u.MimeType, &u.SizeBytes, &u.UploadTaskID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Upload{}, ErrNotFound
	}
	if err != nil {
		return Upload{}, err
	}
	if u.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Upload{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return u, nil
}

func (s *Store) ListUploads(ctx context.Context, limit int) ([]Upload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, filename, mime_type, size_bytes, upload_task_id, created_at
		FROM uploads ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Upload
	for rows.Next() {
		var u Upload
		var createdAt string
		if err := rows.Scan(&u.ID, &u.URL, &u.Filename, &u.MimeType, &u.SizeBytes, &u.UploadTaskID, &createdAt); err != nil {
			return nil, err
		}
		if u.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, u)
	}
	return results, rows.Err()
}

// PruneUploads deletes registry entries created before cutoff and returns how
// many were removed.
func (s *Store) PruneUploads(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning uploads: %w", err)
	}
	return res.RowsAffected()
}

// --- Sessions ---

func (s *Store) OpenSession(ctx context.Context, id, model string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, model, state, created_at) VALUES (?, ?, 'in_use', ?)
		ON CONFLICT(id) DO NOTHING`,
		id, model, formatTime(at),
	)
	return err
}

func (s *Store) CloseSession(ctx context.Context, id string, at time.Time, deleteErr string) error {
	var errCol sql.NullString
	if deleteErr != "" {
		errCol = sql.NullString{String: deleteErr, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = 'closed', closed_at = ?, delete_error = ? WHERE id = ?`,
		formatTime(at), errCol, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, model, state, created_at, closed_at, delete_error FROM sessions WHERE id = ?`, id)
	r, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	return r, err
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model, state, created_at, closed_at, delete_error
		FROM sessions ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SessionRecord
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (SessionRecord, error) {
	var r SessionRecord
	var createdAt string
	var closedAt, deleteErr sql.NullString
	if err := row.Scan(&r.ID, &r.Model, &r.State, &createdAt, &closedAt, &deleteErr); err != nil {
		return SessionRecord{}, err
	}
	var err error
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return SessionRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if closedAt.Valid {
		if r.ClosedAt, err = time.Parse(time.RFC3339, closedAt.String); err != nil {
			return SessionRecord{}, fmt.Errorf("parsing closed_at: %w", err)
		}
	}
	r.DeleteError = deleteErr.String
	return r, nil
}

// SessionOpened and SessionClosed let the store observe session lifecycles.
// Audit writes never fail the request; errors are logged.

func (s *Store) SessionOpened(id, model string, at time.Time) {
	if err := s.OpenSession(context.Background(), id, model, at); err != nil {
		s.logger.Warn("recording session open failed", "chat_id", id, "error", err)
	}
}

func (s *Store) SessionClosed(id string, at time.Time, deleteErr error) {
	var msg string
	if deleteErr != nil {
		msg = deleteErr.Error()
	}
	if err := s.CloseSession(context.Background(), id, at, msg); err != nil {
		s.logger.Warn("recording session close failed", "chat_id", id, "error", err)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
