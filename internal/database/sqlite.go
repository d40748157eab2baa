package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bsync-go/internal/bsync"
	"bsync-go/internal/database/migrations"
	"bsync-go/internal/remote"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Keys of the sync_state table.
const (
	keyLastFetchAt             = "last_fetch_at"
	keyLastAutoSyncAt          = "last_auto_sync_at"
	keyLastAutoSyncHadTransfer = "last_auto_sync_had_transfer"
	keyCredentialsMismatch     = "credentials_mismatch"
)

// Fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists scheduler state, the local backup registry and the
// sync run history in SQLite.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	clock bsync.Clock
}

var (
	_ bsync.StateStore = (*SQLiteStore)(nil)
	_ remote.Registry  = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens a SQLite database. path can be a file path or
// ":memory:". The schema is not migrated; see Migrate and CheckMigrations.
func NewSQLiteStore(path string, clock bsync.Clock) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteStoreFromDB(db, path, clock), nil
}

// NewSQLiteStoreFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteStoreFromDB(db *sql.DB, path string, clock bsync.Clock) *SQLiteStore {
	if clock == nil {
		clock = bsync.RealClock{}
	}
	return &SQLiteStore{db: db, path: path, clock: clock}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// The DSN enables foreign keys on every pooled connection; verify it took.
	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to query foreign keys: %w", err)
	}
	if fk != 1 {
		db.Close()
		return nil, fmt.Errorf("foreign keys are not enabled")
	}
	return db, nil
}

// Path returns the database location this store was opened with.
func (s *SQLiteStore) Path() string { return s.path }

// Migrate applies pending schema migrations.
func (s *SQLiteStore) Migrate() error {
	st, err := migrations.Up(s.db)
	if err != nil {
		return err
	}
	return st.Err()
}

// CheckMigrations verifies the schema is at the latest version.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.Check(s.db)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scheduler state

func (s *SQLiteStore) LoadState(ctx context.Context) (bsync.PersistedState, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM sync_state")
	if err != nil {
		return bsync.PersistedState{}, fmt.Errorf("loading sync state: %w", err)
	}
	defer rows.Close()

	var st bsync.PersistedState
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return bsync.PersistedState{}, fmt.Errorf("scanning sync state: %w", err)
		}
		switch key {
		case keyLastFetchAt:
			st.LastFetchAt, err = parseTime(value)
		case keyLastAutoSyncAt:
			st.LastAutoSyncAt, err = parseTime(value)
		case keyLastAutoSyncHadTransfer:
			st.LastAutoSyncHadTransfer, err = strconv.ParseBool(value)
		case keyCredentialsMismatch:
			st.CredentialsMismatch, err = strconv.ParseBool(value)
		}
		if err != nil {
			return bsync.PersistedState{}, fmt.Errorf("parsing sync state %s: %w", key, err)
		}
	}
	if err := rows.Err(); err != nil {
		return bsync.PersistedState{}, fmt.Errorf("loading sync state: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) SaveLastFetchAt(ctx context.Context, at time.Time) error {
	return s.putState(ctx, map[string]string{keyLastFetchAt: formatTime(at)})
}

func (s *SQLiteStore) SaveAutoSync(ctx context.Context, at time.Time, hadTransfer bool) error {
	return s.putState(ctx, map[string]string{
		keyLastAutoSyncAt:          formatTime(at),
		keyLastAutoSyncHadTransfer: strconv.FormatBool(hadTransfer),
	})
}

func (s *SQLiteStore) SaveCredentialsMismatch(ctx context.Context, mismatch bool) error {
	return s.putState(ctx, map[string]string{keyCredentialsMismatch: strconv.FormatBool(mismatch)})
}

func (s *SQLiteStore) putState(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(s.clock.Now())
	for key, value := range values {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, now)
		if err != nil {
			return fmt.Errorf("saving %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Local backup registry

// LocalDescriptors returns the descriptor of the last backup recorded for
// each piece.
func (s *SQLiteStore) LocalDescriptors(ctx context.Context) (map[bsync.PieceType]bsync.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT piece_type, backup_id, backup_date, size FROM local_backups")
	if err != nil {
		return nil, fmt.Errorf("loading local backups: %w", err)
	}
	defer rows.Close()

	out := make(map[bsync.PieceType]bsync.Descriptor)
	for rows.Next() {
		var piece, id, date string
		var size int64
		if err := rows.Scan(&piece, &id, &date, &size); err != nil {
			return nil, fmt.Errorf("scanning local backup: %w", err)
		}
		t, err := parseTime(date)
		if err != nil {
			return nil, fmt.Errorf("parsing backup date for %s: %w", piece, err)
		}
		out[bsync.PieceType(piece)] = bsync.Descriptor{ID: id, Date: t, Size: size}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading local backups: %w", err)
	}
	return out, nil
}

// RecordLocalDescriptors upserts the given descriptors in one transaction.
func (s *SQLiteStore) RecordLocalDescriptors(ctx context.Context, descs map[bsync.PieceType]bsync.Descriptor) error {
	if len(descs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(s.clock.Now())
	for piece, d := range descs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO local_backups (piece_type, backup_id, backup_date, size, recorded_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(piece_type) DO UPDATE SET
				backup_id = excluded.backup_id,
				backup_date = excluded.backup_date,
				size = excluded.size,
				recorded_at = excluded.recorded_at`,
			string(piece), d.ID, formatTime(d.Date), d.Size, now)
		if err != nil {
			return fmt.Errorf("recording backup for %s: %w", piece, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Sync run history

func (s *SQLiteStore) RecordRun(ctx context.Context, run bsync.RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_runs (id, trigger, started_at, finished_at, outcome, had_transfer, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Trigger), formatTime(run.StartedAt), formatTime(run.FinishedAt),
		run.Outcome, run.HadTransfer, run.Error)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	insertPieces := func(direction string, pieces []bsync.PieceType) error {
		for _, p := range pieces {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO sync_run_pieces (run_id, piece_type, direction) VALUES (?, ?, ?)",
				run.ID, string(p), direction); err != nil {
				return fmt.Errorf("inserting %s piece %s: %w", direction, p, err)
			}
		}
		return nil
	}
	if err := insertPieces("upload", run.Uploaded); err != nil {
		return err
	}
	if err := insertPieces("import", run.Imported); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first. limit <= 0 means all.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]bsync.RunRecord, error) {
	query := `SELECT id, trigger, started_at, finished_at, outcome, had_transfer, error
		FROM sync_runs ORDER BY started_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	var runs []bsync.RunRecord
	for rows.Next() {
		var r bsync.RunRecord
		var trigger, started, finished string
		if err := rows.Scan(&r.ID, &trigger, &started, &finished, &r.Outcome, &r.HadTransfer, &r.Error); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.Trigger = bsync.Trigger(trigger)
		if r.StartedAt, err = parseTime(started); err != nil {
			rows.Close()
			return nil, fmt.Errorf("parsing run %s start: %w", r.ID, err)
		}
		if r.FinishedAt, err = parseTime(finished); err != nil {
			rows.Close()
			return nil, fmt.Errorf("parsing run %s finish: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	for i := range runs {
		if err := s.loadRunPieces(ctx, &runs[i]); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *SQLiteStore) loadRunPieces(ctx context.Context, run *bsync.RunRecord) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT piece_type, direction FROM sync_run_pieces WHERE run_id = ? ORDER BY piece_type", run.ID)
	if err != nil {
		return fmt.Errorf("loading pieces for run %s: %w", run.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var piece, direction string
		if err := rows.Scan(&piece, &direction); err != nil {
			return fmt.Errorf("scanning piece for run %s: %w", run.ID, err)
		}
		switch direction {
		case "upload":
			run.Uploaded = append(run.Uploaded, bsync.PieceType(piece))
		case "import":
			run.Imported = append(run.Imported, bsync.PieceType(piece))
		}
	}
	return rows.Err()
}

// PruneRuns keeps the newest keep runs and deletes the rest. It returns the
// number of runs deleted.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, errors.New("keep must not be negative")
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_runs WHERE id NOT IN (
			SELECT id FROM sync_runs ORDER BY started_at DESC, rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	return res.RowsAffected()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
