package analytics

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/teslashibe/go-chipins/pkg/proximity"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteRecorder stores sessions in a local SQLite database. It is the
// kiosk's system of record and backs the admin session list.
type SQLiteRecorder struct {
	db      *sql.DB
	kioskID string
}

// OpenSQLite opens (or creates) the database at path and migrates it.
// Use ":memory:" for tests.
func OpenSQLite(path, kioskID string, logger *slog.Logger) (*SQLiteRecorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, persistErr("analytics.open", fmt.Errorf("create directory: %w", err))
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, persistErr("analytics.open", err)
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, persistErr("analytics.open", fmt.Errorf("set pragmas: %w", err))
	}

	if err := migrateUp(db, logger); err != nil {
		db.Close()
		return nil, persistErr("analytics.migrate", err)
	}
	return &SQLiteRecorder{db: db, kioskID: kioskID}, nil
}

// migrateUp applies the embedded migrations.
func migrateUp(db *sql.DB, logger *slog.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	// m is not closed: that would close db.
	m.Log = &migrateLogger{logger: logger}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger adapts slog to migrate.Logger.
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf("[migrate] "+format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// Version returns the applied schema version.
func (r *SQLiteRecorder) Version(ctx context.Context) (uint, error) {
	var v uint
	err := r.db.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1`).Scan(&v)
	if err != nil {
		return 0, persistErr("analytics.version", err)
	}
	return v, nil
}

// Record inserts s. Recording the same session twice replaces it.
func (r *SQLiteRecorder) Record(ctx context.Context, s proximity.Session) error {
	rec := NewRecord(r.kioskID, s)
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (
			id, kiosk_id, outcome, started_at, stare_started_at, ended_at,
			engaged_duration_ms, peak_tier, peak_level, readings
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.KioskID, rec.Outcome, rec.StartedAt.UnixMilli(),
		nullableMillis(rec.StareStartedAt), nullableMillis(rec.EndedAt),
		rec.EngagedDurationMs, rec.PeakTier, rec.PeakLevel, rec.Readings,
	)
	if err != nil {
		return persistErr("analytics.sqlite.record", err)
	}
	return nil
}

// Recent returns up to n sessions, most recently ended first.
func (r *SQLiteRecorder) Recent(ctx context.Context, n int) ([]proximity.Session, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, outcome, started_at, stare_started_at, ended_at,
		       engaged_duration_ms, peak_tier, peak_level, readings
		FROM sessions
		ORDER BY ended_at DESC, started_at DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, persistErr("analytics.sqlite.recent", err)
	}
	defer rows.Close()

	var out []proximity.Session
	for rows.Next() {
		var (
			rec            Record
			startedAt      int64
			stare, endedAt sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.Outcome, &startedAt, &stare, &endedAt,
			&rec.EngagedDurationMs, &rec.PeakTier, &rec.PeakLevel, &rec.Readings); err != nil {
			return nil, persistErr("analytics.sqlite.recent", err)
		}
		rec.StartedAt = time.UnixMilli(startedAt).UTC()
		rec.StareStartedAt = millisPtr(stare)
		rec.EndedAt = millisPtr(endedAt)

		s, err := rec.Session()
		if err != nil {
			return nil, persistErr("analytics.sqlite.recent", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("analytics.sqlite.recent", err)
	}
	return out, nil
}

// Summary counts sessions that ended at or after since.
func (r *SQLiteRecorder) Summary(ctx context.Context, since time.Time) (Summary, error) {
	sum := Summary{Since: since}
	rows, err := r.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*), COALESCE(SUM(engaged_duration_ms), 0),
		       COUNT(stare_started_at)
		FROM sessions
		WHERE ended_at >= ?
		GROUP BY outcome`, since.UnixMilli())
	if err != nil {
		return sum, persistErr("analytics.sqlite.summary", err)
	}
	defer rows.Close()

	var totalMs int64
	for rows.Next() {
		var (
			outcome string
			count   int
			ms      int64
			stares  int
		)
		if err := rows.Scan(&outcome, &count, &ms, &stares); err != nil {
			return sum, persistErr("analytics.sqlite.summary", err)
		}
		sum.Total += count
		sum.StareCount += stares
		totalMs += ms
		switch proximity.Outcome(outcome) {
		case proximity.OutcomeEngaged:
			sum.Engaged = count
		case proximity.OutcomeAbandoned:
			sum.Abandoned = count
		case proximity.OutcomeConverted:
			sum.Converted = count
		}
	}
	if err := rows.Err(); err != nil {
		return sum, persistErr("analytics.sqlite.summary", err)
	}
	if sum.Total > 0 {
		sum.AvgEngagedMs = totalMs / int64(sum.Total)
	}
	return sum, nil
}

// Close closes the database.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
