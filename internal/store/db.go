package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and driver.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DB wraps sql.DB for Postgres (pgx) or SQLite (modernc).
type DB struct {
	Client  *sql.DB
	Dialect Dialect
}

// NewDB opens a connection based on the URL scheme:
// postgres:// and postgresql:// use pgx, sqlite://path and file: use SQLite.
func NewDB(connString string) (*DB, error) {
	dialect, driver, dsn, err := resolve(connString)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == SQLite {
		// single writer keeps SQLite free of SQLITE_BUSY under concurrent transitions
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return &DB{Client: db, Dialect: dialect}, nil
}

func resolve(connString string) (Dialect, string, string, error) {
	switch {
	case strings.HasPrefix(connString, "postgres://"), strings.HasPrefix(connString, "postgresql://"):
		return Postgres, "pgx", connString, nil
	case strings.HasPrefix(connString, "file:"):
		return SQLite, "sqlite", connString, nil
	case strings.HasPrefix(connString, "sqlite://"):
		path := strings.TrimPrefix(connString, "sqlite://")
		if path == "" {
			return "", "", "", fmt.Errorf("sqlite url has no path")
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", "", "", fmt.Errorf("create db dir: %w", err)
			}
		}
		return SQLite, "sqlite", path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	default:
		return "", "", "", fmt.Errorf("unsupported database url %q", connString)
	}
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

// Healthy pings the database.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

// Rebind rewrites ? placeholders into $n for Postgres.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

const schema = `
CREATE TABLE IF NOT EXISTS org_configs (
	org_id                 TEXT PRIMARY KEY,
	present_role_id        TEXT,
	absent_role_id         TEXT,
	excused_role_id        TEXT,
	permitted_role_id      TEXT,
	welcome_channel_id     TEXT,
	report_channel_id      TEXT,
	last_report_message_id TEXT,
	last_report_channel_id TEXT,
	attendance_mode        TEXT,
	expiry_hours           INTEGER,
	window_start_time      TEXT,
	window_end_time        TEXT,
	utc_offset_minutes     INTEGER,
	allow_self_marking     BOOLEAN,
	require_admin_excuse   BOOLEAN,
	last_opened_date       TEXT,
	last_processed_date    TEXT,
	updated_at             TEXT
);

CREATE TABLE IF NOT EXISTS attendance_records (
	org_id     TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	status     TEXT,
	timestamp  TEXT,
	channel_id TEXT,
	reason     TEXT,
	PRIMARY KEY (org_id, subject_id)
);

CREATE TABLE IF NOT EXISTS attendance_stats (
	org_id        TEXT NOT NULL,
	subject_id    TEXT NOT NULL,
	present_count INTEGER NOT NULL DEFAULT 0,
	absent_count  INTEGER NOT NULL DEFAULT 0,
	excused_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (org_id, subject_id)
);

CREATE INDEX IF NOT EXISTS idx_records_org_time ON attendance_records (org_id, timestamp);
`

// Migrate creates tables when missing. Statements are portable across both dialects.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := d.Client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
