package client

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/dmitrijs2005/purchasesync/internal/client/migrations"
	"github.com/dmitrijs2005/purchasesync/internal/filex"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// BusyTimeoutMillis bounds how long a connection waits for another
// connection's write lock.
const BusyTimeoutMillis = 5000

// DSN turns a file path into a modernc sqlite DSN with WAL journaling, a busy
// timeout and immediate write transactions. A value that already carries
// query parameters is returned as is.
func DSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", BusyTimeoutMillis))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// InitDatabase opens the store at path, creating its directory when needed,
// and brings its schema up to date.
func InitDatabase(ctx context.Context, path string) (*sql.DB, error) {
	if !strings.Contains(path, ":memory:") {
		if err := filex.EnsureParentDir(path); err != nil {
			return nil, fmt.Errorf("failed to prepare database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
