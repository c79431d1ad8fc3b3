package relay

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chime/internal/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// shadowRow is one persisted relay deadline.
type shadowRow struct {
	ID      string
	At      time.Time
	Message string
}

// shadowStore checkpoints the relay's deadline shadow so a relay restart
// re-arms pending alarms instead of losing them. It holds no authority:
// the foreground's cancels always win on reconnect.
type shadowStore struct {
	db  *sql.DB
	log logx.Logger
}

func openShadowStore(path string, busyTimeout time.Duration, log logx.Logger) (*shadowStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("shadow store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.Exec("PRAGMA busy_timeout = " + strconv.FormatInt(busyTimeout.Milliseconds(), 10))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &shadowStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *shadowStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *shadowStore) Put(ctx context.Context, row shadowRow) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO shadow_alarms(id, at_ms, message) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET at_ms=excluded.at_ms, message=excluded.message`,
		row.ID, row.At.UnixMilli(), row.Message,
	)
	return err
}

func (s *shadowStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM shadow_alarms WHERE id = ?`, id)
	return err
}

func (s *shadowStore) All(ctx context.Context) ([]shadowRow, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, at_ms, message FROM shadow_alarms ORDER BY at_ms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []shadowRow
	for rows.Next() {
		var (
			r    shadowRow
			atMS int64
		)
		if err := rows.Scan(&r.ID, &atMS, &r.Message); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(atMS)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *shadowStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
