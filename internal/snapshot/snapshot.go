// Package snapshot persists the last-known-good job set to a local SQLite
// database, so the console can render jobs immediately on startup and keep
// showing them while the backend is unreachable.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/storeport/internal/jobs"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	progress      INTEGER NOT NULL DEFAULT 0,
	message       TEXT NOT NULL DEFAULT '',
	source_url    TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	word_count    INTEGER NOT NULL DEFAULT 0,
	image_count   INTEGER NOT NULL DEFAULT 0,
	product_count INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT,
	started_at    TEXT,
	completed_at  TEXT
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Cache is the on-disk job snapshot. Writes are serialized through a single
// connection; SQLite cannot interleave writers anyway.
type Cache struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the snapshot database at dataDir/snapshot.db.
func Open(dataDir string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "snapshot.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot schema: %w", err)
	}

	logger.Debug("snapshot cache opened", "path", path)
	return &Cache{db: db, logger: logger}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Save replaces the stored snapshot with the given job list.
func (c *Cache) Save(list []jobs.Job) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM jobs"); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO jobs
		(id, status, progress, message, source_url, title, error_message,
		 word_count, image_count, product_count, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, j := range list {
		_, err := stmt.Exec(
			j.ID, j.Status, j.Progress, j.Message, j.SourceURL, j.Title,
			j.ErrorMessage, j.WordCount, j.ImageCount, j.ProductCount,
			timeText(j.CreatedAt), timeText(j.StartedAt), timeText(j.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert snapshot job %s: %w", j.ID, err)
		}
	}

	savedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(
		"INSERT INTO meta (key, value) VALUES ('saved_at', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		savedAt,
	); err != nil {
		return fmt.Errorf("record snapshot time: %w", err)
	}

	return tx.Commit()
}

// Load returns the stored snapshot and the time it was saved. An empty
// database returns an empty list and a zero time, not an error.
func (c *Cache) Load() ([]jobs.Job, time.Time, error) {
	rows, err := c.db.Query(`SELECT id, status, progress, message, source_url,
		title, error_message, word_count, image_count, product_count,
		created_at, started_at, completed_at FROM jobs`)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	var list []jobs.Job
	for rows.Next() {
		var j jobs.Job
		var created, started, completed sql.NullString
		if err := rows.Scan(
			&j.ID, &j.Status, &j.Progress, &j.Message, &j.SourceURL, &j.Title,
			&j.ErrorMessage, &j.WordCount, &j.ImageCount, &j.ProductCount,
			&created, &started, &completed,
		); err != nil {
			return nil, time.Time{}, fmt.Errorf("scan snapshot job: %w", err)
		}
		j.CreatedAt = textTime(created)
		j.StartedAt = textTime(started)
		j.CompletedAt = textTime(completed)
		list = append(list, j)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}

	var savedAt time.Time
	var raw string
	err = c.db.QueryRow("SELECT value FROM meta WHERE key = 'saved_at'").Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, time.Time{}, fmt.Errorf("read snapshot time: %w", err)
	default:
		if t, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			savedAt = t
		}
	}

	return list, savedAt, nil
}

// Prune removes terminal jobs whose completion time is older than the
// retention window, returning the number removed.
func (c *Cache) Prune(retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)
	res, err := c.db.Exec(`DELETE FROM jobs
		WHERE status IN (?, ?, ?)
		AND completed_at IS NOT NULL AND completed_at < ?`,
		jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Follow subscribes to store changes and persists the job list after each
// quiet period. It blocks until ctx is cancelled, writing one final snapshot
// on the way out.
func (c *Cache) Follow(ctx context.Context, store *jobs.Store, debounce time.Duration) {
	if debounce <= 0 {
		debounce = time.Second
	}
	sub := store.Subscribe()
	defer sub.Cancel()

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	dirty := false

	for {
		select {
		case <-ctx.Done():
			if dirty {
				c.saveStore(store)
			}
			return
		case <-sub.C:
			dirty = true
			timer.Reset(debounce)
		case <-timer.C:
			if dirty {
				c.saveStore(store)
				dirty = false
			}
		}
	}
}

func (c *Cache) saveStore(store *jobs.Store) {
	if err := c.Save(store.List()); err != nil {
		c.logger.Warn("snapshot save failed", "error", err)
	}
}

func timeText(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func textTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
