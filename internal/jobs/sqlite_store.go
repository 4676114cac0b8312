package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/gotidarr/internal/common"
)

// SQLiteStorage persists snapshots in an embedded SQLite database. Each Save
// replaces the table contents inside one transaction.
type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time keeps snapshot transactions from interleaving.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStorage{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue (
		position INTEGER NOT NULL,
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		job_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sync_items (
		position INTEGER NOT NULL,
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		title TEXT,
		quality TEXT,
		type TEXT NOT NULL,
		last_update TEXT
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) LoadQueue() ([]Job, error) {
	rows, err := s.db.Query(`SELECT job_json FROM queue ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) SaveQueue(jobs []Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM queue`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO queue (position, id, type, status, job_json, updated_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for i, job := range jobs {
		b, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", job.ID, err)
		}
		if _, err := stmt.Exec(i, job.ID, string(job.Type), string(job.Status), string(b), job.UpdatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert job %s: %w", job.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit queue: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) LoadSyncList() ([]SyncItem, error) {
	rows, err := s.db.Query(`SELECT id, url, title, quality, type, last_update FROM sync_items ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query sync items: %w", err)
	}
	defer rows.Close()

	var out []SyncItem
	for rows.Next() {
		var item SyncItem
		var title, quality, last sql.NullString
		var typ string
		if err := rows.Scan(&item.ID, &item.URL, &title, &quality, &typ, &last); err != nil {
			return nil, fmt.Errorf("scan sync item: %w", err)
		}
		item.Title = title.String
		item.Quality = quality.String
		item.Type = Type(typ)
		if last.Valid {
			if t, err := time.Parse(time.RFC3339Nano, last.String); err == nil {
				item.LastUpdate = &t
			}
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) SaveSyncList(items []SyncItem) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM sync_items`); err != nil {
		return fmt.Errorf("clear sync items: %w", err)
	}
	for i, item := range items {
		var last *string
		if item.LastUpdate != nil {
			ts := item.LastUpdate.UTC().Format(time.RFC3339Nano)
			last = &ts
		}
		if _, err := tx.Exec(`INSERT INTO sync_items (position, id, url, title, quality, type, last_update) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			i, item.ID, item.URL, item.Title, item.Quality, string(item.Type), last,
		); err != nil {
			return fmt.Errorf("insert sync item %s: %w", item.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sync items: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
