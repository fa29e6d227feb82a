// Package checkpoint хранит прогресс обхода участников в SQLite, чтобы
// прерванный запуск можно было продолжить с последней завершенной страницы.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/comonadd/fetch-tg-links/internal/domain"
	"github.com/comonadd/fetch-tg-links/internal/ports"
)

const schema = `
	CREATE TABLE IF NOT EXISTS progress (
		supergroup_id INTEGER PRIMARY KEY,
		next_offset INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS users (
		supergroup_id INTEGER NOT NULL,
		username TEXT NOT NULL,
		checked_at TIMESTAMP NOT NULL,
		PRIMARY KEY (supergroup_id, username)
	);
	CREATE TABLE IF NOT EXISTS links (
		supergroup_id INTEGER NOT NULL,
		username TEXT NOT NULL,
		service TEXT NOT NULL,
		url TEXT,
		PRIMARY KEY (supergroup_id, username, service)
	);
`

// SQLiteStore реализует ports.ProgressStore поверх файла SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ ports.ProgressStore = (*SQLiteStore)(nil)

// Open открывает (или создает) базу по пути path и применяет схему.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	// Один писатель.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close закрывает базу.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveOffset запоминает смещение, с которого нужно продолжить обход супергруппы.
func (s *SQLiteStore) SaveOffset(ctx context.Context, supergroupID int64, offset int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO progress (supergroup_id, next_offset, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(supergroup_id) DO UPDATE SET next_offset = excluded.next_offset, updated_at = excluded.updated_at
	`, supergroupID, offset, s.now())
	if err != nil {
		return fmt.Errorf("failed to save offset for %d: %w", supergroupID, err)
	}
	return nil
}

// LoadOffset возвращает сохраненное смещение. found=false, если супергруппу еще не обходили.
func (s *SQLiteStore) LoadOffset(ctx context.Context, supergroupID int64) (int, bool, error) {
	var offset int
	err := s.db.QueryRowContext(ctx, `SELECT next_offset FROM progress WHERE supergroup_id = ?`, supergroupID).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load offset for %d: %w", supergroupID, err)
	}
	return offset, true, nil
}

// SaveRecord заменяет запись пользователя целиком.
func (s *SQLiteStore) SaveRecord(ctx context.Context, supergroupID int64, username string, record domain.UserRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO users (supergroup_id, username, checked_at) VALUES (?, ?, ?)
		ON CONFLICT(supergroup_id, username) DO UPDATE SET checked_at = excluded.checked_at
	`, supergroupID, username, s.now()); err != nil {
		return fmt.Errorf("failed to save user %s: %w", username, err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM links WHERE supergroup_id = ? AND username = ?`, supergroupID, username); err != nil {
		return fmt.Errorf("failed to reset links of %s: %w", username, err)
	}
	for service, url := range record {
		var value sql.NullString
		if url != nil {
			value = sql.NullString{String: *url, Valid: true}
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO links (supergroup_id, username, service, url) VALUES (?, ?, ?, ?)
		`, supergroupID, username, service, value); err != nil {
			return fmt.Errorf("failed to save %s link of %s: %w", service, username, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record of %s: %w", username, err)
	}
	return nil
}

// LoadRecords восстанавливает результаты прошлых запусков по супергруппе.
func (s *SQLiteStore) LoadRecords(ctx context.Context, supergroupID int64) (*domain.ResultStore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.username, l.service, l.url
		FROM users u LEFT JOIN links l ON l.supergroup_id = u.supergroup_id AND l.username = u.username
		WHERE u.supergroup_id = ?
	`, supergroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load records for %d: %w", supergroupID, err)
	}
	defer rows.Close()

	records := make(map[string]domain.UserRecord)
	for rows.Next() {
		var (
			username string
			service  sql.NullString
			url      sql.NullString
		)
		if err := rows.Scan(&username, &service, &url); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec, ok := records[username]
		if !ok {
			rec = domain.UserRecord{}
			records[username] = rec
		}
		if !service.Valid {
			continue
		}
		if url.Valid {
			v := url.String
			rec[service.String] = &v
		} else {
			rec[service.String] = nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	store := domain.NewResultStore()
	for username, rec := range records {
		store.Put(username, rec)
	}
	return store, nil
}
