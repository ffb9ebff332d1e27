package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "app-cache.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS generations (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	generation TEXT NOT NULL,
	url        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	header     TEXT NOT NULL,
	body       BLOB NOT NULL,
	stored_at  INTEGER NOT NULL,
	PRIMARY KEY (generation, url)
);
`

// SQLiteStorage 将全部缓存代保存在同一个 SQLite 数据库中。
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLite 在 basePath 下打开（或创建）数据库并初始化表结构。
func OpenSQLite(basePath string) (*SQLiteStorage, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dsn := filepath.Join(filepath.Clean(basePath), SQLiteFileName) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接写入，避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := s.ensureGeneration(ctx, s.db, name); err != nil {
		return nil, err
	}
	return &sqliteCache{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM generations WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("lookup generation: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE generation = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM generations WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete generation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM generations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close 释放底层连接。
func (s *SQLiteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStorage) ensureGeneration(ctx context.Context, db execer, name string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO generations (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create generation: %w", err)
	}
	return nil
}

type sqliteCache struct {
	storage *SQLiteStorage
	name    string
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, url string) (*Response, error) {
	row := c.storage.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM entries WHERE generation = ? AND url = ?`,
		c.name, url,
	)

	var (
		status   int
		header   string
		body     []byte
		storedAt int64
	)
	if err := row.Scan(&status, &header, &body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("match entry: %w", err)
	}

	resp := &Response{
		URL:      url,
		Status:   status,
		Header:   http.Header{},
		Body:     body,
		StoredAt: time.UnixMilli(storedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return resp, nil
}

func (c *sqliteCache) Put(ctx context.Context, url string, resp *Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return err
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	tx, err := c.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// 写入时顺带恢复缓存代记录，与磁盘后端 Put 时重建目录的行为一致。
	if err := c.storage.ensureGeneration(ctx, tx, c.name); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entries (generation, url, status, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(generation, url) DO UPDATE SET
		    status = excluded.status,
		    header = excluded.header,
		    body = excluded.body,
		    stored_at = excluded.stored_at`,
		c.name, url, resp.Status, string(header), body, storedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	return tx.Commit()
}

func (c *sqliteCache) Delete(ctx context.Context, url string) (bool, error) {
	res, err := c.storage.db.ExecContext(ctx,
		`DELETE FROM entries WHERE generation = ? AND url = ?`, c.name, url)
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.storage.db.QueryContext(ctx,
		`SELECT url FROM entries WHERE generation = ? ORDER BY url`, c.name)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, err
		}
		keys = append(keys, url)
	}
	return keys, rows.Err()
}
