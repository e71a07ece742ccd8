package vecindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Cache persists embeddings across runs so unchanged page content is not
// re-embedded. Entries are keyed by the content hash, never the page ID, so
// edits invalidate naturally.
type Cache struct {
	db *sql.DB
}

func OpenCache(path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS embeddings (
			content_hash TEXT PRIMARY KEY,
			embedding    BLOB NOT NULL,
			dimensions   INTEGER NOT NULL,
			created_at   INTEGER NOT NULL
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if _, err := db.Exec("PRAGMA user_version=1"); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// Get returns the cached vector for a content hash, reporting whether it was
// present.
func (c *Cache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	var blob []byte
	var dims int
	err := c.db.QueryRowContext(ctx,
		"SELECT embedding, dimensions FROM embeddings WHERE content_hash = ?", key,
	).Scan(&blob, &dims)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return blobToFloat32(blob, dims), true, nil
}

// Put stores a vector under a content hash, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, key string, vector []float32) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO embeddings (content_hash, embedding, dimensions, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			embedding=excluded.embedding, dimensions=excluded.dimensions, created_at=excluded.created_at
	`, key, float32ToBlob(vector), len(vector), time.Now().Unix())
	return err
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func float32ToBlob(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func blobToFloat32(b []byte, dims int) []float32 {
	v := make([]float32, dims)
	for i := 0; i < dims && i*4+4 <= len(b); i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
