// Package cache stores compiled artifacts in a sqlite database, keyed by
// a hash of the bytecode they were built from and the build configuration.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("cashier.cache")

// ErrNotFound indicates no artifact is stored for a hash.
var ErrNotFound = errors.New("artifact not found")

// cborEncMode encodes artifacts canonically so equal artifacts have equal
// bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cache: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Artifact is the result of compiling one bytecode container.
type Artifact struct {
	ID        string   `cbor:"1,keyasint"`
	Version   [3]uint8 `cbor:"2,keyasint"`
	Key       [32]byte `cbor:"3,keyasint"`
	LLVM      string   `cbor:"4,keyasint"`
	Functions []string `cbor:"5,keyasint"`
	Created   int64    `cbor:"6,keyasint"` // unix seconds
}

// FormatVersion identifies the artifact record layout. It is part of every
// key, so records of another layout are never returned.
const FormatVersion = 1

// Key returns the cache key of a bytecode container built under config,
// strings describing everything else that shapes the artifact.
func Key(data []byte, config ...string) [32]byte {
	h := sha256.New()
	fmt.Fprintf(h, "cashier-artifact/%d\n", FormatVersion)
	for _, c := range config {
		fmt.Fprintf(h, "%d:%s\n", len(c), c)
	}
	h.Write(data)

	var k [32]byte
	h.Sum(k[:0])
	return k
}

// MarshalArtifact serializes an Artifact to CBOR bytes.
func MarshalArtifact(a *Artifact) ([]byte, error) {
	return cborEncMode.Marshal(a)
}

// UnmarshalArtifact deserializes an Artifact from CBOR bytes.
func UnmarshalArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("cache: unmarshal artifact: %w", err)
	}
	return &a, nil
}

// Cache is a sqlite-backed artifact store. It is safe for concurrent use.
type Cache struct {
	db   *sql.DB
	path string
}

// Open opens or creates the cache database at path.
func Open(path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Pragmas are per connection; one connection keeps them in force.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS artifacts (
		hash BLOB PRIMARY KEY,
		id TEXT NOT NULL,
		data BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Cache{db: db, path: path}, nil
}

// Path returns the database file.
func (c *Cache) Path() string { return c.path }

// Close closes the database connection.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Get returns the artifact stored for hash, or ErrNotFound.
func (c *Cache) Get(ctx context.Context, hash [32]byte) (*Artifact, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx, "SELECT data FROM artifacts WHERE hash = ?", hash[:]).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying artifact: %w", err)
	}
	a, err := UnmarshalArtifact(data)
	if err != nil {
		return nil, err
	}
	log.Debugf("cache hit %x (artifact %s)", hash[:6], a.ID)
	return a, nil
}

// Put stores a, replacing any artifact with the same key. An
// empty ID is filled with a fresh UUID and a zero Created with the
// current time.
func (c *Cache) Put(ctx context.Context, a *Artifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Created == 0 {
		a.Created = time.Now().Unix()
	}
	data, err := MarshalArtifact(a)
	if err != nil {
		return fmt.Errorf("encoding artifact: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO artifacts (hash, id, data) VALUES (?, ?, ?)",
		a.Key[:], a.ID, data,
	)
	if err != nil {
		return fmt.Errorf("saving artifact: %w", err)
	}
	log.Debugf("cached %x as artifact %s", a.Key[:6], a.ID)
	return nil
}

// Len returns the number of stored artifacts.
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM artifacts").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting artifacts: %w", err)
	}
	return n, nil
}
