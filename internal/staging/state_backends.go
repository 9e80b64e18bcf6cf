package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	_ "github.com/lib/pq"
)

const (
	postgresStateTableName   = "planrelay_state"
	postgresStateKey         = "default"
	postgresOperationTimeout = 5 * time.Second
	pebbleSnapshotKey        = "planrelay/state"
)

// JSONFileStateBackend rewrites the whole snapshot on every Save, so only one
// process may hold a given path. Lock takes an advisory lock on a sibling
// ".lock" file.
type JSONFileStateBackend struct {
	Path string

	mu       sync.Mutex
	lockFile *os.File
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Save writes to a temp file and renames it over the target.
func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

func (b *JSONFileStateBackend) Lock() error {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lockFile != nil {
		return nil
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(b.Path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if err := lockFileExclusive(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %s: %v", ErrStoreLocked, b.Path, err)
	}
	b.lockFile = f
	return nil
}

func (b *JSONFileStateBackend) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lockFile == nil {
		return nil
	}
	err := unlockFile(b.lockFile)
	err = errors.Join(err, b.lockFile.Close())
	b.lockFile = nil
	return err
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	var clone persistedState
	if err := json.Unmarshal(b.snapshot, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.snapshot = data
	b.mu.Unlock()
	return nil
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStateBackend stores the snapshot as a single row keyed by state_key.
type PostgresStateBackend struct {
	dsn       string
	tableName string
	stateKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	lockMu   sync.Mutex
	lockConn *sql.Conn
}

func NewPostgresStateBackend(dsn string) (*PostgresStateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{
		dsn:       dsn,
		tableName: postgresStateTableName,
		stateKey:  postgresStateKey,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", QuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *PostgresStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, QuoteIdentifier(b.tableName))
	_, err = b.db.ExecContext(ctx, query, b.stateKey, string(payload))
	return err
}

// Lock takes a session advisory lock keyed by table and state key on a
// dedicated connection. The lock lives as long as that connection, so a
// crashed holder frees it automatically.
func (b *PostgresStateBackend) Lock() error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	b.lockMu.Lock()
	defer b.lockMu.Unlock()
	if b.lockConn != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", b.lockKey()).Scan(&acquired); err != nil {
		_ = conn.Close()
		return err
	}
	if !acquired {
		_ = conn.Close()
		return fmt.Errorf("%w: postgres %s", ErrStoreLocked, b.lockKey())
	}
	b.lockConn = conn
	return nil
}

func (b *PostgresStateBackend) lockKey() string {
	return b.tableName + "/" + b.stateKey
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	var err error
	b.lockMu.Lock()
	if b.lockConn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		_, err = b.lockConn.ExecContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", b.lockKey())
		cancel()
		err = errors.Join(err, b.lockConn.Close())
		b.lockConn = nil
	}
	b.lockMu.Unlock()
	return errors.Join(err, b.db.Close())
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, QuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

// PebbleStateBackend keeps the snapshot under a single key in a Pebble
// database directory.
type PebbleStateBackend struct {
	db  *pebble.DB
	key []byte
}

func NewPebbleStateBackend(dir string) (*PebbleStateBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStateBackend{db: db, key: []byte(pebbleSnapshotKey)}, nil
}

func (b *PebbleStateBackend) Load() (*persistedState, error) {
	value, closer, err := b.db.Get(b.key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var snapshot persistedState
	if err := json.Unmarshal(value, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *PebbleStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(b.key, payload, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (b *PebbleStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// QuoteIdentifier quotes a Postgres identifier.
func QuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
