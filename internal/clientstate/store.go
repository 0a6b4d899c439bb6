package clientstate

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
	"syscall"
	"time"

	_ "modernc.org/sqlite"
)

// FileStore keeps the state in a JSON file guarded by an flock'd sibling
// lock file, so several processes can share it.
type FileStore struct {
	path     string
	lockPath string
}

func NewFileStore(path string) *FileStore {
	path = strings.TrimSpace(path)
	return &FileStore{path: path, lockPath: path + ".lock"}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(context.Context) (State, error) {
	out := State{Version: CurrentVersion}
	if s.path == "" {
		return out, nil
	}
	err := withFileLock(s.lockPath, func() error {
		payload, err := os.ReadFile(s.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, &out)
	})
	if err != nil {
		return State{}, fmt.Errorf("load %s: %w", s.path, err)
	}
	return out, nil
}

func (s *FileStore) Save(_ context.Context, state State) error {
	if s.path == "" {
		return nil
	}
	return withFileLock(s.lockPath, func() error {
		return writeAtomicJSON(s.path, state)
	})
}

func (s *FileStore) Close() error { return nil }

func withFileLock(lockPath string, fn func() error) error {
	if strings.TrimSpace(lockPath) == "" {
		return fn()
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock %s: %w", lockPath, err)
	}
	defer func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	}()
	return fn()
}

func writeAtomicJSON(path string, state State) error {
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// SQLiteStore keeps one JSON row per key in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	key string
}

// OpenSQLite opens or creates the database at path. key namespaces the
// row, typically by user.
func OpenSQLite(path, key string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to state database: %w", err)
	}
	if strings.TrimSpace(key) == "" {
		key = "default"
	}
	store := &SQLiteStore{db: db, key: key}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS client_state (
		key TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to initialize state schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (State, error) {
	out := State{Version: CurrentVersion}
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM client_state WHERE key = ?`, s.key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to load client state: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return State{}, fmt.Errorf("failed to decode client state: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Save(ctx context.Context, state State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO client_state (key, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, s.key, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save client state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MemoryStore keeps the state in process, for tests and ephemeral sessions.
type MemoryStore struct {
	mu    sync.Mutex
	state State
	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: State{Version: CurrentVersion}}
}

func (s *MemoryStore) Load(context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.state), nil
}

func (s *MemoryStore) Save(_ context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = cloneState(state)
	s.saves++
	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryStore) Close() error { return nil }

// Open picks a store by backend name: file, sqlite or memory.
func Open(backend, path, key string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "file":
		return NewFileStore(path), nil
	case "sqlite":
		return OpenSQLite(path, key)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}
