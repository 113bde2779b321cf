package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	_ "modernc.org/sqlite"
)

const (
	stateDir      = ".actifix"
	defaultDBName = "actifix.db"
	lockName      = "dispatch.lock"

	// SQLite's own lock-wait bound. Writers in WAL mode serialize; this
	// keeps contending transactions queued instead of failing fast.
	busyTimeoutMS = 5000
)

type Config struct {
	Workspace string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, defaultDBName)
}

// EnsureWorkspace creates the workspace state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, stateDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the workspace SQLite database. Foreign keys and the busy
// timeout are per-connection pragmas, so they ride on the DSN and apply
// to every connection database/sql creates; WAL mode is a property of
// the database file and is enabled once after opening.
//
// _txlock=immediate makes every transaction a writer from BEGIN. The
// repository's claim operations read a candidate and then update it in
// one transaction; deferred transactions would let two claimants read
// the same candidate and fail on the write upgrade, while immediate
// ones queue on the busy timeout instead.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", dbPath(cfg.Workspace), busyTimeoutMS)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer plus a few readers; more connections only pile up on
	// the write lock.
	conn.SetMaxOpenConns(runtime.NumCPU() + 1)
	conn.SetMaxIdleConns(2)
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	return conn, nil
}

// Path returns the database path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}

// LockPath returns the dispatch sentinel file path for the workspace.
func LockPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, lockName)
}

// Pool hands out the process-wide database handle for one workspace,
// opening it lazily. database/sql owns per-connection lifecycle; Pool
// owns open/close so tests and reconfiguration can Reset it.
type Pool struct {
	Config Config

	mu   sync.Mutex
	conn *sql.DB
}

// Get returns the shared handle, opening the database on first use.
// An open error is returned to the caller; Pool does not retry.
func (p *Pool) Get() (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	conn, err := Open(p.Config)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return p.conn, nil
}

// Reset closes the handle; the next Get reopens it.
func (p *Pool) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
