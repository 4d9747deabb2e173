// Package localdb is the external collaborator specified only at its
// "connect to endpoint" and "closed" signals: the local per-tab database
// this coordinator never reads or writes, only watches for liveness.
package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dbsync/coordinator/internal/runner"
)

// Standard errors, classified below the same way the teacher's db package
// classifies sqlite driver errors.
var (
	ErrNotFound = errors.New("localdb: not found")
	ErrBusy     = errors.New("localdb: database busy")
)

// IsNotFound reports whether err represents a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsBusy reports whether err represents the sqlite database being locked by
// another connection (expected while the host tab still holds its lock).
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBusy) {
		return true
	}
	return strings.Contains(err.Error(), "database is locked")
}

// Config controls liveness polling for an opened Handle.
type Config struct {
	Driver            string
	PollInterval      time.Duration
	MaxOpenConns      int
	ConnMaxLifetime   time.Duration
}

// DefaultConfig returns the polling defaults used when the coordinator's
// TOML config does not override them.
func DefaultConfig() Config {
	return Config{
		Driver:          "sqlite3",
		PollInterval:    time.Second,
		MaxOpenConns:    1,
		ConnMaxLifetime: 0,
	}
}

// Connector implements runner.DatabaseConnector against real sqlite files.
type Connector struct {
	cfg Config
}

// NewConnector builds a Connector with the given polling config.
func NewConnector(cfg Config) *Connector {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite3"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Connector{cfg: cfg}
}

// Connect opens endpoint.Endpoint as a sqlite DSN and returns a Handle that
// pings the database every PollInterval and resolves its closed signal on
// the first failed ping. LockName is stored but not watched. Connect itself
// satisfies runner.DatabaseConnector structurally.
func (c *Connector) Connect(ctx context.Context, endpoint runner.DatabaseEndpoint) (runner.DatabaseHandle, error) {
	db, err := sql.Open(c.cfg.Driver, endpoint.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("localdb: open %s: %w", endpoint.DatabaseName, err)
	}
	if c.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	}
	if c.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("localdb: ping %s: %w", endpoint.DatabaseName, err)
	}

	h := &Handle{
		db:       db,
		name:     endpoint.DatabaseName,
		lockName: endpoint.LockName,
		closedCh: make(chan struct{}),
		updateCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	go h.watch(c.cfg.PollInterval)
	return h, nil
}

// Handle is a local database handle: a live *sql.DB plus the liveness
// watcher that resolves Closed() when the backing connection is lost.
type Handle struct {
	db       *sql.DB
	name     string
	lockName string

	closedCh chan struct{}
	updateCh chan struct{}
	stopCh   chan struct{}

	closeOnce sync.Once
}

// Closed resolves when this handle's database connection is lost — the one
// reliable disconnect signal the coordinator relies on for its host.
func (h *Handle) Closed() <-chan struct{} { return h.closedCh }

// Updates delivers a signal whenever the watcher observes the database is
// still reachable, standing in for the local database's real change-data
// notification stream (out of scope per this coordinator's contract).
func (h *Handle) Updates() <-chan struct{} { return h.updateCh }

// Close releases the underlying *sql.DB and stops the liveness watcher.
// Idempotent.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.stopCh)
		err = h.db.Close()
	})
	return err
}

func (h *Handle) watch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(h.closedCh)

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			if err := h.db.Ping(); err != nil {
				return
			}
			select {
			case h.updateCh <- struct{}{}:
			default:
			}
		}
	}
}
