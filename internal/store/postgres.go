package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/everywhere-relay/everywhere-relay/internal/track"
)

const (
	postgresStateTableName   = "everywhere_relay_state"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps the snapshot in a single row keyed by the state key and
// serializes invocations with a session-level advisory lock.
type PostgresStore struct {
	dsn       string
	tableName string
	stateKey  string
	openDB    sqlOpenFunc

	mu sync.Mutex
	db *sql.DB
}

// NewPostgresStore creates a store for dsn. The connection and table are set
// up lazily on first use.
func NewPostgresStore(dsn, key string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresStateTableName,
		stateKey:  key,
		openDB:    sql.Open,
	}, nil
}

func (p *PostgresStore) Load(ctx context.Context) (*track.State, error) {
	db, err := p.ensureReady()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", postgresQuoteIdentifier(p.tableName))
	var payload string
	err = db.QueryRowContext(ctx, query, p.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return track.NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading state %q: %w", p.stateKey, err)
	}
	return decode([]byte(payload))
}

func (p *PostgresStore) Save(ctx context.Context, s *track.State) error {
	db, err := p.ensureReady()
	if err != nil {
		return err
	}
	payload, err := encode(s)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(p.tableName))
	if _, err := db.ExecContext(ctx, query, p.stateKey, string(payload)); err != nil {
		return fmt.Errorf("saving state %q: %w", p.stateKey, err)
	}
	return nil
}

// Lock takes pg_advisory_lock on a pinned connection. Advisory locks belong
// to the session, so the same connection must release it.
func (p *PostgresStore) Lock(ctx context.Context) (func(), error) {
	db, err := p.ensureReady()
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("pinning connection for lock: %w", err)
	}
	id := p.lockID()
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", id); err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrLockHeld, ctx.Err())
		}
		return nil, fmt.Errorf("acquiring advisory lock: %w", err)
	}
	return func() {
		uctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		_, _ = conn.ExecContext(uctx, "SELECT pg_advisory_unlock($1)", id)
		_ = conn.Close()
	}, nil
}

func (p *PostgresStore) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresStore) lockID() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p.tableName + "/" + p.stateKey))
	return int64(h.Sum64())
}

// ensureReady opens the connection pool and creates the table on first use.
// A failed attempt leaves the store unopened so the next call tries again.
// Set-up runs on its own deadline, detached from any one caller.
func (p *PostgresStore) ensureReady() (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return p.db, nil
	}

	db, err := p.openDB("postgres", p.dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			state_key TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, postgresQuoteIdentifier(p.tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating state table: %w", err)
	}
	p.db = db
	return db, nil
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
