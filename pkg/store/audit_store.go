package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/aidchain/orchestrator/pkg/bus"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// AuditStore is a connection-pooled Postgres client recording every
// pipeline event for after-the-fact audit (spec.md §6: the ledger is
// the source of truth, but GNSS/event attestation failures never touch
// the ledger — this is where they go instead, per §7's "Attestation
// failure" propagation rule). Directly adapted from the teacher's
// pkg/database.Client: same connection-pool configuration and embedded
// migration runner, repurposed from proof-artifact storage to pipeline
// audit records.
type AuditStore struct {
	db     *sql.DB
	logger *log.Logger
}

// AuditStoreOption configures an AuditStore at construction time.
type AuditStoreOption func(*AuditStore)

// WithLogger sets a custom logger.
func WithLogger(logger *log.Logger) AuditStoreOption {
	return func(s *AuditStore) { s.logger = logger }
}

// AuditStoreConfig configures the connection pool.
type AuditStoreConfig struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewAuditStore opens a pooled connection and verifies it with a ping.
func NewAuditStore(cfg AuditStoreConfig, opts ...AuditStoreOption) (*AuditStore, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("store: database URL cannot be empty")
	}

	s := &AuditStore{logger: log.New(log.Writer(), "[AuditStore] ", log.LstdFlags)}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 2
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	s.db = db

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	s.logger.Printf("connected to audit database (max_open=%d, max_idle=%d)", maxOpen, maxIdle)
	return s, nil
}

// Close closes the underlying connection pool.
func (s *AuditStore) Close() error { return s.db.Close() }

// Ping verifies the connection is alive.
func (s *AuditStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// RecordEvent persists one pipeline event for audit (stage failures in
// particular, since those never touch the ledger per spec.md §7).
func (s *AuditStore) RecordEvent(ctx context.Context, evt bus.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_audit (request_id, stage, status, message, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		evt.RequestID, evt.Stage, string(evt.Status), evt.Message, evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("store: record event: %w", err)
	}
	return nil
}

// AuditRecord is one row from pipeline_audit.
type AuditRecord struct {
	RequestID  uint64
	Stage      string
	Status     string
	Message    string
	OccurredAt time.Time
}

// EventsForRequest returns the full audit trail for one request, in
// occurrence order.
func (s *AuditStore) EventsForRequest(ctx context.Context, requestID uint64) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, stage, status, message, occurred_at FROM pipeline_audit WHERE request_id = $1 ORDER BY occurred_at ASC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query events for request: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.RequestID, &r.Stage, &r.Status, &r.Message, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("store: scan audit record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// MigrateUp applies every embedded migration not yet recorded in
// schema_migrations, in version order.
func (s *AuditStore) MigrateUp(ctx context.Context) error {
	s.logger.Println("running audit store migrations...")

	migrations, err := s.readMigrations()
	if err != nil {
		return fmt.Errorf("store: read migrations: %w", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		if !strings.Contains(err.Error(), "does not exist") {
			return fmt.Errorf("store: read applied migrations: %w", err)
		}
		applied = make(map[string]bool)
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		s.logger.Printf("applying migration %s", m.version)
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("store: apply migration %s: %w", m.version, err)
		}
	}
	return nil
}

type migration struct {
	version  string
	filename string
	sql      string
}

func (s *AuditStore) readMigrations() ([]migration, error) {
	var migrations []migration
	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		migrations = append(migrations, migration{
			version:  strings.TrimSuffix(d.Name(), ".sql"),
			filename: d.Name(),
			sql:      string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

func (s *AuditStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *AuditStore) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, now())`, m.version); err != nil {
		return err
	}
	return tx.Commit()
}
