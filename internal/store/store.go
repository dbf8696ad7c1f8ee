// Package store persists intrusion attempts, IP blocks and security alerts
// in a SQL database through sqlx. SQLite (pure Go) and Postgres are supported.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/inercia/warden/internal/models"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed schema_sqlite.sql
var schemaSQLite string

//go:embed schema_postgres.sql
var schemaPostgres string

// Config selects the database.
type Config struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the data source name. For sqlite it may be a plain file path.
	DSN string `yaml:"dsn"`
	// MaxOpenConns caps the pool. Ignored for sqlite, which uses one connection.
	MaxOpenConns int `yaml:"max_open_conns"`
}

// Validate checks the driver name and that a DSN is present.
func (c Config) Validate() error {
	switch c.Driver {
	case "", DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Driver)
	}
	if c.DSN == "" {
		return errors.New("database dsn is required")
	}
	return nil
}

// SQLStore implements the defense store on top of sqlx.
type SQLStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to the configured database, applies the schema and returns the store.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*SQLStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	dsn := cfg.DSN
	if driver == DriverSQLite {
		var err error
		if dsn, err = sqliteDSN(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		// A single connection serializes writers and keeps pragmas consistent.
		db.SetMaxOpenConns(1)
	} else {
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 25
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := New(db, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("store_opened", "driver", driver)
	}
	return s, nil
}

// New wraps an existing connection. The schema is not applied.
func New(db *sqlx.DB, logger *slog.Logger) *SQLStore {
	return &SQLStore{db: db, logger: logger}
}

// sqliteDSN turns a plain path into a modernc DSN, creating the parent directory.
// Timestamps are written in SQLite's sortable text format so range filters compare correctly.
func sqliteDSN(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, "?") || dsn == ":memory:" {
		return dsn, nil
	}
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite", nil
}

// Migrate applies the embedded schema for the connection's dialect. It is idempotent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	schema := schemaSQLite
	if s.db.DriverName() == DriverPostgres {
		schema = schemaPostgres
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the connection for callers that need raw access.
func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

const attemptColumns = `id, user_id, ip_address, user_agent, attack_type, endpoint, payload_sample, severity, blocked, created_at`

// InsertAttempt appends an intrusion attempt.
func (s *SQLStore) InsertAttempt(ctx context.Context, a *models.IntrusionAttempt) error {
	row := *a
	row.CreatedAt = row.CreatedAt.UTC()
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO intrusion_attempts (`+attemptColumns+`)
		VALUES (:id, :user_id, :ip_address, :user_agent, :attack_type, :endpoint, :payload_sample, :severity, :blocked, :created_at)`, row)
	if err != nil {
		return fmt.Errorf("failed to insert intrusion attempt: %w", err)
	}
	return nil
}

// CountAttemptsSince counts attempts by ip and attack type created at or after since.
func (s *SQLStore) CountAttemptsSince(ctx context.Context, ip string, attackType models.AttackType, since time.Time) (int, error) {
	var n int
	query := s.db.Rebind(`SELECT COUNT(*) FROM intrusion_attempts WHERE ip_address = ? AND attack_type = ? AND created_at >= ?`)
	if err := s.db.GetContext(ctx, &n, query, ip, string(attackType), since.UTC()); err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", err)
	}
	return n, nil
}

// RecentAttempts returns the newest attempts first.
func (s *SQLStore) RecentAttempts(ctx context.Context, limit int) ([]models.IntrusionAttempt, error) {
	attempts := []models.IntrusionAttempt{}
	query := s.db.Rebind(`SELECT ` + attemptColumns + ` FROM intrusion_attempts ORDER BY created_at DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &attempts, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return attempts, nil
}

const blockColumns = `id, ip_address, reason, severity, expires_at, auto_blocked, blocked_by, is_active, blocked_at`

// InsertBlock writes a new block row.
func (s *SQLStore) InsertBlock(ctx context.Context, b *models.IPBlock) error {
	row := *b
	row.BlockedAt = row.BlockedAt.UTC()
	if row.ExpiresAt != nil {
		exp := row.ExpiresAt.UTC()
		row.ExpiresAt = &exp
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO ip_blocks (`+blockColumns+`)
		VALUES (:id, :ip_address, :reason, :severity, :expires_at, :auto_blocked, :blocked_by, :is_active, :blocked_at)`, row)
	if err != nil {
		return fmt.Errorf("failed to insert ip block: %w", err)
	}
	return nil
}

// ActiveBlock returns the newest block in effect for ip at now, or nil.
func (s *SQLStore) ActiveBlock(ctx context.Context, ip string, now time.Time) (*models.IPBlock, error) {
	var b models.IPBlock
	query := s.db.Rebind(`SELECT ` + blockColumns + ` FROM ip_blocks
		WHERE ip_address = ? AND is_active = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY blocked_at DESC LIMIT 1`)
	err := s.db.GetContext(ctx, &b, query, ip, true, now.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up ip block: %w", err)
	}
	return &b, nil
}

// ListActiveBlocks returns every block in effect at now, newest first.
func (s *SQLStore) ListActiveBlocks(ctx context.Context, now time.Time) ([]models.IPBlock, error) {
	blocks := []models.IPBlock{}
	query := s.db.Rebind(`SELECT ` + blockColumns + ` FROM ip_blocks
		WHERE is_active = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY blocked_at DESC`)
	if err := s.db.SelectContext(ctx, &blocks, query, true, now.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list ip blocks: %w", err)
	}
	return blocks, nil
}

// DeactivateBlocks flips every active row for ip to inactive.
func (s *SQLStore) DeactivateBlocks(ctx context.Context, ip string) (int64, error) {
	query := s.db.Rebind(`UPDATE ip_blocks SET is_active = ? WHERE ip_address = ? AND is_active = ?`)
	res, err := s.db.ExecContext(ctx, query, false, ip, true)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate ip blocks: %w", err)
	}
	return res.RowsAffected()
}

// DeactivateExpiredBlocks flips active rows whose expiry is at or before now.
func (s *SQLStore) DeactivateExpiredBlocks(ctx context.Context, now time.Time) (int64, error) {
	query := s.db.Rebind(`UPDATE ip_blocks SET is_active = ?
		WHERE is_active = ? AND expires_at IS NOT NULL AND expires_at <= ?`)
	res, err := s.db.ExecContext(ctx, query, false, true, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired blocks: %w", err)
	}
	return res.RowsAffected()
}

const alertColumns = `id, alert_type, severity, message, details, acknowledged, acknowledged_by, acknowledged_at, created_at`

// InsertAlert writes a new alert.
func (s *SQLStore) InsertAlert(ctx context.Context, a *models.SecurityAlert) error {
	row := *a
	row.CreatedAt = row.CreatedAt.UTC()
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO security_alerts (`+alertColumns+`)
		VALUES (:id, :alert_type, :severity, :message, :details, :acknowledged, :acknowledged_by, :acknowledged_at, :created_at)`, row)
	if err != nil {
		return fmt.Errorf("failed to insert security alert: %w", err)
	}
	return nil
}

// ListAlerts returns alerts newest first. Acknowledged alerts are skipped
// unless the filter asks for them.
func (s *SQLStore) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.SecurityAlert, error) {
	alerts := []models.SecurityAlert{}
	var (
		query string
		args  []any
	)
	if filter.IncludeAcknowledged {
		query = `SELECT ` + alertColumns + ` FROM security_alerts ORDER BY created_at DESC LIMIT ?`
		args = []any{filter.Limit}
	} else {
		query = `SELECT ` + alertColumns + ` FROM security_alerts WHERE acknowledged = ? ORDER BY created_at DESC LIMIT ?`
		args = []any{false, filter.Limit}
	}
	if err := s.db.SelectContext(ctx, &alerts, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list security alerts: %w", err)
	}
	return alerts, nil
}

// AcknowledgeAlert marks an alert as handled. Returns models.ErrNotFound for unknown IDs.
func (s *SQLStore) AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) error {
	query := s.db.Rebind(`UPDATE security_alerts SET acknowledged = ?, acknowledged_by = ?, acknowledged_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, true, by, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

type groupCount struct {
	Key   string `db:"k"`
	Count int    `db:"n"`
}

// Overview aggregates attempt, block and alert counters as of now.
func (s *SQLStore) Overview(ctx context.Context, now time.Time) (*models.SecurityOverview, error) {
	ov := &models.SecurityOverview{
		AttemptsBySeverity: map[models.Severity]int{},
		AttemptsByType:     map[models.AttackType]int{},
		GeneratedAt:        now.UTC(),
	}

	var rows []groupCount
	if err := s.db.SelectContext(ctx, &rows, `SELECT severity AS k, COUNT(*) AS n FROM intrusion_attempts GROUP BY severity`); err != nil {
		return nil, fmt.Errorf("failed to count attempts by severity: %w", err)
	}
	for _, r := range rows {
		ov.AttemptsBySeverity[models.Severity(r.Key)] = r.Count
	}

	rows = nil
	if err := s.db.SelectContext(ctx, &rows, `SELECT attack_type AS k, COUNT(*) AS n FROM intrusion_attempts GROUP BY attack_type`); err != nil {
		return nil, fmt.Errorf("failed to count attempts by type: %w", err)
	}
	for _, r := range rows {
		ov.AttemptsByType[models.AttackType(r.Key)] = r.Count
	}

	if err := s.db.GetContext(ctx, &ov.AttemptsLast24h,
		s.db.Rebind(`SELECT COUNT(*) FROM intrusion_attempts WHERE created_at >= ?`), now.Add(-24*time.Hour).UTC()); err != nil {
		return nil, fmt.Errorf("failed to count recent attempts: %w", err)
	}

	if err := s.db.GetContext(ctx, &ov.ActiveBlocks,
		s.db.Rebind(`SELECT COUNT(*) FROM ip_blocks WHERE is_active = ? AND (expires_at IS NULL OR expires_at > ?)`), true, now.UTC()); err != nil {
		return nil, fmt.Errorf("failed to count active blocks: %w", err)
	}

	if err := s.db.GetContext(ctx, &ov.UnacknowledgedAlerts,
		s.db.Rebind(`SELECT COUNT(*) FROM security_alerts WHERE acknowledged = ?`), false); err != nil {
		return nil, fmt.Errorf("failed to count unacknowledged alerts: %w", err)
	}

	return ov, nil
}
