package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

const (
	schemaVersion      = 1
	defaultBusyTimeout = 5000 // milliseconds
)

// schemaStatements are executed in order to create the database schema.
// All use IF NOT EXISTS for idempotent re-application.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS model_servers (
		registration_id      TEXT PRIMARY KEY,
		model_name           TEXT NOT NULL,
		endpoint_url         TEXT NOT NULL,
		normalized_url       TEXT NOT NULL,
		backend_api_key      TEXT NOT NULL DEFAULT '',
		capabilities         TEXT NOT NULL DEFAULT '{}',
		owner                TEXT NOT NULL DEFAULT '{}',
		health_status        TEXT NOT NULL DEFAULT 'unknown',
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_checked_at      TEXT,
		last_latency_ms      INTEGER,
		is_active            INTEGER NOT NULL DEFAULT 1,
		registered_at        TEXT NOT NULL,
		updated_at           TEXT NOT NULL,
		CHECK (health_status IN ('healthy', 'unhealthy', 'unknown')),
		CHECK (is_active IN (0, 1)),
		CHECK (consecutive_failures >= 0)
	)`,

	// Only active records compete for a (model, endpoint) slot; soft-deleted
	// rows stay behind for audit without blocking re-registration.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_servers_model_url
		ON model_servers(model_name, normalized_url) WHERE is_active = 1`,

	`CREATE INDEX IF NOT EXISTS idx_servers_model ON model_servers(model_name)`,
	`CREATE INDEX IF NOT EXISTS idx_servers_health ON model_servers(health_status)`,
	`CREATE INDEX IF NOT EXISTS idx_servers_active ON model_servers(is_active)`,
}

// Store is the SQLite-backed registry. Safe for concurrent use; SQLite
// serialises writes through the single connection.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if necessary) the registry database at path and
// migrates the schema. The database uses WAL mode and a busy timeout so the
// request path and the monitor can interleave reads and writes.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("registry: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: set busy_timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info("registry opened", slog.String("path", path))

	return &Store{db: db, log: log}, nil
}

// migrate creates or updates the database schema to the latest version.
func migrate(db *sql.DB) error {
	ctx := context.Background()

	if _, err := db.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("registry: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("registry: read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("registry: apply schema: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx,
		"INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("registry: record schema version: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("registry: ping: %w", err)
	}
	return nil
}

// Insert persists a new record atomically. Returns ErrConflict when either
// uniqueness invariant is violated.
func (s *Store) Insert(ctx context.Context, srv *Server) error {
	now := time.Now().UTC()
	if srv.RegisteredAt.IsZero() {
		srv.RegisteredAt = now
	}
	srv.UpdatedAt = now
	if srv.HealthStatus == "" {
		srv.HealthStatus = HealthUnknown
	}
	srv.IsActive = true

	caps, err := json.Marshal(srv.Capabilities)
	if err != nil {
		return fmt.Errorf("registry: marshal capabilities: %w", err)
	}
	owner, err := json.Marshal(srv.Owner)
	if err != nil {
		return fmt.Errorf("registry: marshal owner: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_servers (
			registration_id, model_name, endpoint_url, normalized_url,
			backend_api_key, capabilities, owner,
			health_status, consecutive_failures, is_active,
			registered_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 1, ?, ?)`,
		srv.RegistrationID, srv.ModelName, srv.EndpointURL, srv.NormalizedURL,
		srv.BackendAPIKey, string(caps), string(owner),
		srv.HealthStatus,
		formatTime(srv.RegisteredAt), formatTime(srv.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("registry: insert: %w", err)
	}

	s.log.Info("server registered",
		slog.String("registration_id", srv.RegistrationID),
		slog.String("model", srv.ModelName),
	)
	return nil
}

const serverColumns = `registration_id, model_name, endpoint_url, normalized_url,
	backend_api_key, capabilities, owner, health_status, consecutive_failures,
	last_checked_at, last_latency_ms, is_active, registered_at, updated_at`

// Get returns the record with the given registration id, active or not.
func (s *Store) Get(ctx context.Context, registrationID string) (*Server, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+serverColumns+" FROM model_servers WHERE registration_id = ?",
		registrationID)

	srv, err := scanServer(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", registrationID, err)
	}
	return srv, nil
}

// Patch applies a partial update and returns the updated record.
// registered_at is never modified; updated_at is always refreshed.
func (s *Store) Patch(ctx context.Context, registrationID string, p Patch) (*Server, error) {
	sets := make([]string, 0, 10)
	args := make([]any, 0, 11)

	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if p.ModelName != nil {
		add("model_name", *p.ModelName)
	}
	if p.EndpointURL != nil {
		add("endpoint_url", *p.EndpointURL)
	}
	if p.NormalizedURL != nil {
		add("normalized_url", *p.NormalizedURL)
	}
	if p.BackendAPIKey != nil {
		add("backend_api_key", *p.BackendAPIKey)
	}
	if p.Capabilities != nil {
		caps, err := json.Marshal(*p.Capabilities)
		if err != nil {
			return nil, fmt.Errorf("registry: marshal capabilities: %w", err)
		}
		add("capabilities", string(caps))
	}
	if p.Owner != nil {
		owner, err := json.Marshal(*p.Owner)
		if err != nil {
			return nil, fmt.Errorf("registry: marshal owner: %w", err)
		}
		add("owner", string(owner))
	}
	if p.HealthStatus != nil {
		add("health_status", *p.HealthStatus)
	}
	if p.ConsecutiveFailures != nil {
		add("consecutive_failures", *p.ConsecutiveFailures)
	}
	if p.LastCheckedAt != nil {
		add("last_checked_at", formatTime(*p.LastCheckedAt))
	}
	if p.LastLatencyMs != nil {
		add("last_latency_ms", *p.LastLatencyMs)
	}

	add("updated_at", formatTime(time.Now().UTC()))
	args = append(args, registrationID)

	res, err := s.db.ExecContext(ctx,
		"UPDATE model_servers SET "+strings.Join(sets, ", ")+" WHERE registration_id = ?",
		args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("registry: patch %s: %w", registrationID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("registry: patch %s: %w", registrationID, err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	return s.Get(ctx, registrationID)
}

// SoftDelete marks the record inactive. Idempotent: deleting an already
// inactive record succeeds without effect. ErrNotFound only when no record
// with the id exists at all.
func (s *Store) SoftDelete(ctx context.Context, registrationID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE model_servers
		SET is_active = 0, updated_at = ?
		WHERE registration_id = ?`,
		formatTime(time.Now().UTC()), registrationID)
	if err != nil {
		return fmt.Errorf("registry: soft delete %s: %w", registrationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: soft delete %s: %w", registrationID, err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.log.Info("server deregistered", slog.String("registration_id", registrationID))
	return nil
}

// List returns the records matching the filter, unordered (callers sort).
func (s *Store) List(ctx context.Context, f Filter) ([]*Server, error) {
	query := "SELECT " + serverColumns + " FROM model_servers WHERE 1=1"
	var args []any

	if !f.IncludeInactive {
		query += " AND is_active = 1"
	}
	if f.ModelName != "" {
		query += " AND model_name = ?"
		args = append(args, f.ModelName)
	}
	if f.HealthStatus != "" {
		query += " AND health_status = ?"
		args = append(args, f.HealthStatus)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanServers(rows)
}

// FindHealthy returns the active, healthy records for a model ordered by
// registered_at ascending then registration_id. The deterministic ordering
// gives the round-robin selector a stable ring.
func (s *Store) FindHealthy(ctx context.Context, modelName string) ([]*Server, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+serverColumns+` FROM model_servers
		WHERE model_name = ? AND health_status = 'healthy' AND is_active = 1
		ORDER BY registered_at ASC, registration_id ASC`,
		modelName)
	if err != nil {
		return nil, fmt.Errorf("registry: find healthy %s: %w", modelName, err)
	}
	defer func() { _ = rows.Close() }()

	return scanServers(rows)
}

// ModelKnown reports whether any active record (healthy or not) serves the
// model. Used to distinguish 404 ModelNotFound from 503 NoHealthyServer.
func (s *Store) ModelKnown(ctx context.Context, modelName string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM model_servers WHERE model_name = ? AND is_active = 1",
		modelName).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("registry: model known %s: %w", modelName, err)
	}
	return n > 0, nil
}

// ActiveModelNames returns the distinct model names with at least one active
// record, sorted. Used for actionable ModelNotFound messages.
func (s *Store) ActiveModelNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT model_name FROM model_servers WHERE is_active = 1 ORDER BY model_name")
	if err != nil {
		return nil, fmt.Errorf("registry: model names: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("registry: model names: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ModelSummaries aggregates active records per model for GET /v1/models.
func (s *Store) ModelSummaries(ctx context.Context) ([]ModelSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_name,
		       MIN(registered_at),
		       SUM(CASE WHEN health_status = 'healthy' THEN 1 ELSE 0 END),
		       COUNT(*)
		FROM model_servers
		WHERE is_active = 1
		GROUP BY model_name
		ORDER BY model_name`)
	if err != nil {
		return nil, fmt.Errorf("registry: model summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ModelSummary
	for rows.Next() {
		var (
			ms  ModelSummary
			reg string
		)
		if err := rows.Scan(&ms.ModelName, &reg, &ms.HealthyCount, &ms.ActiveCount); err != nil {
			return nil, fmt.Errorf("registry: model summaries: %w", err)
		}
		t, err := parseTime(reg)
		if err != nil {
			return nil, fmt.Errorf("registry: model summaries: %w", err)
		}
		ms.EarliestReg = t
		out = append(out, ms)
	}
	return out, rows.Err()
}

// CountServers returns the number of active records.
func (s *Store) CountServers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM model_servers WHERE is_active = 1").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("registry: count servers: %w", err)
	}
	return n, nil
}

// CountModels returns the number of distinct models across active records.
func (s *Store) CountModels(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT model_name) FROM model_servers WHERE is_active = 1").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("registry: count models: %w", err)
	}
	return n, nil
}

// GetStats aggregates the active records for the admin stats endpoint.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       SUM(CASE WHEN health_status = 'healthy' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN health_status = 'unhealthy' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN health_status = 'unknown' THEN 1 ELSE 0 END),
		       COUNT(DISTINCT model_name)
		FROM model_servers WHERE is_active = 1`).
		Scan(&st.TotalServers,
			&nullableInt{&st.Healthy}, &nullableInt{&st.Unhealthy},
			&nullableInt{&st.Unknown}, &st.Models)
	if err != nil {
		return Stats{}, fmt.Errorf("registry: stats: %w", err)
	}
	return st, nil
}

// RecordSuccess transitions a record to healthy: failures reset to zero,
// last_checked_at and last_latency_ms refreshed.
func (s *Store) RecordSuccess(ctx context.Context, registrationID string, latencyMs int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE model_servers
		SET health_status = 'healthy',
		    consecutive_failures = 0,
		    last_checked_at = ?,
		    last_latency_ms = ?,
		    updated_at = ?
		WHERE registration_id = ?`,
		formatTime(time.Now().UTC()), latencyMs,
		formatTime(time.Now().UTC()), registrationID)
	if err != nil {
		return fmt.Errorf("registry: record success %s: %w", registrationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordFailure transitions a record to unhealthy and increments the failure
// run. Returns the new consecutive_failures count so callers can apply the
// auto-deregistration threshold.
func (s *Store) RecordFailure(ctx context.Context, registrationID string) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE model_servers
		SET health_status = 'unhealthy',
		    consecutive_failures = consecutive_failures + 1,
		    last_checked_at = ?,
		    updated_at = ?
		WHERE registration_id = ?`,
		formatTime(time.Now().UTC()), formatTime(time.Now().UTC()), registrationID)
	if err != nil {
		return 0, fmt.Errorf("registry: record failure %s: %w", registrationID, err)
	}

	var failures int
	err = s.db.QueryRowContext(ctx,
		"SELECT consecutive_failures FROM model_servers WHERE registration_id = ?",
		registrationID).Scan(&failures)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("registry: record failure %s: %w", registrationID, err)
	}
	return failures, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*Server, error) {
	var (
		srv           Server
		caps, owner   string
		lastChecked   sql.NullString
		lastLatency   sql.NullInt64
		active        int
		regAt, updAt  string
	)

	err := row.Scan(
		&srv.RegistrationID, &srv.ModelName, &srv.EndpointURL, &srv.NormalizedURL,
		&srv.BackendAPIKey, &caps, &owner, &srv.HealthStatus, &srv.ConsecutiveFailures,
		&lastChecked, &lastLatency, &active, &regAt, &updAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(caps), &srv.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(owner), &srv.Owner); err != nil {
		return nil, fmt.Errorf("unmarshal owner: %w", err)
	}

	srv.IsActive = active == 1

	if srv.RegisteredAt, err = parseTime(regAt); err != nil {
		return nil, err
	}
	if srv.UpdatedAt, err = parseTime(updAt); err != nil {
		return nil, err
	}
	if lastChecked.Valid {
		t, err := parseTime(lastChecked.String)
		if err != nil {
			return nil, err
		}
		srv.LastCheckedAt = &t
	}
	if lastLatency.Valid {
		v := lastLatency.Int64
		srv.LastLatencyMs = &v
	}

	return &srv, nil
}

func scanServers(rows *sql.Rows) ([]*Server, error) {
	var out []*Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// nullableInt scans a SUM() result that is NULL on an empty table as zero.
type nullableInt struct{ v *int }

func (n *nullableInt) Scan(src any) error {
	if src == nil {
		*n.v = 0
		return nil
	}
	switch x := src.(type) {
	case int64:
		*n.v = int(x)
	case int:
		*n.v = x
	default:
		return fmt.Errorf("unexpected SUM type %T", src)
	}
	return nil
}

// timeLayout is fixed-width (nanoseconds always printed, always UTC) so the
// lexicographic order SQLite applies to timestamp columns equals time order.
// RFC3339Nano would drop trailing zeros and break that equivalence.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
