package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed sql/schema_sqlite.sql
var sqliteSchema string

const sqliteTimeout = 5 * time.Second

// SQLiteStore is the default backend: a pure-Go driver with no cgo
// dependency, schema applied with idempotent CREATE TABLE IF NOT EXISTS
// statements rather than golang-migrate (no pure-Go migrate/sqlite driver
// exists in the ecosystem without pulling in mattn/go-sqlite3's cgo build).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) the SQLite database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection: every statement and transaction, read or write,
	// runs on it in turn, which serializes concurrent writers.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initialize(ctx); err != nil {
		return nil, err
	}
	log.Info("sqlite state store ready")
	return s, nil
}

func (s *SQLiteStore) initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, sqliteTimeout)
}

func (s *SQLiteStore) beginImmediate(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func (s *SQLiteStore) UpsertCredentials(ctx context.Context, values map[string]struct{}) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		// already inside a tx started by BeginTx; ignore if driver rejects nested BEGIN
		_ = err
	}

	rows, err := tx.QueryContext(ctx, "SELECT id, value FROM credentials")
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}
	existing := make(map[string]int64)
	for rows.Next() {
		var id int64
		var value string
		if err := rows.Scan(&id, &value); err != nil {
			rows.Close()
			return fmt.Errorf("scan credential: %w", err)
		}
		existing[value] = id
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for value := range values {
		if _, ok := existing[value]; !ok {
			if _, err := tx.ExecContext(ctx, "INSERT INTO credentials (value) VALUES (?)", value); err != nil {
				return fmt.Errorf("insert credential: %w", err)
			}
		}
	}
	for value, id := range existing {
		if _, ok := values[value]; !ok {
			if _, err := tx.ExecContext(ctx, "DELETE FROM credentials WHERE id = ?", id); err != nil {
				return fmt.Errorf("delete credential %d: %w", id, err)
			}
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) ReconcileHealthRecords(ctx context.Context, models map[string]struct{}) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	credRows, err := tx.QueryContext(ctx, "SELECT id FROM credentials")
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}
	var credIDs []int64
	for credRows.Next() {
		var id int64
		if err := credRows.Scan(&id); err != nil {
			credRows.Close()
			return err
		}
		credIDs = append(credIDs, id)
	}
	if err := credRows.Err(); err != nil {
		credRows.Close()
		return err
	}
	credRows.Close()

	now := time.Now().UTC()
	for _, id := range credIDs {
		for model := range models {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO health_records (credential_id, model_name, next_test_time, status_code, test_count, updated_at)
				VALUES (?, ?, ?, NULL, 0, ?)
				ON CONFLICT (credential_id, model_name) DO NOTHING`,
				id, model, now, now); err != nil {
				return fmt.Errorf("reconcile insert (%d,%s): %w", id, model, err)
			}
		}
	}

	modelRows, err := tx.QueryContext(ctx, "SELECT DISTINCT model_name FROM health_records")
	if err != nil {
		return fmt.Errorf("list health record models: %w", err)
	}
	var staleModels []string
	for modelRows.Next() {
		var m string
		if err := modelRows.Scan(&m); err != nil {
			modelRows.Close()
			return err
		}
		if _, ok := models[m]; !ok {
			staleModels = append(staleModels, m)
		}
	}
	if err := modelRows.Err(); err != nil {
		modelRows.Close()
		return err
	}
	modelRows.Close()

	for _, m := range staleModels {
		if _, err := tx.ExecContext(ctx, "DELETE FROM health_records WHERE model_name = ?", m); err != nil {
			return fmt.Errorf("delete stale model %s: %w", m, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) PickCredential(ctx context.Context, model string) (*Credential, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.value, c.created_at FROM credentials c
		JOIN health_records h ON h.credential_id = c.id
		WHERE h.model_name = ? AND h.status_code = 200
		ORDER BY RANDOM() LIMIT 1`, model)
	cred, err := scanCredential(row)
	if err == nil {
		return cred, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("pick healthy credential: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT c.id, c.value, c.created_at FROM credentials c
		JOIN health_records h ON h.credential_id = c.id
		WHERE h.model_name = ?
		ORDER BY RANDOM() LIMIT 1`, model)
	cred, err = scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pick any credential: %w", err)
	}
	return cred, nil
}

func scanCredential(row *sql.Row) (*Credential, error) {
	var c Credential
	if err := row.Scan(&c.ID, &c.Value, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// RecordHealth updates a credential's health record. A dispatcher-sourced
// failure only shortens next_test_time toward DispatcherMinGap; a
// dispatcher-sourced success schedules the same as a probe result, since a
// 200 from live traffic is exactly as informative as a 200 from a probe.
func (s *SQLiteStore) RecordHealth(ctx context.Context, credentialID int64, model string, statusCode int, source HealthSource, intervals HealthIntervals) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if source == SourceDispatcher && statusCode != 200 {
		var currentNext time.Time
		err := tx.QueryRowContext(ctx, `SELECT next_test_time FROM health_records WHERE credential_id = ? AND model_name = ?`, credentialID, model).Scan(&currentNext)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read current next_test_time: %w", err)
		}
		next := currentNext
		if err == sql.ErrNoRows || currentNext.Sub(now) > intervals.DispatcherMinGap {
			next = now.Add(intervals.DispatcherMinGap)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO health_records (credential_id, model_name, last_tested, next_test_time, status_code, test_count, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT (credential_id, model_name) DO UPDATE SET
				last_tested = excluded.last_tested,
				next_test_time = ?,
				status_code = excluded.status_code,
				test_count = health_records.test_count + 1,
				updated_at = excluded.updated_at`,
			credentialID, model, now, next, statusCode, now, next); err != nil {
			return fmt.Errorf("record dispatcher health: %w", err)
		}
		return tx.Commit()
	}

	next := nextTestTimeForProbe(now, statusCode, intervals)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO health_records (credential_id, model_name, last_tested, next_test_time, status_code, test_count, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (credential_id, model_name) DO UPDATE SET
			last_tested = excluded.last_tested,
			next_test_time = excluded.next_test_time,
			status_code = excluded.status_code,
			test_count = health_records.test_count + 1,
			updated_at = excluded.updated_at`,
		credentialID, model, now, next, statusCode, now); err != nil {
		return fmt.Errorf("record prober health: %w", err)
	}
	return tx.Commit()
}

// nextTestTimeForProbe implements the status-class-keyed scheduling rule
// from RecordHealth's probe-sourced branch.
func nextTestTimeForProbe(now time.Time, statusCode int, intervals HealthIntervals) time.Time {
	switch {
	case statusCode == 200:
		return now.Add(intervals.Healthy)
	case statusCode == 403:
		return now.Add(intervals.Status403)
	case statusCode >= 400 && statusCode < 500:
		return now.Add(intervals.Status4xx)
	case statusCode >= 500 && statusCode < 600:
		return now.Add(intervals.Status5xx)
	default:
		return now.Add(intervals.Default)
	}
}

func (s *SQLiteStore) LogRequest(ctx context.Context, credentialID *int64, model string, statusCode int, path string, responseTimeMs int64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_logs (credential_id, model_name, status_code, path, response_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		credentialID, model, statusCode, path, responseTimeMs, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("log request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountHealthy(ctx context.Context, model string) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM health_records WHERE model_name = ? AND status_code = 200`, model).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count healthy: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CountAggregate(ctx context.Context) (map[string]ModelAggregate, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	result := make(map[string]ModelAggregate)

	rows, err := s.db.QueryContext(ctx, `
		SELECT model_name,
		       SUM(CASE WHEN status_code = 200 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status_code IS NOT NULL AND status_code != 200 THEN 1 ELSE 0 END)
		FROM health_records GROUP BY model_name`)
	if err != nil {
		return nil, fmt.Errorf("aggregate health: %w", err)
	}
	for rows.Next() {
		var m string
		var healthy, unhealthy int
		if err := rows.Scan(&m, &healthy, &unhealthy); err != nil {
			rows.Close()
			return nil, err
		}
		result[m] = ModelAggregate{Model: m, Healthy: healthy, Unhealthy: unhealthy}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	cutoff := time.Now().UTC().Add(-30 * time.Minute)
	reqRows, err := s.db.QueryContext(ctx, `
		SELECT model_name, COUNT(*) FROM request_logs WHERE created_at >= ? GROUP BY model_name`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("aggregate requests: %w", err)
	}
	defer reqRows.Close()
	for reqRows.Next() {
		var m string
		var n int
		if err := reqRows.Scan(&m, &n); err != nil {
			return nil, err
		}
		agg := result[m]
		agg.Model = m
		agg.RequestsLast30m = n
		result[m] = agg
	}
	if err := reqRows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *SQLiteStore) PurgeLogsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	cutoff := time.Now().UTC().Add(-age)
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) BanIP(ctx context.Context, ip string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO banned_ips (ip, first_banned_at) VALUES (?, ?)
		ON CONFLICT (ip) DO NOTHING`, ip, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ban ip: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListBans(ctx context.Context) ([]BannedIP, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT ip, first_banned_at FROM banned_ips`)
	if err != nil {
		return nil, fmt.Errorf("list bans: %w", err)
	}
	defer rows.Close()
	var out []BannedIP
	for rows.Next() {
		var b BannedIP
		if err := rows.Scan(&b.IP, &b.FirstBannedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UnbanIP(ctx context.Context, ip string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `DELETE FROM banned_ips WHERE ip = ?`, ip)
	if err != nil {
		return fmt.Errorf("unban ip: %w", err)
	}
	return nil
}

// DueCredentials implements DueCredentialLister.
func (s *SQLiteStore) DueCredentials(ctx context.Context, models []string, now time.Time) ([]DueCredentialRow, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if len(models) == 0 {
		return nil, nil
	}
	placeholders := make([]any, 0, len(models)+1)
	query := `
		SELECT c.id, c.value, h.model_name
		FROM health_records h
		JOIN credentials c ON c.id = h.credential_id
		WHERE h.next_test_time <= ? AND h.model_name IN (`
	placeholders = append(placeholders, now)
	for i, m := range models {
		if i > 0 {
			query += ", "
		}
		query += "?"
		placeholders = append(placeholders, m)
	}
	query += ")"

	rows, err := s.db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, fmt.Errorf("due credentials: %w", err)
	}
	defer rows.Close()

	var out []DueCredentialRow
	for rows.Next() {
		var r DueCredentialRow
		if err := rows.Scan(&r.CredentialID, &r.Value, &r.Model); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
var _ DueCredentialLister = (*SQLiteStore)(nil)
