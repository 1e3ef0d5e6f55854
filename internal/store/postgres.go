package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"credpool-go/internal/store/migrations"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

const postgresTimeout = 5 * time.Second

// PostgresStore is the optional multi-replica backend: schema managed by
// golang-migrate against embedded SQL, row locking via SELECT ... FOR UPDATE
// inside explicit transactions, grounded on the teacher's
// internal/storage/postgres package.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), postgresTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrations.PostgresUp(db); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	log.Info("postgres state store ready")
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func pgTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, postgresTimeout)
}

func (p *PostgresStore) UpsertCredentials(ctx context.Context, values map[string]struct{}) error {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id, value FROM credentials FOR UPDATE")
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}
	existing := make(map[string]int64)
	for rows.Next() {
		var id int64
		var value string
		if err := rows.Scan(&id, &value); err != nil {
			rows.Close()
			return err
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
			if _, err := tx.ExecContext(ctx, "INSERT INTO credentials (value) VALUES ($1)", value); err != nil {
				return fmt.Errorf("insert credential: %w", err)
			}
		}
	}
	for value, id := range existing {
		if _, ok := values[value]; !ok {
			if _, err := tx.ExecContext(ctx, "DELETE FROM credentials WHERE id = $1", id); err != nil {
				return fmt.Errorf("delete credential %d: %w", id, err)
			}
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) ReconcileHealthRecords(ctx context.Context, models map[string]struct{}) error {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
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
				VALUES ($1, $2, $3, NULL, 0, $3)
				ON CONFLICT (credential_id, model_name) DO NOTHING`,
				id, model, now); err != nil {
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
		if _, err := tx.ExecContext(ctx, "DELETE FROM health_records WHERE model_name = $1", m); err != nil {
			return fmt.Errorf("delete stale model %s: %w", m, err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) PickCredential(ctx context.Context, model string) (*Credential, error) {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	row := p.db.QueryRowContext(ctx, `
		SELECT c.id, c.value, c.created_at FROM credentials c
		JOIN health_records h ON h.credential_id = c.id
		WHERE h.model_name = $1 AND h.status_code = 200
		ORDER BY random() LIMIT 1`, model)
	cred, err := scanCredentialPG(row)
	if err == nil {
		return cred, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("pick healthy credential: %w", err)
	}

	row = p.db.QueryRowContext(ctx, `
		SELECT c.id, c.value, c.created_at FROM credentials c
		JOIN health_records h ON h.credential_id = c.id
		WHERE h.model_name = $1
		ORDER BY random() LIMIT 1`, model)
	cred, err = scanCredentialPG(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pick any credential: %w", err)
	}
	return cred, nil
}

func scanCredentialPG(row *sql.Row) (*Credential, error) {
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
func (p *PostgresStore) RecordHealth(ctx context.Context, credentialID int64, model string, statusCode int, source HealthSource, intervals HealthIntervals) error {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if source == SourceDispatcher && statusCode != 200 {
		var currentNext time.Time
		err := tx.QueryRowContext(ctx, `SELECT next_test_time FROM health_records WHERE credential_id = $1 AND model_name = $2 FOR UPDATE`, credentialID, model).Scan(&currentNext)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read current next_test_time: %w", err)
		}
		next := currentNext
		if err == sql.ErrNoRows || currentNext.Sub(now) > intervals.DispatcherMinGap {
			next = now.Add(intervals.DispatcherMinGap)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO health_records (credential_id, model_name, last_tested, next_test_time, status_code, test_count, updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, $3)
			ON CONFLICT (credential_id, model_name) DO UPDATE SET
				last_tested = EXCLUDED.last_tested,
				next_test_time = $4,
				status_code = EXCLUDED.status_code,
				test_count = health_records.test_count + 1,
				updated_at = EXCLUDED.updated_at`,
			credentialID, model, now, next, statusCode); err != nil {
			return fmt.Errorf("record dispatcher health: %w", err)
		}
		return tx.Commit()
	}

	next := nextTestTimeForProbe(now, statusCode, intervals)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO health_records (credential_id, model_name, last_tested, next_test_time, status_code, test_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $3)
		ON CONFLICT (credential_id, model_name) DO UPDATE SET
			last_tested = EXCLUDED.last_tested,
			next_test_time = EXCLUDED.next_test_time,
			status_code = EXCLUDED.status_code,
			test_count = health_records.test_count + 1,
			updated_at = EXCLUDED.updated_at`,
		credentialID, model, now, next, statusCode); err != nil {
		return fmt.Errorf("record prober health: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) LogRequest(ctx context.Context, credentialID *int64, model string, statusCode int, path string, responseTimeMs int64) error {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO request_logs (credential_id, model_name, status_code, path, response_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		credentialID, model, statusCode, path, responseTimeMs, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("log request: %w", err)
	}
	return nil
}

func (p *PostgresStore) CountHealthy(ctx context.Context, model string) (int, error) {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM health_records WHERE model_name = $1 AND status_code = 200`, model).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count healthy: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) CountAggregate(ctx context.Context) (map[string]ModelAggregate, error) {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	result := make(map[string]ModelAggregate)

	rows, err := p.db.QueryContext(ctx, `
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
	reqRows, err := p.db.QueryContext(ctx, `
		SELECT model_name, COUNT(*) FROM request_logs WHERE created_at >= $1 GROUP BY model_name`, cutoff)
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

func (p *PostgresStore) PurgeLogsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()
	cutoff := time.Now().UTC().Add(-age)
	res, err := p.db.ExecContext(ctx, `DELETE FROM request_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (p *PostgresStore) BanIP(ctx context.Context, ip string) error {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO banned_ips (ip, first_banned_at) VALUES ($1, $2)
		ON CONFLICT (ip) DO NOTHING`, ip, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ban ip: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListBans(ctx context.Context) ([]BannedIP, error) {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, `SELECT ip, first_banned_at FROM banned_ips`)
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

func (p *PostgresStore) UnbanIP(ctx context.Context, ip string) error {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `DELETE FROM banned_ips WHERE ip = $1`, ip)
	if err != nil {
		return fmt.Errorf("unban ip: %w", err)
	}
	return nil
}

// DueCredentials implements DueCredentialLister.
func (p *PostgresStore) DueCredentials(ctx context.Context, models []string, now time.Time) ([]DueCredentialRow, error) {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	if len(models) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(models)+1)
	args = append(args, now)
	query := `
		SELECT c.id, c.value, h.model_name
		FROM health_records h
		JOIN credentials c ON c.id = h.credential_id
		WHERE h.next_test_time <= $1 AND h.model_name IN (`
	for i, m := range models {
		if i > 0 {
			query += ", "
		}
		args = append(args, m)
		query += fmt.Sprintf("$%d", len(args))
	}
	query += ")"

	rows, err := p.db.QueryContext(ctx, query, args...)
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

var _ Store = (*PostgresStore)(nil)
var _ DueCredentialLister = (*PostgresStore)(nil)
