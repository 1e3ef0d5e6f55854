// Package store is the sole owner of persistent credential-pool state: the
// credential table, per-(credential,model) health records, the request log,
// and the banned-IP set.
package store

import (
	"context"
	"time"
)

// HealthIntervals configures how far into the future RecordHealth schedules
// the next probe, keyed by the observed outcome.
type HealthIntervals struct {
	Healthy           time.Duration // status_code == 200
	Status403         time.Duration
	Status4xx         time.Duration
	Status5xx         time.Duration
	Default           time.Duration // any status that is not 200, 4xx or 5xx
	DispatcherMinGap  time.Duration // dispatcher-sourced failures shorten next_test_time to at most this far out
}

// DefaultHealthIntervals matches the defaults a fresh deployment ships with.
func DefaultHealthIntervals() HealthIntervals {
	return HealthIntervals{
		Healthy:          1 * time.Hour,
		Status403:        6 * time.Hour,
		Status4xx:        30 * time.Minute,
		Status5xx:        10 * time.Minute,
		Default:          24 * time.Hour,
		DispatcherMinGap: 5 * time.Minute,
	}
}

// Store is the state-store contract every backend (SQLite, Postgres)
// implements identically. All mutating operations are atomic at the row
// level; UpsertCredentials and ReconcileHealthRecords are atomic over the
// whole reconciliation.
type Store interface {
	// UpsertCredentials idempotently reconciles the credential table with
	// the given set of raw credential strings. Rows absent from values are
	// deleted, cascading to their HealthRecords.
	UpsertCredentials(ctx context.Context, values map[string]struct{}) error

	// ReconcileHealthRecords ensures exactly one HealthRecord exists per
	// (credential, model) for model in models, inserting missing rows with
	// next_test_time = now, status_code = null, and deleting rows whose
	// model has left the set.
	ReconcileHealthRecords(ctx context.Context, models map[string]struct{}) error

	// PickCredential returns one credential for model: uniformly random
	// among healthy (status_code = 200) rows if any exist, else uniformly
	// random among all rows for that model, else nil.
	PickCredential(ctx context.Context, model string) (*Credential, error)

	// RecordHealth mutates the HealthRecord for (credentialID, model).
	RecordHealth(ctx context.Context, credentialID int64, model string, statusCode int, source HealthSource, intervals HealthIntervals) error

	LogRequest(ctx context.Context, credentialID *int64, model string, statusCode int, path string, responseTimeMs int64) error

	CountHealthy(ctx context.Context, model string) (int, error)

	CountAggregate(ctx context.Context) (map[string]ModelAggregate, error)

	PurgeLogsOlderThan(ctx context.Context, age time.Duration) (int64, error)

	BanIP(ctx context.Context, ip string) error
	ListBans(ctx context.Context) ([]BannedIP, error)
	UnbanIP(ctx context.Context, ip string) error

	// Ping verifies the underlying connection is alive, for /healthz.
	Ping(ctx context.Context) error

	Close() error
}
