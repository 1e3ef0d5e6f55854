package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextTestTimeForProbe(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	intervals := DefaultHealthIntervals()

	cases := []struct {
		name   string
		status int
		want   time.Duration
	}{
		{"healthy", 200, intervals.Healthy},
		{"forbidden", 403, intervals.Status403},
		{"client error", 429, intervals.Status4xx},
		{"server error", 503, intervals.Status5xx},
		{"redirect", 302, intervals.Default},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := nextTestTimeForProbe(now, tc.status, intervals)
			assert.Equal(t, now.Add(tc.want), got)
		})
	}
}

func TestHealthRecordStatus(t *testing.T) {
	healthy := 200
	unhealthy := 500
	assert.Equal(t, StatusUntested, HealthRecord{}.Status())
	assert.Equal(t, StatusHealthy, HealthRecord{StatusCode: &healthy}.Status())
	assert.Equal(t, StatusUnhealthy, HealthRecord{StatusCode: &unhealthy}.Status())
}

func seedCredentialForTest(t *testing.T, s *SQLiteStore, model string) int64 {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertCredentials(ctx, map[string]struct{}{"test-key": {}}))

	var id int64
	row := s.db.QueryRowContext(ctx, "SELECT id FROM credentials WHERE value = ?", "test-key")
	require.NoError(t, row.Scan(&id))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_records (credential_id, model_name, next_test_time, test_count)
		VALUES (?, ?, ?, 0)`, id, model, time.Now().UTC().Add(6*time.Hour))
	require.NoError(t, err)
	return id
}

// TestRecordHealthDispatcherSuccessUsesHealthyInterval guards against
// regressing RecordHealth's dispatcher branch into shortening next_test_time
// on a 200: a dispatcher-observed success must schedule now+Healthy exactly
// like a probe-observed one, not collapse to DispatcherMinGap.
func TestRecordHealthDispatcherSuccessUsesHealthyInterval(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	const model = "gemini-test"
	credID := seedCredentialForTest(t, s, model)
	intervals := DefaultHealthIntervals()

	before := time.Now().UTC()
	require.NoError(t, s.RecordHealth(ctx, credID, model, 200, SourceDispatcher, intervals))

	var next time.Time
	row := s.db.QueryRowContext(ctx, `SELECT next_test_time FROM health_records WHERE credential_id = ? AND model_name = ?`, credID, model)
	require.NoError(t, row.Scan(&next))

	assert.WithinDuration(t, before.Add(intervals.Healthy), next, 5*time.Second)
}

// TestRecordHealthDispatcherFailureShortensTowardMinGap confirms the
// shorten-only rule still applies to dispatcher-sourced failures, which
// were previously scheduled hours out (simulated here by the seeded row).
func TestRecordHealthDispatcherFailureShortensTowardMinGap(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	const model = "gemini-test"
	credID := seedCredentialForTest(t, s, model)
	intervals := DefaultHealthIntervals()

	before := time.Now().UTC()
	require.NoError(t, s.RecordHealth(ctx, credID, model, 500, SourceDispatcher, intervals))

	var next time.Time
	row := s.db.QueryRowContext(ctx, `SELECT next_test_time FROM health_records WHERE credential_id = ? AND model_name = ?`, credID, model)
	require.NoError(t, row.Scan(&next))

	assert.WithinDuration(t, before.Add(intervals.DispatcherMinGap), next, 5*time.Second)
}
