package statuswriter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"credpool-go/internal/aggregate"
	"credpool-go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	store.Store
	counts map[string]store.ModelAggregate
}

func (f *fakeStore) CountAggregate(ctx context.Context) (map[string]store.ModelAggregate, error) {
	return f.counts, nil
}

func TestTickWritesReport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.txt")

	agg := aggregate.NewAggregator(&fakeStore{counts: map[string]store.ModelAggregate{
		"gemini-2.5-pro": {Model: "gemini-2.5-pro", Healthy: 3, Unhealthy: 1, RequestsLast30m: 12},
	}})
	w := &Writer{Aggregator: agg, FilePath: path, MaxSizeMB: 10}

	require.NoError(t, w.Tick(context.Background()))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "Model: gemini-2.5-pro")
	assert.Contains(t, string(content), "Available Keys: 3")
}

func TestTickTruncatesOversizedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.txt")
	require.NoError(t, os.WriteFile(path, make([]byte, 2*1024*1024), 0o644))

	agg := aggregate.NewAggregator(&fakeStore{counts: map[string]store.ModelAggregate{}})
	w := &Writer{Aggregator: agg, FilePath: path, MaxSizeMB: 1}

	require.NoError(t, w.Tick(context.Background()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(2*1024*1024))
}
