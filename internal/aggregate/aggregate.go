// Package aggregate implements the read-only aggregator (C7): per-model
// healthy/unhealthy counts and recent request volume, consumed by the
// external status writer and exposed as Prometheus gauges.
package aggregate

import (
	"context"
	"fmt"

	"credpool-go/internal/metrics"
	"credpool-go/internal/store"
)

type Aggregator struct {
	Store store.Store
}

func NewAggregator(s store.Store) *Aggregator {
	return &Aggregator{Store: s}
}

// Snapshot returns the current per-model counts and publishes them as
// gauges so /metrics and the status writer read off one path.
func (a *Aggregator) Snapshot(ctx context.Context) (map[string]store.ModelAggregate, error) {
	counts, err := a.Store.CountAggregate(ctx)
	if err != nil {
		return nil, fmt.Errorf("aggregate counts: %w", err)
	}
	for model, agg := range counts {
		metrics.CredentialHealthyGauge.WithLabelValues(model).Set(float64(agg.Healthy))
		metrics.CredentialUnhealthyGauge.WithLabelValues(model).Set(float64(agg.Unhealthy))
	}
	return counts, nil
}
