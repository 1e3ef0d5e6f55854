package credential

import (
	"context"
	"fmt"

	"credpool-go/internal/credsource"
	"credpool-go/internal/store"

	log "github.com/sirupsen/logrus"
)

// Syncer reconciles the external credential list and the configured model
// set against the state store on a fixed interval.
type Syncer struct {
	Store  store.Store
	Source credsource.Source
	Models []string
}

func NewSyncer(s store.Store, src credsource.Source, models []string) *Syncer {
	return &Syncer{Store: s, Source: src, Models: models}
}

// Tick runs one sync cycle: list credentials, upsert, reconcile health
// records against the configured model set.
func (s *Syncer) Tick(ctx context.Context) error {
	values, err := s.Source.ListCredentials(ctx)
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}

	if err := s.Store.UpsertCredentials(ctx, values); err != nil {
		return fmt.Errorf("upsert credentials: %w", err)
	}

	models := make(map[string]struct{}, len(s.Models))
	for _, m := range s.Models {
		models[m] = struct{}{}
	}
	if err := s.Store.ReconcileHealthRecords(ctx, models); err != nil {
		return fmt.Errorf("reconcile health records: %w", err)
	}

	log.WithFields(log.Fields{
		"credentials": len(values),
		"models":      len(models),
	}).Debug("credential sync tick complete")
	return nil
}
