package store

import "context"
import "time"

// DueCredentialRow is one (credential, model) pair whose next_test_time has
// elapsed, as returned by DueCredentialLister for the health prober.
type DueCredentialRow struct {
	CredentialID int64
	Value        string
	Model        string
}

// DueCredentialLister is implemented by every Store backend so the prober
// can scan for work without depending on row internals.
type DueCredentialLister interface {
	DueCredentials(ctx context.Context, models []string, now time.Time) ([]DueCredentialRow, error)
}
