// Package credential implements the credential selector (C2) and the
// credential syncer (C4).
package credential

import (
	"context"
	"fmt"

	"credpool-go/internal/store"
)

// Selector is a thin wrapper over Store.PickCredential that biases toward
// diversity across one dispatch attempt sequence without requiring the
// store to know about in-flight requests.
type Selector struct {
	Store store.Store
}

func NewSelector(s store.Store) *Selector {
	return &Selector{Store: s}
}

// Pick asks the store for a credential not already in used, retrying up to
// maxAttempts times if PickCredential keeps returning ids the caller has
// already exhausted. It returns (nil, nil) if no credential remains.
func (s *Selector) Pick(ctx context.Context, model string, used map[int64]struct{}, maxAttempts int) (*store.Credential, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cred, err := s.Store.PickCredential(ctx, model)
		if err != nil {
			return nil, fmt.Errorf("pick credential: %w", err)
		}
		if cred == nil {
			return nil, nil
		}
		if _, seen := used[cred.ID]; !seen {
			return cred, nil
		}
		// Already used this sequence; the store doesn't know about
		// in-flight requests, so we discard and ask again.
	}
	return nil, nil
}
