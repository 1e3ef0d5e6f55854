package credential

import (
	"context"
	"testing"

	"credpool-go/internal/store"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

// fakeStore returns credentials round-robin from a fixed pool, simulating
// PickCredential's uniform-random selection for property testing without a
// real database.
type fakeStore struct {
	store.Store
	pool []store.Credential
	next int
}

func (f *fakeStore) PickCredential(ctx context.Context, model string) (*store.Credential, error) {
	if len(f.pool) == 0 {
		return nil, nil
	}
	c := f.pool[f.next%len(f.pool)]
	f.next++
	return &c, nil
}

// TestProperty_SelectorAvoidsUsedCredentials validates invariant 3 (§8):
// within one dispatch sequence, the selector never hands back an id already
// in the used set as long as at least one unused credential remains.
func TestProperty_SelectorAvoidsUsedCredentials(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("selector discards already-used ids", prop.ForAll(
		func(poolSize int) bool {
			pool := make([]store.Credential, poolSize)
			for i := range pool {
				pool[i] = store.Credential{ID: int64(i + 1)}
			}
			fs := &fakeStore{pool: pool}
			sel := NewSelector(fs)

			used := make(map[int64]struct{})
			for i := 0; i < poolSize; i++ {
				cred, err := sel.Pick(context.Background(), "m", used, poolSize*3)
				if err != nil || cred == nil {
					return false
				}
				if _, seen := used[cred.ID]; seen {
					return false
				}
				used[cred.ID] = struct{}{}
			}
			return true
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

func TestSelectorReturnsNilWhenStoreExhausted(t *testing.T) {
	fs := &fakeStore{}
	sel := NewSelector(fs)
	cred, err := sel.Pick(context.Background(), "m", map[int64]struct{}{}, 3)
	assert.NoError(t, err)
	assert.Nil(t, cred)
}
