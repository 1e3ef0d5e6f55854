package admission

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func defaultController() *Controller {
	return &Controller{Low: 10, High: 40, CoeffA: -0.05, CoeffB: 2.5}
}

func TestDecideBelowLowAlwaysRejects(t *testing.T) {
	c := defaultController()
	for h := 0; h < c.Low; h++ {
		assert.False(t, c.Decide(h))
	}
}

func TestDecideAtOrAboveHighAlwaysAccepts(t *testing.T) {
	c := defaultController()
	for h := c.High; h < c.High+20; h++ {
		assert.True(t, c.Decide(h))
	}
}

// TestProperty_RejectionProbabilityMonotonicallyDecreasing validates
// invariant 7 (§8): p(h) never increases as h increases within [Low, High).
func TestProperty_RejectionProbabilityMonotonicallyDecreasing(t *testing.T) {
	c := defaultController()
	properties := gopter.NewProperties(nil)

	properties.Property("p(h) is non-increasing in h", prop.ForAll(
		func(h int) bool {
			if h+1 >= c.High {
				return true
			}
			return c.rejectionProbability(h) >= c.rejectionProbability(h+1)
		},
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

func TestRejectionProbabilityClippedToUnitInterval(t *testing.T) {
	c := &Controller{Low: 0, High: 1000, CoeffA: -1, CoeffB: 5}
	assert.Equal(t, 1.0, c.rejectionProbability(0))
	assert.Equal(t, 0.0, c.rejectionProbability(100))
}
