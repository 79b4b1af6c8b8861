package ota

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCohortDeterministic(t *testing.T) {
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("device-%d", i)
		c := Cohort(id)
		assert.Equal(t, c, Cohort(id))
		assert.GreaterOrEqual(t, c, 0)
		assert.Less(t, c, 100)
	}
}

func TestCohortUniformity(t *testing.T) {
	const n = 20000
	bins := make([]int, 10)
	for i := 0; i < n; i++ {
		bins[Cohort(fmt.Sprintf("device-%06d", i))/10]++
	}

	// Each 10-wide bin should hold ~10% of devices, within 2 points.
	for i, count := range bins {
		pct := float64(count) / n * 100
		assert.InDeltaf(t, 10.0, pct, 2.0, "bin %d holds %.2f%%", i, pct)
	}
}

func TestInRolloutMonotonic(t *testing.T) {
	// Raising the percentage never removes a device from the rollout.
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("device-%d", i)
		was := false
		for pct := 0; pct <= 100; pct += 5 {
			now := InRollout(id, pct)
			if was {
				assert.True(t, now, "device %s left the rollout at %d%%", id, pct)
			}
			was = now
		}
	}
}

func TestInRolloutBoundary(t *testing.T) {
	// Find a device with cohort 9 and one with cohort 10; at 10% the
	// first is in, the second is out.
	var nine, ten string
	for i := 0; nine == "" || ten == ""; i++ {
		id := fmt.Sprintf("device-%d", i)
		switch Cohort(id) {
		case 9:
			nine = id
		case 10:
			ten = id
		}
	}
	assert.True(t, InRollout(nine, 10))
	assert.False(t, InRollout(ten, 10))
}

func TestInRolloutEdges(t *testing.T) {
	assert.False(t, InRollout("any", 0))
	assert.True(t, InRollout("any", 100))
}
