package energy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeClampsAtMin(t *testing.T) {
	r := New(-45, DefaultMin, DefaultMax, DefaultReplenishRate)
	r.Consume(100)
	assert.Equal(t, DefaultMin, r.Level(), "consume must clamp at E_min, never undershoot")
}

func TestConsumeNeverFails(t *testing.T) {
	r := NewDefault()
	// Negative amounts are treated as zero, never as a credit.
	before := r.Level()
	r.Consume(-10)
	assert.Equal(t, before, r.Level())
}

func TestReplenishClampsAtMax(t *testing.T) {
	r := New(DefaultMax-1, DefaultMin, DefaultMax, DefaultReplenishRate)
	r.Replenish(10 * time.Second)
	assert.Equal(t, DefaultMax, r.Level())
}

func TestStatusBands(t *testing.T) {
	cases := []struct {
		level float64
		want  Status
	}{
		{100, StatusHigh},
		{50.1, StatusHigh},
		{50, StatusMedium},
		{20.1, StatusMedium},
		{20, StatusLow},
		{0.1, StatusLow},
		{0, StatusUrgent},
		{-30, StatusUrgent},
	}
	for _, c := range cases {
		r := New(c.level, DefaultMin, DefaultMax, DefaultReplenishRate)
		assert.Equalf(t, c.want, r.Status(), "level=%v", c.level)
	}
}

func TestPercentageClampedToZeroAtNegativeLevels(t *testing.T) {
	r := New(-50, DefaultMin, DefaultMax, DefaultReplenishRate)
	assert.Equal(t, 0, r.Percentage())

	r = New(DefaultMax, DefaultMin, DefaultMax, DefaultReplenishRate)
	assert.Equal(t, 100, r.Percentage())
}

func TestRateTableMissingModel(t *testing.T) {
	table := NewDefaultRateTable("small", "large")
	_, ok := table.ChargeFor("unknown-model", time.Second)
	require.False(t, ok)

	charge, ok := table.ChargeFor("large", 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, 30.0, charge)
}

func TestBoundsInvariantAcrossOperations(t *testing.T) {
	r := NewDefault()
	min, max := r.Bounds()
	ops := []float64{5, -3, 1000, -1000, 0.5}
	for _, amount := range ops {
		if amount >= 0 {
			r.Consume(amount)
		} else {
			r.Replenish(time.Duration(-amount) * time.Second)
		}
		level := r.Level()
		require.GreaterOrEqual(t, level, min)
		require.LessOrEqual(t, level, max)
	}
}
