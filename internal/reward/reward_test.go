package reward

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestBoundedRandom_Defaults(t *testing.T) {
	p := NewBoundedRandom(nil)

	for i := 0; i < 200; i++ {
		r := p.ComputeReward(1000)
		assert.GreaterOrEqual(t, r, DefaultPerDepositMin)
		assert.LessOrEqual(t, r, DefaultPerDepositMax)
	}
}

func TestBoundedRandom_NothingRemaining(t *testing.T) {
	p := NewBoundedRandom(nil)

	assert.Equal(t, 0, p.ComputeReward(0))
	assert.Equal(t, 0, p.ComputeReward(-5))
}

func TestBoundedRandom_CollapsesBelowMin(t *testing.T) {
	p := NewBoundedRandom(&Config{PerDepositMin: 5, PerDepositMax: 20})

	// With less capacity than the minimum there is only one possible draw:
	// exactly the remainder, which empties the session.
	for i := 0; i < 50; i++ {
		assert.Equal(t, 3, p.ComputeReward(3))
		assert.Equal(t, 1, p.ComputeReward(1))
	}
}

func TestBoundedRandom_SeededDeterminism(t *testing.T) {
	a := NewBoundedRandom(&Config{Source: rand.NewSource(42)})
	b := NewBoundedRandom(&Config{Source: rand.NewSource(42)})

	for i := 0; i < 100; i++ {
		assert.Equal(t, a.ComputeReward(100), b.ComputeReward(100))
	}
}

// TestBoundedRandomRangeProperty checks that every draw lands inside the
// configured bounds and never exceeds the remaining capacity.
func TestBoundedRandomRangeProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		min := rapid.IntRange(1, 50).Draw(t, "min")
		max := rapid.IntRange(min, 100).Draw(t, "max")
		remaining := rapid.IntRange(1, 200).Draw(t, "remaining")
		seed := rapid.Int64().Draw(t, "seed")

		p := NewBoundedRandom(&Config{
			PerDepositMin: min,
			PerDepositMax: max,
			Source:        rand.NewSource(seed),
		})

		r := p.ComputeReward(remaining)

		if r > remaining {
			t.Fatalf("reward %d exceeds remaining capacity %d", r, remaining)
		}
		if r > max {
			t.Fatalf("reward %d exceeds max %d", r, max)
		}
		if remaining >= min && r < min {
			t.Fatalf("reward %d below min %d with remaining %d", r, min, remaining)
		}
		if remaining < min && r != remaining {
			t.Fatalf("reward %d should collapse to remaining %d below min %d", r, remaining, min)
		}
	})
}

// TestBoundedRandomDepletionProperty drains a session cap with repeated
// draws and checks the accumulated total lands exactly on the cap.
func TestBoundedRandomDepletionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cap := rapid.IntRange(1, 500).Draw(t, "cap")
		seed := rapid.Int64().Draw(t, "seed")

		p := NewBoundedRandom(&Config{Source: rand.NewSource(seed)})

		total := 0
		for total < cap {
			r := p.ComputeReward(cap - total)
			if r <= 0 {
				t.Fatalf("draw returned %d with %d remaining", r, cap-total)
			}
			total += r
		}

		if total != cap {
			t.Fatalf("accumulated total %d overshot cap %d", total, cap)
		}
	})
}

func TestFixed(t *testing.T) {
	p := Fixed(10)

	assert.Equal(t, 10, p.ComputeReward(100))
	assert.Equal(t, 4, p.ComputeReward(4))
	assert.Equal(t, 0, p.ComputeReward(0))
}
