// Package reward implements the per-deposit reward policy for arena sessions.
package reward

import (
	"math/rand"
	"sync"
)

// Policy computes the reward for one accepted deposit given the session's
// remaining capacity. Implementations must never return a value above
// remaining, so the session total cannot pass its cap.
type Policy interface {
	ComputeReward(remaining int) int
}

const (
	// DefaultPerDepositMin is the smallest reward a deposit normally earns.
	DefaultPerDepositMin = 5
	// DefaultPerDepositMax is the largest reward a single deposit can earn.
	DefaultPerDepositMax = 20
)

// BoundedRandom draws a uniform random reward in [min, max], clipped to the
// remaining session capacity. When the remaining capacity drops below the
// minimum, the draw collapses to exactly the remaining amount, which forces
// the session into its capped terminal state on that deposit.
type BoundedRandom struct {
	min int
	max int

	mu  sync.Mutex
	rng *rand.Rand
}

// Config holds bounds for the random reward draw.
type Config struct {
	PerDepositMin int
	PerDepositMax int
	// Source seeds the draw; nil uses a time-seeded source.
	Source rand.Source
}

// NewBoundedRandom creates a BoundedRandom policy. Zero or negative bounds
// fall back to the defaults.
func NewBoundedRandom(cfg *Config) *BoundedRandom {
	min := DefaultPerDepositMin
	max := DefaultPerDepositMax
	var src rand.Source

	if cfg != nil {
		if cfg.PerDepositMin > 0 {
			min = cfg.PerDepositMin
		}
		if cfg.PerDepositMax > 0 {
			max = cfg.PerDepositMax
		}
		src = cfg.Source
	}
	if min > max {
		min = max
	}
	if src == nil {
		src = rand.NewSource(rand.Int63())
	}

	return &BoundedRandom{
		min: min,
		max: max,
		rng: rand.New(src),
	}
}

// ComputeReward draws a reward bounded by the remaining capacity.
// Returns 0 when nothing remains.
func (p *BoundedRandom) ComputeReward(remaining int) int {
	if remaining <= 0 {
		return 0
	}

	upper := p.max
	if remaining < upper {
		upper = remaining
	}
	lower := p.min
	if lower > upper {
		lower = upper
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return lower + p.rng.Intn(upper-lower+1)
}

// Fixed always returns the same reward (clipped to remaining). Test helper.
type Fixed int

// ComputeReward returns the fixed amount, clipped to remaining capacity.
func (f Fixed) ComputeReward(remaining int) int {
	r := int(f)
	if r > remaining {
		r = remaining
	}
	if r < 0 {
		r = 0
	}
	return r
}
