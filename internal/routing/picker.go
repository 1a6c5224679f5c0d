package routing

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/ILLUVRSE/appeal-router/internal/models"
)

// Picker chooses one operator out of an eligible set.
type Picker interface {
	Pick(candidates []models.EligibleOperator) (models.EligibleOperator, error)
}

// WeightedPicker draws operator i with probability wᵢ / Σw where w is the
// routing factor. Factors above models.MaxRoutingFactor count as that
// maximum. The draw is not cryptographic.
type WeightedPicker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewWeightedPicker returns a picker seeded from the clock.
func NewWeightedPicker() *WeightedPicker {
	return NewSeededPicker(uint64(time.Now().UnixNano()))
}

// NewSeededPicker returns a picker with a reproducible sequence of draws.
func NewSeededPicker(seed uint64) *WeightedPicker {
	return &WeightedPicker{rng: rand.New(rand.NewPCG(seed, seed>>1|1))}
}

func (p *WeightedPicker) Pick(candidates []models.EligibleOperator) (models.EligibleOperator, error) {
	cumulative := make([]int64, len(candidates))
	var total int64
	for i, c := range candidates {
		// non-positive factors never win the draw
		if c.RoutingFactor > 0 {
			total += int64(min(c.RoutingFactor, models.MaxRoutingFactor))
		}
		cumulative[i] = total
	}
	if total <= 0 {
		return models.EligibleOperator{}, ErrNoAvailableOperator
	}

	p.mu.Lock()
	r := p.rng.Int64N(total)
	p.mu.Unlock()

	idx := sort.Search(len(cumulative), func(i int) bool { return cumulative[i] > r })
	return candidates[idx], nil
}
