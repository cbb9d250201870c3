package selection

import (
	"github.com/bits-and-blooms/bitset"
	"golang.org/x/exp/rand"
)

// Engine draws the winning subset. It does not remember previous draws;
// the phase controller guards against drawing twice in a run.
type Engine struct {
	rng *rand.Rand
}

// NewEngine creates an engine drawing from rng
func NewEngine(rng *rand.Rand) *Engine {
	return &Engine{rng: rng}
}

// Select draws k distinct indices uniformly from [0,n) and assigns their
// line-up targets in draw order. k > n is a caller error and panics.
func (e *Engine) Select(n, k int) *Set {
	if k > n || k < 0 {
		panic("selection: k must be in [0, n]")
	}

	var indices []int
	if 2*k <= n {
		indices = e.rejection(n, k)
	} else {
		indices = e.shuffle(n, k)
	}

	set, err := NewSet(indices)
	if err != nil {
		// Both samplers produce distinct non-negative indices
		panic(err)
	}
	return set
}

// rejection draws and retries on duplicates. Expected retries stay below one
// per pick while k <= n/2.
func (e *Engine) rejection(n, k int) []int {
	seen := bitset.New(uint(n))
	out := make([]int, 0, k)
	for len(out) < k {
		idx := e.rng.Intn(n)
		if seen.Test(uint(idx)) {
			continue
		}
		seen.Set(uint(idx))
		out = append(out, idx)
	}
	return out
}

// shuffle runs a partial Fisher-Yates over [0,n)
func (e *Engine) shuffle(n, k int) []int {
	pool := make([]int, n)
	for i := range pool {
		pool[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + e.rng.Intn(n-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:k]
}
