package util

import (
	"math/rand"
	"sync"
	"time"

	"golang.org/x/exp/constraints"
)

var (
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
	rngMu sync.Mutex
)

// RandomTimeout returns a random duration in [min, max). Draws are safe for
// concurrent use.
func RandomTimeout(min, max time.Duration) time.Duration {
	rngMu.Lock()
	defer rngMu.Unlock()
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)))
}

// Min returns the smaller of a and b.
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}
