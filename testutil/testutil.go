package testutil

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// Float64 returns a pseudo-random number in [0.0,1.0).
func (r *RNG) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float64()
}

// Bytes returns n pseudo-random bytes.
func (r *RNG) Bytes(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := make([]byte, n)
	_, _ = r.rand.Read(b)
	return b
}

// Value returns a value of random length in [minLen, maxLen].
func (r *RNG) Value(minLen, maxLen int) []byte {
	n := minLen
	if maxLen > minLen {
		n += r.Intn(maxLen - minLen + 1)
	}
	return r.Bytes(n)
}

// Key returns the deterministic key for index i.
func Key(i int) []byte {
	return fmt.Appendf(nil, "key-%08d", i)
}

// Keys returns Key(0) .. Key(n-1).
func Keys(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = Key(i)
	}
	return out
}

// Zipf returns a Zipfian-distributed value in [0, n).
// Uses Zipf's law: P(k) ∝ 1/k^s where s is the skew parameter.
// s=1.0 gives standard Zipf, s=1.5 gives heavy-tail (80/20 rule).
func (r *RNG) Zipf(n int, s float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zipfLocked(n, s)
}

// zipfLocked is the internal implementation (caller must hold lock).
func (r *RNG) zipfLocked(n int, s float64) int {
	if n <= 1 {
		return 0
	}

	var hns float64
	for i := 1; i <= n; i++ {
		hns += 1.0 / math.Pow(float64(i), s)
	}

	u := r.rand.Float64() * hns
	var cumulative float64
	for k := 1; k <= n; k++ {
		cumulative += 1.0 / math.Pow(float64(k), s)
		if u <= cumulative {
			return k - 1 // 0-indexed
		}
	}

	return n - 1
}

// OpKind is the kind of a generated operation.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one generated write.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Workload generates n writes over keySpace keys. Keys are drawn from a
// Zipf distribution with skew s so that hot keys are overwritten often;
// deleteRate is the fraction of deletes.
func (r *RNG) Workload(n, keySpace int, s, deleteRate float64, maxValue int) []Op {
	ops := make([]Op, n)
	for i := range ops {
		k := Key(r.Zipf(keySpace, s))
		if r.Float64() < deleteRate {
			ops[i] = Op{Kind: OpDelete, Key: k}
			continue
		}
		ops[i] = Op{Kind: OpPut, Key: k, Value: r.Value(0, maxValue)}
	}
	return ops
}

// Model is the expected state after applying ops: last put wins unless a
// later delete removed the key.
func Model(ops []Op) map[string][]byte {
	m := make(map[string][]byte)
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			m[string(op.Key)] = op.Value
		case OpDelete:
			delete(m, string(op.Key))
		}
	}
	return m
}
