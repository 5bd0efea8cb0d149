// Package testutil provides testing utilities for caskdb.
//
// This package is intended for use in tests and benchmarks only.
// It provides a seeded, thread-safe RNG, deterministic keys and a
// workload generator with a reference model of the expected state.
//
//	rng := testutil.NewRNG(seed)
//	ops := rng.Workload(10_000, 500, 1.2, 0.1, 256)
//	want := testutil.Model(ops)
package testutil
