package engine_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/hupe1980/caskdb/internal/engine"
	"github.com/hupe1980/caskdb/testutil"
)

func BenchmarkPut(b *testing.B) {
	for _, sync := range []bool{false, true} {
		name := "NoSync"
		if sync {
			name = "Sync"
		}
		b.Run(name, func(b *testing.B) {
			e, err := engine.Open(b.TempDir(), engine.WithSyncWrites(sync))
			if err != nil {
				b.Fatal(err)
			}
			defer e.Close()

			value := testutil.NewRNG(1).Bytes(128)
			b.SetBytes(int64(len(value)))
			b.ResetTimer()
			for i := 0; b.Loop(); i++ {
				if err := e.Put(testutil.Key(i%10000), value); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkGet(b *testing.B) {
	for _, tc := range []struct {
		name  string
		opts  []engine.Option
		cache bool
	}{
		{name: "Mmap", opts: []engine.Option{engine.WithMmap(true)}},
		{name: "File", opts: []engine.Option{engine.WithMmap(false)}},
		{name: "Cached", opts: []engine.Option{engine.WithValueCacheSize(64 << 20)}},
	} {
		b.Run(tc.name, func(b *testing.B) {
			opts := append([]engine.Option{engine.WithSyncWrites(false), engine.WithSegmentSize(1 << 20)}, tc.opts...)
			e, err := engine.Open(b.TempDir(), opts...)
			if err != nil {
				b.Fatal(err)
			}
			defer e.Close()

			const n = 20000
			rng := testutil.NewRNG(2)
			for i := range n {
				if err := e.Put(testutil.Key(i), rng.Bytes(128)); err != nil {
					b.Fatal(err)
				}
			}

			b.ResetTimer()
			var i atomic.Int64
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					k := testutil.Key(int(i.Add(1) % n))
					if _, err := e.Get(k); err != nil {
						b.Error(err)
					}
				}
			})
		})
	}
}

func BenchmarkMerge(b *testing.B) {
	for b.Loop() {
		b.StopTimer()
		e, err := engine.Open(b.TempDir(), engine.WithSyncWrites(false), engine.WithSegmentSize(256<<10))
		if err != nil {
			b.Fatal(err)
		}
		rng := testutil.NewRNG(3)
		for _, op := range rng.Workload(50000, 5000, 1.1, 0.1, 256) {
			if op.Kind == testutil.OpPut {
				err = e.Put(op.Key, op.Value)
			} else {
				err = e.Delete(op.Key)
			}
			if err != nil {
				b.Fatal(err)
			}
		}
		b.StartTimer()

		if _, err := e.Merge(context.Background()); err != nil {
			b.Fatal(err)
		}

		b.StopTimer()
		_ = e.Close()
		b.StartTimer()
	}
}

func BenchmarkRecovery(b *testing.B) {
	for _, hints := range []bool{true, false} {
		name := "Scan"
		if hints {
			name = "Hints"
		}
		b.Run(name, func(b *testing.B) {
			dir := b.TempDir()
			opts := []engine.Option{engine.WithSyncWrites(false), engine.WithSegmentSize(1 << 20), engine.WithEagerHints(hints)}
			e, err := engine.Open(dir, opts...)
			if err != nil {
				b.Fatal(err)
			}
			rng := testutil.NewRNG(4)
			for i := range 50000 {
				if err := e.Put(testutil.Key(i), rng.Bytes(64)); err != nil {
					b.Fatal(err)
				}
			}
			if err := e.Close(); err != nil {
				b.Fatal(err)
			}

			b.ResetTimer()
			for b.Loop() {
				e, err := engine.Open(dir, opts...)
				if err != nil {
					b.Fatal(err)
				}
				_ = e.Close()
			}
		})
	}
}
