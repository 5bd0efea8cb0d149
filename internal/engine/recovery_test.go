package engine_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/caskdb/internal/engine"
	"github.com/hupe1980/caskdb/internal/record"
	"github.com/hupe1980/caskdb/testutil"
)

type kv struct {
	key, value string
}

func recordSize(p kv) int {
	return record.HeaderSize + len(p.key) + len(p.value)
}

func TestRecovery_TruncatedTailAtEveryOffset(t *testing.T) {
	pairs := []kv{{"alpha", "one"}, {"beta", "two-two"}, {"gamma", ""}}
	total := 0
	for _, p := range pairs {
		total += recordSize(p)
	}

	for cut := 0; cut <= total; cut++ {
		t.Run(fmt.Sprintf("cut=%d", cut), func(t *testing.T) {
			dir := t.TempDir()
			e, err := engine.Open(dir, engine.WithSyncWrites(false))
			require.NoError(t, err)
			for _, p := range pairs {
				require.NoError(t, e.Put([]byte(p.key), []byte(p.value)))
			}
			require.NoError(t, e.Close())

			require.NoError(t, os.Truncate(filepath.Join(dir, "000000001.data"), int64(cut)))

			e = openEngine(t, dir)
			rep := e.RecoveryReport()

			end, boundary := 0, cut == 0
			for _, p := range pairs {
				end += recordSize(p)
				v, err := e.Get([]byte(p.key))
				if end <= cut {
					require.NoError(t, err, "key %s", p.key)
					assert.Equal(t, p.value, string(v))
				} else {
					assert.ErrorIs(t, err, engine.ErrNotFound, "key %s", p.key)
				}
				if end == cut {
					boundary = true
				}
			}

			if boundary {
				assert.Equal(t, 0, rep.Truncations)
			} else {
				assert.Equal(t, 1, rep.Truncations)
				assert.Positive(t, rep.TruncatedBytes)
			}
			// The stale hint describes records past the cut.
			if cut < total {
				assert.Equal(t, 1, rep.HintsInvalid)
			}
		})
	}
}

func TestRecovery_TruncationIsPersistent(t *testing.T) {
	dir := t.TempDir()
	e, err := engine.Open(dir, engine.WithEagerHints(false))
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.NoError(t, e.Close())

	path := filepath.Join(dir, "000000001.data")
	require.NoError(t, os.Truncate(path, 30))

	e, err = engine.Open(dir, engine.WithEagerHints(false))
	require.NoError(t, err)
	assert.Equal(t, int64(8), e.RecoveryReport().TruncatedBytes)
	require.NoError(t, e.Put([]byte("c"), []byte("3")))
	require.NoError(t, e.Close())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(22), fi.Size())

	e = openEngine(t, dir, engine.WithEagerHints(false))
	assert.Equal(t, 0, e.RecoveryReport().Truncations)
	v, err := e.Get([]byte("c"))
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), v)
}

func TestRecovery_HintEqualsFullScan(t *testing.T) {
	dir := t.TempDir()
	opts := []engine.Option{engine.WithSegmentSize(2 << 10), engine.WithSyncWrites(false)}
	e, err := engine.Open(dir, opts...)
	require.NoError(t, err)

	rng := testutil.NewRNG(7)
	ops := rng.Workload(2000, 150, 1.1, 0.2, 48)
	apply(t, e, ops)
	require.NoError(t, e.Close())
	want := testutil.Model(ops)

	e, err = engine.Open(dir, opts...)
	require.NoError(t, err)
	withHints := e.RecoveryReport()
	requireState(t, e, want)
	require.NoError(t, e.Close())
	assert.Equal(t, withHints.SegmentsScanned, withHints.HintsLoaded)

	for _, name := range listFiles(t, dir, ".hint") {
		require.NoError(t, os.Remove(filepath.Join(dir, name)))
	}

	e = openEngine(t, dir, append(opts, engine.WithEagerHints(false))...)
	scanned := e.RecoveryReport()
	assert.Equal(t, 0, scanned.HintsLoaded)
	assert.Equal(t, withHints.Keys, scanned.Keys)
	requireState(t, e, want)
}

func TestRecovery_CompressedHintCodecs(t *testing.T) {
	for _, codec := range []struct {
		name string
		opt  engine.Option
	}{
		{"none", engine.WithHintCodec(0)},
		{"lz4", engine.WithHintCodec(1)},
		{"zstd", engine.WithHintCodec(2)},
	} {
		t.Run(codec.name, func(t *testing.T) {
			dir := t.TempDir()
			e, err := engine.Open(dir, engine.WithSegmentSize(512), codec.opt)
			require.NoError(t, err)
			for i := range 100 {
				require.NoError(t, e.Put(testutil.Key(i), []byte("value")))
			}
			require.NoError(t, e.Close())

			e = openEngine(t, dir, codec.opt)
			rep := e.RecoveryReport()
			assert.Equal(t, rep.SegmentsScanned, rep.HintsLoaded)
			assert.Equal(t, 100, rep.Keys)
		})
	}
}

func TestRecovery_CorruptMiddleRecordIsSkipped(t *testing.T) {
	dir := t.TempDir()
	e, err := engine.Open(dir, engine.WithEagerHints(false))
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("k1"), []byte("first")))
	require.NoError(t, e.Put([]byte("k2"), []byte("second")))
	require.NoError(t, e.Put([]byte("k3"), []byte("third")))
	require.NoError(t, e.Close())

	path := filepath.Join(dir, "000000001.data")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	// Last byte of k2's value.
	off := recordSize(kv{"k1", "first"}) + recordSize(kv{"k2", "second"}) - 1
	b[off] ^= 0xFF
	require.NoError(t, os.WriteFile(path, b, 0o644))

	e = openEngine(t, dir, engine.WithEagerHints(false))
	assert.Equal(t, 1, e.RecoveryReport().CorruptRecords)
	assert.Equal(t, 0, e.RecoveryReport().Truncations)

	_, err = e.Get([]byte("k2"))
	assert.ErrorIs(t, err, engine.ErrNotFound)
	for _, k := range []string{"k1", "k3"} {
		_, err := e.Get([]byte(k))
		require.NoError(t, err)
	}
}

func TestRecovery_CorruptFirstHeaderKeepsFollowingRecords(t *testing.T) {
	dir := t.TempDir()
	e, err := engine.Open(dir, engine.WithEagerHints(false))
	require.NoError(t, err)
	for _, k := range []string{"k1", "k2", "k3"} {
		require.NoError(t, e.Put([]byte(k), []byte("v-"+k)))
	}
	require.NoError(t, e.Close())

	path := filepath.Join(dir, "000000001.data")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	// A key size far above the limit.
	b[14] = 0xFF
	require.NoError(t, os.WriteFile(path, b, 0o644))

	e = openEngine(t, dir, engine.WithEagerHints(false))
	rep := e.RecoveryReport()
	assert.Equal(t, 1, rep.CorruptRecords)
	assert.Equal(t, 0, rep.Truncations)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(b)), fi.Size())

	_, err = e.Get([]byte("k1"))
	assert.ErrorIs(t, err, engine.ErrNotFound)
	for _, k := range []string{"k2", "k3"} {
		v, err := e.Get([]byte(k))
		require.NoError(t, err, "key %s", k)
		assert.Equal(t, "v-"+k, string(v))
	}
}

func TestRecovery_DamagedSealedSegmentIsNotTruncated(t *testing.T) {
	for _, tc := range []struct {
		name  string
		at    int
		lost  string
		alive []string
	}{
		{name: "first header", at: 14, lost: "k1", alive: []string{"k2", "k3"}},
		{name: "value size", at: 18, lost: "k1", alive: []string{"k2", "k3"}},
		{name: "last record", at: 47, lost: "k2", alive: []string{"k1", "k3"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			// Two 24-byte records fill segment 1; k3 lands in segment 2.
			e, err := engine.Open(dir, engine.WithSegmentSize(48))
			require.NoError(t, err)
			for _, k := range []string{"k1", "k2", "k3"} {
				require.NoError(t, e.Put([]byte(k), []byte("v"+k[1:])))
			}
			require.NoError(t, e.Close())
			for _, name := range listFiles(t, dir, ".hint") {
				require.NoError(t, os.Remove(filepath.Join(dir, name)))
			}

			path := filepath.Join(dir, "000000001.data")
			b, err := os.ReadFile(path)
			require.NoError(t, err)
			require.Len(t, b, 48)
			b[tc.at] ^= 0xFF
			require.NoError(t, os.WriteFile(path, b, 0o644))

			e = openEngine(t, dir, engine.WithSegmentSize(48), engine.WithEagerHints(false))
			rep := e.RecoveryReport()
			assert.Equal(t, 1, rep.CorruptRecords)
			assert.Equal(t, 0, rep.Truncations)
			assert.Zero(t, rep.TruncatedBytes)

			fi, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, int64(48), fi.Size())

			_, err = e.Get([]byte(tc.lost))
			assert.ErrorIs(t, err, engine.ErrNotFound)
			for _, k := range tc.alive {
				v, err := e.Get([]byte(k))
				require.NoError(t, err, "key %s", k)
				assert.Equal(t, "v"+k[1:], string(v))
			}
		})
	}
}

func TestRecovery_CorruptReadDetected(t *testing.T) {
	dir := t.TempDir()
	e, err := engine.Open(dir)
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("k1"), []byte("first")))
	require.NoError(t, e.Put([]byte("k2"), []byte("second")))
	require.NoError(t, e.Close())

	// The hint still points at the damaged record.
	path := filepath.Join(dir, "000000001.data")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[recordSize(kv{"k1", "first"})-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, b, 0o644))

	e = openEngine(t, dir)
	require.Equal(t, 1, e.RecoveryReport().HintsLoaded)

	_, err = e.Get([]byte("k1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrCorrupt)
	var cerr *engine.CorruptionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, uint64(0), cerr.Offset)
	assert.Equal(t, int64(1), e.Stats().CorruptReads)

	v, err := e.Get([]byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), v)
}

func TestRecovery_RemovesLeftovers(t *testing.T) {
	dir := t.TempDir()
	e, err := engine.Open(dir)
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Close())

	for _, name := range []string{"000000042.data.tmp", "000000043.hint.tmp", "000000077.hint"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("junk"), 0o644))
	}

	e = openEngine(t, dir)
	assert.Empty(t, listFiles(t, dir, ".tmp"))
	_, err = os.Stat(filepath.Join(dir, "000000077.hint"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	v, err := e.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	// Orphan hint ids are never reused.
	assert.Greater(t, uint64(e.Stats().ActiveSegment), uint64(77))
}

func TestRecovery_TombstoneInLaterSegment(t *testing.T) {
	dir := t.TempDir()
	e, err := engine.Open(dir, engine.WithSegmentSize(1))
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.NoError(t, e.Delete([]byte("a")))
	require.NoError(t, e.Close())

	for _, hints := range []bool{true, false} {
		if !hints {
			for _, name := range listFiles(t, dir, ".hint") {
				require.NoError(t, os.Remove(filepath.Join(dir, name)))
			}
		}
		e, err := engine.Open(dir, engine.WithSegmentSize(1), engine.WithEagerHints(hints))
		require.NoError(t, err)
		_, err = e.Get([]byte("a"))
		assert.ErrorIs(t, err, engine.ErrNotFound)
		assert.True(t, e.Has([]byte("b")))
		require.NoError(t, e.Close())
	}
}

func TestRecovery_InvalidHintFallsBackToScan(t *testing.T) {
	dir := t.TempDir()
	e, err := engine.Open(dir)
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "000000001.hint"), []byte("not a hint file"), 0o644))

	e = openEngine(t, dir)
	rep := e.RecoveryReport()
	assert.Equal(t, 1, rep.HintsInvalid)
	assert.Equal(t, 0, rep.HintsLoaded)
	v, err := e.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}
