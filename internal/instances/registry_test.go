package instances

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faradayfan/cluster-harness/internal/kit"
	"github.com/faradayfan/cluster-harness/internal/topology"
)

var serverKey = Key{InstanceID: "run-1", Kind: KindServer, Distribution: "10.7.0.0.1/KIT/TERRACOTTA"}

func resolved(calls *atomic.Int32) ResolveFunc {
	return func() (kit.Dirs, bool, error) {
		calls.Add(1)
		return kit.Dirs{KitDir: "/kits/k", WorkDir: "/work/run-1"}, true, nil
	}
}

type cleanups struct {
	mu  sync.Mutex
	ids []topology.InstanceID
}

func (c *cleanups) record(id topology.InstanceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
	return nil
}

func (c *cleanups) list() []topology.InstanceID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]topology.InstanceID(nil), c.ids...)
}

func TestAcquireIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	c := &cleanups{}
	r := NewRegistry(nil, c.record, zerolog.Nop())

	rec, ok, err := r.Acquire(serverKey, "server-1", resolved(&calls))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, rec.Refs())

	rec, ok, err = r.Acquire(serverKey, "server-1", resolved(&calls))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, rec.Refs())
	assert.EqualValues(t, 1, calls.Load())
	assert.Len(t, r.Snapshot(), 1)

	_, last, err := r.Release(serverKey, "server-1")
	require.NoError(t, err)
	assert.False(t, last)
	assert.Empty(t, c.list())

	_, last, err = r.Release(serverKey, "server-1")
	require.NoError(t, err)
	assert.True(t, last)
	assert.Equal(t, []topology.InstanceID{"run-1"}, c.list())
	assert.Empty(t, r.Snapshot())
}

func TestAcquireUnavailableKit(t *testing.T) {
	r := NewRegistry(nil, nil, zerolog.Nop())
	_, ok, err := r.Acquire(serverKey, "s", func() (kit.Dirs, bool, error) { return kit.Dirs{}, false, nil })
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, r.Snapshot())

	boom := errors.New("boom")
	_, ok, err = r.Acquire(serverKey, "s", func() (kit.Dirs, bool, error) { return kit.Dirs{}, false, boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, ok)
	assert.Empty(t, r.Snapshot())
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	r := NewRegistry(nil, nil, zerolog.Nop())
	_, last, err := r.Release(serverKey, "nobody")
	require.NoError(t, err)
	assert.False(t, last)
}

func TestReferenceCountingIsCommutative(t *testing.T) {
	orders := [][]string{
		{"a", "b", "c"},
		{"c", "a", "b"},
		{"b", "c", "a"},
	}
	for _, order := range orders {
		var calls atomic.Int32
		c := &cleanups{}
		r := NewRegistry(nil, c.record, zerolog.Nop())

		var wg sync.WaitGroup
		for _, m := range []string{"a", "b", "c"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := r.Acquire(serverKey, m, resolved(&calls))
				assert.NoError(t, err)
				assert.True(t, ok)
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, calls.Load())

		for i, m := range order {
			rec, last, err := r.Release(serverKey, m)
			require.NoError(t, err)
			if i < 2 {
				assert.False(t, last)
				assert.Equal(t, 2-i, rec.Refs())
				got, ok := r.Get(serverKey)
				require.True(t, ok)
				assert.Equal(t, 2-i, got.Refs())
			} else {
				assert.True(t, last)
			}
		}
		_, ok := r.Get(serverKey)
		assert.False(t, ok)
		assert.Len(t, c.list(), 1)
	}
}

func TestRootKeptWhileSiblingKindsRemain(t *testing.T) {
	var calls atomic.Int32
	c := &cleanups{}
	r := NewRegistry(nil, c.record, zerolog.Nop())
	toolKey := Key{InstanceID: "run-1", Kind: KindConfigTool, Distribution: serverKey.Distribution}

	_, _, err := r.Acquire(serverKey, "s", resolved(&calls))
	require.NoError(t, err)
	_, _, err = r.Acquire(toolKey, "config-tool", resolved(&calls))
	require.NoError(t, err)

	_, last, err := r.Release(serverKey, "s")
	require.NoError(t, err)
	assert.True(t, last)
	assert.Empty(t, c.list())

	rec, ok := r.Find("run-1", KindConfigTool)
	require.True(t, ok)
	assert.Equal(t, toolKey, rec.Key)

	_, _, err = r.Release(toolKey, "config-tool")
	require.NoError(t, err)
	assert.Equal(t, []topology.InstanceID{"run-1"}, c.list())
}

func TestLockSerializesPerInstance(t *testing.T) {
	r := NewRegistry(nil, nil, zerolog.Nop())
	unlock := r.Lock("run-1")

	acquired := make(chan struct{})
	go func() {
		u := r.Lock("run-1")
		close(acquired)
		u()
	}()

	other := r.Lock("run-2")
	other()

	select {
	case <-acquired:
		t.Fatal("second lock on the same id acquired while held")
	default:
	}
	unlock()
	<-acquired
}

func TestStorePersistsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "installations.yaml")
	store := NewStore(path)
	var calls atomic.Int32
	r := NewRegistry(store, nil, zerolog.Nop())

	_, _, err := r.Acquire(serverKey, "server-1", resolved(&calls))
	require.NoError(t, err)
	_, _, err = r.Acquire(serverKey, "server-2", resolved(&calls))
	require.NoError(t, err)

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, serverKey, loaded[0].Key)
	assert.Equal(t, "/kits/k", loaded[0].KitDir)
	assert.Equal(t, map[string]int{"server-1": 1, "server-2": 1}, loaded[0].Members)

	empty, err := NewStore(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStoreSurvivesConcurrentInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "installations.yaml")
	store := NewStore(path)
	r := NewRegistry(store, nil, zerolog.Nop())

	const n = 32
	var calls atomic.Int32
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := Key{InstanceID: topology.InstanceID(fmt.Sprintf("run-%d", i)), Kind: KindServer, Distribution: serverKey.Distribution}
			_, ok, err := r.Acquire(key, "server-1", resolved(&calls))
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, loaded, n)

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestTxStaysWithinItsInstance(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(nil, nil, zerolog.Nop())

	tx, done := r.Begin("run-1")
	_, ok, err := tx.Acquire(serverKey, "server-1", resolved(&calls))
	require.NoError(t, err)
	require.True(t, ok)

	other := Key{InstanceID: "run-2", Kind: KindServer, Distribution: serverKey.Distribution}
	_, _, err = tx.Acquire(other, "server-1", resolved(&calls))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside instance run-1")

	_, last, err := tx.Release(serverKey, "server-1")
	require.NoError(t, err)
	assert.True(t, last)
	done()

	assert.Empty(t, r.Snapshot())
}
