package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/PipeScope/internal/engine"
	"github.com/bryanchriswhite/PipeScope/internal/engine/memgraph"
)

type recorder struct {
	mu  sync.Mutex
	ops []string
	n   int
}

func (r *recorder) RegistryChanged(op string, entries int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	r.n = entries
}

func newPipeline(t *testing.T, e *memgraph.Engine, name string) engine.Pipeline {
	t.Helper()
	p, err := e.NewPipeline(name)
	require.NoError(t, err)
	return p
}

func TestRegisterLookup(t *testing.T) {
	e := memgraph.New()
	r := New(nil)
	p := newPipeline(t, e, "p")

	_, ok := r.Lookup("player-1")
	require.False(t, ok)

	r.Register("player-1", p)
	got, ok := r.Lookup("player-1")
	require.True(t, ok)
	require.Same(t, p, got)
}

func TestRegister_ReplacesEntry(t *testing.T) {
	e := memgraph.New()
	r := New(nil)
	old := newPipeline(t, e, "old")
	cur := newPipeline(t, e, "new")

	r.Register("player-1", old)
	r.Register("player-1", cur)

	got, ok := r.Lookup("player-1")
	require.True(t, ok)
	require.Same(t, cur, got)
	require.Equal(t, 1, r.Len())
}

func TestUnregister(t *testing.T) {
	e := memgraph.New()
	rec := &recorder{}
	r := New(rec)
	r.Register("a", newPipeline(t, e, "pa"))
	r.Register("b", newPipeline(t, e, "pb"))

	r.Unregister("a")
	r.Unregister("a")
	r.Unregister("never")

	_, ok := r.Lookup("a")
	require.False(t, ok)
	require.Equal(t, []string{"b"}, r.Players())
	require.Equal(t, []string{"register", "register", "unregister"}, rec.ops, "missing IDs do not notify")
	require.Equal(t, 1, rec.n)
}

func TestUnregisterIf_OnlyCurrentPipeline(t *testing.T) {
	e := memgraph.New()
	r := New(nil)
	old := newPipeline(t, e, "old")
	cur := newPipeline(t, e, "new")
	r.Register("player-1", old)
	r.Register("player-1", cur)

	require.False(t, r.UnregisterIf("player-1", old), "stale pipeline must not remove the new one")
	got, ok := r.Lookup("player-1")
	require.True(t, ok)
	require.Same(t, cur, got)

	require.True(t, r.UnregisterIf("player-1", cur))
	require.Zero(t, r.Len())
}

func TestPlayers_Sorted(t *testing.T) {
	e := memgraph.New()
	r := New(nil)
	for _, id := range []string{"c", "a", "b"} {
		r.Register(id, newPipeline(t, e, "p-"+id))
	}
	require.Equal(t, []string{"a", "b", "c"}, r.Players())
}

func TestConcurrentAccess(t *testing.T) {
	e := memgraph.New()
	r := New(&recorder{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("player-%d", i)
			p, err := e.NewPipeline("p-" + id)
			if err != nil {
				t.Error(err)
				return
			}
			r.Register(id, p)
			if got, ok := r.Lookup(id); !ok || got != p {
				t.Errorf("lookup %s returned a different pipeline", id)
			}
			_ = r.Players()
			r.Unregister(id)
		}(i)
	}
	wg.Wait()
	require.Zero(t, r.Len())
}
