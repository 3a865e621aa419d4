package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/morphgrid/model"
)

func def(name, version string) *model.Definition {
	return &model.Definition{
		Name:    name,
		Version: version,
		Logic:   model.ExecutionLogic{Kind: model.AlgorithmRef, Reference: "test/ok"},
		Resilience: []model.ResilienceRule{
			{Condition: model.AnyError, Action: model.Halt},
		},
	}
}

func TestPut(t *testing.T) {
	t.Run("stores and retrieves", func(t *testing.T) {
		r := New()
		require.NoError(t, r.Put(def("a", "1.0.0")))

		got, ok := r.Exact(model.Identity{Name: "a", Version: "1.0.0"})
		require.True(t, ok)
		assert.Equal(t, "a", got.Name)
	})

	t.Run("rejects duplicate identity", func(t *testing.T) {
		r := New()
		require.NoError(t, r.Put(def("a", "1.0.0")))
		err := r.Put(def("a", "1.0.0"))
		assert.ErrorContains(t, err, "immutable")
	})

	t.Run("rejects invalid definitions", func(t *testing.T) {
		r := New()
		bad := def("a", "1.0.0")
		bad.Resilience = nil
		assert.Error(t, r.Put(bad))
	})
}

func TestLatest(t *testing.T) {
	t.Run("highest semver wins", func(t *testing.T) {
		r := New()
		require.NoError(t, r.Put(def("a", "1.0.0")))
		require.NoError(t, r.Put(def("a", "1.10.0")))
		require.NoError(t, r.Put(def("a", "1.9.0")))

		got, ok := r.Latest("a")
		require.True(t, ok)
		assert.Equal(t, "1.10.0", got.Version)
	})

	t.Run("deprecated versions are passed over", func(t *testing.T) {
		r := New()
		dep := def("a", "2.0.0")
		dep.Deprecated = true
		dep.Replacement = &model.Identity{Name: "a", Version: "1.5.0"}
		require.NoError(t, r.Put(dep))
		require.NoError(t, r.Put(def("a", "1.5.0")))

		got, ok := r.Latest("a")
		require.True(t, ok)
		assert.Equal(t, "1.5.0", got.Version)
	})

	t.Run("all-deprecated falls back to highest deprecated", func(t *testing.T) {
		r := New()
		for _, v := range []string{"1.0.0", "1.1.0"} {
			dep := def("a", v)
			dep.Deprecated = true
			dep.Replacement = &model.Identity{Name: "b", Version: "1.0.0"}
			require.NoError(t, r.Put(dep))
		}

		got, ok := r.Latest("a")
		require.True(t, ok)
		assert.Equal(t, "1.1.0", got.Version)
	})

	t.Run("unknown name", func(t *testing.T) {
		r := New()
		_, ok := r.Latest("missing")
		assert.False(t, ok)
	})
}

func TestVersionsSortedAscending(t *testing.T) {
	r := New()
	for _, v := range []string{"1.10.0", "1.2.0", "1.9.0"} {
		require.NoError(t, r.Put(def("a", v)))
	}

	versions := r.Versions("a")
	require.Len(t, versions, 3)
	assert.Equal(t, "1.2.0", versions[0].Version)
	assert.Equal(t, "1.9.0", versions[1].Version)
	assert.Equal(t, "1.10.0", versions[2].Version)
}

func TestWithNameLockSerializesWrites(t *testing.T) {
	r := New()
	require.NoError(t, r.Put(def("a", "1.0.0")))

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.WithNameLock("a", func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, counter)
}

func TestHandlers(t *testing.T) {
	t.Run("register and resolve", func(t *testing.T) {
		h := NewHandlers()
		h.Register("test/ok", func(ctx context.Context, req HandlerRequest) (*HandlerResult, error) {
			return &HandlerResult{}, nil
		})

		_, ok := h.Resolve("test/ok")
		assert.True(t, ok)
		_, ok = h.Resolve("test/missing")
		assert.False(t, ok)
		assert.Equal(t, []string{"test/ok"}, h.References())
	})

	t.Run("duplicate registration panics", func(t *testing.T) {
		h := NewHandlers()
		h.Register("test/ok", nil)
		assert.Panics(t, func() {
			h.Register("test/ok", nil)
		})
	})
}
