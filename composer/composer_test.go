package composer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/morphgrid/internal/testutil"
	"github.com/vk/morphgrid/model"
	"github.com/vk/morphgrid/registry"
)

func newEnv(t *testing.T) (*registry.Registry, *registry.Handlers, *Composer) {
	t.Helper()
	reg := registry.New()
	handlers := registry.NewHandlers()
	handlers.Register("test/ok", testutil.OKHandler(0.9))
	return reg, handlers, New(reg, handlers)
}

func ids(plan *Plan) []string {
	out := make([]string, 0, plan.Len())
	for _, id := range plan.Order {
		out = append(out, id.String())
	}
	return out
}

func TestComposeLinearChain(t *testing.T) {
	reg, _, c := newEnv(t)
	testutil.MustPut(t, reg,
		testutil.Def("loader", "1.0.0"),
		testutil.Def("cleaner", "1.0.0", func(d *model.Definition) {
			d.DependsOn = []model.Edge{{Name: "loader"}}
		}),
		testutil.Def("forecaster", "1.0.0", func(d *model.Definition) {
			d.DependsOn = []model.Edge{{Name: "cleaner"}}
		}),
	)

	plan, err := c.Compose(context.Background(), "forecaster")
	require.NoError(t, err)
	assert.Equal(t, []string{"loader@1.0.0", "cleaner@1.0.0", "forecaster@1.0.0"}, ids(plan))
	assert.Equal(t, []model.Identity{{Name: "forecaster", Version: "1.0.0"}}, plan.Terminal())
}

func TestComposeIsDeterministic(t *testing.T) {
	reg, _, c := newEnv(t)
	testutil.MustPut(t, reg,
		testutil.Def("z", "1.0.0"),
		testutil.Def("a", "1.0.0"),
		testutil.Def("m", "1.0.0"),
		testutil.Def("sink", "1.0.0", func(d *model.Definition) {
			d.DependsOn = []model.Edge{{Name: "z"}, {Name: "a"}, {Name: "m"}}
		}),
	)

	first, err := c.Compose(context.Background())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := c.Compose(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ids(first), ids(again))
	}
	// Independent nodes come out name-sorted.
	assert.Equal(t, []string{"a@1.0.0", "m@1.0.0", "z@1.0.0", "sink@1.0.0"}, ids(first))
}

func TestVersionResolution(t *testing.T) {
	t.Run("unpinned takes highest non-deprecated", func(t *testing.T) {
		reg, _, c := newEnv(t)
		deprecated := testutil.Def("dep", "3.0.0", func(d *model.Definition) {
			d.Deprecated = true
			d.Replacement = &model.Identity{Name: "dep", Version: "2.0.0"}
		})
		testutil.MustPut(t, reg,
			testutil.Def("dep", "1.0.0"),
			testutil.Def("dep", "2.0.0"),
			deprecated,
			testutil.Def("user", "1.0.0", func(d *model.Definition) {
				d.DependsOn = []model.Edge{{Name: "dep"}}
			}),
		)

		plan, err := c.Compose(context.Background(), "user")
		require.NoError(t, err)
		assert.Contains(t, ids(plan), "dep@2.0.0")
	})

	t.Run("pin selects the exact version", func(t *testing.T) {
		reg, _, c := newEnv(t)
		testutil.MustPut(t, reg,
			testutil.Def("dep", "1.0.0"),
			testutil.Def("dep", "2.0.0"),
			testutil.Def("user", "1.0.0", func(d *model.Definition) {
				d.DependsOn = []model.Edge{{Name: "dep", Pin: "1.0.0"}}
			}),
		)

		plan, err := c.Compose(context.Background(), "user")
		require.NoError(t, err)
		assert.Contains(t, ids(plan), "dep@1.0.0")
		assert.NotContains(t, ids(plan), "dep@2.0.0")
	})

	t.Run("one version per logical name, pin wins over latest", func(t *testing.T) {
		reg, _, c := newEnv(t)
		testutil.MustPut(t, reg,
			testutil.Def("dep", "1.0.0"),
			testutil.Def("dep", "2.0.0"),
			testutil.Def("mid", "1.0.0", func(d *model.Definition) {
				d.DependsOn = []model.Edge{{Name: "dep"}}
			}),
			testutil.Def("root", "1.0.0", func(d *model.Definition) {
				d.DependsOn = []model.Edge{
					{Name: "mid"},
					{Name: "dep", Pin: "1.0.0"},
				}
			}),
		)

		plan, err := c.Compose(context.Background(), "root")
		require.NoError(t, err)
		assert.Contains(t, ids(plan), "dep@1.0.0")
		assert.NotContains(t, ids(plan), "dep@2.0.0")

		// The unpinned edge resolved to the pinned version too.
		mid := plan.Node(model.Identity{Name: "mid", Version: "1.0.0"})
		require.NotNil(t, mid)
		assert.Equal(t, []model.Identity{{Name: "dep", Version: "1.0.0"}}, mid.Deps)
	})

	t.Run("pinned target constrains unpinned edges", func(t *testing.T) {
		reg, _, c := newEnv(t)
		testutil.MustPut(t, reg,
			testutil.Def("dep", "1.0.0"),
			testutil.Def("dep", "2.0.0"),
			testutil.Def("user", "1.0.0", func(d *model.Definition) {
				d.DependsOn = []model.Edge{{Name: "dep"}}
			}),
		)

		plan, err := c.Compose(context.Background(), "user", "dep@1.0.0")
		require.NoError(t, err)
		assert.Contains(t, ids(plan), "dep@1.0.0")
		assert.NotContains(t, ids(plan), "dep@2.0.0")
	})

	t.Run("conflicting pins fail composition", func(t *testing.T) {
		reg, _, c := newEnv(t)
		testutil.MustPut(t, reg,
			testutil.Def("dep", "1.0.0"),
			testutil.Def("dep", "2.0.0"),
			testutil.Def("left", "1.0.0", func(d *model.Definition) {
				d.DependsOn = []model.Edge{{Name: "dep", Pin: "1.0.0"}}
			}),
			testutil.Def("right", "1.0.0", func(d *model.Definition) {
				d.DependsOn = []model.Edge{{Name: "dep", Pin: "2.0.0"}}
			}),
		)

		_, err := c.Compose(context.Background(), "left", "right")
		require.Error(t, err)
		assert.Equal(t, model.ErrUnresolvedDependency, model.KindOf(err))
		assert.Contains(t, err.Error(), "conflicting pins")
	})

	t.Run("missing pin fails composition", func(t *testing.T) {
		reg, _, c := newEnv(t)
		testutil.MustPut(t, reg,
			testutil.Def("dep", "1.0.0"),
			testutil.Def("user", "1.0.0", func(d *model.Definition) {
				d.DependsOn = []model.Edge{{Name: "dep", Pin: "9.0.0"}}
			}),
		)

		_, err := c.Compose(context.Background(), "user")
		require.Error(t, err)
		assert.Equal(t, model.ErrUnresolvedDependency, model.KindOf(err))
	})
}

func TestCycleDetection(t *testing.T) {
	reg, _, c := newEnv(t)
	testutil.MustPut(t, reg,
		testutil.Def("a", "1.0.0", func(d *model.Definition) {
			d.DependsOn = []model.Edge{{Name: "b"}}
		}),
		testutil.Def("b", "1.0.0", func(d *model.Definition) {
			d.DependsOn = []model.Edge{{Name: "a"}}
		}),
	)

	_, err := c.Compose(context.Background(), "a")
	require.Error(t, err)
	assert.Equal(t, model.ErrCyclicDependency, model.KindOf(err))
	assert.Contains(t, err.Error(), "a@1.0.0")
	assert.Contains(t, err.Error(), "b@1.0.0")
	assert.Contains(t, err.Error(), "->")
}

func TestInputValidation(t *testing.T) {
	t.Run("input satisfied by dependency output", func(t *testing.T) {
		reg, _, c := newEnv(t)
		testutil.MustPut(t, reg,
			testutil.Def("cleaner", "1.0.0", func(d *model.Definition) {
				d.Outputs = []model.OutputPort{{Name: "cleaned_data"}}
			}),
			testutil.Def("forecaster", "1.0.0", func(d *model.Definition) {
				d.DependsOn = []model.Edge{{Name: "cleaner"}}
				d.Inputs = []model.InputPort{{Name: "cleaned_data", Source: "cleaner"}}
			}),
		)

		plan, err := c.Compose(context.Background(), "forecaster")
		require.NoError(t, err)
		rn := plan.Node(model.Identity{Name: "forecaster", Version: "1.0.0"})
		require.NotNil(t, rn)
		assert.Equal(t, model.Identity{Name: "cleaner", Version: "1.0.0"},
			rn.InputSources["cleaned_data"])
	})

	t.Run("dependency missing the output fails", func(t *testing.T) {
		reg, _, c := newEnv(t)
		testutil.MustPut(t, reg,
			testutil.Def("cleaner", "1.0.0", func(d *model.Definition) {
				d.Outputs = []model.OutputPort{{Name: "something_else"}}
			}),
			testutil.Def("forecaster", "1.0.0", func(d *model.Definition) {
				d.DependsOn = []model.Edge{{Name: "cleaner"}}
				d.Inputs = []model.InputPort{{Name: "cleaned_data", Source: "cleaner"}}
			}),
		)

		_, err := c.Compose(context.Background(), "forecaster")
		require.Error(t, err)
		assert.Equal(t, model.ErrUnsatisfiedInput, model.KindOf(err))
	})
}

func TestHandlerChecks(t *testing.T) {
	t.Run("unknown handler reference fails", func(t *testing.T) {
		reg, _, c := newEnv(t)
		testutil.MustPut(t, reg, testutil.Def("a", "1.0.0", func(d *model.Definition) {
			d.Logic.Reference = "test/unregistered"
		}))

		_, err := c.Compose(context.Background(), "a")
		require.Error(t, err)
		assert.Equal(t, model.ErrUnresolvedHandler, model.KindOf(err))
	})

	t.Run("subgraph reference resolves against the registry", func(t *testing.T) {
		reg, _, c := newEnv(t)
		testutil.MustPut(t, reg,
			testutil.Def("inner", "1.0.0"),
			testutil.Def("outer", "1.0.0", func(d *model.Definition) {
				d.Logic = model.ExecutionLogic{Kind: model.SubgraphRef, Reference: "inner"}
			}),
		)

		_, err := c.Compose(context.Background(), "outer")
		assert.NoError(t, err)
	})

	t.Run("dangling fallback target fails", func(t *testing.T) {
		reg, _, c := newEnv(t)
		testutil.MustPut(t, reg, testutil.Def("a", "1.0.0", func(d *model.Definition) {
			d.Resilience = []model.ResilienceRule{
				{Condition: "confidence < 0.7", Action: model.Fallback, Params: model.RuleParams{FallbackNode: "ghost"}},
			}
		}))

		_, err := c.Compose(context.Background(), "a")
		require.Error(t, err)
		assert.Equal(t, model.ErrUnresolvedDependency, model.KindOf(err))
	})
}

func TestComposeAllWhenNoTargets(t *testing.T) {
	reg, _, c := newEnv(t)
	testutil.MustPut(t, reg,
		testutil.Def("a", "1.0.0"),
		testutil.Def("a", "1.1.0"),
		testutil.Def("b", "1.0.0"),
	)

	plan, err := c.Compose(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a@1.1.0", "b@1.0.0"}, ids(plan))
}
