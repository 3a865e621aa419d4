package morphgrid

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/morphgrid/engine"
	"github.com/vk/morphgrid/internal/testutil"
	"github.com/vk/morphgrid/model"
	"github.com/vk/morphgrid/registry"
	"github.com/vk/morphgrid/trace"
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt := New(Config{Agent: "planner-1", SkipBuiltins: true})
	rt.Handlers.Register("test/ok", testutil.OKHandler(0.9))
	return rt
}

func TestRunEndToEnd(t *testing.T) {
	rt := newRuntime(t)
	rt.Handlers.Register("test/source", func(ctx context.Context, req registry.HandlerRequest) (*registry.HandlerResult, error) {
		return &registry.HandlerResult{
			Outputs: map[string]cty.Value{"cleaned_data": cty.NumberIntVal(3)},
			Metrics: map[string]float64{"confidence": 0.95},
		}, nil
	})

	testutil.MustPut(t, rt.Registry,
		testutil.Def("cleaner", "1.0.0", func(d *model.Definition) {
			d.Logic.Reference = "test/source"
			d.Outputs = []model.OutputPort{{Name: "cleaned_data"}}
		}),
		testutil.Def("forecaster", "1.0.0", func(d *model.Definition) {
			d.DependsOn = []model.Edge{{Name: "cleaner"}}
			d.Inputs = []model.InputPort{{Name: "cleaned_data", Source: "cleaner"}}
			d.Outputs = []model.OutputPort{{Name: "forecast"}}
		}),
	)

	report, err := rt.Run(context.Background(), engine.Options{}, "forecaster")
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.False(t, report.Result.Failed)
	assert.Equal(t, engine.Succeeded, report.Result.Nodes["cleaner@1.0.0"].Status)
	assert.Equal(t, engine.Succeeded, report.Result.Nodes["forecaster@1.0.0"].Status)
	assert.Contains(t, report.Result.Final, "forecaster@1.0.0")

	// The trace brackets the run and is closed.
	require.NotEmpty(t, report.Trace)
	assert.Equal(t, trace.Start, report.Trace[1].Kind) // after the structural review decision
	assert.Equal(t, trace.End, report.Trace[len(report.Trace)-1].Kind)
	for _, ev := range report.Trace {
		assert.Equal(t, report.RunID, ev.RunID)
	}
}

func TestAdaptationFeedsTheNextRun(t *testing.T) {
	rt := newRuntime(t)
	rt.Handlers.Register("test/degraded", testutil.OKHandler(0.6))

	testutil.MustPut(t, rt.Registry, testutil.Def("forecaster", "1.0.0", func(d *model.Definition) {
		d.Logic.Reference = "test/degraded"
		d.Logic.Params = map[string]cty.Value{"horizon": cty.NumberFloatVal(12)}
		d.Adaptation = &model.AdaptationStrategy{
			Trigger:   model.PerformanceDegradation,
			MetricRef: "confidence",
			Method:    model.AdjustParameters,
		}
	}))

	first, err := rt.Run(context.Background(), engine.Options{}, "forecaster")
	require.NoError(t, err)
	assert.False(t, first.Result.Failed)

	// The degraded confidence derived a new minor version.
	versions := rt.Registry.Versions("forecaster")
	require.Len(t, versions, 2)
	derived := versions[1]
	assert.Equal(t, "1.1.0", derived.Version)
	require.NotNil(t, derived.Provenance.DerivedFrom)
	assert.Equal(t, "1.0.0", derived.Provenance.DerivedFrom.Version)
	require.Len(t, rt.Adapt.Log().EntriesFor("forecaster"), 1)
	assert.Equal(t, first.RunID, rt.Adapt.Log().EntriesFor("forecaster")[0].RunID)

	// An unpinned second run resolves to the derived version.
	second, err := rt.Run(context.Background(), engine.Options{}, "forecaster")
	require.NoError(t, err)
	assert.Contains(t, second.Result.Nodes, "forecaster@1.1.0")
	assert.NotContains(t, second.Result.Nodes, "forecaster@1.0.0")
}

func TestAuthorizationRoutedThroughPolicy(t *testing.T) {
	rt := newRuntime(t)
	testutil.MustPut(t, rt.Registry,
		testutil.Def("open", "1.0.0"),
		testutil.Def("guarded", "1.0.0", func(d *model.Definition) {
			d.Security = model.SecurityPolicy{
				AccessLevel:      model.Restricted,
				AuthorizedAgents: []string{"someone-else"},
			}
			d.Resilience = []model.ResilienceRule{
				{Condition: "error == AuthorizationDenied", Action: model.Isolate},
			}
		}),
	)

	report, err := rt.Run(context.Background(), engine.Options{})
	require.NoError(t, err)
	assert.False(t, report.Result.Failed)
	assert.Equal(t, engine.Isolated, report.Result.Nodes["guarded@1.0.0"].Status)
	assert.Equal(t, engine.Succeeded, report.Result.Nodes["open@1.0.0"].Status)
}

func TestFreshnessGate(t *testing.T) {
	rt := newRuntime(t)
	consumer := func(condition string) *model.Definition {
		return testutil.Def("consumer", "1.0.0", func(d *model.Definition) {
			d.DependsOn = []model.Edge{{Name: "feed", RequiredState: condition}}
			d.Inputs = []model.InputPort{{Name: "data", Source: "feed"}}
			d.Resilience = []model.ResilienceRule{
				{Condition: "error == StaleDependency", Action: model.Isolate},
			}
		})
	}
	testutil.MustPut(t, rt.Registry, testutil.Def("feed", "1.0.0", func(d *model.Definition) {
		d.Outputs = []model.OutputPort{{Name: "data"}}
	}))

	// The upstream completes first and records "ready", so a gate on that
	// state passes.
	testutil.MustPut(t, rt.Registry, consumer("state == ready"))
	report, err := rt.Run(context.Background(), engine.Options{}, "consumer")
	require.NoError(t, err)
	assert.Equal(t, engine.Succeeded, report.Result.Nodes["consumer@1.0.0"].Status)

	// A gate on a state label the run never produces trips before the
	// consumer's handler executes, and the rule routes it to isolation.
	gated := consumer("state == calibrated")
	gated.Version = "2.0.0"
	testutil.MustPut(t, rt.Registry, gated)
	report, err = rt.Run(context.Background(), engine.Options{}, "consumer")
	require.NoError(t, err)
	assert.False(t, report.Result.Failed)
	assert.Equal(t, engine.Isolated, report.Result.Nodes["consumer@2.0.0"].Status)
	assert.Equal(t, engine.Succeeded, report.Result.Nodes["feed@1.0.0"].Status)
}

func TestLoadDefinitionsFromHCL(t *testing.T) {
	rt := New(Config{Agent: "planner-1"})
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodes.hcl"), []byte(`
node "baseline" {
  version = "1.0.0"
  purpose = "baseline forecast"

  output "forecast" {
    type = "Series"
  }

  execution {
    kind      = "Model_Ref"
    reference = "forecast/naive_forecaster"
  }

  resilience {
    on     = "error"
    action = "Halt"
  }
}
`), 0o644))

	n, err := rt.LoadDefinitions(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	report, err := rt.Run(context.Background(), engine.Options{}, "baseline")
	require.NoError(t, err)
	assert.False(t, report.Result.Failed)
	assert.Contains(t, report.Result.Final, "baseline@1.0.0")
}

func TestTriggerAdaptation(t *testing.T) {
	rt := newRuntime(t)
	testutil.MustPut(t, rt.Registry, testutil.Def("forecaster", "1.0.0", func(d *model.Definition) {
		d.Adaptation = &model.AdaptationStrategy{
			Trigger:   model.PerformanceDegradation,
			MetricRef: "confidence",
			Method:    model.RetrainModel,
		}
	}))

	derived, adapted, err := rt.TriggerAdaptation(context.Background(),
		model.Identity{Name: "forecaster", Version: "1.0.0"}, "operator request")
	require.NoError(t, err)
	require.True(t, adapted)
	assert.Equal(t, "1.1.0", derived.Version)
}
