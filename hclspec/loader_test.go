package hclspec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/morphgrid/model"
	"github.com/vk/morphgrid/registry"
)

const forecasterHCL = `
node "sales_forecaster" {
  version       = "1.2.0"
  purpose       = "Forecast monthly sales"
  semantic_type = "Predictive_Model"

  depends_on "data_cleaner" {
    pin            = "1.0.0"
    kind           = "DataFlow"
    required_state = "age < 300"
  }

  input "cleaned_data" {
    type   = "Table"
    source = "data_cleaner"
  }
  input "region" {
    source = "external_parameter"
  }

  output "forecast" {
    type              = "Series"
    meaning           = "projected sales"
    confidence_metric = "confidence"
  }

  execution {
    kind      = "Model_Ref"
    reference = "forecast/lstm_sales_predictor"
    parameters = {
      horizon = 12
    }
  }

  state {
    kind              = "Stateful"
    memory_ref        = "memory://sales"
    persistence_scope = "session"
  }

  resilience {
    on           = "error == Timeout"
    action       = "Retry"
    max_attempts = 4
  }
  resilience {
    on            = "confidence < 0.7"
    action        = "Fallback"
    fallback_node = "naive_forecaster"
  }

  adaptation {
    trigger = "Performance_Degradation"
    metric  = "confidence"
    method  = "Adjust_Parameters"
  }

  security {
    access_level      = "Restricted"
    authorized_agents = ["planner-1"]
  }

  author     = "data-team"
  created_at = "2026-01-15T09:00:00Z"
  rationale  = "initial model"
}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFullDefinition(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "forecaster.hcl", forecasterHCL)

	defs, err := NewLoader().Load(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, defs, 1)

	def := defs[0]
	assert.Equal(t, model.Identity{Name: "sales_forecaster", Version: "1.2.0"}, def.Identity())
	assert.Equal(t, "Predictive_Model", def.SemanticType)

	require.Len(t, def.DependsOn, 1)
	edge := def.DependsOn[0]
	assert.Equal(t, "data_cleaner", edge.Name)
	assert.Equal(t, "1.0.0", edge.Pin)
	assert.Equal(t, model.DataFlow, edge.Kind)
	assert.Equal(t, "age < 300", edge.RequiredState)

	require.Len(t, def.Inputs, 2)
	assert.Equal(t, "data_cleaner", def.Inputs[0].Source)
	assert.Equal(t, model.ExternalParameter, def.Inputs[1].Source)

	require.Len(t, def.Outputs, 1)
	assert.Equal(t, "confidence", def.Outputs[0].ConfidenceMetric)

	assert.Equal(t, model.ModelRef, def.Logic.Kind)
	assert.Equal(t, "forecast/lstm_sales_predictor", def.Logic.Reference)
	horizon, _ := def.Logic.Params["horizon"].AsBigFloat().Int64()
	assert.Equal(t, int64(12), horizon)

	assert.Equal(t, model.Stateful, def.State.Kind)

	require.Len(t, def.Resilience, 2)
	assert.Equal(t, model.Retry, def.Resilience[0].Action)
	assert.Equal(t, 4, def.Resilience[0].Params.MaxAttempts)
	assert.Equal(t, "naive_forecaster", def.Resilience[1].Params.FallbackNode)

	require.NotNil(t, def.Adaptation)
	assert.Equal(t, model.PerformanceDegradation, def.Adaptation.Trigger)
	assert.Equal(t, model.AdjustParameters, def.Adaptation.Method)

	assert.Equal(t, model.Restricted, def.Security.AccessLevel)
	assert.Equal(t, []string{"planner-1"}, def.Security.AuthorizedAgents)

	assert.Equal(t, "data-team", def.Provenance.Author)
	assert.Equal(t, 2026, def.Provenance.CreatedAt.Year())
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "minimal.hcl", `
node "cleaner" {
  version = "1.0.0"

  execution {
    kind      = "Algorithm_Ref"
    reference = "algo/clean"
  }

  resilience {
    on     = "error"
    action = "Halt"
  }
}
`)

	defs, err := NewLoader().Load(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, defs, 1)

	def := defs[0]
	assert.Equal(t, model.Ephemeral, def.State.Kind)
	assert.Equal(t, model.Internal, def.Security.AccessLevel)
	assert.Nil(t, def.Adaptation)
	assert.Nil(t, def.Logic.Params)
}

func TestLoadRejectsInvalidDefinitions(t *testing.T) {
	t.Run("invalid version", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "bad.hcl", `
node "cleaner" {
  version = "1.0"
  execution {
    kind      = "Algorithm_Ref"
    reference = "algo/clean"
  }
  resilience {
    on     = "error"
    action = "Halt"
  }
}
`)
		_, err := NewLoader().Load(context.Background(), dir)
		assert.ErrorContains(t, err, "major.minor.patch")
	})

	t.Run("missing execution block", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "bad.hcl", `
node "cleaner" {
  version = "1.0.0"
  resilience {
    on     = "error"
    action = "Halt"
  }
}
`)
		_, err := NewLoader().Load(context.Background(), dir)
		assert.ErrorContains(t, err, "execution")
	})

	t.Run("malformed HCL", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "broken.hcl", `node "x" {`)
		_, err := NewLoader().Load(context.Background(), dir)
		assert.ErrorContains(t, err, "parse")
	})
}

func TestLoadInto(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "forecaster.hcl", forecasterHCL)

	reg := registry.New()
	n, err := NewLoader().LoadInto(context.Background(), reg, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := reg.Exact(model.Identity{Name: "sales_forecaster", Version: "1.2.0"})
	assert.True(t, ok)

	// A second load of the same file collides with the immutable entry.
	_, err = NewLoader().LoadInto(context.Background(), reg, dir)
	assert.ErrorContains(t, err, "immutable")
}

func TestLoadSkipsMissingPaths(t *testing.T) {
	defs, err := NewLoader().Load(context.Background(), "/nonexistent/path")
	require.NoError(t, err)
	assert.Empty(t, defs)

	// Non-HCL files in a directory are ignored.
	dir := t.TempDir()
	writeFile(t, dir, "notes.txt", "not hcl")
	defs, err = NewLoader().Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Empty(t, defs)
}
