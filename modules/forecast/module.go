// SPDX-License-Identifier: MIT
//
// Package forecast provides the built-in simulated model and algorithm
// handlers. They are deterministic: outputs and confidence are derived by
// hashing the node identity and its inputs, so the same plan with the same
// parameters reproduces the same run.
package forecast

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/morphgrid/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Register binds this package's handler references.
func (m *Module) Register(h *registry.Handlers) {
	h.Register("forecast/lstm_sales_predictor", predict(0.5, 0.49))
	h.Register("forecast/naive_forecaster", predict(0.78, 0.04))
	h.Register("algo/moving_average", average)
	h.Register("intent/assess_plan", assessPlan)
}

// predict builds a simulated model handler whose confidence lands in
// [base, base+spread). A "confidence" parameter on the node overrides the
// derived value, and a "model_revision" parameter nudges the outputs, so
// retrained versions produce visibly different results.
func predict(base, spread float64) registry.Handler {
	return func(ctx context.Context, req registry.HandlerRequest) (*registry.HandlerResult, error) {
		seed := hashRequest(req)
		confidence := base + spread*float64(seed%1000)/1000
		if v, ok := req.Params["confidence"]; ok && v.Type() == cty.Number {
			confidence, _ = v.AsBigFloat().Float64()
		}

		outputs := make(map[string]cty.Value, len(req.Outputs))
		for _, name := range req.Outputs {
			outputs[name] = cty.NumberFloatVal(derive(seed, name))
		}
		return &registry.HandlerResult{
			Outputs: outputs,
			Metrics: map[string]float64{"confidence": confidence},
		}, nil
	}
}

// average is a plain algorithm: the mean of every numeric input, fanned out
// to each declared output.
func average(ctx context.Context, req registry.HandlerRequest) (*registry.HandlerResult, error) {
	var sum float64
	var count int
	for _, v := range req.Inputs {
		if v.Type() == cty.Number {
			f, _ := v.AsBigFloat().Float64()
			sum += f
			count++
		}
	}
	if count == 0 {
		return nil, fmt.Errorf("moving_average: no numeric inputs")
	}
	mean := sum / float64(count)

	outputs := make(map[string]cty.Value, len(req.Outputs))
	for _, name := range req.Outputs {
		outputs[name] = cty.NumberFloatVal(mean)
	}
	return &registry.HandlerResult{
		Outputs: outputs,
		Metrics: map[string]float64{"confidence": 0.9},
	}, nil
}

// assessPlan is the built-in intent handler: it grades its inputs into a
// verdict string instead of computing a value.
func assessPlan(ctx context.Context, req registry.HandlerRequest) (*registry.HandlerResult, error) {
	seed := hashRequest(req)
	verdict := "proceed"
	if seed%5 == 0 {
		verdict = "review"
	}
	outputs := make(map[string]cty.Value, len(req.Outputs))
	for _, name := range req.Outputs {
		outputs[name] = cty.StringVal(verdict)
	}
	return &registry.HandlerResult{
		Outputs: outputs,
		Metrics: map[string]float64{"confidence": 0.8 + 0.19*float64(seed%100)/100},
	}, nil
}

// hashRequest folds the node identity, inputs, and parameters into one
// stable seed. Map iteration order is neutralized by sorting keys.
func hashRequest(req registry.HandlerRequest) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(req.Node.String()))
	_, _ = h.Write([]byte(req.Reference))

	names := make([]string, 0, len(req.Inputs)+len(req.Params))
	for name := range req.Inputs {
		names = append(names, "i:"+name)
	}
	for name := range req.Params {
		names = append(names, "p:"+name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = h.Write([]byte(name))
		var v cty.Value
		if name[0] == 'i' {
			v = req.Inputs[name[2:]]
		} else {
			v = req.Params[name[2:]]
		}
		_, _ = h.Write([]byte(v.GoString()))
	}
	return h.Sum64()
}

// derive maps a seed and output name to a stable pseudo-value.
func derive(seed uint64, name string) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	mixed := seed ^ h.Sum64()
	return float64(mixed%100000) / 100
}
