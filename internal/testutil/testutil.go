// SPDX-License-Identifier: MIT
//
// Package testutil holds shared fixtures for package tests: quick node
// definition construction and canned handlers.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/morphgrid/model"
	"github.com/vk/morphgrid/registry"
)

// Def builds a valid definition with test defaults; mutators adjust it.
// The default resilience policy halts on any error so unexpected failures
// surface loudly in tests.
func Def(name, version string, mutate ...func(*model.Definition)) *model.Definition {
	def := &model.Definition{
		Name:    name,
		Version: version,
		Purpose: "test node",
		Logic:   model.ExecutionLogic{Kind: model.AlgorithmRef, Reference: "test/ok"},
		State:   model.StateManagement{Kind: model.Ephemeral},
		Resilience: []model.ResilienceRule{
			{Condition: model.AnyError, Action: model.Halt},
		},
		Security: model.SecurityPolicy{AccessLevel: model.Internal},
		Provenance: model.Provenance{
			Author:    "tests",
			CreatedAt: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, m := range mutate {
		m(def)
	}
	return def
}

// MustPut registers every definition, failing the test on the first error.
func MustPut(t *testing.T, reg *registry.Registry, defs ...*model.Definition) {
	t.Helper()
	for _, def := range defs {
		require.NoError(t, reg.Put(def))
	}
}

// OKHandler returns every requested output as a fixed number and reports the
// given confidence.
func OKHandler(confidence float64) registry.Handler {
	return func(ctx context.Context, req registry.HandlerRequest) (*registry.HandlerResult, error) {
		outputs := make(map[string]cty.Value, len(req.Outputs))
		for _, name := range req.Outputs {
			outputs[name] = cty.NumberFloatVal(42)
		}
		return &registry.HandlerResult{
			Outputs: outputs,
			Metrics: map[string]float64{"confidence": confidence},
		}, nil
	}
}

// FailHandler always returns the given error.
func FailHandler(err error) registry.Handler {
	return func(ctx context.Context, req registry.HandlerRequest) (*registry.HandlerResult, error) {
		return nil, err
	}
}

// FailNTimes fails the first n invocations, then behaves like OKHandler.
func FailNTimes(n int, err error) registry.Handler {
	calls := 0
	ok := OKHandler(0.9)
	return func(ctx context.Context, req registry.HandlerRequest) (*registry.HandlerResult, error) {
		calls++
		if calls <= n {
			return nil, err
		}
		return ok(ctx, req)
	}
}
