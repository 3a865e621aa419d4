// SPDX-License-Identifier: MIT
package hclspec

import (
	"fmt"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/morphgrid/model"
)

// translateNode converts one decoded HCL block into a model definition.
func translateNode(block *nodeBlock) (*model.Definition, error) {
	def := &model.Definition{
		Name:         block.Name,
		Version:      block.Version,
		Purpose:      block.Purpose,
		SemanticType: block.SemanticType,
		Deprecated:   block.Deprecated,
	}

	for _, dep := range block.DependsOn {
		kind := model.ConnectionKind(dep.Kind)
		if dep.Kind == "" {
			kind = model.DataFlow
		}
		def.DependsOn = append(def.DependsOn, model.Edge{
			Name:          dep.Name,
			Pin:           dep.Pin,
			Kind:          kind,
			RequiredState: dep.RequiredState,
		})
	}

	for _, in := range block.Inputs {
		def.Inputs = append(def.Inputs, model.InputPort{
			Name:    in.Name,
			TypeRef: in.Type,
			Source:  in.Source,
		})
	}
	for _, out := range block.Outputs {
		def.Outputs = append(def.Outputs, model.OutputPort{
			Name:             out.Name,
			TypeRef:          out.Type,
			Meaning:          out.Meaning,
			ConfidenceMetric: out.ConfidenceMetric,
		})
	}

	if block.Execution == nil {
		return nil, fmt.Errorf("node %q: missing execution block", block.Name)
	}
	params, err := valueMap(block.Execution.Parameters)
	if err != nil {
		return nil, fmt.Errorf("node %q: execution parameters: %w", block.Name, err)
	}
	def.Logic = model.ExecutionLogic{
		Kind:      model.LogicKind(block.Execution.Kind),
		Reference: block.Execution.Reference,
		Params:    params,
	}

	if block.State != nil {
		def.State = model.StateManagement{
			Kind:             model.StateKind(block.State.Kind),
			MemoryRef:        block.State.MemoryRef,
			PersistenceScope: block.State.PersistenceScope,
		}
	} else {
		def.State = model.StateManagement{Kind: model.Ephemeral}
	}

	for _, rule := range block.Resilience {
		def.Resilience = append(def.Resilience, model.ResilienceRule{
			Condition: rule.On,
			Action:    model.Action(rule.Action),
			Params: model.RuleParams{
				FallbackNode:     rule.FallbackNode,
				CompensationNode: rule.CompensationNode,
				MaxAttempts:      rule.MaxAttempts,
				AlertTarget:      rule.AlertTarget,
			},
		})
	}

	if block.Adaptation != nil {
		methodParams, err := valueMap(block.Adaptation.Parameters)
		if err != nil {
			return nil, fmt.Errorf("node %q: adaptation parameters: %w", block.Name, err)
		}
		def.Adaptation = &model.AdaptationStrategy{
			Trigger:      model.TriggerKind(block.Adaptation.Trigger),
			MetricRef:    block.Adaptation.Metric,
			Method:       model.AdaptationMethod(block.Adaptation.Method),
			MethodParams: methodParams,
		}
	}

	if block.Observability != nil {
		def.Observe = model.Observability{
			Metrics:          block.Observability.Metrics,
			LogLevel:         block.Observability.LogLevel,
			TracePropagation: block.Observability.TracePropagation,
		}
	}

	if block.Security != nil {
		def.Security = model.SecurityPolicy{
			AccessLevel:      model.AccessLevel(block.Security.AccessLevel),
			AuthorizedAgents: block.Security.AuthorizedAgents,
		}
	} else {
		def.Security = model.SecurityPolicy{AccessLevel: model.Internal}
	}

	def.Provenance = model.Provenance{
		Author:    block.Author,
		Rationale: block.Rationale,
	}
	if block.CreatedAt != "" {
		createdAt, err := time.Parse(time.RFC3339, block.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("node %q: created_at: %w", block.Name, err)
		}
		def.Provenance.CreatedAt = createdAt
	}
	if block.ReplacedBy != "" {
		replacement, err := model.ParseRef(block.ReplacedBy)
		if err != nil {
			return nil, fmt.Errorf("node %q: replaced_by: %w", block.Name, err)
		}
		def.Replacement = &replacement
	}

	return def, nil
}

// valueMap unpacks an HCL object or map attribute into a parameter map. A
// missing attribute decodes as a nil map.
func valueMap(v cty.Value) (map[string]cty.Value, error) {
	if v == cty.NilVal || v.IsNull() {
		return nil, nil
	}
	if !v.Type().IsObjectType() && !v.Type().IsMapType() {
		return nil, fmt.Errorf("expected an object, got %s", v.Type().FriendlyName())
	}
	return v.AsValueMap(), nil
}
