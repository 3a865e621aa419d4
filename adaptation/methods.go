// SPDX-License-Identifier: MIT
package adaptation

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/morphgrid/model"
)

// applyMethod mutates the cloned definition according to the strategy's
// method. It returns a human-readable change description and whether the
// clone should be written as a new version. Review-only methods describe
// their finding without deriving anything.
func (m *Manager) applyMethod(clone *model.Definition, strat *model.AdaptationStrategy) (string, bool, error) {
	switch strat.Method {
	case model.RetrainModel:
		return m.retrainModel(clone), true, nil
	case model.AdjustParameters:
		return m.adjustParameters(clone), true, nil
	case model.SelectNewAlgorithm:
		change, err := m.selectNewAlgorithm(clone, strat)
		if err != nil {
			return "", false, err
		}
		return change, true, nil
	case model.TriggerHumanReview:
		return "flagged for human review", false, nil
	case model.EvolveStructure:
		// Structural rewiring is proposed, never applied automatically.
		return "structure evolution proposed for review", false, nil
	default:
		return "", false, model.E(model.ErrAdaptation,
			"node %s: unknown adaptation method %q", clone.Identity(), strat.Method)
	}
}

// retrainModel records a new model revision in the node's parameters. The
// handler reference stays stable; the revision parameter tells the handler
// which trained artifact to load.
func (m *Manager) retrainModel(clone *model.Definition) string {
	revision := int64(2)
	if clone.Logic.Params != nil {
		if v, ok := clone.Logic.Params["model_revision"]; ok && v.Type() == cty.Number {
			if current, _ := v.AsBigFloat().Int64(); current > 0 {
				revision = current + 1
			}
		}
	}
	if clone.Logic.Params == nil {
		clone.Logic.Params = make(map[string]cty.Value)
	}
	clone.Logic.Params["model_revision"] = cty.NumberIntVal(revision)
	return fmt.Sprintf("retrained model, revision %d", revision)
}

// adjustParameters applies a bounded, deterministic perturbation to every
// numeric parameter. The scale is derived from a hash of the new identity,
// so re-deriving the same version yields the same parameters.
func (m *Manager) adjustParameters(clone *model.Definition) string {
	scale := perturbScale(clone.Identity().String(), m.cfg.PerturbFactor)
	var changed []string
	for name, v := range clone.Logic.Params {
		if v.Type() != cty.Number {
			continue
		}
		f, _ := v.AsBigFloat().Float64()
		clone.Logic.Params[name] = cty.NumberFloatVal(f * scale)
		changed = append(changed, name)
	}
	if len(changed) == 0 {
		return "no numeric parameters to adjust"
	}
	return fmt.Sprintf("scaled parameters %s by %.4f", strings.Join(changed, ", "), scale)
}

// selectNewAlgorithm swaps the execution reference for a candidate from the
// strategy's method parameters. The candidate must resolve to a registered
// handler and differ from the current reference.
func (m *Manager) selectNewAlgorithm(clone *model.Definition, strat *model.AdaptationStrategy) (string, error) {
	var candidates []string
	if v, ok := strat.MethodParams["reference"]; ok && v.Type() == cty.String {
		candidates = append(candidates, v.AsString())
	}
	if v, ok := strat.MethodParams["candidates"]; ok && v.CanIterateElements() {
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			if elem.Type() == cty.String {
				candidates = append(candidates, elem.AsString())
			}
		}
	}
	if len(candidates) == 0 {
		return "", model.E(model.ErrAdaptation,
			"node %s: Select_New_Algorithm declares no candidate references", clone.Identity())
	}
	current := clone.Logic.Reference
	for _, candidate := range candidates {
		if candidate == current {
			continue
		}
		if _, ok := m.handlers.Resolve(candidate); !ok {
			continue
		}
		clone.Logic.Reference = candidate
		return fmt.Sprintf("switched execution reference %q -> %q", current, candidate), nil
	}
	return "", model.E(model.ErrAdaptation,
		"node %s: no candidate reference resolves to a registered handler", clone.Identity())
}

// perturbScale maps an identity hash into [1-factor, 1+factor].
func perturbScale(seed string, factor float64) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	unit := float64(h.Sum32()%2001)/1000 - 1 // [-1, 1]
	return 1 + factor*unit
}
