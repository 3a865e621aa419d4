// SPDX-License-Identifier: MIT
package orchestrator

import (
	"fmt"

	"github.com/vk/morphgrid/composer"
	"github.com/vk/morphgrid/model"
	"github.com/vk/morphgrid/trace"
)

// RiskLevel grades a structural review of a plan.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// RiskReport is the outcome of a pre-run structural review.
type RiskReport struct {
	Level    RiskLevel
	Concerns []string
}

// EvaluateStructure reviews a composed plan before execution: exposure of
// public nodes, stateful nodes without resilience cover, and external call
// surface. The report is recorded as a run-level decision event.
func (o *Orchestrator) EvaluateStructure(plan *composer.Plan) RiskReport {
	report := RiskReport{Level: RiskLow}
	raise := func(level RiskLevel) {
		if rank(level) > rank(report.Level) {
			report.Level = level
		}
	}

	publicCount := 0
	for _, id := range plan.Order {
		def := plan.Node(id).Def

		if def.Security.AccessLevel == model.Public {
			publicCount++
		}
		if def.State.Kind == model.Stateful && len(def.Resilience) == 0 {
			report.Concerns = append(report.Concerns,
				fmt.Sprintf("stateful node %s carries no resilience rules", id))
			raise(RiskMedium)
		}
		if def.Logic.Kind == model.ExternalCall {
			report.Concerns = append(report.Concerns,
				fmt.Sprintf("node %s calls an external system", id))
			raise(RiskMedium)
		}
		if def.Deprecated {
			report.Concerns = append(report.Concerns,
				fmt.Sprintf("plan includes deprecated node %s", id))
			raise(RiskMedium)
		}
	}
	if publicCount > 2 {
		report.Concerns = append(report.Concerns,
			fmt.Sprintf("%d publicly accessible nodes in one plan", publicCount))
		raise(RiskHigh)
	}

	o.tracer.Record(trace.Decision, model.Identity{}, map[string]any{
		"action":   "StructuralReview",
		"risk":     string(report.Level),
		"concerns": append([]string(nil), report.Concerns...),
	})
	return report
}

func rank(l RiskLevel) int {
	switch l {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	}
	return 0
}
