// SPDX-License-Identifier: MIT
//
// Package policy is the pure decision component mapping a raised condition
// to a resilience action. It never executes anything itself: the engine
// carries out whatever action the evaluation returns.
package policy

import (
	"strings"

	"github.com/vk/morphgrid/model"
)

// Raised is one condition raised during node execution: either an error
// (Err non-nil, classified by Kind) or a post-hoc metric observation.
type Raised struct {
	Err    error
	Kind   model.ErrKind
	Metric string
	Value  float64
}

// FromError builds a raised condition from an execution error.
func FromError(err error) Raised {
	return Raised{Err: err, Kind: model.KindOf(err)}
}

// FromMetric builds a raised condition from a reported metric value.
func FromMetric(name string, value float64) Raised {
	return Raised{Metric: strings.ToLower(name), Value: value}
}

// IsError reports whether the raised condition carries an error.
func (r Raised) IsError() bool { return r.Err != nil }

// Decision is the evaluator's verdict. When Matched is false the engine
// applies the default policy: report and continue for metric conditions,
// fatal to the run for errors.
type Decision struct {
	Matched   bool
	RuleIndex int
	Condition string
	Action    model.Action
	Params    model.RuleParams
}

// Evaluate scans the rules in declaration order, starting at rule `from`,
// and returns the first whose condition matches the raised condition.
// Passing a non-zero `from` lets the engine continue past an exhausted
// Retry rule without re-matching it.
func Evaluate(rules []model.ResilienceRule, raised Raised, from int) Decision {
	for i := from; i < len(rules); i++ {
		cond, err := model.ParseCondition(rules[i].Condition)
		if err != nil {
			// Validate rejects unparseable conditions at authoring time.
			continue
		}
		if matches(cond, raised) {
			return Decision{
				Matched:   true,
				RuleIndex: i,
				Condition: rules[i].Condition,
				Action:    rules[i].Action,
				Params:    rules[i].Params,
			}
		}
	}
	return Decision{Matched: false, RuleIndex: -1}
}

// FirstMetricMatch evaluates every reported metric against the rule list,
// starting at rule `from`, and returns the first rule (in declaration order)
// whose metric condition holds, along with the raised condition that matched
// it. As with Evaluate, a non-zero `from` continues past an exhausted Retry
// rule.
func FirstMetricMatch(rules []model.ResilienceRule, metrics map[string]float64, from int) (Decision, Raised, bool) {
	for i := from; i < len(rules); i++ {
		rule := rules[i]
		cond, err := model.ParseCondition(rule.Condition)
		if err != nil || !cond.IsMetric() {
			continue
		}
		value, ok := lookupMetric(metrics, cond.Metric)
		if !ok || !cond.Holds(value) {
			continue
		}
		raised := FromMetric(cond.Metric, value)
		return Decision{
			Matched:   true,
			RuleIndex: i,
			Condition: rule.Condition,
			Action:    rule.Action,
			Params:    rule.Params,
		}, raised, true
	}
	return Decision{Matched: false, RuleIndex: -1}, Raised{}, false
}

func matches(cond model.Condition, raised Raised) bool {
	if raised.IsError() {
		return cond.MatchesError(raised.Kind)
	}
	return cond.IsMetric() && cond.Metric == raised.Metric && cond.Holds(raised.Value)
}

func lookupMetric(metrics map[string]float64, name string) (float64, bool) {
	for k, v := range metrics {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return 0, false
}
