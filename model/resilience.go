// SPDX-License-Identifier: MIT
//
// This file defines resilience rules and the fixed condition vocabulary they
// are written in. Conditions are parsed, not interpreted: a rule either names
// an error kind or compares a numeric metric against a threshold. Open-ended
// expression evaluation is deliberately not supported.
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Action is what the engine does when a rule's condition matches.
type Action string

const (
	Retry      Action = "Retry"
	Fallback   Action = "Fallback"
	Alert      Action = "Alert"
	Isolate    Action = "Isolate"
	Compensate Action = "Compensate"
	Halt       Action = "Halt"
)

// RuleParams carries the per-action parameters of a resilience rule. Only
// the fields relevant to the rule's action are consulted.
type RuleParams struct {
	// FallbackNode references the node whose output substitutes for this
	// node's output on Fallback ("name" or "name@version").
	FallbackNode string
	// CompensationNode references the node executed for its side effect on
	// Compensate. Its outputs are discarded.
	CompensationNode string
	// MaxAttempts is the total attempt budget for Retry, including the
	// first attempt. Zero means the default of 3.
	MaxAttempts int
	// AlertTarget names the agent or system an Alert is addressed to.
	AlertTarget string
}

// ResilienceRule maps a condition to an action. Rules are evaluated in
// declaration order; the first match wins for a given raised condition.
type ResilienceRule struct {
	Condition string
	Action    Action
	Params    RuleParams
}

// AnyError is the condition subject matching every execution-time error kind.
const AnyError = "error"

// Condition is the parsed form of a rule's condition string. Exactly one of
// ErrKind or Metric is set.
type Condition struct {
	// ErrKind matches a raised error of this kind. The special value
	// AnyError (stored as ErrKind("error")) matches any error kind.
	ErrKind ErrKind
	// Metric, Op and Threshold express a numeric comparison such as
	// "confidence < 0.7". Metric names compare case-insensitively.
	Metric    string
	Op        string
	Threshold float64
}

// IsMetric reports whether the condition is a metric comparison.
func (c Condition) IsMetric() bool { return c.Metric != "" }

// Holds reports whether the comparison is true for the given metric value.
func (c Condition) Holds(value float64) bool {
	switch c.Op {
	case "<":
		return value < c.Threshold
	case "<=":
		return value <= c.Threshold
	case ">":
		return value > c.Threshold
	case ">=":
		return value >= c.Threshold
	case "==":
		return value == c.Threshold
	case "!=":
		return value != c.Threshold
	default:
		return false
	}
}

var errKindNames = map[string]ErrKind{
	string(ErrInputValidation): ErrInputValidation,
	string(ErrExecution):       ErrExecution,
	string(ErrOutputContract):  ErrOutputContract,
	string(ErrTimeout):         ErrTimeout,
	string(ErrStaleDependency): ErrStaleDependency,
	string(ErrAuthorization):   ErrAuthorization,
}

// ParseCondition parses a condition string into the fixed vocabulary.
// Accepted forms:
//
//	error                      any execution-time error
//	Timeout                    a specific error kind from the taxonomy
//	error == Timeout           same, explicit subject
//	confidence < 0.7           numeric metric comparison
func ParseCondition(s string) (Condition, error) {
	fields := strings.Fields(s)
	switch len(fields) {
	case 1:
		if fields[0] == AnyError {
			return Condition{ErrKind: ErrKind(AnyError)}, nil
		}
		if kind, ok := errKindNames[fields[0]]; ok {
			return Condition{ErrKind: kind}, nil
		}
		return Condition{}, fmt.Errorf("unknown error kind %q in condition", fields[0])
	case 3:
		subject, op, operand := fields[0], fields[1], fields[2]
		if subject == AnyError {
			if op != "==" {
				return Condition{}, fmt.Errorf("error conditions only support ==, got %q", op)
			}
			kind, ok := errKindNames[operand]
			if !ok {
				return Condition{}, fmt.Errorf("unknown error kind %q in condition", operand)
			}
			return Condition{ErrKind: kind}, nil
		}
		switch op {
		case "<", "<=", ">", ">=", "==", "!=":
		default:
			return Condition{}, fmt.Errorf("unsupported comparison operator %q", op)
		}
		threshold, err := strconv.ParseFloat(operand, 64)
		if err != nil {
			return Condition{}, fmt.Errorf("condition threshold %q is not numeric: %w", operand, err)
		}
		return Condition{Metric: strings.ToLower(subject), Op: op, Threshold: threshold}, nil
	default:
		return Condition{}, fmt.Errorf("malformed condition %q", s)
	}
}

// MatchesError reports whether the condition matches a raised error kind.
func (c Condition) MatchesError(kind ErrKind) bool {
	if c.IsMetric() {
		return false
	}
	return c.ErrKind == ErrKind(AnyError) || c.ErrKind == kind
}
