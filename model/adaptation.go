// SPDX-License-Identifier: MIT
//
// This file defines the adaptation strategy a node may declare: what metric
// it watches, what counts as a trigger, and how a new version is derived.
package model

import "github.com/zclconf/go-cty/cty"

// TriggerKind selects the built-in predicate deciding whether a node should
// adapt after a completed execution.
type TriggerKind string

const (
	PerformanceDegradation TriggerKind = "Performance_Degradation"
	ExternalFeedback       TriggerKind = "External_Feedback"
	ScheduledReview        TriggerKind = "Scheduled_Review"
	ManualTrigger          TriggerKind = "Manual_Trigger"
)

// AdaptationMethod selects how a triggered adaptation changes the node.
type AdaptationMethod string

const (
	RetrainModel       AdaptationMethod = "Retrain_Model"
	AdjustParameters   AdaptationMethod = "Adjust_Parameters"
	SelectNewAlgorithm AdaptationMethod = "Select_New_Algorithm"
	TriggerHumanReview AdaptationMethod = "Trigger_Human_Review"
	EvolveStructure    AdaptationMethod = "Evolve_Structure"
)

// AdaptationStrategy is evaluated once per completed execution of the owning
// node. MetricRef names the trace metric the trigger predicate reads.
type AdaptationStrategy struct {
	Trigger      TriggerKind
	MetricRef    string
	Method       AdaptationMethod
	MethodParams map[string]cty.Value
}
