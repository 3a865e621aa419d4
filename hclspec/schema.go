// SPDX-License-Identifier: MIT
//
// This file declares the raw HCL shapes of a node definition file. The
// loader decodes these and translates them into model types; nothing
// outside the package sees them.
package hclspec

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// fileRoot decodes all top-level blocks from any definition file.
type fileRoot struct {
	Nodes  []*nodeBlock `hcl:"node,block"`
	Remain hcl.Body     `hcl:",remain"`
}

type nodeBlock struct {
	Name         string `hcl:"name,label"`
	Version      string `hcl:"version"`
	Purpose      string `hcl:"purpose,optional"`
	SemanticType string `hcl:"semantic_type,optional"`

	DependsOn []*dependsOnBlock `hcl:"depends_on,block"`
	Inputs    []*inputBlock     `hcl:"input,block"`
	Outputs   []*outputBlock    `hcl:"output,block"`

	Execution     *executionBlock     `hcl:"execution,block"`
	State         *stateBlock         `hcl:"state,block"`
	Resilience    []*resilienceBlock  `hcl:"resilience,block"`
	Adaptation    *adaptationBlock    `hcl:"adaptation,block"`
	Observability *observabilityBlock `hcl:"observability,block"`
	Security      *securityBlock      `hcl:"security,block"`

	Author     string `hcl:"author,optional"`
	CreatedAt  string `hcl:"created_at,optional"`
	Rationale  string `hcl:"rationale,optional"`
	Deprecated bool   `hcl:"deprecated,optional"`
	ReplacedBy string `hcl:"replaced_by,optional"`
}

type dependsOnBlock struct {
	Name          string `hcl:"name,label"`
	Pin           string `hcl:"pin,optional"`
	Kind          string `hcl:"kind,optional"`
	RequiredState string `hcl:"required_state,optional"`
}

type inputBlock struct {
	Name   string `hcl:"name,label"`
	Type   string `hcl:"type,optional"`
	Source string `hcl:"source"`
}

type outputBlock struct {
	Name             string `hcl:"name,label"`
	Type             string `hcl:"type,optional"`
	Meaning          string `hcl:"meaning,optional"`
	ConfidenceMetric string `hcl:"confidence_metric,optional"`
}

type executionBlock struct {
	Kind       string    `hcl:"kind"`
	Reference  string    `hcl:"reference"`
	Parameters cty.Value `hcl:"parameters,optional"`
}

type stateBlock struct {
	Kind             string `hcl:"kind"`
	MemoryRef        string `hcl:"memory_ref,optional"`
	PersistenceScope string `hcl:"persistence_scope,optional"`
}

type resilienceBlock struct {
	On               string `hcl:"on"`
	Action           string `hcl:"action"`
	FallbackNode     string `hcl:"fallback_node,optional"`
	CompensationNode string `hcl:"compensation_node,optional"`
	MaxAttempts      int    `hcl:"max_attempts,optional"`
	AlertTarget      string `hcl:"alert_target,optional"`
}

type adaptationBlock struct {
	Trigger    string    `hcl:"trigger"`
	Metric     string    `hcl:"metric,optional"`
	Method     string    `hcl:"method"`
	Parameters cty.Value `hcl:"parameters,optional"`
}

type observabilityBlock struct {
	Metrics          []string `hcl:"metrics,optional"`
	LogLevel         string   `hcl:"log_level,optional"`
	TracePropagation bool     `hcl:"trace_propagation,optional"`
}

type securityBlock struct {
	AccessLevel      string   `hcl:"access_level"`
	AuthorizedAgents []string `hcl:"authorized_agents,optional"`
}
