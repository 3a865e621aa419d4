// SPDX-License-Identifier: MIT
//
// This file defines the node definition: the immutable, versioned unit the
// registry stores, the composer resolves, and the engine executes. A
// definition is never mutated after creation; adaptation derives a brand-new
// version instead.
package model

import (
	"time"

	"github.com/zclconf/go-cty/cty"
)

// ConnectionKind classifies a dependency edge.
type ConnectionKind string

const (
	DataFlow    ConnectionKind = "DataFlow"
	ControlFlow ConnectionKind = "ControlFlow"
	Context     ConnectionKind = "Context"
)

// Edge is one dependency of a node on another logical node. An empty Pin
// resolves to the latest valid version at composition time; a non-empty Pin
// requires that exact version. RequiredState is an optional precondition
// evaluated by the orchestrator against the referenced node's last known
// state (for example "age < 300" or "state == ready").
type Edge struct {
	Name          string
	Pin           string
	Kind          ConnectionKind
	RequiredState string
}

// Ref returns the edge as an identity; Version is empty for unpinned edges.
func (e Edge) Ref() Identity {
	return Identity{Name: e.Name, Version: e.Pin}
}

// ExternalParameter is the reserved input source meaning "supplied by the
// caller at run invocation", as opposed to a dependency node's output.
const ExternalParameter = "external_parameter"

// InputPort declares one named, typed input of a node and where its value
// comes from: ExternalParameter, the logical name of a dependency node, or an
// opaque external system / memory region reference ("system://...",
// "memory://...").
type InputPort struct {
	Name    string
	TypeRef string
	Source  string
}

// OutputPort declares one named, typed output of a node. ConfidenceMetric
// optionally names the handler metric expressing how trustworthy this output
// is; that metric is the primary substrate for adaptation.
type OutputPort struct {
	Name             string
	TypeRef          string
	Meaning          string
	ConfidenceMetric string
}

// LogicKind selects which handler capability executes a node.
type LogicKind string

const (
	AlgorithmRef LogicKind = "Algorithm_Ref"
	ModelRef     LogicKind = "Model_Ref"
	SubgraphRef  LogicKind = "Subgraph_Ref"
	IntentRef    LogicKind = "Intent_Ref"
	ExternalCall LogicKind = "External_Call"
)

// ExecutionLogic identifies the concrete unit a node invokes. For
// SubgraphRef the reference names a logical node whose transitive closure is
// executed as a nested plan; for every other kind it keys into the handler
// registry. Fixed at authoring time; adaptation produces a new node version
// rather than mutating it in place.
type ExecutionLogic struct {
	Kind      LogicKind
	Reference string
	Params    map[string]cty.Value
}

// StateKind classifies how a node manages state across executions.
type StateKind string

const (
	Ephemeral  StateKind = "Ephemeral"
	Stateful   StateKind = "Stateful"
	Contextual StateKind = "Contextual"
)

// StateManagement describes a node's state discipline. Stateful and
// Contextual nodes must carry a memory reference and persistence scope.
type StateManagement struct {
	Kind             StateKind
	MemoryRef        string
	PersistenceScope string
}

// Observability configures what a node reports while executing.
type Observability struct {
	Metrics          []string
	LogLevel         string
	TracePropagation bool
}

// AccessLevel gates who may trigger a node's execution.
type AccessLevel string

const (
	Public     AccessLevel = "Public"
	Internal   AccessLevel = "Internal"
	Restricted AccessLevel = "Restricted"
	Private    AccessLevel = "Private"
)

// SecurityPolicy is a node's authorization surface. For Restricted and
// Private nodes the orchestrator rejects callers outside AuthorizedAgents.
type SecurityPolicy struct {
	AccessLevel      AccessLevel
	AuthorizedAgents []string
}

// Provenance records who created a node version and why. DerivedFrom links
// an adapted version back to its immediate predecessor.
type Provenance struct {
	Author      string
	CreatedAt   time.Time
	Rationale   string
	DerivedFrom *Identity
}

// Definition is one immutable node version. Identity (Name, Version) is
// globally unique.
type Definition struct {
	Name         string
	Version      string
	Purpose      string
	SemanticType string

	DependsOn []Edge
	Inputs    []InputPort
	Outputs   []OutputPort

	Logic      ExecutionLogic
	State      StateManagement
	Resilience []ResilienceRule
	Observe    Observability
	Adaptation *AdaptationStrategy
	Security   SecurityPolicy

	Deprecated  bool
	Replacement *Identity

	Provenance Provenance
}

// Identity returns the definition's unique key.
func (d *Definition) Identity() Identity {
	return Identity{Name: d.Name, Version: d.Version}
}

// Edge returns the dependency edge targeting the given logical name, if any.
func (d *Definition) Edge(name string) (Edge, bool) {
	for _, e := range d.DependsOn {
		if e.Name == name {
			return e, true
		}
	}
	return Edge{}, false
}

// Clone returns a deep copy of the definition. Adaptation clones the source
// version before applying a change, so the original stays untouched.
func (d *Definition) Clone() *Definition {
	out := *d
	out.DependsOn = append([]Edge(nil), d.DependsOn...)
	out.Inputs = append([]InputPort(nil), d.Inputs...)
	out.Outputs = append([]OutputPort(nil), d.Outputs...)
	out.Resilience = append([]ResilienceRule(nil), d.Resilience...)
	out.Observe.Metrics = append([]string(nil), d.Observe.Metrics...)
	out.Security.AuthorizedAgents = append([]string(nil), d.Security.AuthorizedAgents...)
	if d.Logic.Params != nil {
		params := make(map[string]cty.Value, len(d.Logic.Params))
		for k, v := range d.Logic.Params {
			params[k] = v
		}
		out.Logic.Params = params
	}
	if d.Adaptation != nil {
		strat := *d.Adaptation
		if d.Adaptation.MethodParams != nil {
			mp := make(map[string]cty.Value, len(d.Adaptation.MethodParams))
			for k, v := range d.Adaptation.MethodParams {
				mp[k] = v
			}
			strat.MethodParams = mp
		}
		out.Adaptation = &strat
	}
	if d.Replacement != nil {
		rep := *d.Replacement
		out.Replacement = &rep
	}
	if d.Provenance.DerivedFrom != nil {
		from := *d.Provenance.DerivedFrom
		out.Provenance.DerivedFrom = &from
	}
	return &out
}
