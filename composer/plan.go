// SPDX-License-Identifier: MIT
//
// This file defines the execution plan: a version-resolved, topologically
// ordered, read-only snapshot of the graph. Plans are recomputed from the
// registry on every composition and never mutated during a run.
package composer

import "github.com/vk/morphgrid/model"

// ResolvedNode is one node of a plan with every dependency edge resolved to
// a concrete identity.
type ResolvedNode struct {
	Def *model.Definition
	// Deps holds the resolved identity for each entry of Def.DependsOn, in
	// declaration order.
	Deps []model.Identity
	// InputSources maps each dependency-sourced input port to the resolved
	// identity of the node producing it. External-parameter and opaque
	// sources do not appear here.
	InputSources map[string]model.Identity
}

// Plan is a topologically ordered sequence of resolved node identities:
// every dependency precedes its dependents, and identical input always
// yields identical ordering.
type Plan struct {
	Order      []model.Identity
	Nodes      map[string]*ResolvedNode
	dependents map[string][]model.Identity
}

// Node returns the resolved node for an identity, or nil.
func (p *Plan) Node(id model.Identity) *ResolvedNode {
	return p.Nodes[id.String()]
}

// DependentsOf returns the plan nodes that directly depend on id, in
// deterministic order.
func (p *Plan) DependentsOf(id model.Identity) []model.Identity {
	return p.dependents[id.String()]
}

// Terminal returns the plan's terminal nodes (those nothing depends on),
// whose outputs form the run's final result.
func (p *Plan) Terminal() []model.Identity {
	var out []model.Identity
	for _, id := range p.Order {
		if len(p.dependents[id.String()]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of nodes in the plan.
func (p *Plan) Len() int { return len(p.Order) }
