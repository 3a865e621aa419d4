// SPDX-License-Identifier: MIT
//
// Package composer resolves dependency edges across the registry into a
// directed acyclic graph and produces a topologically ordered execution
// plan. Composition is a pure function of the registry snapshot and the
// target set: it has no side effects and must be re-run after every
// adaptation write, since new versions change resolution results.
package composer

import (
	"context"
	"sort"
	"strings"

	"github.com/vk/morphgrid/ctxlog"
	"github.com/vk/morphgrid/model"
	"github.com/vk/morphgrid/registry"
)

// Composer builds execution plans from a node registry and the process-wide
// handler registry.
type Composer struct {
	reg      *registry.Registry
	handlers *registry.Handlers
}

// New creates a composer over the given registries.
func New(reg *registry.Registry, handlers *registry.Handlers) *Composer {
	return &Composer{reg: reg, handlers: handlers}
}

// Compose produces an execution plan for the given targets, each "name" or
// "name@version". With no targets, every logical name in the registry
// participates at its resolved latest version. Compose fails without
// returning a partial plan.
func (c *Composer) Compose(ctx context.Context, targets ...string) (*Plan, error) {
	logger := ctxlog.FromContext(ctx)

	roots, pins, err := c.resolveRoots(targets)
	if err != nil {
		return nil, err
	}
	logger.Debug("Compose: roots resolved.", "count", len(roots))

	nodes, err := c.resolveClosure(roots, pins)
	if err != nil {
		return nil, err
	}
	logger.Debug("Compose: dependency closure resolved.", "node_count", len(nodes))

	if err := c.checkHandlers(nodes); err != nil {
		return nil, err
	}
	if err := detectCycle(nodes); err != nil {
		return nil, err
	}
	order := topoOrder(nodes)
	if err := validateInputs(nodes); err != nil {
		return nil, err
	}

	plan := &Plan{
		Order:      order,
		Nodes:      nodes,
		dependents: dependentsIndex(nodes),
	}
	logger.Debug("Compose: plan ready.", "plan_length", plan.Len())
	return plan, nil
}

// resolveRoots turns targets into root references and seeds the pin table
// with the explicitly pinned ones. Unpinned roots stay unresolved here so
// pins found anywhere in the closure apply to them too.
func (c *Composer) resolveRoots(targets []string) ([]model.Identity, map[string]model.Identity, error) {
	pins := make(map[string]model.Identity)
	if len(targets) == 0 {
		names := c.reg.Names()
		if len(names) == 0 {
			return nil, nil, model.E(model.ErrUnresolvedDependency, "registry holds no nodes to compose")
		}
		roots := make([]model.Identity, 0, len(names))
		for _, name := range names {
			roots = append(roots, model.Identity{Name: name})
		}
		return roots, pins, nil
	}

	roots := make([]model.Identity, 0, len(targets))
	for _, target := range targets {
		ref, err := model.ParseRef(target)
		if err != nil {
			return nil, nil, model.E(model.ErrUnresolvedDependency, "target %q: %v", target, err)
		}
		if ref.Version != "" {
			if prev, ok := pins[ref.Name]; ok && prev != ref {
				return nil, nil, model.E(model.ErrUnresolvedDependency,
					"conflicting pins for node %q: %s and %s", ref.Name, prev.Version, ref.Version)
			}
			pins[ref.Name] = ref
		}
		roots = append(roots, ref)
	}
	return roots, pins, nil
}

// resolveRef resolves a reference to a concrete identity: exact match for
// pins, latest-valid-version policy for unpinned names.
func (c *Composer) resolveRef(ref model.Identity) (model.Identity, error) {
	if ref.Version != "" {
		if _, ok := c.reg.Exact(ref); !ok {
			return model.Identity{}, model.E(model.ErrUnresolvedDependency, "no node %s in registry", ref)
		}
		return ref, nil
	}
	def, ok := c.reg.Latest(ref.Name)
	if !ok {
		return model.Identity{}, model.E(model.ErrUnresolvedDependency, "no versions of node %q in registry", ref.Name)
	}
	return def.Identity(), nil
}

// resolveClosure walks the dependency edges outward from the roots. A plan
// holds one concrete version per logical name: a pin anywhere in the closure
// wins over latest-version resolution, and two different pins for the same
// name reject the composition. Discovering a pin mid-walk restarts the walk
// so nodes admitted before the pin was seen resolve against it too.
func (c *Composer) resolveClosure(roots []model.Identity, pins map[string]model.Identity) (map[string]*ResolvedNode, error) {
	for {
		nodes, grew, err := c.walkClosure(roots, pins)
		if err != nil {
			return nil, err
		}
		if !grew {
			return nodes, nil
		}
	}
}

func (c *Composer) walkClosure(roots []model.Identity, pins map[string]model.Identity) (map[string]*ResolvedNode, bool, error) {
	nodes := make(map[string]*ResolvedNode)
	grew := false

	resolve := func(ref model.Identity) (model.Identity, error) {
		if ref.Version == "" {
			if pinned, ok := pins[ref.Name]; ok {
				ref = pinned
			} else {
				def, ok := c.reg.Latest(ref.Name)
				if !ok {
					return model.Identity{}, model.E(model.ErrUnresolvedDependency,
						"no versions of node %q in registry", ref.Name)
				}
				return def.Identity(), nil
			}
		}
		if _, ok := c.reg.Exact(ref); !ok {
			return model.Identity{}, model.E(model.ErrUnresolvedDependency, "no node %s in registry", ref)
		}
		return ref, nil
	}

	queue := make([]model.Identity, 0, len(roots))
	for _, root := range roots {
		id, err := resolve(root)
		if err != nil {
			return nil, false, err
		}
		queue = append(queue, id)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := nodes[id.String()]; seen {
			continue
		}

		def, ok := c.reg.Exact(id)
		if !ok {
			return nil, false, model.E(model.ErrUnresolvedDependency, "no node %s in registry", id)
		}
		rn := &ResolvedNode{Def: def, InputSources: make(map[string]model.Identity)}
		for _, edge := range def.DependsOn {
			if edge.Pin != "" {
				want := model.Identity{Name: edge.Name, Version: edge.Pin}
				if prev, pinned := pins[edge.Name]; pinned && prev != want {
					return nil, false, model.E(model.ErrUnresolvedDependency,
						"node %s: conflicting pins for node %q: %s and %s",
						id, edge.Name, prev.Version, want.Version)
				} else if !pinned {
					pins[edge.Name] = want
					grew = true
				}
			}
			dep, err := resolve(edge.Ref())
			if err != nil {
				return nil, false, model.E(model.ErrUnresolvedDependency,
					"node %s: dependency %q: %v", id, edge.Name, err)
			}
			rn.Deps = append(rn.Deps, dep)
			queue = append(queue, dep)
		}
		nodes[id.String()] = rn

		// Fallback and compensation targets must exist in the registry too,
		// so a policy action cannot dangle at execution time.
		for _, rule := range def.Resilience {
			for _, target := range []string{rule.Params.FallbackNode, rule.Params.CompensationNode} {
				if target == "" {
					continue
				}
				ref, err := model.ParseRef(target)
				if err != nil {
					return nil, false, model.E(model.ErrUnresolvedDependency, "node %s: resilience target %q: %v", id, target, err)
				}
				if _, err := c.resolveRef(ref); err != nil {
					return nil, false, model.E(model.ErrUnresolvedDependency, "node %s: resilience target %q not in registry", id, target)
				}
			}
		}
	}
	return nodes, grew, nil
}

// checkHandlers rejects unknown execution-logic references at composition
// time. Subgraph references name a logical node instead of a handler.
func (c *Composer) checkHandlers(nodes map[string]*ResolvedNode) error {
	for _, key := range sortedKeys(nodes) {
		def := nodes[key].Def
		if def.Logic.Kind == model.SubgraphRef {
			if _, ok := c.reg.Latest(def.Logic.Reference); !ok {
				return model.E(model.ErrUnresolvedHandler,
					"node %s: subgraph reference %q names no registry node", def.Identity(), def.Logic.Reference)
			}
			continue
		}
		if _, ok := c.handlers.Resolve(def.Logic.Reference); !ok {
			return model.E(model.ErrUnresolvedHandler,
				"node %s: no handler registered for reference %q", def.Identity(), def.Logic.Reference)
		}
	}
	return nil
}

// detectCycle runs a depth-first traversal with a recursion-stack marker and
// reports the cycle's node sequence when one exists.
func detectCycle(nodes map[string]*ResolvedNode) error {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(nodes))
	var stack []string

	var visit func(key string) error
	visit = func(key string) error {
		switch state[key] {
		case done:
			return nil
		case inStack:
			start := 0
			for i, k := range stack {
				if k == key {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), stack[start:]...), key)
			return model.E(model.ErrCyclicDependency, "dependency cycle: %s", strings.Join(cycle, " -> "))
		}

		state[key] = inStack
		stack = append(stack, key)
		for _, dep := range nodes[key].Deps {
			if err := visit(dep.String()); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[key] = done
		return nil
	}

	for _, key := range sortedKeys(nodes) {
		if err := visit(key); err != nil {
			return err
		}
	}
	return nil
}

// topoOrder produces the plan ordering with Kahn's algorithm, breaking ties
// by logical name then version so identical input always yields identical
// ordering. Callers must have run detectCycle first.
func topoOrder(nodes map[string]*ResolvedNode) []model.Identity {
	indegree := make(map[string]int, len(nodes))
	dependents := dependentsIndex(nodes)
	for key, rn := range nodes {
		indegree[key] = len(rn.Deps)
	}

	var ready []model.Identity
	for _, key := range sortedKeys(nodes) {
		if indegree[key] == 0 {
			ready = append(ready, nodes[key].Def.Identity())
		}
	}

	order := make([]model.Identity, 0, len(nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].Less(ready[j]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dep := range dependents[next.String()] {
			indegree[dep.String()]--
			if indegree[dep.String()] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return order
}

// validateInputs checks that every dependency-sourced input is actually
// produced by the resolved version of its source node, and fills in each
// node's input-source index.
func validateInputs(nodes map[string]*ResolvedNode) error {
	for _, key := range sortedKeys(nodes) {
		rn := nodes[key]
		for _, in := range rn.Def.Inputs {
			if in.Source == model.ExternalParameter || model.IsOpaqueSource(in.Source) {
				continue
			}
			var source model.Identity
			for i, edge := range rn.Def.DependsOn {
				if edge.Name == in.Source {
					source = rn.Deps[i]
					break
				}
			}
			if source.IsZero() {
				return model.E(model.ErrUnsatisfiedInput,
					"node %s: input %q names source %q outside the dependency set", rn.Def.Identity(), in.Name, in.Source)
			}
			producer := nodes[source.String()]
			if !producesOutput(producer.Def, in.Name) {
				return model.E(model.ErrUnsatisfiedInput,
					"node %s: input %q is not produced by %s (outputs: %s)",
					rn.Def.Identity(), in.Name, source, outputNames(producer.Def))
			}
			rn.InputSources[in.Name] = source
		}
	}
	return nil
}

func producesOutput(def *model.Definition, name string) bool {
	for _, out := range def.Outputs {
		if out.Name == name {
			return true
		}
	}
	return false
}

func outputNames(def *model.Definition) string {
	names := make([]string, 0, len(def.Outputs))
	for _, out := range def.Outputs {
		names = append(names, out.Name)
	}
	return strings.Join(names, ", ")
}

func dependentsIndex(nodes map[string]*ResolvedNode) map[string][]model.Identity {
	index := make(map[string][]model.Identity, len(nodes))
	for _, key := range sortedKeys(nodes) {
		rn := nodes[key]
		for _, dep := range rn.Deps {
			index[dep.String()] = append(index[dep.String()], rn.Def.Identity())
		}
	}
	return index
}

func sortedKeys(nodes map[string]*ResolvedNode) []string {
	keys := make([]string, 0, len(nodes))
	for key := range nodes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
