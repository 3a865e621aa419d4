// SPDX-License-Identifier: MIT
//
// Definition-level invariant checks. A schema layer upstream rejects
// malformed documents; Validate enforces the semantic invariants the schema
// cannot express.
package model

import (
	"fmt"
	"strings"

	"github.com/vk/morphgrid/version"
)

var logicKinds = map[LogicKind]bool{
	AlgorithmRef: true,
	ModelRef:     true,
	SubgraphRef:  true,
	IntentRef:    true,
	ExternalCall: true,
}

var actions = map[Action]bool{
	Retry:      true,
	Fallback:   true,
	Alert:      true,
	Isolate:    true,
	Compensate: true,
	Halt:       true,
}

// Validate checks the definition's internal invariants. It does not resolve
// references against a registry; the composer does that.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("node has no logical name")
	}
	if !version.IsValid(d.Version) {
		return fmt.Errorf("node %q: version %q is not strict major.minor.patch", d.Name, d.Version)
	}

	if !logicKinds[d.Logic.Kind] {
		return fmt.Errorf("node %s: unknown execution logic kind %q", d.Identity(), d.Logic.Kind)
	}
	if d.Logic.Reference == "" {
		return fmt.Errorf("node %s: execution logic has no reference", d.Identity())
	}

	if len(d.Resilience) == 0 {
		return fmt.Errorf("node %s: resilience rules must be non-empty", d.Identity())
	}
	for i, rule := range d.Resilience {
		if !actions[rule.Action] {
			return fmt.Errorf("node %s: resilience rule %d has unknown action %q", d.Identity(), i, rule.Action)
		}
		if _, err := ParseCondition(rule.Condition); err != nil {
			return fmt.Errorf("node %s: resilience rule %d: %w", d.Identity(), i, err)
		}
		if rule.Action == Fallback && rule.Params.FallbackNode == "" {
			return fmt.Errorf("node %s: resilience rule %d: Fallback requires a fallback node reference", d.Identity(), i)
		}
		if rule.Action == Compensate && rule.Params.CompensationNode == "" {
			return fmt.Errorf("node %s: resilience rule %d: Compensate requires a compensation node reference", d.Identity(), i)
		}
	}

	if d.Deprecated && d.Replacement == nil {
		return fmt.Errorf("node %s: deprecated nodes must carry a replacement reference", d.Identity())
	}
	if d.State.Kind == Stateful || d.State.Kind == Contextual {
		if d.State.MemoryRef == "" || d.State.PersistenceScope == "" {
			return fmt.Errorf("node %s: %s state requires a memory reference and persistence scope", d.Identity(), d.State.Kind)
		}
	}

	if err := d.validateEdges(); err != nil {
		return err
	}
	return d.validatePorts()
}

func (d *Definition) validateEdges() error {
	seen := make(map[string]bool, len(d.DependsOn))
	for _, e := range d.DependsOn {
		if e.Name == "" {
			return fmt.Errorf("node %s: dependency edge has no node reference", d.Identity())
		}
		if e.Name == d.Name {
			return fmt.Errorf("node %s: self-referential dependency not allowed", d.Identity())
		}
		if seen[e.Name] {
			return fmt.Errorf("node %s: duplicate dependency on %q", d.Identity(), e.Name)
		}
		seen[e.Name] = true
		if e.Pin != "" && !version.IsValid(e.Pin) {
			return fmt.Errorf("node %s: dependency %q has invalid version pin %q", d.Identity(), e.Name, e.Pin)
		}
		switch e.Kind {
		case DataFlow, ControlFlow, Context, "":
		default:
			return fmt.Errorf("node %s: dependency %q has unknown connection kind %q", d.Identity(), e.Name, e.Kind)
		}
	}
	return nil
}

// validatePorts checks port name uniqueness and that every input source is
// either the external-parameter marker, a declared dependency, or an opaque
// system/memory reference.
func (d *Definition) validatePorts() error {
	inNames := make(map[string]bool, len(d.Inputs))
	for _, in := range d.Inputs {
		if in.Name == "" {
			return fmt.Errorf("node %s: input port with empty name", d.Identity())
		}
		if inNames[in.Name] {
			return fmt.Errorf("node %s: duplicate input port %q", d.Identity(), in.Name)
		}
		inNames[in.Name] = true

		if in.Source == "" {
			return fmt.Errorf("node %s: input %q declares no source", d.Identity(), in.Name)
		}
		if in.Source == ExternalParameter || IsOpaqueSource(in.Source) {
			continue
		}
		if _, ok := d.Edge(in.Source); !ok {
			return fmt.Errorf("node %s: input %q names source %q which is not in the dependency set", d.Identity(), in.Name, in.Source)
		}
	}

	outNames := make(map[string]bool, len(d.Outputs))
	for _, out := range d.Outputs {
		if out.Name == "" {
			return fmt.Errorf("node %s: output port with empty name", d.Identity())
		}
		if outNames[out.Name] {
			return fmt.Errorf("node %s: duplicate output port %q", d.Identity(), out.Name)
		}
		outNames[out.Name] = true
	}
	return nil
}

// IsOpaqueSource reports whether an input source references an external
// system or memory region, which the graph treats as opaque.
func IsOpaqueSource(source string) bool {
	return strings.HasPrefix(source, "memory://") || strings.HasPrefix(source, "system://")
}
