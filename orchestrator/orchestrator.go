// SPDX-License-Identifier: MIT
//
// Package orchestrator is the oversight layer around plan execution. It
// gates node starts on authorization and dependency freshness, keeps the
// per-node state record current, and hands completed executions to the
// adaptation layer for review. It composes with the engine through its
// hook interface rather than owning the run loop.
package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vk/morphgrid/composer"
	"github.com/vk/morphgrid/ctxlog"
	"github.com/vk/morphgrid/engine"
	"github.com/vk/morphgrid/model"
	"github.com/vk/morphgrid/trace"
)

// Adapter reviews a completed node execution and may derive a new node
// version from it. Review failures are logged and never affect the run.
type Adapter interface {
	Review(ctx context.Context, def *model.Definition, runID string, metrics map[string]float64, durationMs float64) (model.Identity, bool, error)
}

// Config sets the orchestrator's identity and behavior.
type Config struct {
	// Agent is the identity under which nodes are triggered. Restricted and
	// Private nodes authorize against this.
	Agent string
	// Adapter reviews completed nodes; nil disables adaptation entirely.
	Adapter Adapter
}

// Orchestrator implements engine.Hooks for one run.
type Orchestrator struct {
	cfg    Config
	states *StateStore
	tracer *trace.Tracer
	clock  func() time.Time
}

// New creates an orchestrator bound to a state store and a run's tracer.
func New(cfg Config, states *StateStore, tracer *trace.Tracer) *Orchestrator {
	return &Orchestrator{cfg: cfg, states: states, tracer: tracer, clock: time.Now}
}

var _ engine.Hooks = (*Orchestrator)(nil)

// BeforeNode denies unauthorized access and stale dependencies before the
// node's handler is ever invoked. Denials surface as classified errors that
// the engine routes through the node's resilience rules.
func (o *Orchestrator) BeforeNode(ctx context.Context, rn *composer.ResolvedNode) error {
	if err := o.authorize(rn.Def); err != nil {
		return err
	}
	return o.checkFreshness(rn.Def)
}

// AfterNode records the node's resulting state and, when the node declares
// an adaptation strategy, hands the execution to the adapter for review.
func (o *Orchestrator) AfterNode(ctx context.Context, rn *composer.ResolvedNode, res *engine.NodeResult) {
	logger := ctxlog.FromContext(ctx)
	def := rn.Def

	o.states.Set(def.Name, stateLabel(res.Status))

	if o.cfg.Adapter == nil || def.Adaptation == nil || !res.Status.SuccessEquivalent() {
		return
	}
	derived, adapted, err := o.cfg.Adapter.Review(ctx, def, o.tracer.RunID(), res.Metrics, float64(res.Duration.Milliseconds()))
	if err != nil {
		// Adaptation trouble never disturbs a completed run.
		logger.Warn("Adaptation review failed.", "node", def.Identity().String(), "error", err)
		o.tracer.Record(trace.Error, def.Identity(), map[string]any{
			"kind":    string(model.ErrAdaptation),
			"message": err.Error(),
		})
		return
	}
	if adapted {
		logger.Info("Node adapted.", "from", def.Identity().String(), "to", derived.String())
		o.tracer.Record(trace.Decision, def.Identity(), map[string]any{
			"action":  "Adapt",
			"derived": derived.String(),
		})
	}
}

func (o *Orchestrator) authorize(def *model.Definition) error {
	level := def.Security.AccessLevel
	if level != model.Restricted && level != model.Private {
		return nil
	}
	for _, agent := range def.Security.AuthorizedAgents {
		if agent == o.cfg.Agent {
			return nil
		}
	}
	return model.NodeErr(model.ErrAuthorization, def.Identity(),
		fmt.Errorf("agent %q is not authorized for %s node", o.cfg.Agent, level))
}

// checkFreshness evaluates every dependency edge's required-state condition
// against the state store.
func (o *Orchestrator) checkFreshness(def *model.Definition) error {
	for _, edge := range def.DependsOn {
		if edge.RequiredState == "" {
			continue
		}
		if err := o.checkCondition(edge); err != nil {
			return model.NodeErr(model.ErrStaleDependency, def.Identity(), err)
		}
	}
	return nil
}

// checkCondition evaluates one required-state expression, either a state
// label comparison ("state == ready") or an age bound in seconds
// ("age < 300").
func (o *Orchestrator) checkCondition(edge model.Edge) error {
	fields := strings.Fields(edge.RequiredState)
	if len(fields) != 3 {
		return fmt.Errorf("dependency %q: unparseable required state %q", edge.Name, edge.RequiredState)
	}
	subject, op, operand := fields[0], fields[1], fields[2]

	st, known := o.states.Get(edge.Name)
	switch subject {
	case "state":
		if !known {
			return fmt.Errorf("dependency %q has no recorded state, required %q", edge.Name, edge.RequiredState)
		}
		match := st.State == operand
		if (op == "==" && !match) || (op == "!=" && match) {
			return fmt.Errorf("dependency %q is %q, required %q", edge.Name, st.State, edge.RequiredState)
		}
		if op != "==" && op != "!=" {
			return fmt.Errorf("dependency %q: unsupported state operator %q", edge.Name, op)
		}
		return nil
	case "age":
		if !known {
			return fmt.Errorf("dependency %q has never run, required %q", edge.Name, edge.RequiredState)
		}
		limit, err := strconv.ParseFloat(operand, 64)
		if err != nil {
			return fmt.Errorf("dependency %q: bad age bound %q", edge.Name, operand)
		}
		age := o.clock().Sub(st.UpdatedAt).Seconds()
		ok := false
		switch op {
		case "<":
			ok = age < limit
		case "<=":
			ok = age <= limit
		default:
			return fmt.Errorf("dependency %q: unsupported age operator %q", edge.Name, op)
		}
		if !ok {
			return fmt.Errorf("dependency %q is %.0fs old, required %q", edge.Name, age, edge.RequiredState)
		}
		return nil
	default:
		return fmt.Errorf("dependency %q: unknown condition subject %q", edge.Name, subject)
	}
}

// stateLabel maps a terminal status onto the state record dependents check.
func stateLabel(s engine.Status) string {
	switch s {
	case engine.Succeeded, engine.FallenBack:
		return "ready"
	case engine.Isolated:
		return "isolated"
	default:
		return strings.ToLower(string(s))
	}
}
