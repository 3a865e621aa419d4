// SPDX-License-Identifier: MIT
//
// Package engine walks a resolved execution plan, dispatches each node to
// its execution-logic handler, applies the node's resilience policy around
// each attempt, and emits trace events throughout. Nodes with no dependency
// relationship execute concurrently on a worker pool; dependents only ever
// observe outputs of nodes that reached a success-equivalent status.
package engine

import (
	"context"
	"runtime"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/morphgrid/composer"
	"github.com/vk/morphgrid/ctxlog"
	"github.com/vk/morphgrid/model"
	"github.com/vk/morphgrid/registry"
	"github.com/vk/morphgrid/trace"
)

// Status is a node's lifecycle state within one run.
type Status string

const (
	Pending    Status = "Pending"
	Running    Status = "Running"
	Succeeded  Status = "Succeeded"
	Failed     Status = "Failed"
	FallenBack Status = "FallenBack"
	Isolated   Status = "Isolated"
	Halted     Status = "Halted"
	Skipped    Status = "Skipped"
	Cancelled  Status = "Cancelled"
)

// SuccessEquivalent reports whether a status makes the node's outputs
// visible to dependents.
func (s Status) SuccessEquivalent() bool {
	return s == Succeeded || s == FallenBack
}

// Terminal reports whether the status is final for the run.
func (s Status) Terminal() bool {
	switch s {
	case Pending, Running:
		return false
	}
	return true
}

// NodeResult is one node's terminal outcome: status, outputs, reported
// metrics, the original error kind for failures, and the resilience action
// taken, if any.
type NodeResult struct {
	Node     model.Identity
	Status   Status
	Outputs  map[string]cty.Value
	Metrics  map[string]float64
	Err      error
	Action   model.Action
	Attempts int
	Duration time.Duration
}

// ErrKind returns the classified kind of the node's error, or "" on success.
func (nr *NodeResult) ErrKind() model.ErrKind {
	if nr.Err == nil {
		return ""
	}
	return model.KindOf(nr.Err)
}

// Result is the outcome of one plan execution. Every node's terminal status
// is enumerated; degraded outcomes (Isolate, Fallback) are reported here,
// never silently swallowed.
type Result struct {
	RunID  string
	Failed bool
	Nodes  map[string]*NodeResult
	// Final holds the outputs of the plan's terminal nodes that reached a
	// success-equivalent status, keyed by identity string.
	Final map[string]map[string]cty.Value
}

// Hooks lets an overseer intervene around node execution. BeforeNode errors
// are routed through the node's resilience rules exactly like execution
// failures; AfterNode observes every success-equivalent outcome.
type Hooks interface {
	BeforeNode(ctx context.Context, rn *composer.ResolvedNode) error
	AfterNode(ctx context.Context, rn *composer.ResolvedNode, res *NodeResult)
}

// Options configures one plan execution.
type Options struct {
	// Concurrency caps the worker pool. Zero means GOMAXPROCS.
	Concurrency int
	// NodeTimeout bounds a single handler dispatch. Zero disables the bound.
	NodeTimeout time.Duration
	// MaxSubgraphDepth caps Subgraph_Ref nesting. Zero means 4.
	MaxSubgraphDepth int
	// Params supplies external-parameter inputs and opaque source values,
	// keyed by port name or source reference.
	Params map[string]cty.Value
	// Hooks is optional oversight; nil runs the plan unattended.
	Hooks Hooks
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = runtime.GOMAXPROCS(0)
	}
	if o.MaxSubgraphDepth <= 0 {
		o.MaxSubgraphDepth = 4
	}
	return o
}

// Engine executes resolved plans against a registry and handler set.
type Engine struct {
	reg      *registry.Registry
	handlers *registry.Handlers
	comp     *composer.Composer
}

// New creates an engine. The composer is used for Subgraph_Ref recursion.
func New(reg *registry.Registry, handlers *registry.Handlers) *Engine {
	return &Engine{reg: reg, handlers: handlers, comp: composer.New(reg, handlers)}
}

// Execute runs one plan end-to-end, emitting trace events to the given
// tracer. The returned error covers invariant violations only; node-level
// failures are reported through the Result.
func (e *Engine) Execute(ctx context.Context, tracer *trace.Tracer, plan *composer.Plan, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	planIDs := make([]string, 0, plan.Len())
	for _, id := range plan.Order {
		planIDs = append(planIDs, id.String())
	}
	tracer.Record(trace.Start, model.Identity{}, map[string]any{
		"plan":        planIDs,
		"plan_length": plan.Len(),
	})

	result, err := e.executePlan(ctx, tracer, plan, opts, 0)
	if err != nil {
		return nil, err
	}

	status := "Succeeded"
	if result.Failed {
		status = "Failed"
	}
	tracer.Record(trace.End, model.Identity{}, map[string]any{"status": status})
	return result, nil
}

// ExecuteNode runs a single resolved node with caller-supplied inputs,
// outside any plan. Resilience rules and tracing apply as in a plan run.
func (e *Engine) ExecuteNode(ctx context.Context, tracer *trace.Tracer, rn *composer.ResolvedNode, inputs map[string]cty.Value, opts Options) *NodeResult {
	opts = opts.withDefaults()
	id := rn.Def.Identity()
	plan := &composer.Plan{
		Order: []model.Identity{id},
		Nodes: map[string]*composer.ResolvedNode{id.String(): rn},
	}

	r := newRun(e, tracer, plan, opts, 0)
	r.inputOverride = inputs
	r.wg.Add(1)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel
	r.runNode(ctxlog.With(runCtx, "node", id.String()), id)
	return r.resultOf(id)
}
