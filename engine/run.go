// SPDX-License-Identifier: MIT
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zclconf/go-cty/cty"
	"golang.org/x/sync/errgroup"

	"github.com/vk/morphgrid/composer"
	"github.com/vk/morphgrid/ctxlog"
	"github.com/vk/morphgrid/model"
	"github.com/vk/morphgrid/trace"
)

// run holds the mutable state of one plan execution. Workers pull unlocked
// node identities off the ready channel; a node is settled exactly once, and
// settling a non-success node cascades a skip through its dependents.
type run struct {
	engine *Engine
	plan   *composer.Plan
	opts   Options
	tracer *trace.Tracer
	depth  int
	cancel context.CancelFunc

	halted  atomic.Bool
	failed  atomic.Bool
	haltMu  sync.Mutex

	mu      sync.Mutex
	results map[string]*NodeResult
	outputs map[string]map[string]cty.Value

	depCount map[string]*atomic.Int32
	settled  map[string]*sync.Once
	wg       sync.WaitGroup
	ready    chan model.Identity

	// inputOverride short-circuits input gathering for single-node execution.
	inputOverride map[string]cty.Value
}

func newRun(e *Engine, tracer *trace.Tracer, plan *composer.Plan, opts Options, depth int) *run {
	r := &run{
		engine:   e,
		plan:     plan,
		opts:     opts,
		tracer:   tracer,
		depth:    depth,
		results:  make(map[string]*NodeResult, plan.Len()),
		outputs:  make(map[string]map[string]cty.Value, plan.Len()),
		depCount: make(map[string]*atomic.Int32, plan.Len()),
		settled:  make(map[string]*sync.Once, plan.Len()),
		ready:    make(chan model.Identity, plan.Len()),
	}
	for _, id := range plan.Order {
		key := id.String()
		r.results[key] = &NodeResult{Node: id, Status: Pending}
		count := &atomic.Int32{}
		count.Store(int32(len(plan.Node(id).Deps)))
		r.depCount[key] = count
		r.settled[key] = &sync.Once{}
	}
	return r
}

func (e *Engine) executePlan(ctx context.Context, tracer *trace.Tracer, plan *composer.Plan, opts Options, depth int) (*Result, error) {
	if plan.Len() == 0 {
		return nil, model.E(model.ErrUnresolvedDependency, "cannot execute an empty plan")
	}
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Run starting.", "plan_length", plan.Len(), "workers", opts.Concurrency, "depth", depth)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := newRun(e, tracer, plan, opts, depth)
	r.cancel = cancel
	r.wg.Add(plan.Len())

	// Zero-dependency nodes seed the pool in plan order.
	for _, id := range plan.Order {
		if r.depCount[id.String()].Load() == 0 {
			r.ready <- id
		}
	}
	go func() {
		r.wg.Wait()
		close(r.ready)
	}()

	var g errgroup.Group
	for i := 0; i < opts.Concurrency; i++ {
		workerID := i
		g.Go(func() error {
			r.worker(runCtx, workerID)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		r.failed.Store(true)
	}
	return r.collect(), nil
}

func (r *run) worker(ctx context.Context, workerID int) {
	logger := ctxlog.FromContext(ctx).With("worker_id", workerID)
	logger.Debug("Worker started.")
	for id := range r.ready {
		switch {
		case r.halted.Load():
			r.settle(id, &NodeResult{
				Node:   id,
				Status: Skipped,
				Err:    model.E(model.ErrExecution, "run halted before node started"),
			})
		case ctx.Err() != nil:
			r.settle(id, &NodeResult{Node: id, Status: Cancelled, Err: ctx.Err()})
		default:
			r.runNode(ctxlog.With(ctx, "node", id.String()), id)
		}
	}
	logger.Debug("Worker finished.")
}

// settle records a node's terminal result exactly once. Success-equivalent
// outcomes publish outputs and unlock dependents; anything else skips the
// dependent subtree.
func (r *run) settle(id model.Identity, res *NodeResult) {
	key := id.String()
	r.settled[key].Do(func() {
		r.mu.Lock()
		r.results[key] = res
		if res.Status.SuccessEquivalent() && res.Outputs != nil {
			r.outputs[key] = res.Outputs
		}
		r.mu.Unlock()

		payload := map[string]any{"status": string(res.Status)}
		if res.Action != "" {
			payload["action"] = string(res.Action)
		}
		if res.Err != nil {
			payload["error_kind"] = string(res.ErrKind())
		}
		r.tracer.Record(trace.End, id, payload)

		if res.Status.SuccessEquivalent() {
			r.unlockDependents(id)
		} else {
			r.skipDependents(id, res.Status)
		}
		r.wg.Done()
	})
}

func (r *run) unlockDependents(id model.Identity) {
	for _, dep := range r.plan.DependentsOf(id) {
		if r.depCount[dep.String()].Add(-1) == 0 {
			r.ready <- dep
		}
	}
}

// skipDependents cascades: a dependent of a skipped node is itself skipped.
func (r *run) skipDependents(id model.Identity, cause Status) {
	for _, dep := range r.plan.DependentsOf(id) {
		r.settle(dep, &NodeResult{
			Node:   dep,
			Status: Skipped,
			Err:    model.E(model.ErrExecution, "dependency %s finished with status %s", id, cause),
		})
	}
}

// abort marks the run failed, cancels in-flight nodes, and settles every
// still-pending node as Skipped so the run drains promptly.
func (r *run) abort(reason string) {
	r.haltMu.Lock()
	defer r.haltMu.Unlock()
	if r.halted.Swap(true) {
		return
	}
	r.failed.Store(true)
	if r.cancel != nil {
		r.cancel()
	}
	for _, id := range r.plan.Order {
		if r.statusOf(id) == Pending {
			r.settle(id, &NodeResult{
				Node:   id,
				Status: Skipped,
				Err:    model.E(model.ErrExecution, "run aborted: %s", reason),
			})
		}
	}
}

func (r *run) statusOf(id model.Identity) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[id.String()].Status
}

func (r *run) setStatus(id model.Identity, s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[id.String()].Status = s
}

func (r *run) resultOf(id model.Identity) *NodeResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[id.String()]
}

func (r *run) outputsOf(id model.Identity) (map[string]cty.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.outputs[id.String()]
	return out, ok
}

func (r *run) collect() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := &Result{
		RunID:  r.tracer.RunID(),
		Failed: r.failed.Load(),
		Nodes:  make(map[string]*NodeResult, len(r.results)),
		Final:  make(map[string]map[string]cty.Value),
	}
	for key, res := range r.results {
		result.Nodes[key] = res
	}
	for _, id := range r.plan.Terminal() {
		if res := r.results[id.String()]; res.Status.SuccessEquivalent() {
			result.Final[id.String()] = res.Outputs
		}
	}
	return result
}

// gatherInputs assembles the node's input map from external parameters,
// opaque sources, and published dependency outputs.
func (r *run) gatherInputs(rn *composer.ResolvedNode) (map[string]cty.Value, error) {
	if r.inputOverride != nil {
		return r.inputOverride, nil
	}
	id := rn.Def.Identity()
	inputs := make(map[string]cty.Value, len(rn.Def.Inputs))
	for _, in := range rn.Def.Inputs {
		switch {
		case in.Source == model.ExternalParameter:
			v, ok := r.opts.Params[in.Name]
			if !ok {
				return nil, model.NodeErr(model.ErrInputValidation, id,
					fmt.Errorf("external parameter %q not supplied", in.Name))
			}
			inputs[in.Name] = v
		case model.IsOpaqueSource(in.Source):
			if v, ok := r.opts.Params[in.Source]; ok {
				inputs[in.Name] = v
			} else {
				inputs[in.Name] = cty.NullVal(cty.DynamicPseudoType)
			}
		default:
			source, ok := rn.InputSources[in.Name]
			if !ok {
				return nil, model.NodeErr(model.ErrInputValidation, id,
					fmt.Errorf("input %q has no resolved source", in.Name))
			}
			produced, ok := r.outputsOf(source)
			if !ok {
				return nil, model.NodeErr(model.ErrInputValidation, id,
					fmt.Errorf("dependency %s published no outputs", source))
			}
			v, ok := produced[in.Name]
			if !ok {
				return nil, model.NodeErr(model.ErrInputValidation, id,
					fmt.Errorf("dependency %s produced no output %q", source, in.Name))
			}
			inputs[in.Name] = v
		}
	}
	return inputs, nil
}
