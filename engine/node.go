// SPDX-License-Identifier: MIT
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/morphgrid/composer"
	"github.com/vk/morphgrid/ctxlog"
	"github.com/vk/morphgrid/model"
	"github.com/vk/morphgrid/policy"
	"github.com/vk/morphgrid/registry"
	"github.com/vk/morphgrid/trace"
)

const defaultMaxAttempts = 3

// runNode executes one node to a terminal status: dispatch, resilience
// evaluation, retries, and the trace record of everything that happened.
func (r *run) runNode(ctx context.Context, id model.Identity) {
	rn := r.plan.Node(id)
	def := rn.Def
	logger := ctxlog.FromContext(ctx)

	r.setStatus(id, Running)
	r.tracer.Record(trace.Start, id, map[string]any{"semantic_type": def.SemanticType})
	logger.Info("▶️ Node starting.", "purpose", def.Purpose)

	start := time.Now()
	res := &NodeResult{Node: id}
	rules := def.Resilience
	fromRule := 0
	retrySpent := false

	var inputs map[string]cty.Value
	for {
		res.Attempts++

		err := func() error {
			if h := r.opts.Hooks; h != nil {
				if err := h.BeforeNode(ctx, rn); err != nil {
					return classify(id, err)
				}
			}
			gathered, err := r.gatherInputs(rn)
			if err != nil {
				return err
			}
			inputs = gathered
			out, err := r.dispatch(ctx, rn, inputs)
			if err != nil {
				return err
			}
			res.Outputs = out.Outputs
			res.Metrics = out.Metrics
			return nil
		}()

		if err == nil {
			r.recordMetrics(id, res.Metrics)
			dec, raised, ok := policy.FirstMetricMatch(rules, res.Metrics, 0)
			if !ok {
				res.Status = Succeeded
				break
			}
			r.recordDecision(id, dec, raised)
			if dec.Action == model.Retry {
				if !retrySpent && res.Attempts < maxAttempts(dec.Params) {
					logger.Debug("Retrying node on metric condition.", "condition", dec.Condition, "attempt", res.Attempts)
					continue
				}
				// Retry budget spent and the condition still holds: hand it
				// to the rules past the retry, skipping further Retry rules.
				from := dec.RuleIndex + 1
				dec, raised, ok = policy.FirstMetricMatch(rules, res.Metrics, from)
				for ok && dec.Action == model.Retry {
					from = dec.RuleIndex + 1
					dec, raised, ok = policy.FirstMetricMatch(rules, res.Metrics, from)
				}
				if !ok {
					// No rule past the retry claims the condition: the last
					// result stands.
					res.Status = Succeeded
					break
				}
				r.recordDecision(id, dec, raised)
			}
			r.applyMetricDecision(ctx, rn, res, dec, inputs)
			break
		}

		if ctx.Err() != nil && model.KindOf(err) != model.ErrTimeout {
			res.Status = Cancelled
			res.Err = err
			break
		}

		r.tracer.Record(trace.Error, id, map[string]any{
			"kind":    string(model.KindOf(err)),
			"message": err.Error(),
		})
		logger.Warn("Node attempt failed.", "attempt", res.Attempts, "error", err)

		dec := policy.Evaluate(rules, policy.FromError(err), fromRule)
		if dec.Matched {
			r.recordDecision(id, dec, policy.FromError(err))
		}
		if dec.Matched && dec.Action == model.Retry {
			if res.Attempts < maxAttempts(dec.Params) {
				continue
			}
			retrySpent = true
			fromRule = dec.RuleIndex + 1
			dec = policy.Evaluate(rules, policy.FromError(err), fromRule)
			for dec.Matched && dec.Action == model.Retry {
				fromRule = dec.RuleIndex + 1
				dec = policy.Evaluate(rules, policy.FromError(err), fromRule)
			}
			if dec.Matched {
				r.recordDecision(id, dec, policy.FromError(err))
			}
		}
		r.applyErrorDecision(ctx, rn, res, err, dec, inputs)
		break
	}

	res.Duration = time.Since(start)
	r.tracer.RecordMetric(id, "execution_duration_ms", float64(res.Duration.Milliseconds()))

	if h := r.opts.Hooks; h != nil {
		h.AfterNode(ctx, rn, res)
	}
	logger.Info("Node finished.", "status", string(res.Status), "attempts", res.Attempts, "duration", res.Duration)
	r.settle(id, res)
}

// applyErrorDecision carries out the action the policy chose for an error.
// An unmatched error is fatal to the whole run.
func (r *run) applyErrorDecision(ctx context.Context, rn *composer.ResolvedNode, res *NodeResult, err error, dec policy.Decision, inputs map[string]cty.Value) {
	id := rn.Def.Identity()
	logger := ctxlog.FromContext(ctx)
	res.Err = err

	if !dec.Matched {
		res.Status = Failed
		r.abort(fmt.Sprintf("unhandled %s at node %s", model.KindOf(err), id))
		return
	}
	res.Action = dec.Action

	switch dec.Action {
	case model.Fallback:
		out, fbErr := r.runSubstitute(ctx, rn.Def, dec.Params.FallbackNode, inputs)
		if fbErr != nil {
			logger.Warn("Fallback node failed.", "fallback", dec.Params.FallbackNode, "error", fbErr)
			r.tracer.Record(trace.Error, id, map[string]any{
				"kind":    string(model.KindOf(fbErr)),
				"message": fbErr.Error(),
			})
			res.Status = Failed
			res.Err = fbErr
			return
		}
		res.Outputs = out.Outputs
		res.Metrics = mergeMetrics(res.Metrics, out.Metrics)
		res.Status = FallenBack
	case model.Alert:
		logger.Warn("Alert raised for node failure.", "target", dec.Params.AlertTarget, "error", err)
		res.Status = Failed
	case model.Isolate:
		res.Status = Isolated
	case model.Compensate:
		r.runCompensation(ctx, id, dec.Params.CompensationNode, inputs)
		res.Status = Failed
	case model.Halt:
		res.Status = Halted
		r.abort(fmt.Sprintf("halt requested by node %s", id))
	default:
		res.Status = Failed
		r.abort(fmt.Sprintf("retries exhausted at node %s", id))
	}
}

// applyMetricDecision carries out the action chosen for a metric condition
// raised by an otherwise successful execution.
func (r *run) applyMetricDecision(ctx context.Context, rn *composer.ResolvedNode, res *NodeResult, dec policy.Decision, inputs map[string]cty.Value) {
	id := rn.Def.Identity()
	logger := ctxlog.FromContext(ctx)
	res.Action = dec.Action

	switch dec.Action {
	case model.Fallback:
		out, fbErr := r.runSubstitute(ctx, rn.Def, dec.Params.FallbackNode, inputs)
		if fbErr != nil {
			logger.Warn("Fallback node failed.", "fallback", dec.Params.FallbackNode, "error", fbErr)
			res.Status = Failed
			res.Err = fbErr
			return
		}
		res.Outputs = out.Outputs
		res.Metrics = mergeMetrics(res.Metrics, out.Metrics)
		res.Status = FallenBack
	case model.Alert:
		// The outputs stand; the alert is on the record.
		logger.Warn("Alert raised on metric condition.", "condition", dec.Condition, "target", dec.Params.AlertTarget)
		res.Status = Succeeded
	case model.Isolate:
		res.Status = Isolated
	case model.Compensate:
		r.runCompensation(ctx, id, dec.Params.CompensationNode, inputs)
		res.Status = Failed
		res.Err = model.NodeErr(model.ErrExecution, id,
			fmt.Errorf("outputs rejected by rule %q", dec.Condition))
		res.Outputs = nil
	case model.Halt:
		res.Status = Halted
		res.Err = model.NodeErr(model.ErrExecution, id,
			fmt.Errorf("halt requested by rule %q", dec.Condition))
		r.abort(fmt.Sprintf("halt requested by node %s", id))
	}
}

// dispatch routes a node to its handler, or recurses for subgraph logic.
func (r *run) dispatch(ctx context.Context, rn *composer.ResolvedNode, inputs map[string]cty.Value) (*registry.HandlerResult, error) {
	if rn.Def.Logic.Kind == model.SubgraphRef {
		out, err := r.runSubgraph(ctx, rn, inputs)
		if err != nil {
			return nil, err
		}
		return checkContract(rn.Def.Identity(), rn.Def, out)
	}
	return r.invoke(ctx, rn.Def.Identity(), rn.Def, inputs)
}

// invoke runs a definition's handler under the per-node timeout and checks
// the declared output contract. A handler that outlives its deadline is
// abandoned; the worker slot is reclaimed immediately.
func (r *run) invoke(ctx context.Context, id model.Identity, def *model.Definition, inputs map[string]cty.Value) (*registry.HandlerResult, error) {
	handler, ok := r.engine.handlers.Resolve(def.Logic.Reference)
	if !ok {
		return nil, model.NodeErr(model.ErrExecution, id,
			fmt.Errorf("no handler for reference %q", def.Logic.Reference))
	}

	nodeCtx := ctx
	if r.opts.NodeTimeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, r.opts.NodeTimeout)
		defer cancel()
	}

	req := registry.HandlerRequest{
		Node:      id,
		Reference: def.Logic.Reference,
		Inputs:    inputs,
		Params:    def.Logic.Params,
		Outputs:   outputPortNames(def),
	}

	type outcome struct {
		result *registry.HandlerResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := handler(nodeCtx, req)
		ch <- outcome{result, err}
	}()

	select {
	case <-nodeCtx.Done():
		if errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, model.NodeErr(model.ErrTimeout, id,
				fmt.Errorf("node exceeded timeout %s", r.opts.NodeTimeout))
		}
		return nil, ctx.Err()
	case out := <-ch:
		if out.err != nil {
			if errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, model.NodeErr(model.ErrTimeout, id, out.err)
			}
			return nil, classify(id, out.err)
		}
		return checkContract(id, def, out.result)
	}
}

// runSubgraph composes and executes the referenced logical node's dependency
// closure as a nested plan sharing this run's tracer. The node's inputs are
// passed down as external parameters keyed by port name.
func (r *run) runSubgraph(ctx context.Context, rn *composer.ResolvedNode, inputs map[string]cty.Value) (*registry.HandlerResult, error) {
	id := rn.Def.Identity()
	target := rn.Def.Logic.Reference
	if r.depth+1 > r.opts.MaxSubgraphDepth {
		return nil, model.NodeErr(model.ErrExecution, id,
			fmt.Errorf("subgraph %q exceeds nesting depth %d", target, r.opts.MaxSubgraphDepth))
	}

	plan, err := r.engine.comp.Compose(ctx, target)
	if err != nil {
		return nil, model.NodeErr(model.ErrExecution, id, err)
	}

	subOpts := r.opts
	subOpts.Params = mergeParams(r.opts.Params, inputs)
	sub, err := r.engine.executePlan(ctx, r.tracer, plan, subOpts, r.depth+1)
	if err != nil {
		return nil, model.NodeErr(model.ErrExecution, id, err)
	}
	if sub.Failed {
		return nil, model.NodeErr(model.ErrExecution, id, fmt.Errorf("subgraph %q run failed", target))
	}

	// The referenced node's own outcome is the subgraph's result.
	for _, res := range sub.Nodes {
		if res.Node.Name == target && res.Status.SuccessEquivalent() {
			return &registry.HandlerResult{Outputs: res.Outputs, Metrics: res.Metrics}, nil
		}
	}
	return nil, model.NodeErr(model.ErrExecution, id, fmt.Errorf("subgraph %q produced no usable result", target))
}

// runSubstitute executes a fallback target's handler with the failing node's
// inputs, under the failing node's identity for tracing. The substitute
// stands in for the failing node, so its result must satisfy that node's
// output contract, not its own.
func (r *run) runSubstitute(ctx context.Context, def *model.Definition, ref string, inputs map[string]cty.Value) (*registry.HandlerResult, error) {
	id := def.Identity()
	sub, err := r.resolveActionTarget(ref)
	if err != nil {
		return nil, model.NodeErr(model.ErrExecution, id, err)
	}
	out, err := r.invoke(ctx, id, sub, inputs)
	if err != nil {
		return nil, err
	}
	return checkContract(id, def, out)
}

// runCompensation executes a compensation node for its side effect only.
// Compensation failure is recorded and does not change the node's outcome.
func (r *run) runCompensation(ctx context.Context, id model.Identity, ref string, inputs map[string]cty.Value) {
	logger := ctxlog.FromContext(ctx)
	def, err := r.resolveActionTarget(ref)
	if err != nil {
		logger.Warn("Compensation target unresolved.", "target", ref, "error", err)
		return
	}
	if _, err := r.invoke(ctx, id, def, inputs); err != nil {
		logger.Warn("Compensation node failed.", "target", ref, "error", err)
		r.tracer.Record(trace.Error, id, map[string]any{
			"kind":    string(model.KindOf(err)),
			"message": fmt.Sprintf("compensation %q: %v", ref, err),
		})
	}
}

func (r *run) resolveActionTarget(ref string) (*model.Definition, error) {
	target, err := model.ParseRef(ref)
	if err != nil {
		return nil, err
	}
	if target.Version != "" {
		def, ok := r.engine.reg.Exact(target)
		if !ok {
			return nil, fmt.Errorf("no node %s in registry", target)
		}
		return def, nil
	}
	def, ok := r.engine.reg.Latest(target.Name)
	if !ok {
		return nil, fmt.Errorf("no versions of node %q in registry", target.Name)
	}
	return def, nil
}

func (r *run) recordMetrics(id model.Identity, metrics map[string]float64) {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r.tracer.RecordMetric(id, name, metrics[name])
	}
}

func (r *run) recordDecision(id model.Identity, dec policy.Decision, raised policy.Raised) {
	payload := map[string]any{
		"action":    string(dec.Action),
		"condition": dec.Condition,
		"rule":      dec.RuleIndex,
	}
	if raised.IsError() {
		payload["error_kind"] = string(raised.Kind)
	} else if raised.Metric != "" {
		payload["metric"] = raised.Metric
		payload["value"] = raised.Value
	}
	if dec.Params.AlertTarget != "" {
		payload["alert_target"] = dec.Params.AlertTarget
	}
	r.tracer.Record(trace.Decision, id, payload)
}

func classify(id model.Identity, err error) error {
	var e *model.Error
	if errors.As(err, &e) {
		return err
	}
	return model.NodeErr(model.ErrExecution, id, err)
}

func checkContract(id model.Identity, def *model.Definition, result *registry.HandlerResult) (*registry.HandlerResult, error) {
	if result == nil {
		result = &registry.HandlerResult{}
	}
	for _, out := range def.Outputs {
		if _, ok := result.Outputs[out.Name]; !ok {
			return nil, model.NodeErr(model.ErrOutputContract, id,
				fmt.Errorf("handler returned no output %q", out.Name))
		}
	}
	return result, nil
}

func maxAttempts(params model.RuleParams) int {
	if params.MaxAttempts > 0 {
		return params.MaxAttempts
	}
	return defaultMaxAttempts
}

func outputPortNames(def *model.Definition) []string {
	names := make([]string, 0, len(def.Outputs))
	for _, out := range def.Outputs {
		names = append(names, out.Name)
	}
	return names
}

func mergeMetrics(base, extra map[string]float64) map[string]float64 {
	if len(extra) == 0 {
		return base
	}
	out := make(map[string]float64, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func mergeParams(base, extra map[string]cty.Value) map[string]cty.Value {
	out := make(map[string]cty.Value, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
