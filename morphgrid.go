// SPDX-License-Identifier: MIT
//
// Package morphgrid ties the runtime together: a node registry, the handler
// set, composition, oversight, execution, and adaptation behind one facade.
// A Runtime is safe for concurrent runs; each run gets its own identifier,
// tracer, and orchestrator.
package morphgrid

import (
	"context"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/vk/morphgrid/adaptation"
	"github.com/vk/morphgrid/composer"
	"github.com/vk/morphgrid/ctxlog"
	"github.com/vk/morphgrid/engine"
	"github.com/vk/morphgrid/hclspec"
	"github.com/vk/morphgrid/model"
	"github.com/vk/morphgrid/modules/forecast"
	"github.com/vk/morphgrid/modules/httpcall"
	"github.com/vk/morphgrid/orchestrator"
	"github.com/vk/morphgrid/registry"
	"github.com/vk/morphgrid/trace"
)

// Config configures a Runtime.
type Config struct {
	// Agent is the identity runs execute under; Restricted and Private
	// nodes authorize against it.
	Agent string
	// Adaptation tunes trigger thresholds. The zero value uses defaults.
	Adaptation adaptation.Config
	// Logger receives the runtime's structured log output. Nil uses the
	// process default.
	Logger *slog.Logger
	// SkipBuiltins leaves the handler registry empty so the caller wires
	// its own handlers.
	SkipBuiltins bool
}

// Runtime is the assembled system.
type Runtime struct {
	Registry *registry.Registry
	Handlers *registry.Handlers
	States   *orchestrator.StateStore
	Adapt    *adaptation.Manager

	cfg    Config
	eng    *engine.Engine
	comp   *composer.Composer
	loader *hclspec.Loader
}

// New assembles a runtime with the built-in handler modules registered.
func New(cfg Config) *Runtime {
	reg := registry.New()
	handlers := registry.NewHandlers()
	if !cfg.SkipBuiltins {
		for _, m := range []registry.Module{&forecast.Module{}, &httpcall.Module{}} {
			m.Register(handlers)
		}
	}
	return &Runtime{
		Registry: reg,
		Handlers: handlers,
		States:   orchestrator.NewStateStore(),
		Adapt:    adaptation.NewManager(reg, handlers, cfg.Adaptation),
		cfg:      cfg,
		eng:      engine.New(reg, handlers),
		comp:     composer.New(reg, handlers),
		loader:   hclspec.NewLoader(),
	}
}

// LoadDefinitions parses .hcl node definitions under the given paths and
// registers them, returning how many were added.
func (rt *Runtime) LoadDefinitions(ctx context.Context, paths ...string) (int, error) {
	return rt.loader.LoadInto(rt.withLogger(ctx), rt.Registry, paths...)
}

// Compose builds an execution plan without running it.
func (rt *Runtime) Compose(ctx context.Context, targets ...string) (*composer.Plan, error) {
	return rt.comp.Compose(rt.withLogger(ctx), targets...)
}

// RunReport is the full outcome of one run: statuses, final outputs, the
// pre-run risk review, and the finalized trace.
type RunReport struct {
	RunID  string
	Result *engine.Result
	Risk   orchestrator.RiskReport
	Trace  []trace.Event
}

// Run composes the targets and executes the plan under oversight. Each call
// is an isolated run with a fresh identifier and trace. Composition reads
// the registry as of now, so a run after an adaptation picks up the derived
// versions.
func (rt *Runtime) Run(ctx context.Context, opts engine.Options, targets ...string) (*RunReport, error) {
	ctx = rt.withLogger(ctx)
	runID := uuid.NewString()
	ctx = ctxlog.With(ctx, "run_id", runID)
	logger := ctxlog.FromContext(ctx)

	tracer := trace.NewTracer(runID)
	orch := orchestrator.New(orchestrator.Config{
		Agent:   rt.cfg.Agent,
		Adapter: rt.Adapt,
	}, rt.States, tracer)

	plan, err := rt.comp.Compose(ctx, targets...)
	if err != nil {
		logger.Error("Composition failed.", "error", err)
		return nil, err
	}
	risk := orch.EvaluateStructure(plan)
	if risk.Level != orchestrator.RiskLow {
		logger.Warn("Structural review raised concerns.", "risk", string(risk.Level), "concerns", risk.Concerns)
	}

	opts.Hooks = orch
	result, err := rt.eng.Execute(ctx, tracer, plan, opts)
	tracer.Finalize()
	if err != nil {
		return nil, err
	}

	logger.Info("Run complete.", "failed", result.Failed, "nodes", len(result.Nodes))
	return &RunReport{
		RunID:  runID,
		Result: result,
		Risk:   risk,
		Trace:  tracer.Events(),
	}, nil
}

// TriggerAdaptation forces an adaptation review of one node version.
func (rt *Runtime) TriggerAdaptation(ctx context.Context, id model.Identity, reason string) (model.Identity, bool, error) {
	return rt.Adapt.TriggerManual(rt.withLogger(ctx), id, "manual", reason)
}

func (rt *Runtime) withLogger(ctx context.Context) context.Context {
	if rt.cfg.Logger != nil {
		return ctxlog.WithLogger(ctx, rt.cfg.Logger)
	}
	return ctx
}

// NewLogger builds a slog.Logger in the runtime's house style. It does not
// touch the global logger, so embedders keep isolated instances.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
