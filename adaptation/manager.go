// SPDX-License-Identifier: MIT
//
// Package adaptation reviews completed node executions against the node's
// declared adaptation strategy and, when a trigger fires, derives a new
// minor version of the node. Existing versions are never touched: the
// derived definition is a clone with a bumped version, fresh provenance,
// and a derived_from link back to its source. Writes to one logical name
// are serialized through the registry's per-name lock, so concurrent
// reviews cannot race to the same version number.
package adaptation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vk/morphgrid/ctxlog"
	"github.com/vk/morphgrid/model"
	"github.com/vk/morphgrid/registry"
	"github.com/vk/morphgrid/version"
)

// Config tunes the built-in trigger predicates.
type Config struct {
	// ConfidenceThreshold is the floor under which the watched metric counts
	// as degraded. Zero means 0.75.
	ConfidenceThreshold float64
	// DurationThresholdMs is the ceiling above which execution time counts
	// as degraded. Zero means 1000.
	DurationThresholdMs float64
	// ReviewInterval bounds how old a version may grow before a scheduled
	// review fires. Zero means 30 days.
	ReviewInterval time.Duration
	// PerturbFactor bounds the relative change Adjust_Parameters applies to
	// numeric parameters. Zero means 0.1.
	PerturbFactor float64
	// Agent is recorded as the author of derived versions.
	Agent string
}

func (c Config) withDefaults() Config {
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.75
	}
	if c.DurationThresholdMs == 0 {
		c.DurationThresholdMs = 1000
	}
	if c.ReviewInterval == 0 {
		c.ReviewInterval = 30 * 24 * time.Hour
	}
	if c.PerturbFactor == 0 {
		c.PerturbFactor = 0.1
	}
	if c.Agent == "" {
		c.Agent = "adaptation-manager"
	}
	return c
}

// Manager evaluates adaptation strategies and writes derived versions.
type Manager struct {
	reg      *registry.Registry
	handlers *registry.Handlers
	log      *Log
	cfg      Config
	clock    func() time.Time
}

// NewManager creates a manager over the given registries.
func NewManager(reg *registry.Registry, handlers *registry.Handlers, cfg Config) *Manager {
	return &Manager{
		reg:      reg,
		handlers: handlers,
		log:      NewLog(),
		cfg:      cfg.withDefaults(),
		clock:    time.Now,
	}
}

// Log exposes the append-only decision record.
func (m *Manager) Log() *Log { return m.log }

// SetClock overrides the manager's time source. Tests only.
func (m *Manager) SetClock(clock func() time.Time) { m.clock = clock }

// Review checks a completed execution against the node's declared strategy.
// It returns the derived identity when a new version was written. Errors
// carry the adaptation kind and must never fail the run that triggered them.
func (m *Manager) Review(ctx context.Context, def *model.Definition, runID string, metrics map[string]float64, durationMs float64) (model.Identity, bool, error) {
	strat := def.Adaptation
	if strat == nil {
		return model.Identity{}, false, nil
	}
	fired, detail := m.triggered(def, strat, metrics, durationMs)
	if !fired {
		return model.Identity{}, false, nil
	}
	ctxlog.FromContext(ctx).Debug("Adaptation trigger fired.",
		"node", def.Identity().String(), "trigger", string(strat.Trigger), "detail", detail)
	return m.adapt(ctx, def, strat, runID, detail)
}

// TriggerManual forces an adaptation review of a node version regardless of
// its trigger predicate. Nodes without a declared strategy are flagged for
// human review instead of deriving a version.
func (m *Manager) TriggerManual(ctx context.Context, id model.Identity, runID, reason string) (model.Identity, bool, error) {
	def, ok := m.reg.Exact(id)
	if !ok {
		return model.Identity{}, false, model.E(model.ErrAdaptation, "no node %s in registry", id)
	}
	strat := def.Adaptation
	if strat == nil {
		strat = &model.AdaptationStrategy{
			Trigger: model.ManualTrigger,
			Method:  model.TriggerHumanReview,
		}
	}
	detail := fmt.Sprintf("manual trigger: %s", reason)
	return m.adapt(ctx, def, strat, runID, detail)
}

// triggered evaluates the strategy's predicate against the execution's
// reported metrics and duration. Predicates are deterministic: the same
// observation always produces the same verdict.
func (m *Manager) triggered(def *model.Definition, strat *model.AdaptationStrategy, metrics map[string]float64, durationMs float64) (bool, string) {
	switch strat.Trigger {
	case model.PerformanceDegradation:
		if value, ok := lookupMetric(metrics, strat.MetricRef); ok && value < m.cfg.ConfidenceThreshold {
			return true, fmt.Sprintf("%s %.3f below threshold %.3f", strat.MetricRef, value, m.cfg.ConfidenceThreshold)
		}
		if durationMs > m.cfg.DurationThresholdMs {
			return true, fmt.Sprintf("execution took %.0fms, threshold %.0fms", durationMs, m.cfg.DurationThresholdMs)
		}
	case model.ExternalFeedback:
		if value, ok := lookupMetric(metrics, strat.MetricRef); ok && value < m.cfg.ConfidenceThreshold {
			return true, fmt.Sprintf("feedback %s %.3f below threshold %.3f", strat.MetricRef, value, m.cfg.ConfidenceThreshold)
		}
	case model.ScheduledReview:
		age := m.clock().Sub(def.Provenance.CreatedAt)
		if !def.Provenance.CreatedAt.IsZero() && age > m.cfg.ReviewInterval {
			return true, fmt.Sprintf("version is %s old, review interval %s", age.Round(time.Hour), m.cfg.ReviewInterval)
		}
	case model.ManualTrigger:
		// Fires only through TriggerManual.
	}
	return false, ""
}

// adapt derives the next minor version of the node under the per-name write
// lock. The bump base is the higher of the source version and the current
// latest, so two adaptation chains can never collide on a version number.
func (m *Manager) adapt(ctx context.Context, def *model.Definition, strat *model.AdaptationStrategy, runID, detail string) (model.Identity, bool, error) {
	logger := ctxlog.FromContext(ctx)
	var derived model.Identity
	adapted := false

	err := m.reg.WithNameLock(def.Name, func() error {
		base := def.Version
		if latest, ok := m.reg.Latest(def.Name); ok && version.Compare(latest.Version, base) > 0 {
			base = latest.Version
		}
		next, err := version.BumpMinor(base)
		if err != nil {
			return model.E(model.ErrAdaptation, "node %s: %v", def.Identity(), err)
		}

		clone := def.Clone()
		clone.Version = next
		from := def.Identity()
		clone.Provenance = model.Provenance{
			Author:      m.cfg.Agent,
			CreatedAt:   m.clock(),
			Rationale:   detail,
			DerivedFrom: &from,
		}

		change, writes, err := m.applyMethod(clone, strat)
		if err != nil {
			return err
		}
		if !writes {
			m.log.append(Entry{
				Time:          m.clock(),
				RunID:         runID,
				Node:          def.Identity(),
				Trigger:       strat.Trigger,
				TriggerDetail: detail,
				Method:        strat.Method,
				Change:        change,
			})
			return nil
		}

		if err := m.reg.Put(clone); err != nil {
			return model.E(model.ErrAdaptation, "node %s: storing derived version: %v", def.Identity(), err)
		}
		derived = clone.Identity()
		adapted = true
		m.log.append(Entry{
			Time:          m.clock(),
			RunID:         runID,
			Node:          def.Identity(),
			Derived:       derived,
			Trigger:       strat.Trigger,
			TriggerDetail: detail,
			Method:        strat.Method,
			Change:        change,
		})
		logger.Info("Derived new node version.",
			"from", def.Identity().String(), "to", derived.String(), "method", string(strat.Method))
		return nil
	})
	if err != nil {
		return model.Identity{}, false, err
	}
	return derived, adapted, nil
}

func lookupMetric(metrics map[string]float64, name string) (float64, bool) {
	if name == "" {
		name = "confidence"
	}
	for k, v := range metrics {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return 0, false
}
