// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health watches a freshly activated deployment for a bounded
// window and decides whether to do nothing, retire the newest patches,
// or roll the artifact back entirely.
//
// The state machine is Monitoring → {Stable, Unstable, Critical},
// terminal per cycle:
//
//   - 0 crashes in the window        → Stable, no action
//   - 1–2 crashes (auto-restarted)   → Unstable, patchset-only rollback
//   - 3 crashes (criticalThreshold)  → Critical immediately: full
//     artifact rollback, monitoring stops without waiting out the window
//
// An operator abort (parent context cancelled before the window
// elapses) ends the cycle as Aborted: no classification is made and no
// action is taken, because a window that never completed proves
// nothing in either direction.
//
// Monitoring runs as a detached task: the call that activated the
// deployment may return before the window completes, and any rollback
// taken later must work with no live handle back to that caller.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/patchline/pkg/logging"
	"github.com/AleutianAI/patchline/pkg/notify"
)

// State is the supervisor's classification of one monitoring cycle.
type State string

const (
	StateMonitoring State = "monitoring"
	StateStable     State = "stable"
	StateUnstable   State = "unstable"
	StateCritical   State = "critical"
	StateAborted    State = "aborted"
)

// Scope names how far a rollback reaches.
type Scope string

const (
	ScopeNone         Scope = "none"
	ScopePatchsetOnly Scope = "patchset-only"
	ScopeFullArtifact Scope = "full-artifact"
)

// Decision is the supervisor's output for one cycle.
type Decision struct {
	State             State
	Scope             Scope
	Crashes           int
	TargetArtifact    string   // for full-artifact
	PatchesToDisable  []string // for patchset-only and full-artifact
	ObservationsTaken int
}

// Reverter is the artifact-store surface the supervisor drives.
type Reverter interface {
	// Previous returns the rollback target, empty if none exists.
	Previous() (string, error)
	// Rollback atomically re-points the deployment at a previously
	// published artifact.
	Rollback(storedPath string) error
}

// PatchDisabler retires recently auto-admitted patches so the next
// build cycle does not reintroduce a regression.
type PatchDisabler interface {
	// DisableRecent retires patches auto-added since the last stable
	// set and returns their IDs.
	DisableRecent(reason string) ([]string, error)
}

// Rebuilder re-runs the build and activation without the disabled
// patches. Used for the Unstable (patchset-only) path.
type Rebuilder interface {
	RebuildAndActivate(ctx context.Context) error
}

// Auditor durably records rollback actions before control returns.
type Auditor interface {
	RecordRollback(scope Scope, target string, disabled []string, detail string) error
}

// Config tunes the monitoring window.
type Config struct {
	// Interval between samples. Default 10s.
	Interval time.Duration

	// Window is the total monitoring duration. Default 5m.
	Window time.Duration

	// CriticalThreshold is the crash count that ends the window
	// immediately with a Critical classification. Default 3.
	CriticalThreshold int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = 3
	}
	return c
}

// Supervisor monitors a deployment and executes rollback decisions.
type Supervisor struct {
	prober   Prober
	store    Reverter
	patches  PatchDisabler
	rebuild  Rebuilder
	audit    Auditor
	notifier notify.Notifier
	logger   *logging.Logger
	cfg      Config
}

// New creates a Supervisor.
func New(prober Prober, store Reverter, patches PatchDisabler, rebuild Rebuilder,
	audit Auditor, notifier notify.Notifier, logger *logging.Logger, cfg Config) *Supervisor {
	return &Supervisor{
		prober:   prober,
		store:    store,
		patches:  patches,
		rebuild:  rebuild,
		audit:    audit,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg.withDefaults(),
	}
}

// Start launches a monitoring cycle as a detached task and returns a
// channel that yields the final decision. The task owns its own
// context and keeps running after the caller returns; cancel only
// propagates an operator abort.
func (s *Supervisor) Start(ctx context.Context) <-chan Decision {
	done := make(chan Decision, 1)
	go func() {
		decision := s.RunCycle(ctx)
		done <- decision
	}()
	return done
}

// RunCycle monitors, classifies, and executes the resulting decision.
// It blocks for up to the configured window.
func (s *Supervisor) RunCycle(ctx context.Context) Decision {
	decision := s.Monitor(ctx)
	if err := s.Act(ctx, &decision); err != nil {
		// Act escalates internally; the error here is informational
		// for synchronous callers.
		s.logger.Error("health action failed", "state", decision.State, "error", err)
	}
	return decision
}

// Monitor samples liveness on a fixed interval for the fixed window
// and classifies the result. The critical threshold breaks the window
// early via a clean ticker cancellation, not by waiting out the rest.
func (s *Supervisor) Monitor(ctx context.Context) Decision {
	decision := Decision{State: StateMonitoring, Scope: ScopeNone}

	windowCtx, cancel := context.WithTimeout(ctx, s.cfg.Window)
	defer cancel()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("monitoring window opened",
		"interval", s.cfg.Interval, "window", s.cfg.Window)

	for decision.State == StateMonitoring {
		select {
		case <-windowCtx.Done():
			switch {
			case ctx.Err() != nil:
				// Operator abort, not window expiry. A window that
				// never ran to completion classifies nothing.
				decision.State = StateAborted
			case decision.Crashes == 0:
				// Window elapsed crash-free.
				decision.State = StateStable
			default:
				decision.State = StateUnstable
				decision.Scope = ScopePatchsetOnly
			}
		case <-ticker.C:
			obs := s.prober.Sample(windowCtx)
			decision.ObservationsTaken++
			if !obs.ProcessAlive {
				decision.Crashes++
				s.logger.Warn("process not alive",
					"crashes", decision.Crashes, "endpoint_status", obs.EndpointStatus)
			} else if !obs.Responding() {
				s.logger.Debug("process alive, endpoint quiet")
			}

			if decision.Crashes >= s.cfg.CriticalThreshold {
				decision.State = StateCritical
				decision.Scope = ScopeFullArtifact
			}
		}
	}

	s.logger.Info("monitoring window closed",
		"state", string(decision.State), "crashes", decision.Crashes,
		"samples", decision.ObservationsTaken)
	return decision
}

// Act executes the decision: nothing for Stable, a patchset-only
// rebuild for Unstable, a full artifact rollback plus patch disable
// for Critical. Every rollback is audited before Act returns and the
// outcome is reported to the notification sink. A rollback that itself
// fails is the most severe error class and is escalated loudly rather
// than swallowed.
func (s *Supervisor) Act(ctx context.Context, decision *Decision) error {
	switch decision.State {
	case StateStable:
		s.notify(ctx, "deployment stable",
			fmt.Sprintf("monitoring window passed with %d samples", decision.ObservationsTaken),
			notify.SeverityInfo)
		return nil

	case StateUnstable:
		return s.actUnstable(ctx, decision)

	case StateCritical:
		return s.actCritical(ctx, decision)

	case StateAborted:
		// No rollback on an aborted window: the operator gets the
		// non-stable verdict and the deployment stays as activated.
		s.logger.Warn("monitoring aborted before the window completed",
			"samples", decision.ObservationsTaken, "crashes", decision.Crashes)
		return nil

	default:
		return fmt.Errorf("cannot act on state %q", decision.State)
	}
}

func (s *Supervisor) actUnstable(ctx context.Context, decision *Decision) error {
	disabled, err := s.patches.DisableRecent(
		fmt.Sprintf("disabled after %d crashes in monitoring window", decision.Crashes))
	if err != nil {
		return s.escalate(ctx, decision, fmt.Errorf("disabling recent patches: %w", err))
	}
	decision.PatchesToDisable = disabled

	if err := s.audit.RecordRollback(ScopePatchsetOnly, "", disabled,
		fmt.Sprintf("%d crashes in window", decision.Crashes)); err != nil {
		return s.escalate(ctx, decision, fmt.Errorf("recording rollback: %w", err))
	}

	// Patchset-only scope rebuilds without the disabled patches and
	// re-activates; the artifact store pointer is not rolled back.
	if err := s.rebuild.RebuildAndActivate(ctx); err != nil {
		return s.escalate(ctx, decision, fmt.Errorf("rebuild without recent patches: %w", err))
	}

	s.notify(ctx, "deployment unstable, recent patches retired",
		fmt.Sprintf("crashes=%d retired=%v", decision.Crashes, disabled),
		notify.SeverityWarning)
	return nil
}

func (s *Supervisor) actCritical(ctx context.Context, decision *Decision) error {
	target, err := s.store.Previous()
	if err != nil {
		return s.escalate(ctx, decision, fmt.Errorf("locating rollback target: %w", err))
	}
	if target == "" {
		return s.escalate(ctx, decision, fmt.Errorf("no previous artifact to roll back to"))
	}
	decision.TargetArtifact = target

	// Audit before the swap so the action is durable even if the
	// process dies mid-rollback.
	if err := s.audit.RecordRollback(ScopeFullArtifact, target, nil,
		fmt.Sprintf("%d crashes, critical threshold reached", decision.Crashes)); err != nil {
		return s.escalate(ctx, decision, fmt.Errorf("recording rollback: %w", err))
	}

	if err := s.store.Rollback(target); err != nil {
		return s.escalate(ctx, decision, fmt.Errorf("artifact rollback: %w", err))
	}

	// Separately disable recently auto-added patches so the next
	// build cycle does not reintroduce the regression.
	disabled, err := s.patches.DisableRecent("disabled after critical rollback")
	if err != nil {
		s.logger.Error("patch disable after rollback failed", "error", err)
	}
	decision.PatchesToDisable = disabled

	s.notify(ctx, "critical: rolled back to previous artifact",
		fmt.Sprintf("target=%s retired=%v", target, disabled),
		notify.SeverityCritical)
	return nil
}

// escalate handles the severest class: a rollback path that itself
// failed. It must surface to a human, never be silently swallowed.
func (s *Supervisor) escalate(ctx context.Context, decision *Decision, err error) error {
	s.logger.Error("ROLLBACK FAILED, manual intervention required",
		"state", string(decision.State), "error", err)
	s.notify(ctx, "ROLLBACK FAILED, manual intervention required",
		err.Error(), notify.SeverityCritical)
	return fmt.Errorf("rollback failure: %w", err)
}

func (s *Supervisor) notify(ctx context.Context, title, body string, severity notify.Severity) {
	if err := s.notifier.Notify(ctx, notify.Message{
		Title: title, Body: body, Severity: severity,
	}); err != nil {
		// Notification delivery is fire-and-forget.
		s.logger.Warn("notification delivery failed", "title", title, "error", err)
	}
}
