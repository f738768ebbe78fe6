// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline orchestrates the full upgrade lifecycle: resolve a
// target version, build it with the patch set in a sandbox, publish
// and activate the artifact, monitor health, and either mark the
// deployment stable or roll back.
//
// The orchestrator holds no business logic of its own; it sequences
// the cascade, sandbox, artifact store, classifier, admission gate,
// and health supervisor, and is the single place that takes the
// pipeline lock.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/patchline/cmd/patchline/internal/admission"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/audit"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/cascade"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/classify"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/gitrun"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/health"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/patchset"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/process"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/sandbox"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/store"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/upstream"
	"github.com/AleutianAI/patchline/pkg/logging"
	"github.com/AleutianAI/patchline/pkg/notify"
)

// Options carries the paths and policies the orchestrator needs beyond
// its collaborators.
type Options struct {
	// RepoURL is the upstream clone URL, used for admission scratch
	// trees.
	RepoURL string

	// MarkerPath is the stable-version marker location.
	MarkerPath string

	// ReportPath is where run reports land.
	ReportPath string

	// CandidatesPath is the discovery pipeline's candidate drop file.
	CandidatesPath string

	// KeepArtifacts is the prune retention count.
	KeepArtifacts int

	// Health tunes the monitoring window.
	Health health.Config
}

// Orchestrator sequences pipeline runs.
type Orchestrator struct {
	opts       Options
	logger     *logging.Logger
	git        *gitrun.Runner
	client     upstream.Client
	patches    *patchset.Store
	artifacts  *store.Store
	builder    *sandbox.Sandbox
	casc       *cascade.Cascade
	classifier *classify.Classifier
	gate       *admission.Gate
	auditLog   *audit.Log
	notifier   notify.Notifier
	lock       process.PipelineLocker
	diffs      cascade.DiffSource
	prober     health.Prober
}

// New assembles an Orchestrator from its collaborators.
func New(opts Options, logger *logging.Logger, git *gitrun.Runner, client upstream.Client,
	patches *patchset.Store, artifacts *store.Store, builder *sandbox.Sandbox,
	casc *cascade.Cascade, classifier *classify.Classifier, gate *admission.Gate,
	auditLog *audit.Log, notifier notify.Notifier, lock process.PipelineLocker,
	diffs cascade.DiffSource, prober health.Prober) *Orchestrator {
	return &Orchestrator{
		opts:       opts,
		logger:     logger,
		git:        git,
		client:     client,
		patches:    patches,
		artifacts:  artifacts,
		builder:    builder,
		casc:       casc,
		classifier: classifier,
		gate:       gate,
		auditLog:   auditLog,
		notifier:   notifier,
		lock:       lock,
		diffs:      diffs,
		prober:     prober,
	}
}

// Upgrade runs the full lifecycle toward targetTag. An empty targetTag
// means the newest upstream release. force skips the stable-marker
// short-circuit.
//
// # Description
//
// The run holds the pipeline lock end to end. A target that matches
// the stable marker (same version, same patch-set composition) is a
// no-op unless forced. After activation the health supervisor monitors
// the deployment synchronously; only a Stable classification advances
// the marker. Any other outcome leaves a run report behind and returns
// a health-phase error so the caller exits non-zero.
func (o *Orchestrator) Upgrade(ctx context.Context, targetTag string, force bool) (*Report, error) {
	if err := o.lock.Acquire(); err != nil {
		return nil, err
	}
	defer o.lock.Release()

	report := &Report{RunID: uuid.NewString(), StartedAt: time.Now().UTC()}
	err := o.upgrade(ctx, targetTag, force, report)
	report.FinishedAt = time.Now().UTC()

	if err != nil {
		report.Error = err.Error()
		if perr, ok := err.(*PhaseError); ok {
			report.Phase = perr.Phase
		}
	}
	// A clean stable run needs no report file; anything else does.
	if err != nil || report.HealthState != string(health.StateStable) {
		if werr := report.Write(o.opts.ReportPath); werr != nil {
			o.logger.Error("writing run report", "error", werr)
		}
	}
	return report, err
}

func (o *Orchestrator) upgrade(ctx context.Context, targetTag string, force bool, report *Report) error {
	target, err := o.resolveTarget(ctx, targetTag)
	if err != nil {
		return phaseErr(PhaseResolve, err)
	}
	report.TargetVersion = target
	logger := o.logger.With("run_id", report.RunID, "target", target)

	specs, err := o.patches.Load()
	if err != nil {
		return phaseErr(PhaseResolve, err)
	}

	marker, err := patchset.LoadMarker(o.opts.MarkerPath)
	if err != nil {
		return phaseErr(PhaseResolve, err)
	}
	if !force && marker != nil && marker.Version == target && marker.PatchSetHash == patchset.HashSpecs(specs) {
		logger.Info("already stable at target with this patch set, nothing to do")
		report.HealthState = string(health.StateStable)
		return nil
	}

	if active, err := o.artifacts.Active(); err == nil && active != "" {
		report.PreviousVersion = filepath.Base(active)
	}

	build, err := o.builder.Build(ctx, target, specs)
	if err != nil {
		return phaseErr(PhaseBuild, err)
	}
	defer build.Cleanup()
	report.AppliedPatches = build.Ledger.AppliedIDs
	report.FailedPatches = build.Ledger.FailedIDs

	stored, err := o.artifacts.Publish(build.OutputDir, store.Artifact{
		VersionTag: target,
		BuildID:    build.BuildID,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return phaseErr(PhasePublish, err)
	}

	if err := o.artifacts.Activate(stored); err != nil {
		return phaseErr(PhaseActivate, err)
	}
	if err := o.auditLog.Append(audit.Event{
		Action:  audit.ActionActivate,
		Version: target,
		Success: true,
		Patches: build.Ledger.AppliedIDs,
	}); err != nil {
		return phaseErr(PhaseActivate, err)
	}
	logger.Info("activated", "artifact", stored)

	decision := o.newSupervisor(marker, target).RunCycle(ctx)
	report.HealthState = string(decision.State)
	if decision.Scope != health.ScopeNone {
		report.RolledBack = string(decision.Scope)
	}
	if err := o.auditLog.Append(audit.Event{
		Action:  audit.ActionHealthVerdict,
		Version: target,
		Success: decision.State == health.StateStable,
		Detail:  fmt.Sprintf("state=%s crashes=%d", decision.State, decision.Crashes),
	}); err != nil {
		return phaseErr(PhaseHealth, err)
	}

	if decision.State != health.StateStable {
		return phaseErr(PhaseHealth,
			fmt.Errorf("deployment classified %s after %d crashes", decision.State, decision.Crashes))
	}

	if err := patchset.SaveMarker(o.opts.MarkerPath, patchset.Marker{
		Version:      target,
		PatchSetHash: patchset.HashSpecs(specs),
		StableAt:     time.Now().UTC(),
	}); err != nil {
		return phaseErr(PhaseHealth, err)
	}

	if o.opts.KeepArtifacts > 0 {
		if err := o.artifacts.Prune(o.opts.KeepArtifacts); err != nil {
			// Retention is housekeeping; a failed prune never fails a
			// stable upgrade.
			logger.Warn("artifact prune failed", "error", err)
		}
	}
	logger.Info("upgrade stable")
	return nil
}

// resolveTarget returns targetTag, or the newest release when empty.
func (o *Orchestrator) resolveTarget(ctx context.Context, targetTag string) (string, error) {
	if targetTag != "" {
		return targetTag, nil
	}
	releases, err := o.client.ListReleases(ctx)
	if err != nil {
		return "", fmt.Errorf("listing releases: %w", err)
	}
	if len(releases) == 0 {
		return "", fmt.Errorf("upstream has no releases")
	}
	return releases[0].Tag, nil
}

// Analyze classifies the patch set against an upgrade to newTag
// without touching the deployment.
func (o *Orchestrator) Analyze(ctx context.Context, newTag string) (*classify.Report, error) {
	marker, err := patchset.LoadMarker(o.opts.MarkerPath)
	if err != nil {
		return nil, err
	}
	if marker == nil {
		return nil, fmt.Errorf("no stable deployment to analyze from; run an upgrade first")
	}
	if newTag == "" {
		if newTag, err = o.resolveTarget(ctx, ""); err != nil {
			return nil, err
		}
	}

	specs, err := o.patches.Load()
	if err != nil {
		return nil, err
	}
	return o.classifier.Classify(ctx, marker.Version, newTag, specs, o.diffs)
}

// RollbackPrevious re-points the deployment at the previous artifact.
func (o *Orchestrator) RollbackPrevious(ctx context.Context) (string, error) {
	if err := o.lock.Acquire(); err != nil {
		return "", err
	}
	defer o.lock.Release()

	target, err := o.artifacts.Previous()
	if err != nil {
		return "", phaseErr(PhaseRollback, err)
	}
	if target == "" {
		return "", phaseErr(PhaseRollback, fmt.Errorf("no previous artifact to roll back to"))
	}

	if err := o.auditLog.RecordRollback("operator", target, nil, "manual rollback"); err != nil {
		return "", phaseErr(PhaseRollback, err)
	}
	if err := o.artifacts.Rollback(target); err != nil {
		return "", phaseErr(PhaseRollback, err)
	}

	o.notifyBestEffort(ctx, notify.Message{
		Title:    "rolled back to previous artifact",
		Body:     target,
		Severity: notify.SeverityWarning,
	})
	return target, nil
}

// AdmitCycle reads discovered candidates and runs them through the
// admission gate against a scratch tree carrying the current patch
// set. Admitted candidates join the patch set ordered after existing
// entries; the candidates file is consumed on success.
func (o *Orchestrator) AdmitCycle(ctx context.Context) ([]admission.Verdict, error) {
	if err := o.lock.Acquire(); err != nil {
		return nil, err
	}
	defer o.lock.Release()

	candidates, err := o.readCandidates()
	if err != nil {
		return nil, phaseErr(PhaseAdmit, err)
	}
	if len(candidates) == 0 {
		o.logger.Info("no candidates to evaluate")
		return nil, nil
	}

	marker, err := patchset.LoadMarker(o.opts.MarkerPath)
	if err != nil {
		return nil, phaseErr(PhaseAdmit, err)
	}
	if marker == nil {
		return nil, phaseErr(PhaseAdmit, fmt.Errorf("no stable deployment; cannot build a scratch tree"))
	}

	specs, err := o.patches.Load()
	if err != nil {
		return nil, phaseErr(PhaseAdmit, err)
	}

	scratch, err := os.MkdirTemp("", "patchline-admit-*")
	if err != nil {
		return nil, phaseErr(PhaseAdmit, err)
	}
	defer os.RemoveAll(scratch)

	// The dry-run target is the deployed version plus the active patch
	// set, the tree a real apply would meet.
	if err := o.git.Clone(ctx, o.opts.RepoURL, marker.Version, scratch); err != nil {
		return nil, phaseErr(PhaseAdmit, err)
	}
	if _, err := o.casc.Run(ctx, patchset.ActivePatches(specs), scratch); err != nil {
		return nil, phaseErr(PhaseAdmit, err)
	}

	verdicts, admitted := o.gate.Evaluate(ctx, candidates, scratch)
	for _, spec := range admitted {
		if err := o.patches.Append(spec); err != nil {
			return verdicts, phaseErr(PhaseAdmit, err)
		}
		if err := o.auditLog.Append(audit.Event{
			Action:  audit.ActionPatchAdmit,
			Success: true,
			Patches: []string{spec.ID},
			Detail:  spec.Description,
		}); err != nil {
			return verdicts, phaseErr(PhaseAdmit, err)
		}
	}

	if err := os.Remove(o.opts.CandidatesPath); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("could not consume candidates file", "error", err)
	}
	return verdicts, nil
}

// readCandidates loads the discovery drop file. Missing file means an
// empty cycle.
func (o *Orchestrator) readCandidates() ([]admission.ScoredChange, error) {
	data, err := os.ReadFile(o.opts.CandidatesPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading candidates: %w", err)
	}
	var candidates []admission.ScoredChange
	if err := json.Unmarshal(data, &candidates); err != nil {
		return nil, fmt.Errorf("parsing candidates: %w", err)
	}
	return candidates, nil
}

// Status is the operator-facing view of the deployment.
type Status struct {
	ActiveArtifact string           `json:"activeArtifact,omitempty"`
	StableVersion  string           `json:"stableVersion,omitempty"`
	StableAt       time.Time        `json:"stableAt,omitempty"`
	ActivePatches  int              `json:"activePatches"`
	RetiredPatches int              `json:"retiredPatches"`
	LastReport     *Report          `json:"lastReport,omitempty"`
	Artifacts      []store.Artifact `json:"artifacts,omitempty"`
	RecentEvents   []audit.Event    `json:"recentEvents,omitempty"`
}

// CurrentStatus assembles the status view without taking the lock.
func (o *Orchestrator) CurrentStatus(ctx context.Context) (*Status, error) {
	status := &Status{}

	if active, err := o.artifacts.Active(); err == nil {
		status.ActiveArtifact = active
	}
	if marker, err := patchset.LoadMarker(o.opts.MarkerPath); err == nil && marker != nil {
		status.StableVersion = marker.Version
		status.StableAt = marker.StableAt
	}
	specs, err := o.patches.Load()
	if err != nil {
		return nil, err
	}
	for _, s := range specs {
		if s.Active() {
			status.ActivePatches++
		} else {
			status.RetiredPatches++
		}
	}
	if report, err := ReadReport(o.opts.ReportPath); err == nil {
		status.LastReport = report
	}
	if artifacts, err := o.artifacts.List(); err == nil {
		status.Artifacts = artifacts
	}
	if events, err := o.auditLog.Tail(5); err == nil {
		status.RecentEvents = events
	}
	return status, nil
}

func (o *Orchestrator) notifyBestEffort(ctx context.Context, msg notify.Message) {
	if err := o.notifier.Notify(ctx, msg); err != nil {
		o.logger.Warn("notification delivery failed", "error", err)
	}
}

// newSupervisor wires the health supervisor's rollback surfaces to the
// orchestrator's stores for one upgrade.
func (o *Orchestrator) newSupervisor(marker *patchset.Marker, target string) *health.Supervisor {
	since := time.Time{}
	if marker != nil {
		since = marker.StableAt
	}
	return health.New(
		o.prober,
		o.artifacts,
		&recentDisabler{patches: o.patches, since: since},
		&rebuilder{o: o, version: target},
		&rollbackAuditor{log: o.auditLog},
		o.notifier,
		o.logger,
		o.opts.Health,
	)
}

// recentDisabler retires patches auto-admitted since the last stable
// deployment.
type recentDisabler struct {
	patches *patchset.Store
	since   time.Time
}

func (d *recentDisabler) DisableRecent(reason string) ([]string, error) {
	ids, err := d.patches.RecentAutoAdmitted(d.since)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := d.patches.Retire(ids, reason); err != nil {
		return nil, err
	}
	return ids, nil
}

// rebuilder re-runs build/publish/activate at the same version with
// the patch set as it now stands (recently retired patches excluded).
type rebuilder struct {
	o       *Orchestrator
	version string
}

func (r *rebuilder) RebuildAndActivate(ctx context.Context) error {
	specs, err := r.o.patches.Load()
	if err != nil {
		return err
	}
	build, err := r.o.builder.Build(ctx, r.version, specs)
	if err != nil {
		return err
	}
	defer build.Cleanup()

	stored, err := r.o.artifacts.Publish(build.OutputDir, store.Artifact{
		VersionTag: r.version,
		BuildID:    build.BuildID,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return r.o.artifacts.Activate(stored)
}

// rollbackAuditor adapts the audit log to the supervisor's surface.
type rollbackAuditor struct {
	log *audit.Log
}

func (a *rollbackAuditor) RecordRollback(scope health.Scope, target string, disabled []string, detail string) error {
	return a.log.RecordRollback(string(scope), target, disabled, detail)
}
