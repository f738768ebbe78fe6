// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"path/filepath"

	"github.com/AleutianAI/patchline/cmd/patchline/config"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/admission"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/audit"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/cascade"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/classify"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/gitrun"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/health"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/patchset"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/pipeline"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/process"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/sandbox"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/store"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/upstream"
	"github.com/AleutianAI/patchline/pkg/logging"
	"github.com/AleutianAI/patchline/pkg/notify"
)

// newLogger builds the CLI logger from the loaded config.
func newLogger(service string) *logging.Logger {
	cfg := &config.Global
	level := logging.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: service,
	})
}

// newOrchestrator wires the full pipeline from the loaded config.
func newOrchestrator(logger *logging.Logger) (*pipeline.Orchestrator, error) {
	cfg := &config.Global
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	git := gitrun.NewRunner()
	client := upstream.NewHTTPClient(cfg.Upstream.APIBase, cfg.Upstream.Repo, cfg.Token())

	patches := patchset.NewStore(cfg.PatchSetPath())
	artifacts, err := store.New(cfg.Deploy.Root, logger)
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.Open(cfg.AuditPath())
	if err != nil {
		return nil, err
	}

	diffs := pipeline.NewDiffResolver(client, filepath.Dir(cfg.PatchSetPath()))
	casc := cascade.New(git, diffs, logger)
	builder := sandbox.New(git, casc, sandbox.Config{
		RepoURL:        cfg.Upstream.RepoURL,
		InstallCommand: cfg.Build.InstallCommand,
		BuildCommand:   cfg.Build.BuildCommand,
		EntryArtifact:  cfg.Build.EntryArtifact,
		OutputDir:      cfg.Build.OutputDir,
		CommandTimeout: cfg.Build.CommandTimeout,
	}, logger)
	classifier := classify.New(client, git, cfg.Upstream.RepoURL, logger)
	gate := admission.New(admission.Policy{MinScore: cfg.Admission.MinScore}, casc, logger)

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL)
	}
	prober := health.NewProcessProber(cfg.Health.PIDFile, cfg.Health.EndpointURL)

	opts := pipeline.Options{
		RepoURL:        cfg.Upstream.RepoURL,
		MarkerPath:     cfg.MarkerPath(),
		ReportPath:     cfg.ReportPath(),
		CandidatesPath: cfg.Admission.CandidatesPath,
		KeepArtifacts:  cfg.Deploy.KeepArtifacts,
		Health: health.Config{
			Interval: cfg.Health.Interval,
			Window:   cfg.Health.Window,
		},
	}
	return pipeline.New(opts, logger, git, client, patches, artifacts, builder,
		casc, classifier, gate, auditLog, notifier,
		process.NewPipelineLock(cfg.Deploy.Root), diffs, prober), nil
}
