// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sandbox builds a patched upstream version in isolation.
//
// Each build materializes a disposable checkout, runs the strategy
// cascade over the full ordered patch set, installs dependencies,
// compiles, and verifies the well-known entry artifact exists. Every
// step is a hard gate: any failure aborts the build with zero effect
// on the live system, because nothing escapes the sandbox until the
// artifact store publishes it.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/patchline/cmd/patchline/internal/cascade"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/gitrun"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/patchset"
	"github.com/AleutianAI/patchline/pkg/logging"
)

// Config describes how to check out and compile the upstream app.
type Config struct {
	// RepoURL is the upstream clone URL.
	RepoURL string

	// InstallCommand installs dependencies, run through the shell in
	// the checkout root. Empty skips the step.
	InstallCommand string

	// BuildCommand compiles the app, run through the shell in the
	// checkout root.
	BuildCommand string

	// EntryArtifact is the checkout-relative path that must exist
	// after a successful build, e.g. "dist/main.js".
	EntryArtifact string

	// OutputDir is the checkout-relative directory published to the
	// artifact store. Empty publishes the entire checkout.
	OutputDir string

	// CommandTimeout bounds each install/build command. Zero means
	// 30 minutes.
	CommandTimeout time.Duration
}

// Result is a successful sandbox build.
type Result struct {
	BuildID    string
	VersionTag string

	// CheckoutDir is the disposable working tree; valid until Cleanup.
	CheckoutDir string

	// OutputDir is the directory to publish.
	OutputDir string

	// Ledger records which patches this build actually contains.
	Ledger *cascade.Result
}

// Cleanup removes the disposable checkout.
func (r *Result) Cleanup() {
	if r.CheckoutDir != "" {
		os.RemoveAll(r.CheckoutDir)
	}
}

// Sandbox runs isolated builds.
type Sandbox struct {
	git     *gitrun.Runner
	cascade *cascade.Cascade
	cfg     Config
	logger  *logging.Logger
}

// New creates a Sandbox.
func New(git *gitrun.Runner, casc *cascade.Cascade, cfg Config, logger *logging.Logger) *Sandbox {
	return &Sandbox{git: git, cascade: casc, cfg: cfg, logger: logger}
}

// Build checks out versionTag, applies the non-retired patches in
// their defined order, compiles, and verifies the entry artifact.
//
// # Description
//
// Per-patch apply failures are non-fatal and recorded in the ledger;
// the build proceeds with the patches that did apply. Checkout,
// install, compile, and entry-artifact failures are fatal and return
// an error with the sandbox already torn down. Order is the patch
// set's order; later patches may depend on earlier rewrites, and no
// cross-patch conflict resolution is attempted.
func (s *Sandbox) Build(ctx context.Context, versionTag string, patches []patchset.Spec) (*Result, error) {
	buildID := uuid.NewString()
	logger := s.logger.With("build_id", buildID, "version", versionTag)

	checkout, err := os.MkdirTemp("", "patchline-build-*")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox dir: %w", err)
	}
	result := &Result{
		BuildID:     buildID,
		VersionTag:  versionTag,
		CheckoutDir: checkout,
	}

	fail := func(step string, err error) (*Result, error) {
		result.Cleanup()
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	logger.Info("materializing checkout")
	if err := s.git.Clone(ctx, s.cfg.RepoURL, versionTag, checkout); err != nil {
		return fail("checkout", err)
	}

	active := patchset.ActivePatches(patches)
	logger.Info("applying patch set", "patches", len(active))
	ledger, err := s.cascade.Run(ctx, active, checkout)
	if err != nil {
		return fail("patch cascade", err)
	}
	result.Ledger = ledger
	if len(ledger.FailedIDs) > 0 {
		logger.Warn("building without failed patches", "failed", strings.Join(ledger.FailedIDs, ","))
	}

	if s.cfg.InstallCommand != "" {
		logger.Info("installing dependencies")
		if err := s.runCommand(ctx, checkout, s.cfg.InstallCommand); err != nil {
			return fail("dependency install", err)
		}
	}

	logger.Info("compiling")
	if err := s.runCommand(ctx, checkout, s.cfg.BuildCommand); err != nil {
		return fail("compile", err)
	}

	entry := filepath.Join(checkout, s.cfg.EntryArtifact)
	if _, err := os.Stat(entry); err != nil {
		return fail("entry artifact check", fmt.Errorf("required artifact %s missing: %w", s.cfg.EntryArtifact, err))
	}

	result.OutputDir = checkout
	if s.cfg.OutputDir != "" {
		result.OutputDir = filepath.Join(checkout, s.cfg.OutputDir)
	}

	logger.Info("build complete",
		"applied", len(ledger.AppliedIDs), "failed", len(ledger.FailedIDs))
	return result, nil
}

// runCommand executes a shell command in dir with a bounded timeout.
func (s *Sandbox) runCommand(ctx context.Context, dir, command string) error {
	timeout := s.cfg.CommandTimeout
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%q: %w: %s", command, err, tail(output, 2000))
	}
	return nil
}

// tail returns the last n bytes of output, where failures usually say
// what went wrong.
func tail(output []byte, n int) string {
	s := strings.TrimSpace(string(output))
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}
