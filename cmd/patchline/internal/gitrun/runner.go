// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gitrun wraps the git binary for the handful of operations the
// pipeline needs: clones, tag diffs, patch application, and tree resets.
package gitrun

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes git commands in a working directory.
//
// # Thread Safety
//
// Runner is safe for concurrent use; it holds no mutable state.
type Runner struct{}

// NewRunner creates a git Runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Run executes git with the given args in dir and returns stdout.
//
// # Inputs
//
//   - ctx: Context for cancellation. Must not be nil.
//   - dir: Working directory. Empty means the process's cwd.
//   - args: git arguments, e.g. "diff", "--name-only".
//
// # Outputs
//
//   - string: Trimmed stdout.
//   - error: Non-nil if git exits non-zero; includes stderr for context.
func (r *Runner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	if ctx == nil {
		return "", fmt.Errorf("ctx must not be nil")
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// RunInput executes git with stdin supplied, for commands like
// "git apply -" that read a patch from standard input.
func (r *Runner) RunInput(ctx context.Context, dir string, input []byte, args ...string) (string, error) {
	if ctx == nil {
		return "", fmt.Errorf("ctx must not be nil")
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Clone checks out the given tag of repoURL into dir.
func (r *Runner) Clone(ctx context.Context, repoURL, tag, dir string) error {
	_, err := r.Run(ctx, "", "clone", "--quiet", "--branch", tag, repoURL, dir)
	if err != nil {
		return fmt.Errorf("cloning %s at %s: %w", repoURL, tag, err)
	}
	return nil
}

// NameOnlyDiff returns the file paths changed between two refs.
func (r *Runner) NameOnlyDiff(ctx context.Context, dir, oldRef, newRef string) ([]string, error) {
	out, err := r.Run(ctx, dir, "diff", "--name-only", oldRef, newRef)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ResetHard discards all uncommitted changes and untracked files,
// restoring the tree to HEAD.
func (r *Runner) ResetHard(ctx context.Context, dir string) error {
	if _, err := r.Run(ctx, dir, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err := r.Run(ctx, dir, "clean", "-fd")
	return err
}

// CommitAll stages and commits every change in the tree. A clean tree
// commits nothing and returns nil.
func (r *Runner) CommitAll(ctx context.Context, dir, message string) error {
	if _, err := r.Run(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	status, err := r.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return err
	}
	if status == "" {
		return nil
	}
	_, err = r.Run(ctx, dir, "-c", "user.name=patchline", "-c", "user.email=patchline@localhost",
		"commit", "--quiet", "-m", message)
	return err
}
