// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cascade applies one patch to a working tree through a
// priority-ordered list of relaxation strategies.
//
// The order is fixed: a hand-authored procedure takes absolute
// priority; then the stored diff must apply with zero fuzz; then the
// diff is retried with upstream test churn excluded; then with
// changelog drift excluded as well; three-way merge is the last resort
// and its successes are flagged lower-confidence. Only the first
// strategy that would apply cleanly is used, so a patch is either
// fully applied via exactly one strategy or not applied at all.
//
// A single patch failing every strategy is non-fatal to the run; it
// only excludes that patch from the build being assembled.
package cascade

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/AleutianAI/patchline/cmd/patchline/internal/gitrun"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/patchset"
	"github.com/AleutianAI/patchline/pkg/logging"
)

// Strategy names one rung of the cascade.
type Strategy string

const (
	StrategyProcedural            Strategy = "procedural"
	StrategyExact                 Strategy = "exact"
	StrategyExcludeTests          Strategy = "exclude-tests"
	StrategyExcludeTestsChangelog Strategy = "exclude-tests-changelog"
	StrategyThreeWay              Strategy = "three-way"
	StrategyNone                  Strategy = "none"
)

// Outcome is the immutable record of one cascade attempt for one patch.
type Outcome struct {
	PatchID  string   `json:"patchId"`
	Strategy Strategy `json:"strategyUsed"`
	Applied  bool     `json:"applied"`

	// LowConfidence is set when the patch only went in via three-way
	// merge; the result builds, but drifted further from the stored
	// diff than the relaxed-exclusion strategies allow.
	LowConfidence bool `json:"lowConfidence,omitempty"`

	// Reason explains a failure; empty on success.
	Reason string `json:"reason,omitempty"`
}

// Result aggregates one cascade run over a full patch set.
type Result struct {
	AppliedIDs []string  `json:"appliedIds"`
	FailedIDs  []string  `json:"failedIds"`
	Outcomes   []Outcome `json:"outcomes"`
}

// DiffSource fetches stored diff content by locator. A fetch failure
// is treated identically to all strategies failing for that patch.
type DiffSource interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// Cascade applies patches to a working tree.
//
// # Description
//
// The tree must be a git checkout: the cascade uses git to check and
// apply diffs, commits after every applied patch so a later three-way
// failure can be rolled back without disturbing earlier patches, and
// resets the tree on partial failures to keep per-patch application
// atomic.
//
// # Thread Safety
//
// Not safe for concurrent use against the same tree. The pipeline runs
// one build at a time under the process lock.
type Cascade struct {
	git    *gitrun.Runner
	diffs  DiffSource
	logger *logging.Logger

	// ProcedureResolver maps a Spec.Procedure value to an executable
	// path. Defaults to the identity function.
	ProcedureResolver func(string) string
}

// New creates a Cascade.
func New(git *gitrun.Runner, diffs DiffSource, logger *logging.Logger) *Cascade {
	return &Cascade{
		git:               git,
		diffs:             diffs,
		logger:            logger,
		ProcedureResolver: func(p string) string { return p },
	}
}

// Run applies every patch in order and aggregates the outcomes.
// Per-patch failures are recorded, not propagated; the only error
// return is context cancellation.
func (c *Cascade) Run(ctx context.Context, patches []patchset.Spec, tree string) (*Result, error) {
	result := &Result{}
	for _, patch := range patches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		outcome := c.Apply(ctx, patch, tree)
		result.Outcomes = append(result.Outcomes, outcome)
		if outcome.Applied {
			result.AppliedIDs = append(result.AppliedIDs, patch.ID)
		} else {
			result.FailedIDs = append(result.FailedIDs, patch.ID)
			c.logger.Warn("patch failed all strategies",
				"patch", patch.ID, "reason", outcome.Reason)
		}
	}
	return result, nil
}

// Apply runs the cascade for one patch and mutates the tree on success.
func (c *Cascade) Apply(ctx context.Context, patch patchset.Spec, tree string) Outcome {
	return c.run(ctx, patch, tree, false)
}

// Check runs the cascade in check-only mode: it reports the strategy
// that would apply the patch without mutating the tree. Procedural
// patches cannot be checked without running their procedure, so Check
// refuses them; admission candidates are always diffs.
func (c *Cascade) Check(ctx context.Context, patch patchset.Spec, tree string) Outcome {
	if patch.Kind == patchset.KindProcedural {
		return Outcome{
			PatchID:  patch.ID,
			Strategy: StrategyNone,
			Reason:   "procedural patches cannot be check-only applied",
		}
	}
	return c.run(ctx, patch, tree, true)
}

func (c *Cascade) run(ctx context.Context, patch patchset.Spec, tree string, checkOnly bool) Outcome {
	// Procedural takes absolute priority and never falls through to
	// diff strategies, even when a diff is also present.
	if patch.Kind == patchset.KindProcedural {
		return c.applyProcedural(ctx, patch, tree)
	}

	content, err := c.diffs.Fetch(ctx, patch.DiffLocator)
	if err != nil {
		return Outcome{
			PatchID:  patch.ID,
			Strategy: StrategyNone,
			Reason:   fmt.Sprintf("fetching diff: %v", err),
		}
	}

	var reasons []string
	for _, variant := range c.diffVariants(patch.ID, content) {
		if variant.skip {
			continue
		}
		outcome, tried := c.tryDiff(ctx, patch.ID, variant, tree, checkOnly)
		if outcome.Applied {
			return outcome
		}
		if tried != "" {
			reasons = append(reasons, tried)
		}
	}

	return Outcome{
		PatchID:  patch.ID,
		Strategy: StrategyNone,
		Reason:   strings.Join(reasons, "; "),
	}
}

// diffVariant is one relaxation of the stored diff.
type diffVariant struct {
	strategy Strategy
	content  []byte
	threeWay bool
	empty    bool // every file was excluded; applies trivially
	skip     bool // filtering changed nothing, result would repeat exact
}

func (c *Cascade) diffVariants(patchID string, content []byte) []diffVariant {
	variants := []diffVariant{
		{strategy: StrategyExact, content: content},
	}

	noTests, keptTests, droppedTests, err := FilterDiff(content, IsTestPath)
	if err != nil {
		c.logger.Warn("diff unparseable, relaxed strategies unavailable", "patch", patchID, "error", err)
	} else {
		variants = append(variants, diffVariant{
			strategy: StrategyExcludeTests,
			content:  noTests,
			empty:    keptTests == 0,
			skip:     droppedTests == 0, // nothing excluded, would repeat exact
		})

		noBoth, keptBoth, droppedBoth, err := FilterDiff(content, func(path string) bool {
			return IsTestPath(path) || IsChangelogPath(path)
		})
		if err == nil {
			variants = append(variants, diffVariant{
				strategy: StrategyExcludeTestsChangelog,
				content:  noBoth,
				empty:    keptBoth == 0,
				skip:     droppedBoth == droppedTests, // no further exclusion
			})
		}
	}

	variants = append(variants, diffVariant{
		strategy: StrategyThreeWay,
		content:  content,
		threeWay: true,
	})
	return variants
}

// tryDiff attempts one variant. The second return is a short failure
// note for the aggregate reason string, empty when the variant applied.
func (c *Cascade) tryDiff(ctx context.Context, patchID string, v diffVariant, tree string, checkOnly bool) (Outcome, string) {
	if v.empty {
		// Every hunk fell into the excluded set; nothing
		// runtime-relevant remains, so the patch is a clean no-op.
		if !checkOnly {
			if err := c.git.CommitAll(ctx, tree, fmt.Sprintf("patch %s (%s, no-op)", patchID, v.strategy)); err != nil {
				return Outcome{PatchID: patchID, Strategy: StrategyNone}, fmt.Sprintf("%s: %v", v.strategy, err)
			}
		}
		return Outcome{PatchID: patchID, Strategy: v.strategy, Applied: true}, ""
	}

	if v.threeWay {
		// git apply --check does not combine with --3way on every git
		// we support, so the merge is attempted for real and the tree
		// reset if it does not take. Earlier patches are committed, so
		// the reset cannot disturb them.
		if _, err := c.git.RunInput(ctx, tree, v.content, "apply", "--3way", "-"); err != nil {
			if resetErr := c.git.ResetHard(ctx, tree); resetErr != nil {
				c.logger.Error("tree reset failed after three-way attempt",
					"patch", patchID, "error", resetErr)
			}
			return Outcome{PatchID: patchID, Strategy: StrategyNone}, "three-way: merge failed"
		}
		if checkOnly {
			if err := c.git.ResetHard(ctx, tree); err != nil {
				c.logger.Error("tree reset failed after three-way check",
					"patch", patchID, "error", err)
			}
			return Outcome{PatchID: patchID, Strategy: v.strategy, Applied: true, LowConfidence: true}, ""
		}
	} else {
		if _, err := c.git.RunInput(ctx, tree, v.content, "apply", "--check", "-"); err != nil {
			return Outcome{PatchID: patchID, Strategy: StrategyNone}, fmt.Sprintf("%s: does not apply", v.strategy)
		}
		if checkOnly {
			return Outcome{PatchID: patchID, Strategy: v.strategy, Applied: true}, ""
		}
		if _, err := c.git.RunInput(ctx, tree, v.content, "apply", "-"); err != nil {
			// The check passed but the apply did not; restore the tree
			// to the last committed patch so nothing partial survives.
			if resetErr := c.git.ResetHard(ctx, tree); resetErr != nil {
				c.logger.Error("tree reset failed after partial apply",
					"patch", patchID, "error", resetErr)
			}
			return Outcome{PatchID: patchID, Strategy: StrategyNone}, fmt.Sprintf("%s: apply failed after check", v.strategy)
		}
	}

	if err := c.git.CommitAll(ctx, tree, fmt.Sprintf("patch %s (%s)", patchID, v.strategy)); err != nil {
		return Outcome{PatchID: patchID, Strategy: StrategyNone}, fmt.Sprintf("%s: commit: %v", v.strategy, err)
	}

	return Outcome{
		PatchID:       patchID,
		Strategy:      v.strategy,
		Applied:       true,
		LowConfidence: v.threeWay,
	}, ""
}

// applyProcedural runs the patch's repair procedure against the tree
// root. Procedures are contractually idempotent: exit 0 means the tree
// is in the target state, whether or not anything changed.
func (c *Cascade) applyProcedural(ctx context.Context, patch patchset.Spec, tree string) Outcome {
	procPath := c.ProcedureResolver(patch.Procedure)

	cmd := exec.CommandContext(ctx, procPath, tree)
	cmd.Dir = tree
	output, err := cmd.CombinedOutput()
	if err != nil {
		return Outcome{
			PatchID:  patch.ID,
			Strategy: StrategyNone,
			Reason:   fmt.Sprintf("procedure %s: %v: %s", patch.Procedure, err, firstLine(output)),
		}
	}

	if err := c.git.CommitAll(ctx, tree, fmt.Sprintf("patch %s (procedural)", patch.ID)); err != nil {
		return Outcome{
			PatchID:  patch.ID,
			Strategy: StrategyNone,
			Reason:   fmt.Sprintf("committing procedural result: %v", err),
		}
	}

	return Outcome{PatchID: patch.ID, Strategy: StrategyProcedural, Applied: true}
}

func firstLine(output []byte) string {
	s := strings.TrimSpace(string(output))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
