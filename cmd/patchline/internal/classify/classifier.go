// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classify runs the pre-flight conflict check for an upstream
// version bump: it compares each active patch's file footprint against
// the delta between two release tags.
//
// The result is advisory. It tells the operator which patches will
// sail through, which will need attention, and which upstream has
// already absorbed — it does not block a build.
package classify

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/patchline/cmd/patchline/internal/cascade"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/gitrun"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/patchset"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/upstream"
	"github.com/AleutianAI/patchline/pkg/logging"
)

// Label is the classification of one patch against a version delta.
type Label string

const (
	// LabelClean means the patch's footprint does not intersect the
	// delta; it should apply unchanged.
	LabelClean Label = "clean"

	// LabelConflicting means at least one touched file changed
	// upstream between the two tags.
	LabelConflicting Label = "conflicting"

	// LabelRetired means the upstream tracker confirms the same fix
	// was merged; the patch should be retired before the upgrade.
	LabelRetired Label = "retired-upstream"
)

// Report is the classification of a whole patch set for one upgrade.
type Report struct {
	OldTag string `json:"oldTag"`
	NewTag string `json:"newTag"`

	// DeltaSource records which path produced the delta: "compare-api"
	// or "checkout-diff" (the fallback when the API result is capped).
	DeltaSource string `json:"deltaSource"`

	// Delta is the upstream file list changed between the tags.
	Delta []string `json:"delta"`

	Clean       []string `json:"clean"`
	Conflicting []string `json:"conflicting"`
	Retired     []string `json:"retired"`

	// Labels maps patch ID to its classification.
	Labels map[string]Label `json:"labels"`
}

// Classifier labels patches against an upstream version delta.
type Classifier struct {
	client  upstream.Client
	git     *gitrun.Runner
	repoURL string
	logger  *logging.Logger

	// statusParallelism bounds concurrent change-status lookups.
	statusParallelism int
}

// New creates a Classifier. repoURL is the clone URL used by the
// checkout-diff fallback.
func New(client upstream.Client, git *gitrun.Runner, repoURL string, logger *logging.Logger) *Classifier {
	return &Classifier{
		client:            client,
		git:               git,
		repoURL:           repoURL,
		logger:            logger,
		statusParallelism: 4,
	}
}

// Classify labels every non-retired patch as clean, conflicting, or
// retired-upstream for the oldTag → newTag upgrade.
//
// # Description
//
// The version delta comes from the compare API when it can return a
// complete list; a truncated or failed response falls back to cloning
// the repo and diffing the two tags directly, which derives the same
// file list without the size cap. Patch footprints come from the
// patch-set entry, or are discovered from the stored diff's headers
// when not declared. A patch whose footprint cannot be established is
// labeled conflicting: an advisory signal must not claim "clean"
// without evidence.
func (c *Classifier) Classify(ctx context.Context, oldTag, newTag string, patches []patchset.Spec, diffs cascade.DiffSource) (*Report, error) {
	delta, source, err := c.versionDelta(ctx, oldTag, newTag)
	if err != nil {
		return nil, fmt.Errorf("computing version delta %s..%s: %w", oldTag, newTag, err)
	}

	report := &Report{
		OldTag:      oldTag,
		NewTag:      newTag,
		DeltaSource: source,
		Delta:       delta,
		Labels:      make(map[string]Label),
	}

	deltaSet := make(map[string]bool, len(delta))
	for _, p := range delta {
		deltaSet[p] = true
	}

	merged, err := c.mergedUpstream(ctx, patches)
	if err != nil {
		return nil, err
	}

	for _, patch := range patches {
		if patch.Retired {
			continue
		}

		var label Label
		switch {
		case merged[patch.ID]:
			label = LabelRetired
		case c.footprintIntersects(ctx, patch, deltaSet, diffs):
			label = LabelConflicting
		default:
			label = LabelClean
		}

		report.Labels[patch.ID] = label
		switch label {
		case LabelClean:
			report.Clean = append(report.Clean, patch.ID)
		case LabelConflicting:
			report.Conflicting = append(report.Conflicting, patch.ID)
		case LabelRetired:
			report.Retired = append(report.Retired, patch.ID)
		}
	}
	return report, nil
}

// versionDelta returns the changed file list between two tags and the
// source that produced it.
func (c *Classifier) versionDelta(ctx context.Context, oldTag, newTag string) ([]string, string, error) {
	cmp, err := c.client.Compare(ctx, oldTag, newTag)
	if err == nil && !cmp.Truncated {
		return cmp.Files, "compare-api", nil
	}
	if err != nil {
		c.logger.Warn("compare API unavailable, falling back to checkout diff",
			"old", oldTag, "new", newTag, "error", err)
	} else {
		c.logger.Warn("compare API result truncated by size cap, falling back to checkout diff",
			"old", oldTag, "new", newTag, "files", len(cmp.Files))
	}

	files, err := c.checkoutDelta(ctx, oldTag, newTag)
	if err != nil {
		return nil, "", err
	}
	return files, "checkout-diff", nil
}

// checkoutDelta clones the repo at newTag, fetches oldTag, and derives
// the file list from a name-only tree diff.
func (c *Classifier) checkoutDelta(ctx context.Context, oldTag, newTag string) ([]string, error) {
	dir, cleanup, err := tempCheckoutDir()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := c.git.Clone(ctx, c.repoURL, newTag, dir); err != nil {
		return nil, err
	}
	if _, err := c.git.Run(ctx, dir, "fetch", "--quiet", "--depth=1", "origin",
		fmt.Sprintf("refs/tags/%s:refs/tags/%s", oldTag, oldTag)); err != nil {
		return nil, fmt.Errorf("fetching tag %s: %w", oldTag, err)
	}
	return c.git.NameOnlyDiff(ctx, dir, "refs/tags/"+oldTag, "HEAD")
}

// mergedUpstream asks the tracker which patches' origin changes are
// already merged. Lookups run concurrently with bounded parallelism; a
// lookup failure degrades to "not merged" rather than failing the
// whole classification, since the signal is advisory.
func (c *Classifier) mergedUpstream(ctx context.Context, patches []patchset.Spec) (map[string]bool, error) {
	merged := make(map[string]bool)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.statusParallelism)

	for _, patch := range patches {
		if patch.Retired || patch.Origin == "" {
			continue
		}
		patch := patch
		g.Go(func() error {
			status, err := c.client.ChangeStatus(gctx, patch.Origin)
			if err != nil {
				c.logger.Warn("change status lookup failed",
					"patch", patch.ID, "origin", patch.Origin, "error", err)
				return nil
			}
			if status.Merged {
				mu.Lock()
				merged[patch.ID] = true
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return merged, nil
}

// footprintIntersects reports whether the patch touches any file in
// the delta. Missing footprints are discovered from the stored diff;
// if that also fails, the answer is true (conservative).
func (c *Classifier) footprintIntersects(ctx context.Context, patch patchset.Spec, deltaSet map[string]bool, diffs cascade.DiffSource) bool {
	files := patch.Files
	if len(files) == 0 && patch.Kind == patchset.KindDiff {
		content, err := diffs.Fetch(ctx, patch.DiffLocator)
		if err == nil {
			files, err = cascade.Footprint(content)
		}
		if err != nil {
			c.logger.Warn("footprint unknown, classifying as conflicting",
				"patch", patch.ID, "error", err)
			return true
		}
	}
	if len(files) == 0 {
		return true
	}

	for _, f := range files {
		if deltaSet[f] {
			return true
		}
	}
	return false
}

func tempCheckoutDir() (string, func(), error) {
	dir, err := os.MkdirTemp("", "patchline-delta-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating checkout dir: %w", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}
