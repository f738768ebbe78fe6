// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package admission

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/patchline/cmd/patchline/internal/cascade"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/gitrun"
	"github.com/AleutianAI/patchline/pkg/logging"
)

type memDiffs map[string][]byte

func (m memDiffs) Fetch(ctx context.Context, locator string) ([]byte, error) {
	content, ok := m[locator]
	if !ok {
		return nil, fmt.Errorf("no diff at %s", locator)
	}
	return content, nil
}

const applyingDiff = `--- a/app.js
+++ b/app.js
@@ -1,1 +1,1 @@
-const port = 3000
+const port = 8080
`

const failingDiff = `--- a/app.js
+++ b/app.js
@@ -1,1 +1,1 @@
-content that is not in the tree
+replacement
`

// scratchTree creates a git checkout the dry-run can probe.
func scratchTree(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	git := gitrun.NewRunner()
	ctx := context.Background()

	mustGit := func(args ...string) {
		t.Helper()
		if _, err := git.Run(ctx, dir, args...); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}
	mustGit("init", "--quiet")
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("const port = 3000\n"), 0640); err != nil {
		t.Fatal(err)
	}
	mustGit("add", "-A")
	mustGit("-c", "user.name=t", "-c", "user.email=t@t", "commit", "--quiet", "-m", "base")
	return dir
}

func newGate(diffs memDiffs) *Gate {
	logger := logging.New(logging.Config{Quiet: true})
	casc := cascade.New(gitrun.NewRunner(), diffs, logger)
	return New(DefaultPolicy(), casc, logger)
}

func TestGate_HighScoreSecurityFixAdmitted(t *testing.T) {
	tree := scratchTree(t)
	gate := newGate(memDiffs{"fix.diff": []byte(applyingDiff)})

	verdict := gate.Admit(context.Background(), ScoredChange{
		ID: "cve-fix", Score: 90, Intent: IntentSecurity, DiffLocator: "fix.diff",
	}, tree)

	if !verdict.Admitted {
		t.Fatalf("verdict = %+v, want admitted", verdict)
	}
	if verdict.Spec == nil || !verdict.Spec.AutoAdmitted {
		t.Fatalf("admitted spec = %+v, want auto-admitted marker", verdict.Spec)
	}
	if verdict.Spec.AddedAt.IsZero() {
		t.Error("admitted spec missing AddedAt")
	}

	// The dry-run must not have touched the scratch tree.
	data, err := os.ReadFile(filepath.Join(tree, "app.js"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "port = 3000") {
		t.Errorf("dry-run mutated the scratch tree: %s", data)
	}
}

func TestGate_HighScoreFeatureRoutedToReview(t *testing.T) {
	tree := scratchTree(t)
	gate := newGate(memDiffs{"feat.diff": []byte(applyingDiff)})

	// Score 95 clears every numeric bar, but a feature is never
	// auto-admitted.
	verdict := gate.Admit(context.Background(), ScoredChange{
		ID: "shiny", Score: 95, Intent: IntentFeature, DiffLocator: "feat.diff",
	}, tree)

	if verdict.Admitted {
		t.Fatal("feature intent must not be auto-admitted")
	}
	if !verdict.NeedsReview {
		t.Errorf("verdict = %+v, want manual review routing", verdict)
	}
}

func TestGate_BugfixFailingDryRunRejected(t *testing.T) {
	tree := scratchTree(t)
	gate := newGate(memDiffs{"bug.diff": []byte(failingDiff)})

	verdict := gate.Admit(context.Background(), ScoredChange{
		ID: "bad-fix", Score: 85, Intent: IntentBugfix, DiffLocator: "bug.diff",
	}, tree)

	if verdict.Admitted {
		t.Fatal("candidate failing the dry-run must not be admitted")
	}
	if verdict.NeedsReview {
		t.Error("a dry-run failure is a rejection, not a review case")
	}
	if !strings.Contains(verdict.Reason, "dry-run") {
		t.Errorf("reason = %q", verdict.Reason)
	}
}

func TestGate_ScoreBelowMinimumRejected(t *testing.T) {
	tree := scratchTree(t)
	gate := newGate(memDiffs{"fix.diff": []byte(applyingDiff)})

	verdict := gate.Admit(context.Background(), ScoredChange{
		ID: "weak", Score: 79, Intent: IntentBugfix, DiffLocator: "fix.diff",
	}, tree)

	if verdict.Admitted || verdict.NeedsReview {
		t.Fatalf("verdict = %+v, want plain rejection", verdict)
	}
	if !strings.Contains(verdict.Reason, "below minimum") {
		t.Errorf("reason = %q", verdict.Reason)
	}
}

func TestGate_MissingLocatorRejected(t *testing.T) {
	tree := scratchTree(t)
	gate := newGate(memDiffs{})

	verdict := gate.Admit(context.Background(), ScoredChange{
		ID: "no-diff", Score: 90, Intent: IntentSecurity,
	}, tree)
	if verdict.Admitted {
		t.Fatal("candidate without a diff locator must not be admitted")
	}
}

func TestGate_EvaluateBatch(t *testing.T) {
	tree := scratchTree(t)
	gate := newGate(memDiffs{
		"ok.diff":  []byte(applyingDiff),
		"bad.diff": []byte(failingDiff),
	})

	changes := []ScoredChange{
		{ID: "good", Score: 88, Intent: IntentCrashPrevention, DiffLocator: "ok.diff"},
		{ID: "bad", Score: 85, Intent: IntentBugfix, DiffLocator: "bad.diff"},
		{ID: "feat", Score: 99, Intent: IntentRefactor, DiffLocator: "ok.diff"},
		{ID: "weak", Score: 10, Intent: IntentBugfix, DiffLocator: "ok.diff"},
	}
	verdicts, admitted := gate.Evaluate(context.Background(), changes, tree)

	if len(verdicts) != 4 {
		t.Fatalf("verdicts = %d, want 4", len(verdicts))
	}
	if len(admitted) != 1 || admitted[0].ID != "good" {
		t.Fatalf("admitted = %+v, want only good", admitted)
	}
	if !verdicts[2].NeedsReview {
		t.Error("refactor intent should route to review")
	}
}
