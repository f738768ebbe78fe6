// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package admission gates auto-discovered candidate patches before
// they join the ordered patch set.
//
// A candidate passes only when three independent checks all pass: its
// relevance score clears the policy minimum, its declared intent is in
// the stability allow-set, and a dry-run of the application cascade
// succeeds against a scratch checkout. High-scoring candidates outside
// the allow-set are never auto-admitted regardless of score; they are
// routed to manual review instead.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/patchline/cmd/patchline/internal/cascade"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/patchset"
	"github.com/AleutianAI/patchline/pkg/logging"
)

// Intent classifies why a candidate change exists.
type Intent string

const (
	IntentBugfix          Intent = "bugfix"
	IntentSecurity        Intent = "security"
	IntentCrashPrevention Intent = "crash-prevention"
	IntentStability       Intent = "stability"
	IntentRegression      Intent = "regression"
	IntentFeature         Intent = "feature"
	IntentRefactor        Intent = "refactor"
)

// ScoredChange is an auto-discovered candidate patch with its
// relevance score from the discovery pipeline.
type ScoredChange struct {
	ID          string `json:"id"`
	Score       int    `json:"score"`
	Intent      Intent `json:"intent"`
	DiffLocator string `json:"diff_locator"`
	Description string `json:"description,omitempty"`
	Origin      string `json:"origin,omitempty"`
}

// Policy is the admission criteria.
type Policy struct {
	// MinScore is the lowest auto-admissible relevance score.
	MinScore int

	// AllowedIntents is the stability allow-set. Intents outside it
	// are never auto-admitted.
	AllowedIntents map[Intent]bool
}

// DefaultPolicy returns the standard stability-oriented policy.
func DefaultPolicy() Policy {
	return Policy{
		MinScore: 80,
		AllowedIntents: map[Intent]bool{
			IntentBugfix:          true,
			IntentSecurity:        true,
			IntentCrashPrevention: true,
			IntentStability:       true,
			IntentRegression:      true,
		},
	}
}

// Verdict is the gate's decision for one candidate.
type Verdict struct {
	ChangeID string
	Admitted bool

	// NeedsReview marks candidates worth a human look: high score but
	// outside the intent allow-set.
	NeedsReview bool

	// Reason explains a rejection or review routing.
	Reason string

	// Spec is the patch set entry for an admitted candidate.
	Spec *patchset.Spec
}

// Gate evaluates candidates against the policy and a scratch tree.
type Gate struct {
	policy  Policy
	cascade *cascade.Cascade
	logger  *logging.Logger
}

// New creates a Gate. A zero MinScore falls back to the default
// policy's threshold.
func New(policy Policy, casc *cascade.Cascade, logger *logging.Logger) *Gate {
	if policy.MinScore <= 0 {
		policy.MinScore = DefaultPolicy().MinScore
	}
	if policy.AllowedIntents == nil {
		policy.AllowedIntents = DefaultPolicy().AllowedIntents
	}
	return &Gate{policy: policy, cascade: casc, logger: logger}
}

// Admit evaluates one candidate. scratchTree must be a disposable
// checkout of the currently deployed version carrying the active patch
// set; the dry-run leaves it unmodified.
func (g *Gate) Admit(ctx context.Context, change ScoredChange, scratchTree string) Verdict {
	verdict := Verdict{ChangeID: change.ID}

	if change.ID == "" || change.DiffLocator == "" {
		verdict.Reason = "candidate missing id or diff locator"
		return verdict
	}

	if change.Score < g.policy.MinScore {
		verdict.Reason = fmt.Sprintf("score %d below minimum %d", change.Score, g.policy.MinScore)
		return verdict
	}

	if !g.policy.AllowedIntents[change.Intent] {
		// Score alone never overrides the allow-set. A 95-point
		// feature still goes to a human.
		verdict.NeedsReview = true
		verdict.Reason = fmt.Sprintf("intent %q outside the stability allow-set", change.Intent)
		return verdict
	}

	spec := patchset.Spec{
		ID:           change.ID,
		Kind:         patchset.KindDiff,
		Risk:         patchset.RiskMedium,
		Description:  change.Description,
		DiffLocator:  change.DiffLocator,
		Origin:       change.Origin,
		AutoAdmitted: true,
		AddedAt:      time.Now().UTC(),
	}

	outcome := g.cascade.Check(ctx, spec, scratchTree)
	if !outcome.Applied {
		verdict.Reason = fmt.Sprintf("dry-run application failed: %s", outcome.Reason)
		return verdict
	}

	verdict.Admitted = true
	verdict.Spec = &spec
	return verdict
}

// Evaluate runs the gate over a batch of candidates in order and
// returns every verdict plus the admitted specs, ready to append to
// the patch set. A dry-run failure only rejects that candidate, never
// the batch.
func (g *Gate) Evaluate(ctx context.Context, changes []ScoredChange, scratchTree string) ([]Verdict, []patchset.Spec) {
	verdicts := make([]Verdict, 0, len(changes))
	var admitted []patchset.Spec

	for _, change := range changes {
		verdict := g.Admit(ctx, change, scratchTree)
		verdicts = append(verdicts, verdict)

		switch {
		case verdict.Admitted:
			g.logger.Info("candidate admitted",
				"id", change.ID, "score", change.Score, "intent", string(change.Intent))
			admitted = append(admitted, *verdict.Spec)
		case verdict.NeedsReview:
			g.logger.Warn("candidate routed to manual review",
				"id", change.ID, "score", change.Score, "reason", verdict.Reason)
		default:
			g.logger.Info("candidate rejected",
				"id", change.ID, "reason", verdict.Reason)
		}
	}
	return verdicts, admitted
}
