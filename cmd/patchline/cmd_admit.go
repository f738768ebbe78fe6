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
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/patchline/cmd/patchline/config"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/audit"
	"github.com/AleutianAI/patchline/cmd/patchline/internal/patchset"
)

// runAdmitCommand evaluates discovered candidates for admission into
// the patch set.
func runAdmitCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	logger := newLogger("admit")
	defer logger.Close()

	orch, err := newOrchestrator(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	verdicts, err := orch.AdmitCycle(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Admission cycle failed: %v\n", err)
		os.Exit(1)
	}
	if len(verdicts) == 0 {
		fmt.Println("No candidates to evaluate.")
		return
	}

	admitted, review, rejected := 0, 0, 0
	for _, v := range verdicts {
		switch {
		case v.Admitted:
			admitted++
			fmt.Printf("admitted  %s\n", v.ChangeID)
		case v.NeedsReview:
			review++
			fmt.Printf("review    %s: %s\n", v.ChangeID, v.Reason)
		default:
			rejected++
			fmt.Printf("rejected  %s: %s\n", v.ChangeID, v.Reason)
		}
	}
	fmt.Printf("\n%d admitted, %d for review, %d rejected\n", admitted, review, rejected)
}

// runRetireCommand retires patches by ID, keeping their history.
func runRetireCommand(cmd *cobra.Command, args []string) {
	logger := newLogger("retire")
	defer logger.Close()

	cfg := &config.Global
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	patches := patchset.NewStore(cfg.PatchSetPath())
	if err := patches.Retire(args, retireReason); err != nil {
		fmt.Fprintf(os.Stderr, "Retire failed: %v\n", err)
		os.Exit(1)
	}

	auditLog, err := audit.Open(cfg.AuditPath())
	if err == nil {
		if aerr := auditLog.Append(audit.Event{
			Action:  audit.ActionPatchRetire,
			Success: true,
			Patches: args,
			Detail:  retireReason,
		}); aerr != nil {
			logger.Warn("audit append failed", "error", aerr)
		}
	}
	fmt.Printf("Retired: %s\n", strings.Join(args, ", "))
}
