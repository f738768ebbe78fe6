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
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

// runUpgradeCommand executes the full upgrade lifecycle and exits
// non-zero unless the deployment ends Stable.
func runUpgradeCommand(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger("upgrade")
	defer logger.Close()

	orch, err := newOrchestrator(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	target := ""
	if len(args) > 0 {
		target = args[0]
	}

	report, err := orch.Upgrade(ctx, target, upgradeForce)
	if report != nil {
		fmt.Printf("Target version:  %s\n", report.TargetVersion)
		if len(report.AppliedPatches) > 0 {
			fmt.Printf("Applied patches: %s\n", strings.Join(report.AppliedPatches, ", "))
		}
		if len(report.FailedPatches) > 0 {
			fmt.Printf("Failed patches:  %s\n", strings.Join(report.FailedPatches, ", "))
		}
		if report.HealthState != "" {
			fmt.Printf("Health:          %s\n", report.HealthState)
		}
		if report.RolledBack != "" {
			fmt.Printf("Rolled back:     %s\n", report.RolledBack)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Upgrade failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Upgrade complete and stable.")
}
