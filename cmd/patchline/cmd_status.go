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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

// runStatusCommand prints the deployment's current state.
func runStatusCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := newLogger("status")
	defer logger.Close()

	orch, err := newOrchestrator(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	status, err := orch.CurrentStatus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}

	if statusJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if status.StableVersion == "" {
		fmt.Println("No stable deployment yet.")
	} else {
		fmt.Printf("Stable version:  %s (since %s)\n",
			status.StableVersion, status.StableAt.Format(time.RFC3339))
	}
	if status.ActiveArtifact != "" {
		fmt.Printf("Active artifact: %s\n", filepath.Base(status.ActiveArtifact))
	}
	fmt.Printf("Patch set:       %d active, %d retired\n",
		status.ActivePatches, status.RetiredPatches)
	if status.LastReport != nil {
		r := status.LastReport
		fmt.Printf("Last run:        %s phase=%s health=%s\n",
			r.FinishedAt.Format(time.RFC3339), r.Phase, r.HealthState)
		if r.Error != "" {
			fmt.Printf("                 error: %s\n", r.Error)
		}
	}
	if len(status.RecentEvents) > 0 {
		fmt.Println("\nRecent activity:")
		for _, e := range status.RecentEvents {
			outcome := "ok"
			if !e.Success {
				outcome = "FAILED"
			}
			fmt.Printf("  %s %-14s %-8s %s\n",
				e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, outcome, e.Detail)
		}
	}
}

// runVersionsCommand lists stored artifacts, oldest first.
func runVersionsCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := newLogger("versions")
	defer logger.Close()

	orch, err := newOrchestrator(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	status, err := orch.CurrentStatus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Versions failed: %v\n", err)
		os.Exit(1)
	}

	if len(status.Artifacts) == 0 {
		fmt.Println("No artifacts stored.")
		return
	}
	for _, a := range status.Artifacts {
		marker := " "
		if status.ActiveArtifact != "" && filepath.Base(status.ActiveArtifact) == filepath.Base(a.Path) {
			marker = "*"
		}
		fmt.Printf("%s %-20s %s  build %s\n",
			marker, filepath.Base(a.Path), a.CreatedAt.Format("2006-01-02 15:04:05"), a.BuildID)
	}
}
