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
	"time"

	"github.com/spf13/cobra"
)

// runAnalyzeCommand classifies the patch set against a pending
// upgrade and prints the advisory report.
func runAnalyzeCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	logger := newLogger("analyze")
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
	report, err := orch.Analyze(ctx, target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Analyze failed: %v\n", err)
		os.Exit(1)
	}

	if analyzeJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("Upgrade %s -> %s (delta: %d files via %s)\n\n",
		report.OldTag, report.NewTag, len(report.Delta), report.DeltaSource)
	printLabelGroup("Clean", report.Clean)
	printLabelGroup("Conflicting", report.Conflicting)
	printLabelGroup("Retired upstream", report.Retired)
	if len(report.Conflicting) > 0 {
		fmt.Println("\nConflicting patches may still apply through the fallback strategies;")
		fmt.Println("run the upgrade in a test window or resolve them first.")
	}
}

func printLabelGroup(title string, ids []string) {
	fmt.Printf("%s (%d):\n", title, len(ids))
	if len(ids) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, id := range ids {
		fmt.Printf("  - %s\n", id)
	}
}
