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
	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "patchline",
		Short: "Keep a locally deployed app patched against its upstream",
		Long: `Patchline maintains a local deployment of an upstream application
together with an ordered set of out-of-tree patches. It builds new
upstream versions with the patch set applied, deploys them atomically,
monitors the result, and rolls back automatically when a deployment
misbehaves.`,
	}
	configPath string

	upgradeCmd = &cobra.Command{
		Use:   "upgrade [version]",
		Short: "Build, deploy, and monitor an upstream version with the patch set",
		Long: `Builds the given upstream version (or the newest release when omitted)
in a sandbox with the full patch set applied, publishes the result to
the artifact store, activates it, and watches it through a monitoring
window. The command exits non-zero unless the deployment ends Stable.`,
		Args: cobra.MaximumNArgs(1),
		Run:  runUpgradeCommand,
	}
	upgradeForce bool

	analyzeCmd = &cobra.Command{
		Use:   "analyze [version]",
		Short: "Classify the patch set against a pending upgrade",
		Long: `Compares the currently deployed version with the target and labels each
patch clean, conflicting, or retired-upstream. Advisory only: nothing
is built or deployed.`,
		Args: cobra.MaximumNArgs(1),
		Run:  runAnalyzeCommand,
	}
	analyzeJSON bool

	rollbackCmd = &cobra.Command{
		Use:   "rollback",
		Short: "Re-point the deployment at the previous artifact",
		Run:   runRollbackCommand,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the deployed version, patch set, and last run outcome",
		Run:   runStatusCommand,
	}
	statusJSON bool

	versionsCmd = &cobra.Command{
		Use:   "versions",
		Short: "List stored deployment artifacts",
		Run:   runVersionsCommand,
	}

	admitCmd = &cobra.Command{
		Use:   "admit",
		Short: "Evaluate discovered candidate patches for admission",
		Long: `Reads the candidates file produced by the discovery pipeline and runs
each candidate through the admission gate: relevance score, stability
intent, and a dry-run application against the current patched tree.
Admitted candidates join the patch set; high-scoring candidates outside
the stability intents are listed for manual review.`,
		Run: runAdmitCommand,
	}

	retireCmd = &cobra.Command{
		Use:   "retire [patch-id]...",
		Short: "Retire patches from the active set",
		Args:  cobra.MinimumNArgs(1),
		Run:   runRetireCommand,
	}
	retireReason string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to an alternate config file")

	upgradeCmd.Flags().BoolVarP(&upgradeForce, "force", "f", false,
		"Rebuild even when the target matches the stable marker")
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false,
		"Output as JSON for scripting")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false,
		"Output as JSON for scripting")
	retireCmd.Flags().StringVar(&retireReason, "reason", "retired by operator",
		"Reason recorded with the retirement")

	rootCmd.AddCommand(upgradeCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(admitCmd)
	rootCmd.AddCommand(retireCmd)
}
