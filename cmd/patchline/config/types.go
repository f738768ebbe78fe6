// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type PatchlineConfig struct {
	// Upstream: where releases and diffs come from
	Upstream UpstreamConfig `yaml:"upstream"`

	// Deploy: local deployment layout
	Deploy DeployConfig `yaml:"deploy"`

	// Build: how to compile the app in the sandbox
	Build BuildConfig `yaml:"build"`

	// Health: post-activation monitoring
	Health HealthConfig `yaml:"health"`

	// Admission: auto-discovered patch gating
	Admission AdmissionConfig `yaml:"admission"`

	// Notify: where lifecycle outcomes are reported
	Notify NotifyConfig `yaml:"notify"`

	// Logging: diagnostic log destination and level
	Logging LoggingConfig `yaml:"logging"`
}

type UpstreamConfig struct {
	RepoURL string `yaml:"repo_url"` // e.g. https://github.com/vendor/app
	Repo    string `yaml:"repo"`     // e.g. vendor/app
	APIBase string `yaml:"api_base"` // e.g. https://api.github.com

	// TokenEnv names the environment variable holding the API token.
	// The token itself never lives in this file.
	TokenEnv string `yaml:"token_env"`
}

type DeployConfig struct {
	// Root holds artifacts/, the active pointer, the patch set, the
	// version marker, and the audit log.
	Root string `yaml:"root"`

	// KeepArtifacts is the prune retention count.
	KeepArtifacts int `yaml:"keep_artifacts"`
}

type BuildConfig struct {
	InstallCommand string        `yaml:"install_command,omitempty"`
	BuildCommand   string        `yaml:"build_command"`
	EntryArtifact  string        `yaml:"entry_artifact"` // e.g. dist/main.js
	OutputDir      string        `yaml:"output_dir,omitempty"`
	CommandTimeout time.Duration `yaml:"command_timeout,omitempty"`
}

type HealthConfig struct {
	PIDFile     string        `yaml:"pid_file"`
	EndpointURL string        `yaml:"endpoint_url,omitempty"`
	Interval    time.Duration `yaml:"interval"`
	Window      time.Duration `yaml:"window"`
}

type AdmissionConfig struct {
	// MinScore is the lowest auto-admissible relevance score.
	MinScore int `yaml:"min_score"`

	// CandidatesPath is the JSON file the discovery pipeline drops
	// candidates into.
	CandidatesPath string `yaml:"candidates_path"`
}

type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	Dir   string `yaml:"dir,omitempty"`
}

// Validate checks the fields every pipeline run depends on.
func (c *PatchlineConfig) Validate() error {
	if c.Upstream.RepoURL == "" {
		return fmt.Errorf("upstream.repo_url is required")
	}
	if c.Deploy.Root == "" {
		return fmt.Errorf("deploy.root is required")
	}
	if c.Build.BuildCommand == "" {
		return fmt.Errorf("build.build_command is required")
	}
	if c.Build.EntryArtifact == "" {
		return fmt.Errorf("build.entry_artifact is required")
	}
	if c.Deploy.KeepArtifacts < 1 {
		return fmt.Errorf("deploy.keep_artifacts must be at least 1")
	}
	return nil
}

// PatchSetPath is where the ordered patch set lives.
func (c *PatchlineConfig) PatchSetPath() string {
	return filepath.Join(c.Deploy.Root, "patchset.yaml")
}

// MarkerPath is where the deployed-version marker lives.
func (c *PatchlineConfig) MarkerPath() string {
	return filepath.Join(c.Deploy.Root, "version.yaml")
}

// AuditPath is where the audit log lives.
func (c *PatchlineConfig) AuditPath() string {
	return filepath.Join(c.Deploy.Root, "audit.jsonl")
}

// ReportPath is where the latest run report lives.
func (c *PatchlineConfig) ReportPath() string {
	return filepath.Join(c.Deploy.Root, "report.json")
}

// Token resolves the upstream API token from the environment.
func (c *PatchlineConfig) Token() string {
	if c.Upstream.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Upstream.TokenEnv)
}

func DefaultConfig() PatchlineConfig {
	root := "patchline-deploy"
	if home, err := os.UserHomeDir(); err == nil {
		root = filepath.Join(home, ".patchline", "deploy")
	}
	return PatchlineConfig{
		Upstream: UpstreamConfig{
			APIBase:  "https://api.github.com",
			TokenEnv: "PATCHLINE_TOKEN",
		},
		Deploy: DeployConfig{
			Root:          root,
			KeepArtifacts: 5,
		},
		Build: BuildConfig{
			InstallCommand: "npm ci",
			BuildCommand:   "npm run build",
			EntryArtifact:  "dist/main.js",
			OutputDir:      "dist",
		},
		Health: HealthConfig{
			PIDFile:  filepath.Join(root, "app.pid"),
			Interval: 10 * time.Second,
			Window:   5 * time.Minute,
		},
		Admission: AdmissionConfig{
			MinScore:       80,
			CandidatesPath: filepath.Join(root, "candidates.json"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
