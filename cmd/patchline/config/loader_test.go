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
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// TestCreateDefault verifies default config creation.
func TestCreateDefault(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, ".patchline", "patchline.yaml")

	if err := createDefault(configPath); err != nil {
		t.Fatalf("createDefault() failed: %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("config file was not created")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}

	var cfg PatchlineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	// Verify some defaults
	if cfg.Upstream.APIBase != "https://api.github.com" {
		t.Errorf("Upstream.APIBase = %q", cfg.Upstream.APIBase)
	}
	if cfg.Deploy.KeepArtifacts != 5 {
		t.Errorf("Deploy.KeepArtifacts = %d, want 5", cfg.Deploy.KeepArtifacts)
	}
	if cfg.Admission.MinScore != 80 {
		t.Errorf("Admission.MinScore = %d, want 80", cfg.Admission.MinScore)
	}
	if cfg.Health.Window != 5*time.Minute {
		t.Errorf("Health.Window = %v, want 5m", cfg.Health.Window)
	}
}

// TestCreateDefault_DirectoryCreation verifies directory is created.
func TestCreateDefault_DirectoryCreation(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "deep", "nested", "path", "patchline.yaml")

	if err := createDefault(configPath); err != nil {
		t.Fatalf("createDefault() failed with nested path: %v", err)
	}

	if _, err := os.Stat(filepath.Dir(configPath)); os.IsNotExist(err) {
		t.Fatal("nested directories were not created")
	}
}

func TestLoadFrom(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "patchline.yaml")
	content := `
upstream:
  repo_url: https://github.com/vendor/app
  repo: vendor/app
deploy:
  root: /srv/app
  keep_artifacts: 3
build:
  build_command: npm run build
  entry_artifact: dist/main.js
`
	if err := os.WriteFile(configPath, []byte(content), 0640); err != nil {
		t.Fatal(err)
	}

	var cfg PatchlineConfig
	if err := LoadFrom(configPath, &cfg); err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Upstream.Repo != "vendor/app" {
		t.Errorf("Upstream.Repo = %q", cfg.Upstream.Repo)
	}
	if cfg.Deploy.Root != "/srv/app" {
		t.Errorf("Deploy.Root = %q", cfg.Deploy.Root)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed on complete config: %v", err)
	}
}

func TestLoadFrom_MissingFile(t *testing.T) {
	var cfg PatchlineConfig
	if err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"), &cfg); err == nil {
		t.Error("LoadFrom on missing file should fail")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*PatchlineConfig)
	}{
		{"missing repo_url", func(c *PatchlineConfig) { c.Upstream.RepoURL = "" }},
		{"missing root", func(c *PatchlineConfig) { c.Deploy.Root = "" }},
		{"missing build command", func(c *PatchlineConfig) { c.Build.BuildCommand = "" }},
		{"missing entry artifact", func(c *PatchlineConfig) { c.Build.EntryArtifact = "" }},
		{"zero retention", func(c *PatchlineConfig) { c.Deploy.KeepArtifacts = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Upstream.RepoURL = "https://github.com/vendor/app"
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := PatchlineConfig{Deploy: DeployConfig{Root: "/srv/app"}}

	if got := cfg.PatchSetPath(); got != filepath.Join("/srv/app", "patchset.yaml") {
		t.Errorf("PatchSetPath = %s", got)
	}
	if got := cfg.AuditPath(); got != filepath.Join("/srv/app", "audit.jsonl") {
		t.Errorf("AuditPath = %s", got)
	}
	if got := cfg.MarkerPath(); got != filepath.Join("/srv/app", "version.yaml") {
		t.Errorf("MarkerPath = %s", got)
	}
}

func TestToken(t *testing.T) {
	cfg := PatchlineConfig{Upstream: UpstreamConfig{TokenEnv: "PATCHLINE_TEST_TOKEN"}}
	t.Setenv("PATCHLINE_TEST_TOKEN", "sekrit")

	if got := cfg.Token(); got != "sekrit" {
		t.Errorf("Token = %q", got)
	}

	cfg.Upstream.TokenEnv = ""
	if got := cfg.Token(); got != "" {
		t.Errorf("Token with no env = %q", got)
	}
}
