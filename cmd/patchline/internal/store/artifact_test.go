// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/patchline/pkg/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), logging.New(logging.Config{Quiet: true}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

// publishBuild publishes a one-file build with the given content.
func publishBuild(t *testing.T, s *Store, tag, content string, at time.Time) string {
	t.Helper()
	buildDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(buildDir, "dist"), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(buildDir, "dist", "main.js"), []byte(content), 0640); err != nil {
		t.Fatal(err)
	}
	path, err := s.Publish(buildDir, Artifact{
		VersionTag: tag,
		BuildID:    "build-" + tag + "-" + at.Format("150405.000"),
		CreatedAt:  at,
	})
	if err != nil {
		t.Fatalf("Publish(%s) failed: %v", tag, err)
	}
	return path
}

func readArtifactFile(t *testing.T, artifactPath string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(artifactPath, "dist", "main.js"))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestStore_PublishAndActivate(t *testing.T) {
	s := newTestStore(t)
	path := publishBuild(t, s, "v1.0.0", "console.log(1)", time.Now())

	active, err := s.Active()
	if err != nil || active != "" {
		t.Fatalf("pre-bootstrap Active = (%q, %v), want empty", active, err)
	}

	if err := s.Activate(path); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	active, err = s.Active()
	if err != nil {
		t.Fatal(err)
	}
	if active != path {
		t.Errorf("Active = %s, want %s", active, path)
	}
	if got := readArtifactFile(t, active); got != "console.log(1)" {
		t.Errorf("active content = %q", got)
	}
}

func TestStore_PublishCollision_AppendsMonotonicSuffix(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()

	first := publishBuild(t, s, "v1.0.0", "a", base)
	second := publishBuild(t, s, "v1.0.0", "b", base.Add(time.Second))
	third := publishBuild(t, s, "v1.0.0", "c", base.Add(2*time.Second))

	if filepath.Base(first) != "v1.0.0" {
		t.Errorf("first = %s", first)
	}
	if filepath.Base(second) != "v1.0.0_2" {
		t.Errorf("second = %s", second)
	}
	if filepath.Base(third) != "v1.0.0_3" {
		t.Errorf("third = %s", third)
	}
	// Append-only: the original content is untouched.
	if got := readArtifactFile(t, first); got != "a" {
		t.Errorf("first artifact mutated: %q", got)
	}
}

func TestStore_RollbackRoundTrip_BitIdentical(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()

	pathA := publishBuild(t, s, "v1.0.0", "content A", base)
	pathB := publishBuild(t, s, "v1.1.0", "content B", base.Add(time.Second))

	if err := s.Activate(pathA); err != nil {
		t.Fatal(err)
	}
	wantContent := readArtifactFile(t, mustActive(t, s))

	if err := s.Activate(pathB); err != nil {
		t.Fatal(err)
	}
	if got := readArtifactFile(t, mustActive(t, s)); got != "content B" {
		t.Fatalf("after activate B, content = %q", got)
	}

	if err := s.Rollback(pathA); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if got := readArtifactFile(t, mustActive(t, s)); got != wantContent {
		t.Errorf("rollback content = %q, want %q", got, wantContent)
	}
}

func TestStore_Previous(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()

	pathA := publishBuild(t, s, "v1.0.0", "a", base)
	pathB := publishBuild(t, s, "v1.1.0", "b", base.Add(time.Second))

	if err := s.Activate(pathB); err != nil {
		t.Fatal(err)
	}
	prev, err := s.Previous()
	if err != nil {
		t.Fatal(err)
	}
	if prev != pathA {
		t.Errorf("Previous = %s, want %s", prev, pathA)
	}
}

func TestStore_Prune_NeverDeletesActive(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()

	// Oldest artifact is the active one.
	oldest := publishBuild(t, s, "v1.0.0", "oldest", base)
	if err := s.Activate(oldest); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 5; i++ {
		publishBuild(t, s, fmt.Sprintf("v1.0.%d", i), "x", base.Add(time.Duration(i)*time.Second))
	}

	if err := s.Prune(3); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	if _, err := os.Stat(oldest); err != nil {
		t.Errorf("active artifact was pruned despite being oldest: %v", err)
	}
	artifacts, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	// Newest 3 plus the protected active artifact.
	if len(artifacts) != 4 {
		t.Errorf("artifacts after prune = %d, want 4", len(artifacts))
	}
}

func TestStore_Prune_KeepIsTotalBound(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()

	var newest string
	for i := 0; i < 5; i++ {
		newest = publishBuild(t, s, fmt.Sprintf("v1.0.%d", i), "x", base.Add(time.Duration(i)*time.Second))
	}
	// Active artifact inside the newest three: retention is exact.
	if err := s.Activate(newest); err != nil {
		t.Fatal(err)
	}

	if err := s.Prune(3); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	artifacts, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 3 {
		t.Errorf("artifacts after prune = %d, want 3", len(artifacts))
	}
	for _, a := range artifacts {
		if a.VersionTag == "v1.0.0" || a.VersionTag == "v1.0.1" {
			t.Errorf("oldest artifact %s survived a keep-3 prune", a.VersionTag)
		}
	}
}

func TestStore_Prune_UnderRetentionIsNoop(t *testing.T) {
	s := newTestStore(t)
	publishBuild(t, s, "v1.0.0", "a", time.Now())

	if err := s.Prune(3); err != nil {
		t.Fatal(err)
	}
	artifacts, _ := s.List()
	if len(artifacts) != 1 {
		t.Errorf("artifacts = %d, want 1", len(artifacts))
	}
}

func TestStore_ActivateRejectsOutsidePaths(t *testing.T) {
	s := newTestStore(t)

	outside := t.TempDir()
	if err := s.Activate(outside); err == nil {
		t.Error("activating a path outside the store must fail")
	}
	if err := s.Rollback(filepath.Join(s.Root(), artifactsDir, "missing")); err == nil {
		t.Error("rolling back to a missing artifact must fail")
	}
}

func TestStore_List_OldestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	publishBuild(t, s, "v2", "b", base.Add(time.Hour))
	publishBuild(t, s, "v1", "a", base)
	publishBuild(t, s, "v3", "c", base.Add(2*time.Hour))

	artifacts, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	var tags []string
	for _, a := range artifacts {
		tags = append(tags, a.VersionTag)
	}
	want := []string{"v1", "v2", "v3"}
	for i := range want {
		if tags[i] != want[i] {
			t.Fatalf("order = %v, want %v", tags, want)
		}
	}
}

func mustActive(t *testing.T, s *Store) string {
	t.Helper()
	active, err := s.Active()
	if err != nil {
		t.Fatal(err)
	}
	if active == "" {
		t.Fatal("no active artifact")
	}
	return active
}
