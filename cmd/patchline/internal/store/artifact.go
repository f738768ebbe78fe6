// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is the append-only, version-keyed artifact store and
// its single mutable indirection: the "current" symlink.
//
// Layout under the store root:
//
//	artifacts/<versionTag>/        published build output
//	artifacts/<versionTag>_2/      rebuild of the same tag
//	current -> artifacts/<...>     the active artifact
//
// Artifacts are immutable once published and deleted only by retention
// pruning, never while active. Every pointer update is a replace, not
// an edit: a temp symlink is created and atomically renamed over the
// live one, so a concurrent reader sees either the old target or the
// new one, never a half-written pointer.
package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/patchline/pkg/logging"
)

const (
	artifactsDir = "artifacts"
	pointerName  = "current"
	metadataName = "artifact.json"
)

// Artifact describes one immutable published build output.
type Artifact struct {
	VersionTag string    `json:"versionTag"`
	BuildID    string    `json:"buildId"`
	CreatedAt  time.Time `json:"createdAt"`

	// Path is the artifact directory inside the store. Not persisted;
	// derived on load.
	Path string `json:"-"`
}

// Store manages published artifacts and the active pointer.
//
// # Thread Safety
//
// Store is not safe for concurrent mutation; the pipeline lock
// serializes runs. Concurrent readers of the pointer are always safe —
// that is the point of the atomic rename.
type Store struct {
	root   string
	logger *logging.Logger
}

// New creates a Store rooted at dir, creating the layout if needed.
func New(dir string, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, artifactsDir), 0750); err != nil {
		return nil, fmt.Errorf("creating artifact store at %s: %w", dir, err)
	}
	return &Store{root: dir, logger: logger}, nil
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// Publish copies a build output directory into the store under its
// version tag.
//
// # Description
//
// A re-build of an already-published tag never overwrites: the new
// copy gets a deterministic monotonic suffix (v1.2.3, v1.2.3_2,
// v1.2.3_3, ...). The copy lands in a temp directory first and is
// renamed into its final name, so a failure partway (disk full, crash)
// leaves no half-copied artifact visible and the pointer untouched.
func (s *Store) Publish(buildDir string, artifact Artifact) (string, error) {
	finalName, err := s.nextName(artifact.VersionTag)
	if err != nil {
		return "", err
	}

	tmpDir := filepath.Join(s.root, artifactsDir, ".publish.tmp."+artifact.BuildID)
	if err := copyTree(buildDir, tmpDir); err != nil {
		os.RemoveAll(tmpDir)
		return "", fmt.Errorf("copying build output: %w", err)
	}

	meta, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		os.RemoveAll(tmpDir)
		return "", fmt.Errorf("encoding artifact metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, metadataName), meta, 0640); err != nil {
		os.RemoveAll(tmpDir)
		return "", fmt.Errorf("writing artifact metadata: %w", err)
	}

	finalPath := filepath.Join(s.root, artifactsDir, finalName)
	if err := os.Rename(tmpDir, finalPath); err != nil {
		os.RemoveAll(tmpDir)
		return "", fmt.Errorf("publishing artifact %s: %w", finalName, err)
	}

	s.logger.Info("artifact published", "version", artifact.VersionTag, "path", finalPath)
	return finalPath, nil
}

// Activate atomically points the store at the given published artifact.
//
// The swap writes a temp symlink and renames it over the live pointer.
// A crash between the two steps leaves the old pointer fully intact.
// Once the rename starts it is a single filesystem primitive and runs
// to completion; there is no cancellation mid-swap.
func (s *Store) Activate(storedPath string) error {
	return s.swapPointer(storedPath, "activate")
}

// Rollback re-points the store at a previously published artifact
// using the identical atomic mechanism. It never fabricates content.
func (s *Store) Rollback(storedPath string) error {
	return s.swapPointer(storedPath, "rollback")
}

func (s *Store) swapPointer(storedPath, op string) error {
	target, err := s.verifyStored(storedPath)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	tmpLink := filepath.Join(s.root, fmt.Sprintf(".%s.tmp.%d", pointerName, os.Getpid()))
	os.Remove(tmpLink) // stale temp from a previous crash

	if err := os.Symlink(target, tmpLink); err != nil {
		return fmt.Errorf("%s: writing temp pointer: %w", op, err)
	}
	if err := os.Rename(tmpLink, filepath.Join(s.root, pointerName)); err != nil {
		os.Remove(tmpLink)
		return fmt.Errorf("%s: swapping pointer: %w", op, err)
	}

	s.logger.Info("active pointer swapped", "op", op, "target", target)
	return nil
}

// verifyStored checks the path names a published artifact directory
// inside this store and returns it cleaned.
func (s *Store) verifyStored(storedPath string) (string, error) {
	abs, err := filepath.Abs(storedPath)
	if err != nil {
		return "", err
	}
	storeDir := filepath.Join(s.root, artifactsDir)
	absStore, err := filepath.Abs(storeDir)
	if err != nil {
		return "", err
	}
	if filepath.Dir(abs) != absStore {
		return "", fmt.Errorf("%s is not inside the artifact store", storedPath)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("artifact missing: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not an artifact directory", storedPath)
	}
	return abs, nil
}

// Active returns the path of the currently active artifact, or ""
// before bootstrap.
func (s *Store) Active() (string, error) {
	target, err := os.Readlink(filepath.Join(s.root, pointerName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading active pointer: %w", err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(s.root, target)
	}
	return filepath.Clean(target), nil
}

// List returns all published artifacts, oldest first.
func (s *Store) List() ([]Artifact, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, artifactsDir))
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}

	var artifacts []Artifact
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(s.root, artifactsDir, entry.Name())
		artifact, err := readMetadata(path)
		if err != nil {
			s.logger.Warn("artifact with unreadable metadata", "path", path, "error", err)
			// Keep it visible with what we know from the directory.
			artifact = Artifact{VersionTag: entry.Name()}
		}
		artifact.Path = path
		artifacts = append(artifacts, artifact)
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].CreatedAt.Before(artifacts[j].CreatedAt)
	})
	return artifacts, nil
}

// Previous returns the most recently published artifact that is not
// the active one: the rollback target. Empty when none exists.
func (s *Store) Previous() (string, error) {
	active, err := s.Active()
	if err != nil {
		return "", err
	}
	artifacts, err := s.List()
	if err != nil {
		return "", err
	}
	for i := len(artifacts) - 1; i >= 0; i-- {
		if artifacts[i].Path != active {
			return artifacts[i].Path, nil
		}
	}
	return "", nil
}

// Prune deletes the oldest artifacts beyond the retention count.
//
// keep is a total bound: the newest keep artifacts survive. The active
// artifact is never deleted regardless of age, so when the active one
// has fallen outside the newest keep, keep+1 directories remain.
func (s *Store) Prune(keep int) error {
	if keep < 1 {
		return fmt.Errorf("retention count must be at least 1, got %d", keep)
	}
	active, err := s.Active()
	if err != nil {
		return err
	}
	artifacts, err := s.List()
	if err != nil {
		return err
	}
	if len(artifacts) <= keep {
		return nil
	}

	for _, victim := range artifacts[:len(artifacts)-keep] {
		if victim.Path == active {
			continue
		}
		if err := os.RemoveAll(victim.Path); err != nil {
			return fmt.Errorf("pruning %s: %w", victim.Path, err)
		}
		s.logger.Info("artifact pruned", "version", victim.VersionTag, "path", victim.Path)
	}
	return nil
}

// nextName finds the first free directory name for a version tag:
// the bare tag, then tag_2, tag_3, and so on.
func (s *Store) nextName(versionTag string) (string, error) {
	if versionTag == "" {
		return "", fmt.Errorf("artifact version tag must not be empty")
	}
	base := filepath.Join(s.root, artifactsDir)
	name := versionTag
	for n := 2; ; n++ {
		if _, err := os.Stat(filepath.Join(base, name)); os.IsNotExist(err) {
			return name, nil
		} else if err != nil && !os.IsExist(err) && !os.IsNotExist(err) {
			return "", err
		}
		name = fmt.Sprintf("%s_%d", versionTag, n)
	}
}

func readMetadata(dir string) (Artifact, error) {
	var artifact Artifact
	data, err := os.ReadFile(filepath.Join(dir, metadataName))
	if err != nil {
		return artifact, err
	}
	if err := json.Unmarshal(data, &artifact); err != nil {
		return artifact, err
	}
	return artifact, nil
}

// copyTree copies a directory recursively. Symlinks inside build
// output are copied as links.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
