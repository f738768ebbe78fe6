// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cascade

import (
	"fmt"
	"path"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// Footprint returns the repo-relative paths a unified diff touches.
func Footprint(content []byte) ([]string, error) {
	fileDiffs, err := diff.ParseMultiFileDiff(content)
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	seen := make(map[string]bool)
	var paths []string
	for _, fd := range fileDiffs {
		p := diffPath(fd)
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// FilterDiff re-serializes the diff with files matching exclude
// removed. Returns the filtered diff plus the kept and excluded file
// counts so callers can tell a no-op filter from an emptied diff.
func FilterDiff(content []byte, exclude func(string) bool) (filtered []byte, kept, excluded int, err error) {
	fileDiffs, err := diff.ParseMultiFileDiff(content)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("parsing diff: %w", err)
	}

	var keepDiffs []*diff.FileDiff
	for _, fd := range fileDiffs {
		if exclude(diffPath(fd)) {
			excluded++
			continue
		}
		keepDiffs = append(keepDiffs, fd)
	}
	kept = len(keepDiffs)

	if kept == 0 {
		return nil, 0, excluded, nil
	}

	out, err := diff.PrintMultiFileDiff(keepDiffs)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("printing filtered diff: %w", err)
	}
	return out, kept, excluded, nil
}

// diffPath extracts the effective repo-relative path of a file diff,
// preferring the new name except for deletions.
func diffPath(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	if name == "" || name == "/dev/null" {
		return ""
	}
	name = strings.TrimPrefix(name, "a/")
	name = strings.TrimPrefix(name, "b/")
	return name
}

// IsTestPath reports whether a repo path looks like test or e2e
// content by upstream naming conventions.
func IsTestPath(p string) bool {
	lower := strings.ToLower(p)
	for _, dir := range strings.Split(path.Dir(lower), "/") {
		switch dir {
		case "test", "tests", "e2e", "__tests__", "testdata", "spec":
			return true
		}
	}
	base := path.Base(lower)
	return strings.Contains(base, "_test.") ||
		strings.Contains(base, ".test.") ||
		strings.Contains(base, ".spec.") ||
		strings.HasPrefix(base, "test_") ||
		strings.Contains(lower, ".e2e.")
}

// IsChangelogPath reports whether a repo path is changelog-like:
// release history files that drift across releases without semantic
// meaning for the running application.
func IsChangelogPath(p string) bool {
	base := strings.ToLower(path.Base(p))
	for _, prefix := range []string{"changelog", "changes", "history", "news", "release-notes", "releasenotes"} {
		if strings.HasPrefix(base, prefix) {
			return true
		}
	}
	return false
}
