// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/patchline/cmd/patchline/internal/upstream"
)

// DiffResolver resolves patch diff locators from both places they
// live: files next to the patch set (hand-maintained patches) and
// upstream URLs (auto-admitted candidates).
//
// A locator with a URL scheme or a leading slash goes to the upstream
// client; anything else is read relative to localDir.
type DiffResolver struct {
	client   upstream.Client
	localDir string
}

// NewDiffResolver creates a resolver. localDir is typically the patch
// set's directory.
func NewDiffResolver(client upstream.Client, localDir string) *DiffResolver {
	return &DiffResolver{client: client, localDir: localDir}
}

// Fetch implements cascade.DiffSource.
func (r *DiffResolver) Fetch(ctx context.Context, locator string) ([]byte, error) {
	if locator == "" {
		return nil, fmt.Errorf("empty diff locator")
	}

	if strings.Contains(locator, "://") || strings.HasPrefix(locator, "/") {
		if r.client == nil {
			return nil, fmt.Errorf("remote locator %s with no upstream client", locator)
		}
		return r.client.FetchDiff(ctx, locator)
	}

	path := filepath.Join(r.localDir, locator)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading local diff %s: %w", path, err)
	}
	return data, nil
}
