// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package upstream talks to the upstream project's release and change
// tracking API. Every call is wrapped in bounded retry with backoff;
// after the attempt cap a transient failure is treated as permanent for
// that call only.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Release is one published upstream version.
type Release struct {
	Tag         string    `json:"tag"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Comparison is the file-level delta between two release tags.
//
// Truncated is set when the API hit its size cap and the file list is
// incomplete; callers must fall back to a checkout diff in that case.
type Comparison struct {
	Files     []string `json:"files"`
	Truncated bool     `json:"truncated"`
}

// ChangeStatus reports the upstream tracker's view of one change.
type ChangeStatus struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Merged bool   `json:"merged"`
}

// Client is the upstream API surface the pipeline consumes.
//
// # Description
//
// Implementations fetch release lists, version deltas, change status,
// and raw diff content. All methods honor context cancellation and
// apply bounded retry internally.
type Client interface {
	// ListReleases returns published versions, newest first.
	ListReleases(ctx context.Context) ([]Release, error)

	// Compare returns the file paths changed between two tags. The
	// result may be truncated by the API's size cap; see Comparison.
	Compare(ctx context.Context, oldTag, newTag string) (*Comparison, error)

	// ChangeStatus looks up a change by its upstream identifier.
	ChangeStatus(ctx context.Context, changeID string) (*ChangeStatus, error)

	// FetchDiff retrieves raw unified-diff content from a locator,
	// which is either an absolute URL or a path under the API base.
	FetchDiff(ctx context.Context, locator string) ([]byte, error)
}

// HTTPClient implements Client against a JSON HTTP API.
//
// # Thread Safety
//
// HTTPClient is safe for concurrent use.
type HTTPClient struct {
	base   string
	repo   string
	token  string
	client *http.Client
	retry  Retryer
}

// NewHTTPClient creates a client for the given API base and repo slug.
// token may be empty for anonymous access.
func NewHTTPClient(base, repo, token string) *HTTPClient {
	return &HTTPClient{
		base:   strings.TrimRight(base, "/"),
		repo:   repo,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
		retry:  DefaultRetryer(),
	}
}

// ListReleases returns published versions, newest first.
func (c *HTTPClient) ListReleases(ctx context.Context) ([]Release, error) {
	var releases []Release
	err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/releases", c.repo), &releases)
	if err != nil {
		return nil, fmt.Errorf("listing releases: %w", err)
	}
	return releases, nil
}

// Compare returns the file delta between two tags.
func (c *HTTPClient) Compare(ctx context.Context, oldTag, newTag string) (*Comparison, error) {
	path := fmt.Sprintf("/repos/%s/compare/%s...%s",
		c.repo, url.PathEscape(oldTag), url.PathEscape(newTag))
	var cmp Comparison
	if err := c.getJSON(ctx, path, &cmp); err != nil {
		return nil, fmt.Errorf("comparing %s..%s: %w", oldTag, newTag, err)
	}
	return &cmp, nil
}

// ChangeStatus looks up one change in the upstream tracker.
func (c *HTTPClient) ChangeStatus(ctx context.Context, changeID string) (*ChangeStatus, error) {
	var status ChangeStatus
	path := fmt.Sprintf("/repos/%s/changes/%s", c.repo, url.PathEscape(changeID))
	if err := c.getJSON(ctx, path, &status); err != nil {
		return nil, fmt.Errorf("fetching change %s: %w", changeID, err)
	}
	return &status, nil
}

// FetchDiff retrieves raw diff content.
func (c *HTTPClient) FetchDiff(ctx context.Context, locator string) ([]byte, error) {
	target := locator
	if !strings.HasPrefix(locator, "http://") && !strings.HasPrefix(locator, "https://") {
		target = c.base + "/" + strings.TrimLeft(locator, "/")
	}

	var body []byte
	err := c.retry.Do(ctx, "fetch diff", func() error {
		data, err := c.get(ctx, target, "text/x-diff")
		if err != nil {
			return err
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching diff %s: %w", locator, err)
	}
	return body, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	return c.retry.Do(ctx, path, func() error {
		data, err := c.get(ctx, c.base+path, "application/json")
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
		return nil
	})
}

// get performs a single GET. Transport errors and 5xx/429 responses
// come back as transient so the retryer tries again; other non-2xx
// codes are permanent.
func (c *HTTPClient) get(ctx context.Context, target, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, Transient(fmt.Errorf("GET %s: status %d", target, resp.StatusCode))
	default:
		return nil, fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
}

var _ Client = (*HTTPClient)(nil)
