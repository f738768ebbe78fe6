// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastClient(base string) *HTTPClient {
	c := NewHTTPClient(base, "acme/app", "")
	c.retry = Retryer{Attempts: 3, BaseDelay: time.Millisecond}
	return c
}

func TestHTTPClient_Compare(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/app/compare/v1...v2" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"files":["src/a.go","docs/b.md"],"truncated":false}`)
	}))
	defer server.Close()

	cmp, err := fastClient(server.URL).Compare(context.Background(), "v1", "v2")
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if len(cmp.Files) != 2 || cmp.Truncated {
		t.Errorf("got %+v", cmp)
	}
}

func TestHTTPClient_ChangeStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"4711","state":"merged","merged":true}`)
	}))
	defer server.Close()

	status, err := fastClient(server.URL).ChangeStatus(context.Background(), "4711")
	if err != nil {
		t.Fatalf("ChangeStatus failed: %v", err)
	}
	if !status.Merged {
		t.Error("expected merged=true")
	}
}

func TestHTTPClient_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `[{"tag":"v2.0.0"}]`)
	}))
	defer server.Close()

	releases, err := fastClient(server.URL).ListReleases(context.Background())
	if err != nil {
		t.Fatalf("ListReleases failed after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if len(releases) != 1 || releases[0].Tag != "v2.0.0" {
		t.Errorf("releases = %+v", releases)
	}
}

func TestHTTPClient_NoRetryOn404(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := fastClient(server.URL).ChangeStatus(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("404 should not be retried, got %d calls", calls.Load())
	}
}

func TestRetryer_GivesUpAfterCap(t *testing.T) {
	r := Retryer{Attempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	err := r.Do(context.Background(), "op", func() error {
		calls++
		return Transient(errors.New("flaky"))
	})
	if err == nil {
		t.Fatal("expected error after cap")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !IsTransient(err) {
		t.Error("final error should keep the transient marker")
	}
}

func TestRetryer_PermanentErrorNotRetried(t *testing.T) {
	r := Retryer{Attempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	err := r.Do(context.Background(), "op", func() error {
		calls++
		return errors.New("permanent")
	})
	if err == nil || calls != 1 {
		t.Errorf("permanent error should fail once, calls = %d err = %v", calls, err)
	}
}

func TestRetryer_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := DefaultRetryer()
	err := r.Do(ctx, "op", func() error { return Transient(errors.New("x")) })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestHTTPClient_FetchDiff_RelativeLocator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/changes/4711/diff" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, "--- a/x\n+++ b/x\n")
	}))
	defer server.Close()

	body, err := fastClient(server.URL).FetchDiff(context.Background(), "changes/4711/diff")
	if err != nil {
		t.Fatalf("FetchDiff failed: %v", err)
	}
	if len(body) == 0 {
		t.Error("empty diff body")
	}
}
