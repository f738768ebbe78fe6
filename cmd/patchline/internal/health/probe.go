// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Observation is one timestamped health sample. Samples are
// window-scoped and discarded after classification.
type Observation struct {
	At           time.Time
	ProcessAlive bool

	// EndpointStatus is the HTTP status of the liveness endpoint, or 0
	// when the endpoint did not respond (or none is configured).
	EndpointStatus int
}

// Responding reports whether the endpoint answered at all. Any
// response that is not connection-refused counts; a 500 from a process
// that is up is still "responding".
func (o Observation) Responding() bool {
	return o.EndpointStatus != 0
}

// Prober takes one health sample of the deployed process.
type Prober interface {
	Sample(ctx context.Context) Observation
}

// ProcessProber checks liveness via a pidfile and optionally probes a
// local HTTP endpoint.
//
// # Description
//
// Process presence uses signal 0 against the pid recorded by the
// external supervisor that runs the app. The endpoint check treats
// connection-refused as "not responding" and anything else that came
// back over the socket as "responding"; the supervisor only cares that
// the process is there to answer.
type ProcessProber struct {
	// PIDFile is the path the app supervisor writes its pid to.
	PIDFile string

	// EndpointURL is the optional local liveness endpoint.
	EndpointURL string

	client *http.Client
}

// NewProcessProber creates a prober for the given pidfile and optional
// endpoint URL.
func NewProcessProber(pidFile, endpointURL string) *ProcessProber {
	return &ProcessProber{
		PIDFile:     pidFile,
		EndpointURL: endpointURL,
		client:      &http.Client{Timeout: 5 * time.Second},
	}
}

// Sample takes one observation.
func (p *ProcessProber) Sample(ctx context.Context) Observation {
	obs := Observation{At: time.Now()}
	obs.ProcessAlive = p.processAlive()

	if p.EndpointURL != "" {
		obs.EndpointStatus = p.probeEndpoint(ctx)
	}
	return obs
}

func (p *ProcessProber) processAlive() bool {
	data, err := os.ReadFile(p.PIDFile)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	// EPERM still means the process exists.
	err = syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (p *ProcessProber) probeEndpoint(ctx context.Context) int {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.EndpointURL, nil)
	if err != nil {
		return 0
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	return resp.StatusCode
}
