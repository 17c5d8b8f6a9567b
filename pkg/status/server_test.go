// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/groupbench/pkg/engine"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func testSummary() *engine.Summary {
	s := engine.NewSummary(epoch)
	s.AddResult(&engine.Result{Name: "collectives/scan/4", Latency: engine.LatencyStats{Mean: 120}})
	s.AddResult(&engine.Result{
		Name:   "collectives/bcast",
		Change: &engine.Change{Baseline: "main", Verdict: engine.VerdictRegressed},
	})
	s.AddFailure("gossip/8", "setup", nil, errors.New("no peers"))
	return s
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "groupbench_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	now := epoch.Add(90 * time.Second)
	return New(DefaultConfig(), testSummary(),
		WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		WithClock(func() time.Time { return now }),
	)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	rec := get(t, newTestServer(t).Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	s := newTestServer(t)
	s.SetCurrent("collectives/alltoall/1024")

	rec := get(t, s.Handler(), "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusResponse{
		Current:     "collectives/alltoall/1024",
		Completed:   2,
		Failed:      1,
		Regressions: 1,
		UptimeNs:    0,
	}, body)
}

func TestResults(t *testing.T) {
	rec := get(t, newTestServer(t).Handler(), "/v1/results")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap engine.SummarySnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Results, 2)
	require.Len(t, snap.Failures, 1)
	assert.Equal(t, "gossip/8", snap.Failures[0].Name)
	assert.Equal(t, 1, snap.Regressions)
	assert.Equal(t, (90 * time.Second).Nanoseconds(), snap.ElapsedNs)
}

func TestResultByName(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := get(t, h, "/v1/results/collectives/scan/4")
	require.Equal(t, http.StatusOK, rec.Code)
	var r engine.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	assert.Equal(t, "collectives/scan/4", r.Name)
	assert.Equal(t, 120*time.Nanosecond, r.Latency.Mean)

	rec = get(t, h, "/v1/results/collectives/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics(t *testing.T) {
	rec := get(t, newTestServer(t).Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "groupbench_test_total 1")
}

func TestStartShutdown(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, engine.NewSummary(time.Now()))
	assert.Empty(t, s.Addr())
	require.NoError(t, s.Start())
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ok")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestShutdownBeforeStart(t *testing.T) {
	s := New(DefaultConfig(), engine.NewSummary(time.Now()))
	assert.NoError(t, s.Shutdown(context.Background()))
}
