// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricproxy.io/metric-proxy-go/internal/proxy/alarm"
	"metricproxy.io/metric-proxy-go/internal/proxy/profile"
	"metricproxy.io/metric-proxy-go/internal/proxy/registry"
	"metricproxy.io/metric-proxy-go/internal/proxy/scrape"
	"metricproxy.io/metric-proxy-go/internal/proxy/trace"
	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	"metricproxy.io/metric-proxy-go/internal/types/job"
	"metricproxy.io/metric-proxy-go/internal/util/logger"
	"metricproxy.io/metric-proxy-go/internal/worker"
)

const self = "self:1337"

type testEnv struct {
	srv    *httptest.Server
	reg    *registry.Registry
	traces *trace.Recorder
}

func newTestEnv(t *testing.T) testEnv {

	t.Helper()
	log := logger.Discard()

	archiver, err := profile.New(t.TempDir(), 8, log)
	require.NoError(t, err)
	reg, err := registry.New("n1", 16, archiver, log)
	require.NoError(t, err)
	traces, err := trace.New(reg, trace.Config{Period: time.Millisecond}, log)
	require.NoError(t, err)

	pool := worker.NewPool(worker.PoolConfig{Size: 1, QueueSize: 4}, log)
	pool.Start()
	t.Cleanup(pool.Stop)

	h := NewHandler(Options{
		Registry: reg,
		Alarms:   alarm.New(reg, log),
		Profiles: archiver,
		Scrapes:  scrape.NewManager(reg, pool, scrape.Config{Timeout: 2 * time.Second}, log),
		Pivots:   scrape.NewPivotTable(self),
		Traces:   traces,
	}, log)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return testEnv{srv: srv, reg: reg, traces: traces}
}

func newTestServer(t *testing.T) *httptest.Server {

	t.Helper()
	return newTestEnv(t).srv
}

func get(t *testing.T, srv *httptest.Server, path string, out interface{}) int {

	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func post(t *testing.T, srv *httptest.Server, path string, body interface{}, out interface{}) int {

	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestJobListAlwaysHasMain(t *testing.T) {

	srv := newTestServer(t)

	var list []job.Descriptor
	assert.Equal(t, http.StatusOK, get(t, srv, "/job/list", &list))
	require.NotEmpty(t, list)
	assert.Equal(t, job.MainJobID, list[0].JobID)

	samples := []job.Sample{
		{JobID: "1", Node: "a", Name: "x", Kind: "counter", Value: 1},
		{JobID: "1", Node: "a", Name: "x", Kind: "counter", Value: 1},
		{JobID: "2", Node: "b", Name: "x", Kind: "counter", Value: 1},
	}
	assert.Equal(t, http.StatusOK, post(t, srv, "/push", samples, nil))

	assert.Equal(t, http.StatusOK, get(t, srv, "/job/list", &list))
	nodes := map[string]int{}
	for _, d := range list {
		if job.IsSynthetic(d.JobID) && d.JobID != job.MainJobID {
			nodes[d.JobID]++
		}
	}
	assert.Equal(t, map[string]int{
		job.NodeJobID("n1"): 1,
		job.NodeJobID("a"):  1,
		job.NodeJobID("b"):  1,
	}, nodes)
}

func TestPushAndReadBack(t *testing.T) {

	srv := newTestServer(t)

	var resp job.ApiResponse
	samples := []job.Sample{
		{JobID: "42", Node: "a", Name: "requests_total", Doc: "Requests", Kind: "counter", Value: 2},
		{JobID: "42", Node: "a", Name: "requests_total", Kind: "counter", Value: 1},
		{JobID: "42", Node: "a", Name: "temperature", Kind: "gauge", Value: 20},
	}
	assert.Equal(t, http.StatusOK, post(t, srv, "/push", samples, &resp))
	assert.True(t, resp.Success)

	for _, path := range []string{"/job?job=42", "/job/?job=42"} {
		var p job.Profile
		assert.Equal(t, http.StatusOK, get(t, srv, path, &p))
		assert.Equal(t, "42", p.Desc.JobID)
		e, ok := p.Get("requests_total")
		require.True(t, ok)
		assert.Equal(t, 3.0, e.Value.Current())
	}

	var all []job.Profile
	assert.Equal(t, http.StatusOK, get(t, srv, "/job", &all))
	assert.Equal(t, job.MainJobID, all[0].Desc.JobID)

	assert.Equal(t, http.StatusNotFound, get(t, srv, "/job?job=nope", &resp))
	assert.False(t, resp.Success)

	r, err := http.Get(srv.URL + "/metrics?job=42")
	require.NoError(t, err)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "requests_total 3")
	assert.Contains(t, string(body), "# TYPE temperature gauge")
}

func TestPushRejectsWholeBatch(t *testing.T) {

	srv := newTestServer(t)

	samples := []job.Sample{
		{JobID: "1", Name: "m", Kind: "counter", Value: 1},
		{JobID: "1", Name: "m", Kind: "gauge", Value: 1},
	}
	var resp job.ApiResponse
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/push", samples, &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/job?job=1", nil))

	bogus := []job.Sample{
		{Name: "ops_total", Kind: "counter", Value: 1},
		{Name: "ops_total", Kind: "bogus", Value: 1},
	}
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/push", bogus, nil))

	require.Equal(t, http.StatusOK, post(t, srv, "/push", []job.Sample{{Name: "load", Kind: "gauge", Value: 2}}, nil))
	clash := []job.Sample{
		{JobID: "2", Name: "ops_total", Kind: "counter", Value: 1},
		{JobID: "2", Name: "load", Kind: "counter", Value: 1},
	}
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/push", clash, nil))
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/job?job=2", nil))

	var p job.Profile
	assert.Equal(t, http.StatusOK, get(t, srv, "/job?job=main", &p))
	_, ok := p.Get("ops_total")
	assert.False(t, ok)
	e, ok := p.Get("load")
	require.True(t, ok)
	assert.Equal(t, 2.0, e.Value.Current())

	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/push", "not a list", nil))
}

func TestSetAndAccumulate(t *testing.T) {

	srv := newTestServer(t)

	var resp job.ApiResponse
	assert.Equal(t, http.StatusOK, get(t, srv, "/accumulate?key=hits&value=2", &resp))
	assert.Equal(t, "inc", resp.Operation)
	assert.Equal(t, http.StatusOK, post(t, srv, "/accumulate", map[string]interface{}{"key": "hits", "value": "3"}, nil))
	assert.Equal(t, http.StatusOK, post(t, srv, "/set", map[string]interface{}{"key": "load", "value": 0.5, "doc": "Load"}, &resp))
	assert.Equal(t, "set", resp.Operation)

	var p job.Profile
	get(t, srv, "/job?job=main", &p)
	e, ok := p.Get("hits")
	require.True(t, ok)
	assert.Equal(t, 5.0, e.Value.Current())
	e, ok = p.Get("load")
	require.True(t, ok)
	assert.Equal(t, 0.5, e.Value.Current())
	assert.Equal(t, "Load", e.Doc)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/set?key=load&value=abc", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/set?value=1", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/accumulate?key=load&value=1", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/accumulate?key=hits&value=-1", nil))
}

func TestAlarmRoundTrip(t *testing.T) {

	srv := newTestServer(t)

	push := func(v float64) {
		samples := []job.Sample{{JobID: "7", Name: "temp", Kind: "gauge", Value: v}}
		require.Equal(t, http.StatusOK, post(t, srv, "/push", samples, nil))
	}
	push(1)

	rule := map[string]interface{}{"name": "hot", "target": "7", "metric": "temp", "operation": ">", "value": 10}
	assert.Equal(t, http.StatusOK, post(t, srv, "/alarms/add", rule, nil))
	bad := map[string]interface{}{"name": "x", "target": "7", "metric": "temp", "operation": "!", "value": 1}
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/alarms/add", bad, nil))

	push(15)
	var active map[string][]alarm.Trigger
	assert.Equal(t, http.StatusOK, get(t, srv, "/alarms", &active))
	require.Len(t, active["7"], 1)
	assert.True(t, active["7"][0].Active)
	assert.Equal(t, 15.0, active["7"][0].Current)

	push(5)
	all := map[string][]alarm.Trigger{}
	assert.Equal(t, http.StatusOK, get(t, srv, "/alarms/list", &all))
	require.Len(t, all["7"], 1)
	assert.False(t, all["7"][0].Active)
	assert.Equal(t, 5.0, all["7"][0].Current)

	assert.Equal(t, http.StatusNotFound, get(t, srv, "/alarms/del?targetjob=7&name=cold", nil))
	all = map[string][]alarm.Trigger{}
	assert.Equal(t, http.StatusOK, get(t, srv, "/alarms/list", &all))
	assert.Len(t, all["7"], 1)

	assert.Equal(t, http.StatusOK, post(t, srv, "/alarms/del", map[string]string{"target": "7", "name": "hot"}, nil))
	all = map[string][]alarm.Trigger{}
	assert.Equal(t, http.StatusOK, get(t, srv, "/alarms/list", &all))
	assert.Empty(t, all["7"])
}

func TestJobLifecycleAndProfiles(t *testing.T) {

	srv := newTestServer(t)

	desc := job.Descriptor{JobID: "9", Command: "./sim", Size: 2}
	assert.Equal(t, http.StatusOK, post(t, srv, "/job/start", desc, nil))
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/job/start", job.Descriptor{}, nil))

	samples := []job.Sample{{JobID: "9", Name: "steps_total", Kind: "counter", Value: 4}}
	require.Equal(t, http.StatusOK, post(t, srv, "/push", samples, nil))

	assert.Equal(t, http.StatusOK, get(t, srv, "/job/end?job=9", nil))
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/job?job=9", nil))
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/job/end?job=9", nil))

	// late samples for a finished job are dropped
	assert.Equal(t, http.StatusNotFound, post(t, srv, "/push", samples, nil))

	var p job.Profile
	assert.Equal(t, http.StatusOK, get(t, srv, "/get?jobid=9", &p))
	e, ok := p.Get("steps_total")
	require.True(t, ok)
	assert.Equal(t, 4.0, e.Value.Current())
	assert.Equal(t, "./sim", p.Desc.Command)
	assert.NotZero(t, p.Desc.EndTime)

	assert.Equal(t, http.StatusOK, get(t, srv, "/profiles/get?jobid=9", &p))
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/get?jobid=10", nil))

	var list []job.Descriptor
	assert.Equal(t, http.StatusOK, get(t, srv, "/profiles", &list))
	require.Len(t, list, 1)
	assert.Equal(t, "9", list[0].JobID)

	var perCmd map[string][]job.Descriptor
	assert.Equal(t, http.StatusOK, get(t, srv, "/percmd", &perCmd))
	require.Len(t, perCmd["./sim"], 1)
}

func TestPivotAndTopo(t *testing.T) {

	srv := newTestServer(t)

	var edges [][2]string
	assert.Equal(t, http.StatusOK, get(t, srv, "/topo", &edges))
	assert.Equal(t, [][2]string{{self, self}}, edges)

	var resp job.ApiResponse
	assert.Equal(t, http.StatusOK, get(t, srv, "/pivot?from=a:1", &resp))
	assert.Equal(t, job.ApiResponse{Operation: self, Success: true}, resp)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/pivot?from=http://b:1", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/pivot", nil))

	assert.Equal(t, http.StatusOK, get(t, srv, "/topo", &edges))
	assert.Equal(t, [][2]string{{self, "a:1"}}, edges)
}

func TestJoin(t *testing.T) {

	exporter := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metrics" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintln(w, "# TYPE up gauge")
		fmt.Fprintln(w, "up 1")
	}))
	defer exporter.Close()
	hostPort := strings.TrimPrefix(exporter.URL, "http://")

	srv := newTestServer(t)

	var resp job.ApiResponse
	assert.Equal(t, http.StatusOK, get(t, srv, "/join?to="+hostPort+"&period=2", &resp))
	assert.True(t, resp.Success)

	var targets []scrape.Target
	assert.Equal(t, http.StatusOK, get(t, srv, "/join/list", &targets))
	require.Len(t, targets, 1)
	assert.Equal(t, scrape.TypePrometheus, targets[0].Type)
	assert.Equal(t, uint64(2), targets[0].Period)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/join?to="+exporter.URL, nil))
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/join", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/join?to="+hostPort+"&period=x", nil))

	assert.Equal(t, http.StatusOK, get(t, srv, "/join/del?to="+hostPort, &resp))
	assert.Equal(t, "Removed "+hostPort+" from scraping", resp.Operation)
	targets = nil
	assert.Equal(t, http.StatusOK, get(t, srv, "/join/list", &targets))
	assert.Empty(t, targets)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/join/del?to="+hostPort, nil))
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/join/del", nil))
}

func TestProfileExtrap(t *testing.T) {

	srv := newTestServer(t)

	for i, size := range []int{4, 2} {
		id := fmt.Sprintf("%d", 20+i)
		desc := job.Descriptor{JobID: id, Command: "./lulesh", Size: size}
		require.Equal(t, http.StatusOK, post(t, srv, "/job/start", desc, nil))
		samples := []job.Sample{{JobID: id, Name: "MPI_Send___time___total", Kind: "counter", Value: float64(10 * size)}}
		require.Equal(t, http.StatusOK, post(t, srv, "/push", samples, nil))
		require.Equal(t, http.StatusOK, get(t, srv, "/job/end?job="+id, nil))
	}

	resp, err := http.Get(srv.URL + "/profiles/extrap?jobid=21")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.NotEmpty(t, lines)
	assert.Equal(t, `{"params":{"size":2},"metric":"time","callpath":"MPI_Send->time->total","value":20}`, lines[0])
	assert.Contains(t, string(body), `"params":{"size":4}`)

	assert.Equal(t, http.StatusNotFound, get(t, srv, "/profiles/extrap?jobid=99", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/profiles/extrap", nil))
}

func TestTraceEndpoints(t *testing.T) {

	env := newTestEnv(t)
	srv := env.srv

	desc := job.Descriptor{JobID: "30", Command: "./cg", Size: 1}
	require.Equal(t, http.StatusOK, post(t, srv, "/job/start", desc, nil))
	samples := []job.Sample{{JobID: "30", Name: "iter_total", Kind: "counter", Value: 3}}
	require.Equal(t, http.StatusOK, post(t, srv, "/push", samples, nil))
	env.traces.Sample()

	var list []trace.Info
	assert.Equal(t, http.StatusOK, get(t, srv, "/trace/list", &list))
	require.Len(t, list, 1)
	assert.Equal(t, "30", list[0].Desc.JobID)
	assert.Equal(t, 1, list[0].Frames)

	var read trace.Read
	assert.Equal(t, http.StatusOK, get(t, srv, "/trace/read?job=30", &read))
	assert.Contains(t, read.Metrics, "iter_total")
	assert.Empty(t, read.TimeSerie)

	assert.Equal(t, http.StatusOK, get(t, srv, "/trace/read?job=30&filter=iter_total", &read))
	require.Len(t, read.TimeSerie, 1)

	var plot [][2]float64
	assert.Equal(t, http.StatusOK, get(t, srv, "/trace/plot?job=30&filter=iter_total", &plot))
	require.Len(t, plot, 1)
	assert.Equal(t, 3.0, plot[0][1])

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/trace/read", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/trace/plot?job=30", nil))
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/trace/read?job=30&filter=nope", nil))
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/trace/read?job=31", nil))

	// the trace outlives its job
	require.Equal(t, http.StatusOK, get(t, srv, "/job/end?job=30", nil))
	env.traces.Sample()
	assert.Equal(t, http.StatusOK, get(t, srv, "/trace/list", &list))
	require.Len(t, list, 1)
	assert.True(t, list[0].Done)
}

func TestTracesDisabled(t *testing.T) {

	h := NewHandler(Options{}, logger.Discard())
	srv := httptest.NewServer(h)
	defer srv.Close()

	assert.Equal(t, http.StatusNotFound, get(t, srv, "/trace/list", nil))
}

func TestStatusOf(t *testing.T) {

	assert.Equal(t, http.StatusNotFound, statusOf(fmt.Errorf("x: %w", proxyerr.NotFound)))
	assert.Equal(t, http.StatusBadRequest, statusOf(proxyerr.MalformedInput))
	assert.Equal(t, http.StatusBadRequest, statusOf(proxyerr.TypeMismatch))
	assert.Equal(t, http.StatusInternalServerError, statusOf(fmt.Errorf("profile 3: %w", proxyerr.ArchiveIOFailure)))
	assert.Equal(t, http.StatusInternalServerError, statusOf(errors.New("boom")))
}
