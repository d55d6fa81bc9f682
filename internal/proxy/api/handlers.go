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
	"net/http"
	"strconv"
	"strings"

	"metricproxy.io/metric-proxy-go/internal/metrics"
	"metricproxy.io/metric-proxy-go/internal/proxy/alarm"
	"metricproxy.io/metric-proxy-go/internal/proxy/store"
	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	"metricproxy.io/metric-proxy-go/internal/types/job"
	"metricproxy.io/metric-proxy-go/internal/types/metric"
)

const expositionContentType = "text/plain; version=0.0.4; charset=utf-8"

const defaultJoinPeriod = 5

func (h *Handler) jobList(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.reg.ListJobs())
}

// jobs serves every live profile, or one when ?job= is given.
func (h *Handler) jobs(w http.ResponseWriter, r *http.Request) {

	if id := r.URL.Query().Get("job"); id != "" {
		p, err := h.reg.GetJob(id)
		if err != nil {
			h.fail(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, p)
		return
	}
	h.writeJSON(w, http.StatusOK, h.reg.Snapshot())
}

func (h *Handler) jobStart(w http.ResponseWriter, r *http.Request) {

	var desc job.Descriptor
	if err := decodeBody(w, r, &desc); err != nil {
		h.fail(w, err)
		return
	}
	if desc.JobID == "" {
		h.fail(w, fmt.Errorf("job without id: %w", proxyerr.MalformedInput))
		return
	}

	d, err := h.reg.Attach(desc)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.success(w, "start "+d.JobID)
}

func (h *Handler) jobEnd(w http.ResponseWriter, r *http.Request) {

	id := r.URL.Query().Get("job")
	if id == "" {
		h.fail(w, fmt.Errorf("no job parameter passed: %w", proxyerr.MalformedInput))
		return
	}

	_, done, err := h.reg.Detach(id)
	if err != nil && !done {
		h.fail(w, err)
		return
	}
	if err != nil {
		// finished, but the profile did not reach the disk
		h.logger.Error(err, "job finished without profile", "jobid", id)
	}
	h.success(w, "end "+id)
}

func (h *Handler) exposition(w http.ResponseWriter, r *http.Request) {

	id := r.URL.Query().Get("job")
	if id == "" {
		id = job.MainJobID
	}
	p, err := h.reg.GetJob(id)
	if err != nil {
		h.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", expositionContentType)
	if err := store.WriteText(w, p.Counters); err != nil {
		h.logger.Error(err, "writing exposition failed", "jobid", id)
	}
}

func (h *Handler) alarmsActive(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.alarms.Active())
}

func (h *Handler) alarmsList(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.alarms.Evaluate())
}

type alarmRequest struct {
	Name      string  `json:"name"`
	Target    string  `json:"target"`
	Metric    string  `json:"metric"`
	Operation string  `json:"operation"`
	Value     float64 `json:"value"`
}

func (h *Handler) alarmsAdd(w http.ResponseWriter, r *http.Request) {

	var req alarmRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}

	op, err := alarm.ParseOperator(req.Operation, req.Value)
	if err != nil {
		h.fail(w, err)
		return
	}
	rule := alarm.Rule{Name: req.Name, Target: req.Target, Metric: req.Metric, Operator: op}
	if err := h.alarms.Add(rule); err != nil {
		h.fail(w, err)
		return
	}
	h.success(w, "add alarm "+req.Name)
}

func (h *Handler) alarmsDel(w http.ResponseWriter, r *http.Request) {

	var target, name string
	switch r.Method {
	case http.MethodGet:
		target, name = r.URL.Query().Get("targetjob"), r.URL.Query().Get("name")
	case http.MethodPost:
		var req struct {
			Target string `json:"target"`
			Name   string `json:"name"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			h.fail(w, err)
			return
		}
		target, name = req.Target, req.Name
	default:
		h.fail(w, fmt.Errorf("no such request type %s: %w", r.Method, proxyerr.MalformedInput))
		return
	}

	if err := h.alarms.Delete(target, name); err != nil {
		h.fail(w, err)
		return
	}
	h.success(w, "delete alarm "+name)
}

func (h *Handler) join(w http.ResponseWriter, r *http.Request) {

	q := r.URL.Query()
	to := q.Get("to")
	if to == "" {
		h.fail(w, fmt.Errorf("no to parameter passed: %w", proxyerr.MalformedInput))
		return
	}
	if strings.Contains(to, "http") {
		h.fail(w, fmt.Errorf("to must be host:port, without scheme: %w", proxyerr.MalformedInput))
		return
	}

	period := uint64(defaultJoinPeriod)
	if s := q.Get("period"); s != "" {
		p, err := strconv.ParseUint(s, 10, 64)
		if err != nil || p == 0 {
			h.fail(w, fmt.Errorf("bad period %q: %w", s, proxyerr.MalformedInput))
			return
		}
		period = p
	}

	if _, err := h.scrapes.Add(r.Context(), to, period); err != nil {
		h.fail(w, fmt.Errorf("failed to add %s for scraping: %w", to, err))
		return
	}
	h.success(w, fmt.Sprintf("Added %s for scraping", to))
}

// joinDel stops scraping a target and releases the jobs it reported.
func (h *Handler) joinDel(w http.ResponseWriter, r *http.Request) {

	to := r.URL.Query().Get("to")
	if to == "" {
		h.fail(w, fmt.Errorf("no to parameter passed: %w", proxyerr.MalformedInput))
		return
	}
	if err := h.scrapes.Remove(to); err != nil {
		h.fail(w, err)
		return
	}
	h.success(w, fmt.Sprintf("Removed %s from scraping", to))
}

func (h *Handler) joinList(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.scrapes.List())
}

func (h *Handler) pivot(w http.ResponseWriter, r *http.Request) {

	if h.pivots == nil {
		h.fail(w, fmt.Errorf("pivot placement disabled: %w", proxyerr.NotFound))
		return
	}
	parent, err := h.pivots.Place(r.URL.Query().Get("from"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.success(w, parent)
}

func (h *Handler) topo(w http.ResponseWriter, _ *http.Request) {

	if h.pivots == nil {
		h.writeJSON(w, http.StatusOK, [][2]string{})
		return
	}
	h.writeJSON(w, http.StatusOK, h.pivots.Edges())
}

func (h *Handler) refreshProfiles() {

	if err := h.profiles.Refresh(); err != nil {
		h.logger.Error(err, "rescanning profiles failed")
	}
}

func (h *Handler) profileList(w http.ResponseWriter, _ *http.Request) {

	h.refreshProfiles()
	h.writeJSON(w, http.StatusOK, h.profiles.List())
}

func (h *Handler) profilesPerCommand(w http.ResponseWriter, _ *http.Request) {

	h.refreshProfiles()
	h.writeJSON(w, http.StatusOK, h.profiles.ByCommand())
}

func (h *Handler) profileGet(w http.ResponseWriter, r *http.Request) {

	id := r.URL.Query().Get("jobid")
	if id == "" {
		h.fail(w, fmt.Errorf("no jobid parameter passed: %w", proxyerr.MalformedInput))
		return
	}
	p, err := h.profiles.Get(id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// profileExtrap exports the Extra-P samples of every run sharing the command
// of jobid, an archived or a live job.
func (h *Handler) profileExtrap(w http.ResponseWriter, r *http.Request) {

	id := r.URL.Query().Get("jobid")
	if id == "" {
		h.fail(w, fmt.Errorf("no jobid parameter passed: %w", proxyerr.MalformedInput))
		return
	}
	p, err := h.profiles.Get(id)
	if errors.Is(err, proxyerr.NotFound) {
		p, err = h.reg.GetJob(id)
	}
	if err != nil {
		h.fail(w, err)
		return
	}

	var buf bytes.Buffer
	if err := h.profiles.WriteExtrap(&buf, p.Desc.Command); err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Error(err, "writing extrap export failed", "jobid", id)
	}
}

func (h *Handler) tracesEnabled(w http.ResponseWriter) bool {

	if h.traces == nil {
		h.fail(w, fmt.Errorf("tracing disabled: %w", proxyerr.NotFound))
		return false
	}
	return true
}

func (h *Handler) traceList(w http.ResponseWriter, _ *http.Request) {

	if !h.tracesEnabled(w) {
		return
	}
	h.writeJSON(w, http.StatusOK, h.traces.List())
}

func (h *Handler) traceRead(w http.ResponseWriter, r *http.Request) {

	if !h.tracesEnabled(w) {
		return
	}
	q := r.URL.Query()
	id := q.Get("job")
	if id == "" {
		h.fail(w, fmt.Errorf("no job parameter passed: %w", proxyerr.MalformedInput))
		return
	}
	read, err := h.traces.Read(id, q.Get("filter"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, read)
}

func (h *Handler) tracePlot(w http.ResponseWriter, r *http.Request) {

	if !h.tracesEnabled(w) {
		return
	}
	q := r.URL.Query()
	id := q.Get("job")
	if id == "" {
		h.fail(w, fmt.Errorf("no job parameter passed: %w", proxyerr.MalformedInput))
		return
	}
	points, err := h.traces.Plot(id, q.Get("filter"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, points)
}

// push records a batch of samples as one unit: a rejected sample leaves the
// whole batch unrecorded.
func (h *Handler) push(w http.ResponseWriter, r *http.Request) {

	var samples []job.Sample
	if err := decodeBody(w, r, &samples); err != nil {
		h.fail(w, err)
		return
	}

	if err := h.reg.RecordBatch(samples); err != nil {
		metrics.SamplesRejected.WithLabelValues("http").Add(float64(len(samples)))
		h.fail(w, err)
		return
	}
	metrics.SamplesIngested.WithLabelValues("http").Add(float64(len(samples)))
	h.success(w, "push")
}

type keyValue struct {
	Key   string
	Value float64
	Doc   string
}

// parseKeyValue reads key, value and doc from the query of a GET or from a
// JSON body {key, value, doc} of a POST. value may be a number or a string.
func parseKeyValue(w http.ResponseWriter, r *http.Request) (keyValue, error) {

	var (
		kv  keyValue
		raw interface{}
	)
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		kv.Key, kv.Doc = q.Get("key"), q.Get("doc")
		if q.Has("value") {
			raw = q.Get("value")
		}
	case http.MethodPost:
		var body struct {
			Key   string      `json:"key"`
			Value interface{} `json:"value"`
			Doc   string      `json:"doc"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			return kv, err
		}
		kv.Key, kv.Doc, raw = body.Key, body.Doc, body.Value
	default:
		return kv, fmt.Errorf("no such request type %s: %w", r.Method, proxyerr.MalformedInput)
	}

	if kv.Key == "" {
		return kv, fmt.Errorf("no key parameter passed: %w", proxyerr.MalformedInput)
	}
	switch v := raw.(type) {
	case float64:
		kv.Value = v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return kv, fmt.Errorf("bad value %q: %w", v, proxyerr.MalformedInput)
		}
		kv.Value = f
	default:
		return kv, fmt.Errorf("no value parameter passed: %w", proxyerr.MalformedInput)
	}
	return kv, nil
}

func (h *Handler) keyValueOp(w http.ResponseWriter, r *http.Request, operation string, op func(float64) metric.Op) {

	kv, err := parseKeyValue(w, r)
	if err != nil {
		h.fail(w, err)
		return
	}
	if err := h.reg.Apply("", "", metric.Descriptor{Name: kv.Key, Doc: kv.Doc}, op(kv.Value)); err != nil {
		metrics.SamplesRejected.WithLabelValues("http").Inc()
		h.fail(w, err)
		return
	}
	metrics.SamplesIngested.WithLabelValues("http").Inc()
	h.success(w, operation)
}

func (h *Handler) set(w http.ResponseWriter, r *http.Request) {
	h.keyValueOp(w, r, "set", metric.Set)
}

func (h *Handler) accumulate(w http.ResponseWriter, r *http.Request) {
	h.keyValueOp(w, r, "inc", metric.Increment)
}
