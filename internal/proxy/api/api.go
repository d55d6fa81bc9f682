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
	"errors"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"metricproxy.io/metric-proxy-go/internal/proxy/alarm"
	"metricproxy.io/metric-proxy-go/internal/proxy/profile"
	"metricproxy.io/metric-proxy-go/internal/proxy/registry"
	"metricproxy.io/metric-proxy-go/internal/proxy/scrape"
	"metricproxy.io/metric-proxy-go/internal/proxy/trace"
	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	"metricproxy.io/metric-proxy-go/internal/types/job"
	"metricproxy.io/metric-proxy-go/internal/util/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBody bounds request bodies of the push style endpoints.
const maxBody = 8 << 20

// Options wires the handler to the proxy components. Pivots may be nil on a
// proxy that does not accept children.
type Options struct {
	Registry *registry.Registry
	Alarms   *alarm.Engine
	Profiles *profile.Archiver
	Scrapes  *scrape.Manager
	Pivots   *scrape.PivotTable
	// Traces may be nil when tracing is disabled.
	Traces *trace.Recorder
}

// Handler serves the proxy HTTP API.
type Handler struct {
	reg      *registry.Registry
	alarms   *alarm.Engine
	profiles *profile.Archiver
	scrapes  *scrape.Manager
	pivots   *scrape.PivotTable
	traces   *trace.Recorder
	logger   logger.Logger
	mux      *http.ServeMux
}

func NewHandler(opts Options, log logger.Logger) *Handler {

	h := &Handler{
		reg:      opts.Registry,
		alarms:   opts.Alarms,
		profiles: opts.Profiles,
		scrapes:  opts.Scrapes,
		pivots:   opts.Pivots,
		traces:   opts.Traces,
		logger:   log.WithName("server"),
		mux:      http.NewServeMux(),
	}
	h.routes()
	return h
}

func (h *Handler) routes() {

	h.mux.HandleFunc("GET /job/list", h.jobList)
	h.mux.HandleFunc("GET /job", h.jobs)
	h.mux.HandleFunc("GET /job/{$}", h.jobs)
	h.mux.HandleFunc("POST /job/start", h.jobStart)
	h.mux.HandleFunc("/job/end", h.jobEnd)
	h.mux.HandleFunc("GET /metrics", h.exposition)

	h.mux.HandleFunc("GET /alarms", h.alarmsActive)
	h.mux.HandleFunc("GET /alarms/list", h.alarmsList)
	h.mux.HandleFunc("POST /alarms/add", h.alarmsAdd)
	h.mux.HandleFunc("/alarms/del", h.alarmsDel)

	h.mux.HandleFunc("GET /join", h.join)
	h.mux.HandleFunc("GET /join/list", h.joinList)
	h.mux.HandleFunc("GET /join/del", h.joinDel)
	h.mux.HandleFunc("GET /pivot", h.pivot)
	h.mux.HandleFunc("GET /topo", h.topo)

	h.mux.HandleFunc("GET /profiles", h.profileList)
	h.mux.HandleFunc("GET /percmd", h.profilesPerCommand)
	h.mux.HandleFunc("GET /profiles/percmd", h.profilesPerCommand)
	h.mux.HandleFunc("GET /get", h.profileGet)
	h.mux.HandleFunc("GET /profiles/get", h.profileGet)
	h.mux.HandleFunc("GET /profiles/extrap", h.profileExtrap)

	h.mux.HandleFunc("GET /trace/list", h.traceList)
	h.mux.HandleFunc("GET /trace/read", h.traceRead)
	h.mux.HandleFunc("GET /trace/plot", h.tracePlot)

	h.mux.HandleFunc("POST /push", h.push)
	h.mux.HandleFunc("/set", h.set)
	h.mux.HandleFunc("/accumulate", h.accumulate)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {

	start := time.Now()
	h.mux.ServeHTTP(w, r)
	h.logger.V(1).Info("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start).String())
}

func statusOf(err error) int {

	switch {
	case errors.Is(err, proxyerr.NotFound):
		return http.StatusNotFound
	case errors.Is(err, proxyerr.MalformedInput), errors.Is(err, proxyerr.TypeMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error(err, "writing response failed")
	}
}

func (h *Handler) success(w http.ResponseWriter, operation string) {
	h.writeJSON(w, http.StatusOK, job.ApiResponse{Operation: operation, Success: true})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {

	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(err, "request failed")
	}
	h.writeJSON(w, status, job.ApiResponse{Operation: err.Error(), Success: false})
}

// decodeBody reads a JSON body into v. Errors are MalformedInput.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %v: %w", err, proxyerr.MalformedInput)
	}
	return nil
}
