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

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"metricproxy.io/metric-proxy-go/internal/server"
	"metricproxy.io/metric-proxy-go/internal/types/proxy"
	"metricproxy.io/metric-proxy-go/internal/util/logger"
)

const (
	Namespace = "metricproxy"
	Subsystem = "proxy"
)

var (
	// ScrapeTotal counts scrape attempts per target type and outcome
	ScrapeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "scrape_total",
			Help:      "Total number of target scrapes",
		},
		[]string{"type", "status"},
	)

	// ScrapeDuration tracks how long scrapes take
	ScrapeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "scrape_duration_seconds",
			Help:      "Duration of target scrapes in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	SamplesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "samples_ingested_total",
			Help:      "Samples applied to the registry by origin",
		},
		[]string{"origin"},
	)

	SamplesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "samples_rejected_total",
			Help:      "Samples refused by the registry by origin",
		},
		[]string{"origin"},
	)

	LiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "live_jobs",
			Help:      "Jobs currently held by the registry, synthetic ones included",
		},
	)

	ActiveAlarms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "active_alarms",
			Help:      "Alarms raised at the last evaluation",
		},
	)

	AlarmTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "alarm_transitions_total",
			Help:      "Alarm state changes",
		},
		[]string{"state"},
	)

	ProfilesArchived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "profiles_archived_total",
			Help:      "Job profiles written to disk",
		},
	)

	ArchiveFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "archive_failures_total",
			Help:      "Job profiles that could not be written",
		},
	)

	// ProxyUp indicates if the proxy is up
	ProxyUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "up",
			Help:      "1 if the proxy is up, 0 otherwise",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ScrapeTotal,
		ScrapeDuration,
		SamplesIngested,
		SamplesRejected,
		LiveJobs,
		ActiveAlarms,
		AlarmTransitions,
		ProfilesArchived,
		ArchiveFailures,
		ProxyUp,
	)
	ProxyUp.Set(1)
}

// Runner serves the self instrumentation endpoint
type Runner struct {
	cfg    *server.Server
	server *http.Server
}

func New(cfg *server.Server) *Runner {

	return &Runner{cfg: cfg}
}

func (r *Runner) Start(ctx context.Context) error {

	mlog := r.initLogs()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%s", r.cfg.Config.Proxy.Info.IP, r.cfg.Config.Proxy.Metrics.Port)
	r.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       15 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	mlog.Info("Starting metrics server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		mlog.Error(err, "Metrics server failed")
		return err
	}
}

func (r *Runner) Info() proxy.Info {

	return proxy.Info{
		Name: "metrics-server",
	}
}

func (r *Runner) Close() error {

	if r.server != nil {
		r.initLogs().Info("Shutting down metrics server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.server.Shutdown(ctx)
	}
	return nil
}

func (r *Runner) initLogs() logger.Logger {

	return r.cfg.Logger.WithName("metrics")
}
