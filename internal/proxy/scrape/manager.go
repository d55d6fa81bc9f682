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

package scrape

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sync/errgroup"

	"metricproxy.io/metric-proxy-go/internal/metrics"
	"metricproxy.io/metric-proxy-go/internal/proxy/registry"
	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	"metricproxy.io/metric-proxy-go/internal/types/job"
	"metricproxy.io/metric-proxy-go/internal/types/metric"
	"metricproxy.io/metric-proxy-go/internal/types/proxy"
	"metricproxy.io/metric-proxy-go/internal/util/logger"
	"metricproxy.io/metric-proxy-go/internal/worker"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBody = 64 << 20

type target struct {
	info    Target
	next    time.Time
	running bool

	// jobs attached on behalf of a proxy target, guarded by seenMu
	seenMu  sync.Mutex
	seen    map[string]struct{}
	removed bool
}

// forget marks the target removed and returns the jobs it had attached.
func (t *target) forget() []string {

	t.seenMu.Lock()
	defer t.seenMu.Unlock()

	t.removed = true
	ret := make([]string, 0, len(t.seen))
	for jobid := range t.seen {
		ret = append(ret, jobid)
	}
	t.seen = make(map[string]struct{})
	return ret
}

type Config struct {
	// Timeout bounds one scrape. Zero uses the target period.
	Timeout time.Duration
	// Tick is the scheduler resolution.
	Tick time.Duration
	// OnCycle runs after every scrape, successful or not.
	OnCycle func()
	// System reads host statistics for the /system target.
	System *SystemCollector
}

// Manager owns the scrape targets and schedules them on a worker pool. A
// target never runs twice at the same time.
type Manager struct {
	reg     *registry.Registry
	pool    *worker.Pool
	tracker *Tracker
	client  *http.Client
	cfg     Config
	logger  logger.Logger

	mu      sync.Mutex
	targets map[string]*target
}

func NewManager(reg *registry.Registry, pool *worker.Pool, cfg Config, log logger.Logger) *Manager {

	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &Manager{
		reg:     reg,
		pool:    pool,
		tracker: NewTracker(),
		client:  &http.Client{},
		cfg:     cfg,
		logger:  log.WithName("scrape"),
		targets: make(map[string]*target),
	}
}

// Add registers raw (host:port, a URL or /system) with the given period in
// seconds. The type of a remote target is probed first: a JSON /job answer
// means another proxy, otherwise /metrics is tried. Adding a known target
// returns it unchanged.
func (m *Manager) Add(ctx context.Context, raw string, period uint64) (Target, error) {

	if period == 0 {
		period = 5
	}

	if t, ok := m.lookup(raw); ok {
		return t, nil
	}

	url, ttype, err := m.detect(ctx, raw)
	if err != nil {
		return Target{}, err
	}
	if ttype == TypeSystem && m.cfg.System == nil {
		return Target{}, fmt.Errorf("system statistics are not available: %w", proxyerr.ScrapeFailure)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.targets[url]; ok {
		return t.info, nil
	}
	t := &target{
		info: Target{URL: url, Type: ttype, Period: period},
		seen: make(map[string]struct{}),
	}
	m.targets[url] = t

	m.logger.Info("scrape target added", "url", url, "type", ttype.String(), "period", period)
	return t.info, nil
}

func (m *Manager) lookup(raw string) (Target, bool) {

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range candidates(raw) {
		if t, ok := m.targets[c]; ok {
			return t.info, true
		}
	}
	return Target{}, false
}

// Remove forgets a target. Jobs attached on its behalf are detached.
func (m *Manager) Remove(raw string) error {

	m.mu.Lock()
	var t *target
	for _, c := range candidates(raw) {
		if found, ok := m.targets[c]; ok {
			t = found
			delete(m.targets, c)
			break
		}
	}
	m.mu.Unlock()

	if t == nil {
		return fmt.Errorf("scrape target %s: %w", raw, proxyerr.NotFound)
	}

	for _, jobid := range t.forget() {
		m.detach(jobid)
	}
	m.tracker.ForgetTarget(t.info.URL)
	m.logger.Info("scrape target removed", "url", t.info.URL)
	return nil
}

// List returns every target ordered by URL.
func (m *Manager) List() []Target {

	m.mu.Lock()
	ret := make([]Target, 0, len(m.targets))
	for _, t := range m.targets {
		ret = append(ret, t.info)
	}
	m.mu.Unlock()

	sort.Slice(ret, func(i, j int) bool { return ret[i].URL < ret[j].URL })
	return ret
}

func (m *Manager) Start(ctx context.Context) error {
	return m.Run(ctx)
}

func (m *Manager) Info() proxy.Info {

	return proxy.Info{
		Name: "scrape-scheduler",
	}
}

// Close is a no-op: the scheduler stops with the context given to Start and
// in flight scrapes stop with the worker pool.
func (m *Manager) Close() error {
	return nil
}

// Run schedules due targets until ctx is done.
func (m *Manager) Run(ctx context.Context) error {

	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.schedule(now)
		}
	}
}

func (m *Manager) schedule(now time.Time) {

	m.mu.Lock()
	defer m.mu.Unlock()

	for url, t := range m.targets {
		url := url
		if t.running || now.Before(t.next) {
			continue
		}
		t.running = true
		t.next = now.Add(time.Duration(t.info.Period) * time.Second)

		task := worker.TaskFunc{
			TaskName:    "scrape " + url,
			TaskTimeout: m.timeout(t.info.Period),
			Fn: func(ctx context.Context) error {
				return m.run(ctx, url)
			},
		}
		if err := m.pool.Submit(task); err != nil {
			t.running = false
			m.logger.Error(err, "cannot schedule scrape", "url", url)
		}
	}
}

func (m *Manager) timeout(period uint64) time.Duration {

	if m.cfg.Timeout > 0 {
		return m.cfg.Timeout
	}
	return time.Duration(period) * time.Second
}

// Scrape runs one scrape of a registered target now.
func (m *Manager) Scrape(ctx context.Context, raw string) error {

	m.mu.Lock()
	var (
		url    string
		period uint64
	)
	for _, c := range candidates(raw) {
		if t, ok := m.targets[c]; ok {
			if t.running {
				m.mu.Unlock()
				return nil
			}
			t.running = true
			url, period = c, t.info.Period
			break
		}
	}
	m.mu.Unlock()

	if url == "" {
		return fmt.Errorf("scrape target %s: %w", raw, proxyerr.NotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout(period))
	defer cancel()
	return m.run(ctx, url)
}

// run scrapes the target stored under url. The caller set running.
func (m *Manager) run(ctx context.Context, url string) error {

	m.mu.Lock()
	t, ok := m.targets[url]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	defer func() {
		m.mu.Lock()
		t.running = false
		m.mu.Unlock()
		if m.cfg.OnCycle != nil {
			m.cfg.OnCycle()
		}
	}()

	start := time.Now()
	var err error
	switch t.info.Type {
	case TypeProxy:
		err = m.scrapeProxy(ctx, t)
	case TypePrometheus:
		err = m.scrapePrometheus(ctx, t)
	case TypeSystem:
		err = m.scrapeSystem(t)
	}

	ttype := t.info.Type.String()
	metrics.ScrapeDuration.WithLabelValues(ttype).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ScrapeTotal.WithLabelValues(ttype, "failure").Inc()
		m.logger.Error(err, "scrape failed", "url", url)
		return fmt.Errorf("%s: %v: %w", url, err, proxyerr.ScrapeFailure)
	}
	metrics.ScrapeTotal.WithLabelValues(ttype, "success").Inc()

	m.mu.Lock()
	t.info.LastScrape = uint64(time.Now().Unix())
	m.mu.Unlock()
	m.logger.V(1).Info("scraped", "url", url, "took", time.Since(start).String())
	return nil
}

func (m *Manager) fetch(ctx context.Context, url string) (*http.Response, []byte, error) {

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, body, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return resp, body, nil
}

func (m *Manager) detect(ctx context.Context, raw string) (string, TargetType, error) {

	if raw == SystemURL {
		return SystemURL, TypeSystem, nil
	}
	base, err := baseURL(raw)
	if err != nil {
		return "", 0, err
	}

	probe := func(url string) (*http.Response, []byte, error) {
		ctx, cancel := context.WithTimeout(ctx, m.timeout(5))
		defer cancel()
		return m.fetch(ctx, url)
	}

	jobURL := base + "/job"
	if resp, body, err := probe(jobURL); err == nil {
		ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		var profiles []job.Profile
		if ct != "text/html" && json.Unmarshal(body, &profiles) == nil {
			m.logger.Info("target is a proxy", "url", base)
			return jobURL, TypeProxy, nil
		}
	}

	promURL := base + "/metrics"
	if _, _, err := probe(promURL); err == nil {
		m.logger.Info("target is a prometheus exporter", "url", base)
		return promURL, TypePrometheus, nil
	}

	return "", 0, fmt.Errorf("failed to determine type of %s: %w", raw, proxyerr.ScrapeFailure)
}

func (m *Manager) scrapeProxy(ctx context.Context, t *target) error {

	_, body, err := m.fetch(ctx, t.info.URL)
	if err != nil {
		return err
	}
	var profiles []job.Profile
	if err := json.Unmarshal(body, &profiles); err != nil {
		return fmt.Errorf("decode %s: %w", t.info.URL, err)
	}

	present := make(map[string]struct{}, len(profiles))
	merge := make([]job.Profile, 0, len(profiles))

	t.seenMu.Lock()
	if t.removed {
		t.seenMu.Unlock()
		return nil
	}
	for _, p := range profiles {
		if p.Desc.JobID == "" {
			continue
		}
		present[p.Desc.JobID] = struct{}{}
		if _, ok := t.seen[p.Desc.JobID]; !ok {
			if !job.IsSynthetic(p.Desc.JobID) {
				if _, err := m.reg.Attach(p.Desc); err != nil {
					m.logger.Error(err, "cannot attach remote job", "jobid", p.Desc.JobID)
					continue
				}
			}
			t.seen[p.Desc.JobID] = struct{}{}
		}
		merge = append(merge, p)
	}
	t.seenMu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, p := range merge {
		p := p
		g.Go(func() error {
			deltas := make([]metric.Entry, 0, len(p.Counters))
			for _, e := range p.Counters {
				if !e.Value.Valid() {
					continue
				}
				deltas = append(deltas, m.tracker.Entry(t.info.URL, p.Desc.JobID, e))
			}
			if err := m.reg.MergeJob(p.Desc, deltas); err != nil {
				if errors.Is(err, proxyerr.NotFound) {
					return err
				}
				m.logger.V(1).Info("partial merge", "jobid", p.Desc.JobID, "error", err.Error())
			}
			metrics.SamplesIngested.WithLabelValues("proxy").Add(float64(len(deltas)))
			return nil
		})
	}
	mergeErr := g.Wait()

	var gone []string
	t.seenMu.Lock()
	for jobid := range t.seen {
		if _, ok := present[jobid]; ok {
			continue
		}
		delete(t.seen, jobid)
		gone = append(gone, jobid)
	}
	t.seenMu.Unlock()

	for _, jobid := range gone {
		m.tracker.Forget(t.info.URL, jobid)
		m.detach(jobid)
	}

	return mergeErr
}

func (m *Manager) detach(jobid string) {

	if job.IsSynthetic(jobid) {
		return
	}
	if _, done, err := m.reg.Detach(jobid); err != nil {
		m.logger.Error(err, "detaching remote job failed", "jobid", jobid)
	} else if done {
		m.logger.Info("remote job left", "jobid", jobid)
	}
}

func (m *Manager) scrapePrometheus(ctx context.Context, t *target) error {

	_, body, err := m.fetch(ctx, t.info.URL)
	if err != nil {
		return err
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parse %s: %w", t.info.URL, err)
	}

	var entries []metric.Entry
	for name, fam := range families {
		for _, mt := range fam.GetMetric() {
			labels := make([]metric.Label, 0, len(mt.GetLabel()))
			for _, l := range mt.GetLabel() {
				labels = append(labels, metric.Label{Name: l.GetName(), Value: l.GetValue()})
			}
			full := metric.FormatName(name, labels)

			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				entries = append(entries, counterEntry(full, fam.GetHelp(), mt.GetCounter().GetValue()))
			case dto.MetricType_UNTYPED:
				entries = append(entries, counterEntry(full, fam.GetHelp(), mt.GetUntyped().GetValue()))
			case dto.MetricType_GAUGE:
				entries = append(entries, gaugeEntry(full, fam.GetHelp(), mt.GetGauge().GetValue()))
			}
		}
	}

	m.fold(t.info.URL, "prometheus", entries)
	return nil
}

func (m *Manager) scrapeSystem(t *target) error {

	entries, err := m.cfg.System.Collect()
	if err != nil {
		return err
	}
	m.fold(t.info.URL, "system", entries)
	return nil
}

// fold applies absolute readings to the local node aggregate and main.
// Counters contribute their increase since the previous reading.
func (m *Manager) fold(url, origin string, entries []metric.Entry) {

	var applied, rejected int
	for _, e := range entries {
		d := e.Descriptor()
		var op metric.Op
		switch {
		case e.Value.Counter != nil:
			v := e.Value.Counter.Value
			if math.IsNaN(v) || math.IsInf(v, 0) {
				rejected++
				continue
			}
			op = metric.Increment(m.tracker.Counter(url, job.MainJobID, e.Name, v))
		case e.Value.Gauge != nil:
			op = metric.Set(e.Value.Gauge.Last)
		default:
			continue
		}

		if err := m.reg.Apply("", "", d, op); err != nil {
			rejected++
			m.logger.V(1).Info("sample rejected", "name", e.Name, "error", err.Error())
			continue
		}
		applied++
	}

	metrics.SamplesIngested.WithLabelValues(origin).Add(float64(applied))
	if rejected > 0 {
		metrics.SamplesRejected.WithLabelValues(origin).Add(float64(rejected))
	}
}
