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

// Package trace samples the counters of running jobs into bounded in memory
// time series. A trace that outgrows its frame budget is folded to half its
// resolution and its sampling period doubles, so a long job costs the same
// memory as a short one.
package trace

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	"metricproxy.io/metric-proxy-go/internal/types/job"
	"metricproxy.io/metric-proxy-go/internal/types/metric"
	"metricproxy.io/metric-proxy-go/internal/types/proxy"
	"metricproxy.io/metric-proxy-go/internal/util/logger"
)

// Source lists live jobs and snapshots them.
type Source interface {
	ListJobs() []job.Descriptor
	GetJob(jobid string) (job.Profile, error)
}

type Config struct {
	// Period is the initial sampling period of a trace.
	Period time.Duration
	// MaxFrames bounds the frames kept per trace.
	MaxFrames int
	// Keep bounds the traces of finished jobs.
	Keep int
}

// Frame is one snapshot of a job. TS is in unix seconds.
type Frame struct {
	TS       float64
	Counters []metric.Entry
}

type Point struct {
	TS    float64      `json:"ts"`
	Value metric.Value `json:"value"`
}

type Info struct {
	Desc      job.Descriptor `json:"desc"`
	Frames    int            `json:"size"`
	LastWrite float64        `json:"lastwrite"`
	Period    float64        `json:"period"`
	Done      bool           `json:"done"`
}

// Read is a trace summary together with the series of one metric.
type Read struct {
	Info      Info     `json:"info"`
	Metrics   []string `json:"metrics"`
	TimeSerie []Point  `json:"time_serie"`
}

type trace struct {
	mu     sync.Mutex
	desc   job.Descriptor
	frames []Frame
	period time.Duration
	next   time.Time
	last   time.Time
	done   bool
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// push appends a frame and reports whether the trace was folded.
func (t *trace) push(now time.Time, p job.Profile, maxFrames int) bool {

	t.desc = p.Desc
	t.frames = append(t.frames, Frame{TS: unixSeconds(now), Counters: p.Counters})
	t.last = now

	folded := false
	if len(t.frames) > maxFrames {
		t.fold()
		t.period *= 2
		folded = true
	}
	t.next = now.Add(t.period)
	return folded
}

// fold keeps the later frame of every pair. Snapshots are cumulative, so the
// later frame already holds everything the earlier one saw.
func (t *trace) fold() {

	out := make([]Frame, 0, (len(t.frames)+1)/2)
	for i := 1; i < len(t.frames); i += 2 {
		out = append(out, t.frames[i])
	}
	if len(t.frames)%2 == 1 {
		out = append(out, t.frames[len(t.frames)-1])
	}
	t.frames = out
}

func (t *trace) info() Info {

	var last float64
	if !t.last.IsZero() {
		last = unixSeconds(t.last)
	}
	return Info{
		Desc:      t.desc,
		Frames:    len(t.frames),
		LastWrite: last,
		Period:    t.period.Seconds(),
		Done:      t.done,
	}
}

func (t *trace) metrics() []string {

	seen := make(map[string]struct{})
	for _, f := range t.frames {
		for _, c := range f.Counters {
			seen[c.Name] = struct{}{}
		}
	}
	ret := make([]string, 0, len(seen))
	for name := range seen {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

func (t *trace) series(name string) ([]Point, bool) {

	var ret []Point
	for _, f := range t.frames {
		for _, c := range f.Counters {
			if c.Name == name {
				ret = append(ret, Point{TS: f.TS, Value: c.Value.Clone()})
				break
			}
		}
	}
	return ret, ret != nil
}

// Recorder keeps one trace per live job and the traces of recently finished
// ones.
type Recorder struct {
	src    Source
	cfg    Config
	logger logger.Logger
	now    func() time.Time

	mu   sync.RWMutex
	live map[string]*trace
	done *lru.Cache
}

func New(src Source, cfg Config, log logger.Logger) (*Recorder, error) {

	if cfg.Period <= 0 {
		cfg.Period = time.Second
	}
	if cfg.MaxFrames < 2 {
		cfg.MaxFrames = 512
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 64
	}
	done, err := lru.New(cfg.Keep)
	if err != nil {
		return nil, err
	}

	return &Recorder{
		src:    src,
		cfg:    cfg,
		logger: log.WithName("trace"),
		now:    time.Now,
		live:   make(map[string]*trace),
		done:   done,
	}, nil
}

func (r *Recorder) liveTrace(jobid string) *trace {

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.live[jobid]
	if !ok {
		t = &trace{desc: job.Descriptor{JobID: jobid}, period: r.cfg.Period}
		r.live[jobid] = t
		r.done.Remove(jobid)
	}
	return t
}

// Sample records a frame for every live job whose trace is due and retires
// the traces of jobs that are gone.
func (r *Recorder) Sample() {

	now := r.now()
	present := make(map[string]struct{})

	for _, d := range r.src.ListJobs() {
		if job.IsSynthetic(d.JobID) {
			continue
		}
		present[d.JobID] = struct{}{}

		t := r.liveTrace(d.JobID)
		t.mu.Lock()
		due := !now.Before(t.next)
		t.mu.Unlock()
		if !due {
			continue
		}

		p, err := r.src.GetJob(d.JobID)
		if err != nil {
			continue
		}
		t.mu.Lock()
		folded := t.push(now, p, r.cfg.MaxFrames)
		period := t.period
		t.mu.Unlock()
		if folded {
			r.logger.V(1).Info("trace folded", "jobid", d.JobID, "period", period.String())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for jobid, t := range r.live {
		if _, ok := present[jobid]; ok {
			continue
		}
		delete(r.live, jobid)
		t.mu.Lock()
		t.done = true
		t.mu.Unlock()
		r.done.Add(jobid, t)
	}
}

func (r *Recorder) lookup(jobid string) (*trace, error) {

	r.mu.RLock()
	t, ok := r.live[jobid]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}
	if v, ok := r.done.Get(jobid); ok {
		return v.(*trace), nil
	}
	return nil, fmt.Errorf("trace %s: %w", jobid, proxyerr.NotFound)
}

// List returns the summary of every trace ordered by jobid.
func (r *Recorder) List() []Info {

	var traces []*trace
	r.mu.RLock()
	for _, t := range r.live {
		traces = append(traces, t)
	}
	r.mu.RUnlock()
	for _, k := range r.done.Keys() {
		if v, ok := r.done.Peek(k); ok {
			traces = append(traces, v.(*trace))
		}
	}

	ret := make([]Info, 0, len(traces))
	for _, t := range traces {
		t.mu.Lock()
		ret = append(ret, t.info())
		t.mu.Unlock()
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Desc.JobID < ret[j].Desc.JobID })
	return ret
}

// Read returns the trace summary of jobid and the series of metric name. An
// empty name only lists the traced metrics.
func (r *Recorder) Read(jobid, name string) (Read, error) {

	t, err := r.lookup(jobid)
	if err != nil {
		return Read{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ret := Read{Info: t.info(), Metrics: t.metrics(), TimeSerie: []Point{}}
	if name == "" {
		return ret, nil
	}
	series, ok := t.series(name)
	if !ok {
		return Read{}, fmt.Errorf("metric %s in trace %s: %w", name, jobid, proxyerr.NotFound)
	}
	ret.TimeSerie = series
	return ret, nil
}

// Plot returns (timestamp, value) pairs of metric name in jobid. Gauges plot
// their last observed value.
func (r *Recorder) Plot(jobid, name string) ([][2]float64, error) {

	if name == "" {
		return nil, fmt.Errorf("no metric to plot: %w", proxyerr.MalformedInput)
	}
	read, err := r.Read(jobid, name)
	if err != nil {
		return nil, err
	}
	ret := make([][2]float64, 0, len(read.TimeSerie))
	for _, p := range read.TimeSerie {
		ret = append(ret, [2]float64{p.TS, p.Value.Current()})
	}
	return ret, nil
}

// Start samples at the base period until ctx is done.
func (r *Recorder) Start(ctx context.Context) error {

	ticker := time.NewTicker(r.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sample()
		}
	}
}

func (r *Recorder) Info() proxy.Info {

	return proxy.Info{
		Name: "trace-recorder",
	}
}

func (r *Recorder) Close() error {
	return nil
}
