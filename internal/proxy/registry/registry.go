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

// Package registry owns the live jobs of a proxy: the synthetic main and
// per node aggregates plus every job that reported samples.
//
// Lock order is barrier, then the job table, then a job, then its store.
// Sample ingestion holds the barrier shared; whole registry snapshots and
// job completion hold it exclusively so they never see a sample applied to
// one aggregate and not yet to another.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"metricproxy.io/metric-proxy-go/internal/metrics"
	"metricproxy.io/metric-proxy-go/internal/proxy/store"
	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	"metricproxy.io/metric-proxy-go/internal/types/job"
	"metricproxy.io/metric-proxy-go/internal/types/metric"
	"metricproxy.io/metric-proxy-go/internal/util/logger"
)

// Archiver persists the profile of a finished job.
type Archiver interface {
	Archive(p job.Profile) error
}

// Job is a live aggregate.
type Job struct {
	mu    sync.Mutex
	desc  job.Descriptor
	nodes map[string]struct{}
	refs  int
	store *store.Store
}

func newJob(desc job.Descriptor) *Job {
	return &Job{
		desc:  desc,
		nodes: make(map[string]struct{}),
		store: store.New(),
	}
}

func (j *Job) Descriptor() job.Descriptor {

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.desc
}

func (j *Job) Store() *store.Store {
	return j.store
}

func (j *Job) profile() job.Profile {
	return job.Profile{Desc: j.Descriptor(), Counters: j.store.Snapshot()}
}

func (j *Job) noteNode(node string) {

	j.mu.Lock()
	defer j.mu.Unlock()
	j.noteNodeLocked(node)
}

// noteNodeLocked records a reporting node. Once any node reported, size is
// the number of distinct reporters and no longer the announced value.
func (j *Job) noteNodeLocked(node string) {

	if node == "" {
		return
	}
	j.nodes[node] = struct{}{}
	j.desc.Size = len(j.nodes)
}

// mergeLocked folds desc into the descriptor keeping the reported size.
func (j *Job) mergeLocked(desc job.Descriptor) {

	j.desc.Merge(desc)
	if len(j.nodes) > 0 {
		j.desc.Size = len(j.nodes)
	}
}

type Registry struct {
	barrier sync.RWMutex

	mu   sync.RWMutex
	jobs map[string]*Job

	// finished remembers recently completed jobids so late samples are
	// dropped instead of recreating the job.
	finished *lru.Cache

	node     string
	archiver Archiver
	logger   logger.Logger
	now      func() time.Time
}

// New creates a registry holding the main job. node names the local host and
// is used for samples that carry no node. recent bounds the finished jobid
// memory.
func New(node string, recent int, archiver Archiver, log logger.Logger) (*Registry, error) {

	if recent <= 0 {
		recent = 1024
	}
	finished, err := lru.New(recent)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		jobs:     make(map[string]*Job),
		finished: finished,
		node:     node,
		archiver: archiver,
		logger:   log.WithName("registry"),
		now:      time.Now,
	}
	r.jobs[job.MainJobID] = newJob(job.Descriptor{
		JobID:     job.MainJobID,
		Command:   "Sum of all Jobs",
		StartTime: r.unixNow(),
	})
	r.jobs[job.NodeJobID(node)] = r.nodeJob(node)
	metrics.LiveJobs.Set(float64(len(r.jobs)))

	return r, nil
}

func (r *Registry) Node() string {
	return r.node
}

func (r *Registry) unixNow() uint64 {
	return uint64(r.now().Unix())
}

func (r *Registry) nodeJob(node string) *Job {
	return newJob(job.Descriptor{
		JobID:     job.NodeJobID(node),
		Command:   "Sum of all jobs on " + node,
		Size:      1,
		NodeList:  node,
		StartTime: r.unixNow(),
	})
}

// lookup returns the job, creating it from desc when absent. The caller
// holds the barrier.
func (r *Registry) lookup(jobid string, create func() *Job) *Job {

	r.mu.RLock()
	j, ok := r.jobs[jobid]
	r.mu.RUnlock()
	if ok || create == nil {
		return j
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok = r.jobs[jobid]; ok {
		return j
	}
	j = create()
	r.jobs[jobid] = j
	metrics.LiveJobs.Set(float64(len(r.jobs)))
	r.logger.V(1).Info("job created", "jobid", jobid)
	return j
}

func (r *Registry) synthetic(jobid string) *Job {

	if jobid == job.MainJobID {
		return r.lookup(jobid, nil)
	}
	node := strings.TrimPrefix(jobid, job.NodeJobPrefix)
	return r.lookup(jobid, func() *Job { return r.nodeJob(node) })
}

// EnsureJob creates the job or merges desc into the existing descriptor and
// returns the result. It also clears a recently finished marker.
func (r *Registry) EnsureJob(desc job.Descriptor) (job.Descriptor, error) {

	if desc.JobID == "" {
		return job.Descriptor{}, fmt.Errorf("job without id: %w", proxyerr.MalformedInput)
	}

	r.barrier.RLock()
	defer r.barrier.RUnlock()

	var j *Job
	if job.IsSynthetic(desc.JobID) {
		j = r.synthetic(desc.JobID)
	} else {
		r.finished.Remove(desc.JobID)
		j = r.lookup(desc.JobID, func() *Job {
			d := job.Descriptor{JobID: desc.JobID}
			return newJob(d)
		})
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.mergeLocked(desc)
	if j.desc.StartTime == 0 {
		j.desc.StartTime = r.unixNow()
	}
	return j.desc, nil
}

// Attach registers one more reporter for the job, creating it if needed.
func (r *Registry) Attach(desc job.Descriptor) (job.Descriptor, error) {

	d, err := r.EnsureJob(desc)
	if err != nil {
		return d, err
	}
	if job.IsSynthetic(desc.JobID) {
		return d, nil
	}

	r.barrier.RLock()
	j := r.lookup(desc.JobID, nil)
	if j != nil {
		j.mu.Lock()
		j.refs++
		j.mu.Unlock()
	}
	r.barrier.RUnlock()

	if j == nil {
		// finished between EnsureJob and here
		return d, fmt.Errorf("job %s: %w", desc.JobID, proxyerr.NotFound)
	}
	return d, nil
}

// Detach drops one reporter. When none is left the job is finished and its
// profile is returned with done set.
func (r *Registry) Detach(jobid string) (p job.Profile, done bool, err error) {

	if job.IsSynthetic(jobid) {
		return job.Profile{}, false, nil
	}

	r.barrier.RLock()
	j := r.lookup(jobid, nil)
	last := false
	if j != nil {
		j.mu.Lock()
		if j.refs > 0 {
			j.refs--
		}
		last = j.refs == 0
		j.mu.Unlock()
	}
	r.barrier.RUnlock()

	if j == nil {
		return job.Profile{}, false, fmt.Errorf("job %s: %w", jobid, proxyerr.NotFound)
	}
	if !last {
		return job.Profile{}, false, nil
	}

	return r.finish(jobid, true)
}

// FinishJob closes the job, removes it from the live set and hands its
// profile to the archiver. The job is removed even when archiving fails; the
// error is returned together with the profile.
func (r *Registry) FinishJob(jobid string) (job.Profile, error) {

	if job.IsSynthetic(jobid) {
		return job.Profile{}, fmt.Errorf("synthetic job %q cannot be finished: %w", jobid, proxyerr.MalformedInput)
	}
	p, _, err := r.finish(jobid, false)
	return p, err
}

// finish removes the job under the exclusive barrier. With idle set the job
// is kept when a reporter attached since the caller dropped its reference.
func (r *Registry) finish(jobid string, idle bool) (job.Profile, bool, error) {

	r.barrier.Lock()
	r.mu.Lock()
	j, ok := r.jobs[jobid]
	if ok && idle {
		j.mu.Lock()
		busy := j.refs > 0
		j.mu.Unlock()
		if busy {
			r.mu.Unlock()
			r.barrier.Unlock()
			return job.Profile{}, false, nil
		}
	}
	if ok {
		delete(r.jobs, jobid)
		r.finished.Add(jobid, struct{}{})
		metrics.LiveJobs.Set(float64(len(r.jobs)))
	}
	r.mu.Unlock()

	if !ok {
		r.barrier.Unlock()
		return job.Profile{}, false, fmt.Errorf("job %s: %w", jobid, proxyerr.NotFound)
	}

	j.mu.Lock()
	if j.desc.EndTime == 0 {
		j.desc.EndTime = r.unixNow()
	}
	j.mu.Unlock()
	p := j.profile()
	r.barrier.Unlock()

	r.logger.Info("job finished", "jobid", jobid, "metrics", len(p.Counters))

	if r.archiver == nil {
		return p, true, nil
	}
	if err := r.archiver.Archive(p); err != nil {
		return p, true, err
	}
	return p, true, nil
}

// ListJobs returns every live descriptor: main, then the node aggregates,
// then the other jobs, each group ordered by id.
func (r *Registry) ListJobs() []job.Descriptor {

	r.mu.RLock()
	ret := make([]job.Descriptor, 0, len(r.jobs))
	for _, j := range r.jobs {
		ret = append(ret, j.Descriptor())
	}
	r.mu.RUnlock()

	sortDescriptors(ret)
	return ret
}

func rank(jobid string) int {
	switch {
	case jobid == job.MainJobID:
		return 0
	case strings.HasPrefix(jobid, job.NodeJobPrefix):
		return 1
	default:
		return 2
	}
}

func sortDescriptors(d []job.Descriptor) {
	sort.Slice(d, func(a, b int) bool {
		ra, rb := rank(d[a].JobID), rank(d[b].JobID)
		if ra != rb {
			return ra < rb
		}
		return d[a].JobID < d[b].JobID
	})
}

// GetJob returns the descriptor and counters of a live job.
func (r *Registry) GetJob(jobid string) (job.Profile, error) {

	r.mu.RLock()
	j, ok := r.jobs[jobid]
	r.mu.RUnlock()

	if !ok {
		return job.Profile{}, fmt.Errorf("job %s: %w", jobid, proxyerr.NotFound)
	}
	return j.profile(), nil
}

// Snapshot returns every live job in ListJobs order, taken as one cut.
func (r *Registry) Snapshot() []job.Profile {

	r.barrier.Lock()
	defer r.barrier.Unlock()

	r.mu.RLock()
	ret := make([]job.Profile, 0, len(r.jobs))
	for _, j := range r.jobs {
		ret = append(ret, j.profile())
	}
	r.mu.RUnlock()

	sort.Slice(ret, func(a, b int) bool {
		ra, rb := rank(ret[a].Desc.JobID), rank(ret[b].Desc.JobID)
		if ra != rb {
			return ra < rb
		}
		return ret[a].Desc.JobID < ret[b].Desc.JobID
	})
	return ret
}

func sampleOp(s job.Sample) (metric.Op, error) {

	switch strings.ToLower(s.Kind) {
	case job.SampleKindCounter:
		return metric.Increment(s.Value), nil
	case job.SampleKindGauge:
		return metric.Set(s.Value), nil
	default:
		return metric.Op{}, fmt.Errorf("unknown sample kind %q: %w", s.Kind, proxyerr.MalformedInput)
	}
}

// RecordSample applies a pushed sample to its job, to the node aggregate and
// to main, all or nothing. Samples without a job, or addressed to main, only
// reach the node aggregate and main.
func (r *Registry) RecordSample(s job.Sample) error {

	op, err := sampleOp(s)
	if err != nil {
		return err
	}
	return r.Apply(s.JobID, s.Node, metric.Descriptor{Name: s.Name, Doc: s.Doc}, op)
}

// Apply is RecordSample with an already decoded operation.
func (r *Registry) Apply(jobid, node string, d metric.Descriptor, op metric.Op) error {

	if node == "" {
		node = r.node
	}
	if strings.HasPrefix(jobid, job.NodeJobPrefix) {
		return fmt.Errorf("samples cannot target node aggregate %q: %w", jobid, proxyerr.MalformedInput)
	}

	r.barrier.RLock()
	defer r.barrier.RUnlock()
	return r.apply(jobid, node, d, op)
}

// apply fans op out to the job, its node aggregate and main. The caller
// holds the barrier.
func (r *Registry) apply(jobid, node string, d metric.Descriptor, op metric.Op) error {

	var target *Job
	if jobid != "" && jobid != job.MainJobID {
		if r.finished.Contains(jobid) {
			return fmt.Errorf("job %s already finished: %w", jobid, proxyerr.NotFound)
		}
		target = r.lookup(jobid, func() *Job {
			return newJob(job.Descriptor{JobID: jobid, StartTime: r.unixNow()})
		})
	}
	nodeJob := r.synthetic(job.NodeJobID(node))
	mainJob := r.lookup(job.MainJobID, nil)

	stores := make([]*store.Store, 0, 3)
	if target != nil {
		stores = append(stores, target.store)
	}
	stores = append(stores, nodeJob.store, mainJob.store)

	if err := store.Apply(stores, d, op); err != nil {
		return err
	}
	if target != nil {
		target.noteNode(node)
	}
	return nil
}

// RecordBatch applies samples as one unit: when any sample would be rejected
// none is recorded and the first rejection is returned.
func (r *Registry) RecordBatch(samples []job.Sample) error {

	ops := make([]metric.Op, len(samples))
	kinds := make(map[string]metric.Kind, len(samples))
	for i, s := range samples {
		op, err := sampleOp(s)
		if err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
		if strings.HasPrefix(s.JobID, job.NodeJobPrefix) {
			return fmt.Errorf("sample %d: samples cannot target node aggregate %q: %w", i, s.JobID, proxyerr.MalformedInput)
		}
		if err := store.Check(s.Name, op); err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
		if k, ok := kinds[s.Name]; ok && k != op.Kind {
			return fmt.Errorf("sample %d: %s is sent as %s and %s: %w", i, s.Name, k, op.Kind, proxyerr.TypeMismatch)
		}
		kinds[s.Name] = op.Kind
		ops[i] = op
	}

	r.barrier.Lock()
	defer r.barrier.Unlock()

	for i, s := range samples {
		node := s.Node
		if node == "" {
			node = r.node
		}
		ids := []string{job.NodeJobID(node), job.MainJobID}
		if s.JobID != "" && s.JobID != job.MainJobID {
			if r.finished.Contains(s.JobID) {
				return fmt.Errorf("sample %d: job %s already finished: %w", i, s.JobID, proxyerr.NotFound)
			}
			ids = append(ids, s.JobID)
		}
		for _, id := range ids {
			j := r.lookup(id, nil)
			if j == nil {
				continue
			}
			if e, ok := j.store.Get(s.Name); ok && e.Value.Kind() != ops[i].Kind {
				return fmt.Errorf("sample %d: %s is a %s in job %s: %w", i, s.Name, e.Value.Kind(), id, proxyerr.TypeMismatch)
			}
		}
	}

	for i, s := range samples {
		node := s.Node
		if node == "" {
			node = r.node
		}
		if err := r.apply(s.JobID, node, metric.Descriptor{Name: s.Name, Doc: s.Doc}, ops[i]); err != nil {
			return err
		}
	}
	return nil
}

// MergeJob merges remote entries into one job store, creating the job from
// desc when needed. It does not fan out to main or node aggregates: the
// remote proxy already exports those as jobs of their own.
func (r *Registry) MergeJob(desc job.Descriptor, entries []metric.Entry) error {

	if desc.JobID == "" {
		return fmt.Errorf("job without id: %w", proxyerr.MalformedInput)
	}

	r.barrier.RLock()
	defer r.barrier.RUnlock()

	var j *Job
	if job.IsSynthetic(desc.JobID) {
		j = r.synthetic(desc.JobID)
	} else {
		if r.finished.Contains(desc.JobID) {
			return fmt.Errorf("job %s already finished: %w", desc.JobID, proxyerr.NotFound)
		}
		j = r.lookup(desc.JobID, func() *Job { return newJob(job.Descriptor{JobID: desc.JobID}) })
	}

	j.mu.Lock()
	if !job.IsSynthetic(desc.JobID) {
		for _, n := range strings.Split(desc.NodeList, ",") {
			j.noteNodeLocked(strings.TrimSpace(n))
		}
		j.mergeLocked(desc)
	}
	j.mu.Unlock()

	return j.store.Merge(entries)
}

// Value returns the current entry of metric name in job jobid.
func (r *Registry) Value(jobid, name string) (metric.Entry, error) {

	r.mu.RLock()
	j, ok := r.jobs[jobid]
	r.mu.RUnlock()
	if !ok {
		return metric.Entry{}, fmt.Errorf("job %s: %w", jobid, proxyerr.NotFound)
	}

	e, ok := j.store.Get(name)
	if !ok {
		return metric.Entry{}, fmt.Errorf("metric %s in job %s: %w", name, jobid, proxyerr.NotFound)
	}
	return e, nil
}

// Exists reports whether jobid is live.
func (r *Registry) Exists(jobid string) bool {

	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.jobs[jobid]
	return ok
}
