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

package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	"metricproxy.io/metric-proxy-go/internal/types/job"
	"metricproxy.io/metric-proxy-go/internal/types/metric"
	"metricproxy.io/metric-proxy-go/internal/util/logger"
)

type memArchiver struct {
	mu       sync.Mutex
	profiles map[string]job.Profile
	fail     error
}

func (m *memArchiver) Archive(p job.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if m.profiles == nil {
		m.profiles = make(map[string]job.Profile)
	}
	m.profiles[p.Desc.JobID] = p
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *memArchiver) {
	t.Helper()
	a := &memArchiver{}
	r, err := New("local", 16, a, logger.Discard())
	require.NoError(t, err)
	return r, a
}

func counter(jobid, node, name string, v float64) job.Sample {
	return job.Sample{JobID: jobid, Node: node, Name: name, Kind: job.SampleKindCounter, Value: v}
}

func TestRecordSampleReachesAllAggregates(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.NoError(t, r.RecordSample(counter("J", "N", "bytes", 3)))
	require.NoError(t, r.RecordSample(job.Sample{JobID: "J", Node: "N", Name: "load", Kind: "gauge", Value: 0.5}))

	for _, id := range []string{"J", job.NodeJobID("N"), job.MainJobID} {
		e, err := r.Value(id, "bytes")
		require.NoError(t, err, id)
		assert.Equal(t, 3.0, e.Value.Current(), id)

		e, err = r.Value(id, "load")
		require.NoError(t, err, id)
		assert.Equal(t, 0.5, e.Value.Current(), id)
	}

	p, err := r.GetJob("J")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Desc.Size)
	assert.NotZero(t, p.Desc.StartTime)
}

func TestRecordSampleWithoutJob(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.NoError(t, r.RecordSample(counter("", "", "x", 1)))
	require.NoError(t, r.RecordSample(counter(job.MainJobID, "", "x", 1)))

	e, err := r.Value(job.NodeJobID("local"), "x")
	require.NoError(t, err)
	assert.Equal(t, 2.0, e.Value.Current())

	e, err = r.Value(job.MainJobID, "x")
	require.NoError(t, err)
	assert.Equal(t, 2.0, e.Value.Current())

	assert.Len(t, r.ListJobs(), 2)
}

func TestRecordSampleRejectsBadInput(t *testing.T) {
	r, _ := newTestRegistry(t)

	assert.True(t, errors.Is(r.RecordSample(job.Sample{JobID: "J", Name: "x", Kind: "histogram"}), proxyerr.MalformedInput))
	assert.True(t, errors.Is(r.RecordSample(counter("J", "", "x", -1)), proxyerr.MalformedInput))
	assert.True(t, errors.Is(r.RecordSample(counter("Node: other", "", "x", 1)), proxyerr.MalformedInput))

	require.NoError(t, r.RecordSample(job.Sample{Name: "m", Kind: "gauge", Value: 1}))
	err := r.RecordSample(counter("J", "", "m", 1))
	assert.True(t, errors.Is(err, proxyerr.TypeMismatch))

	p, err := r.GetJob("J")
	require.NoError(t, err)
	_, found := p.Get("m")
	assert.False(t, found)
}

func TestConcurrentSamplesStayConsistent(t *testing.T) {
	r, _ := newTestRegistry(t)

	const jobs, per = 8, 500
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobid := fmt.Sprintf("job-%d", i)
			node := fmt.Sprintf("n%d", i%2)
			for k := 0; k < per; k++ {
				assert.NoError(t, r.RecordSample(counter(jobid, node, "ops", 1)))
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for k := 0; k < 20; k++ {
			var main, sum float64
			for _, p := range r.Snapshot() {
				e, ok := p.Get("ops")
				if !ok {
					continue
				}
				switch {
				case p.Desc.JobID == job.MainJobID:
					main = e.Value.Current()
				case !job.IsSynthetic(p.Desc.JobID):
					sum += e.Value.Current()
				}
			}
			assert.Equal(t, main, sum)
		}
	}()

	wg.Wait()
	<-done

	e, err := r.Value(job.MainJobID, "ops")
	require.NoError(t, err)
	assert.Equal(t, float64(jobs*per), e.Value.Current())

	e, err = r.Value(job.NodeJobID("n0"), "ops")
	require.NoError(t, err)
	assert.Equal(t, float64(jobs*per/2), e.Value.Current())
}

func TestFinishJob(t *testing.T) {
	r, a := newTestRegistry(t)

	_, err := r.EnsureJob(job.Descriptor{JobID: "J", Command: "./a.out", StartTime: 100})
	require.NoError(t, err)
	require.NoError(t, r.RecordSample(counter("J", "N", "calls", 7)))

	before, err := r.GetJob("J")
	require.NoError(t, err)

	p, err := r.FinishJob("J")
	require.NoError(t, err)
	assert.NotZero(t, p.Desc.EndTime)

	_, err = r.GetJob("J")
	assert.True(t, errors.Is(err, proxyerr.NotFound))

	archived := a.profiles["J"]
	assert.Equal(t, before.Counters, archived.Counters)
	assert.Equal(t, "./a.out", archived.Desc.Command)
	assert.Equal(t, uint64(100), archived.Desc.StartTime)

	// main keeps the contribution
	e, err := r.Value(job.MainJobID, "calls")
	require.NoError(t, err)
	assert.Equal(t, 7.0, e.Value.Current())

	_, err = r.FinishJob("J")
	assert.True(t, errors.Is(err, proxyerr.NotFound))
	_, err = r.FinishJob(job.MainJobID)
	assert.True(t, errors.Is(err, proxyerr.MalformedInput))
}

func TestLateSamplesAreDropped(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.NoError(t, r.RecordSample(counter("J", "", "x", 1)))
	_, err := r.FinishJob("J")
	require.NoError(t, err)

	err = r.RecordSample(counter("J", "", "x", 1))
	assert.True(t, errors.Is(err, proxyerr.NotFound))
	assert.False(t, r.Exists("J"))

	_, err = r.EnsureJob(job.Descriptor{JobID: "J"})
	require.NoError(t, err)
	require.NoError(t, r.RecordSample(counter("J", "", "x", 1)))
}

func TestArchiveFailureStillRemovesJob(t *testing.T) {
	r, a := newTestRegistry(t)
	a.fail = fmt.Errorf("disk full: %w", proxyerr.ArchiveIOFailure)

	require.NoError(t, r.RecordSample(counter("J", "", "x", 1)))
	p, err := r.FinishJob("J")
	assert.True(t, errors.Is(err, proxyerr.ArchiveIOFailure))
	assert.Equal(t, "J", p.Desc.JobID)
	assert.False(t, r.Exists("J"))
}

func TestRecordBatchIsAllOrNothing(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.NoError(t, r.RecordBatch([]job.Sample{
		counter("J", "a", "ops", 1),
		{JobID: "J", Node: "a", Name: "load", Kind: "gauge", Value: 3},
	}))

	cases := [][]job.Sample{
		{counter("J", "a", "ops", 1), {JobID: "J", Name: "x", Kind: "bogus", Value: 1}},
		{counter("J", "a", "ops", 1), counter("J", "a", "bad name{", 1)},
		{counter("J", "a", "ops", 1), counter("K", "b", "load", 1)},
		{counter("J", "a", "ops", 1), {JobID: "K", Name: "ops", Kind: "gauge", Value: 1}},
		{counter("J", "a", "ops", 1), counter("Node: a", "", "ops", 1)},
	}
	for i, batch := range cases {
		assert.Error(t, r.RecordBatch(batch), "batch %d", i)
	}

	for _, id := range []string{"J", job.NodeJobID("a"), job.MainJobID} {
		e, err := r.Value(id, "ops")
		require.NoError(t, err, id)
		assert.Equal(t, 1.0, e.Value.Current(), id)
	}
	assert.False(t, r.Exists("K"))
	assert.False(t, r.Exists(job.NodeJobID("b")))

	_, err := r.FinishJob("J")
	require.NoError(t, err)
	err = r.RecordBatch([]job.Sample{counter("", "", "ops", 1), counter("J", "", "ops", 1)})
	assert.True(t, errors.Is(err, proxyerr.NotFound))
	e, err := r.Value(job.MainJobID, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1.0, e.Value.Current())
}

func TestAttachDetach(t *testing.T) {
	r, a := newTestRegistry(t)

	for i := 0; i < 2; i++ {
		_, err := r.Attach(job.Descriptor{JobID: "J", Size: 4})
		require.NoError(t, err)
	}

	_, done, err := r.Detach("J")
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, r.Exists("J"))

	p, done, err := r.Detach("J")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 4, p.Desc.Size)
	assert.False(t, r.Exists("J"))
	assert.Contains(t, a.profiles, "J")

	_, _, err = r.Detach("J")
	assert.True(t, errors.Is(err, proxyerr.NotFound))

	_, done, err = r.Detach(job.MainJobID)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestFinishKeepsReattachedJob(t *testing.T) {
	r, a := newTestRegistry(t)

	// a reporter attached after the last Detach dropped its reference
	_, err := r.Attach(job.Descriptor{JobID: "J"})
	require.NoError(t, err)

	_, done, err := r.finish("J", true)
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, r.Exists("J"))
	assert.NotContains(t, a.profiles, "J")

	_, done, err = r.Detach("J")
	require.NoError(t, err)
	assert.True(t, done)
	assert.False(t, r.Exists("J"))
}

func TestSizeCountsReportingNodes(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Attach(job.Descriptor{JobID: "J", Size: 64})
	require.NoError(t, err)

	require.NoError(t, r.RecordSample(counter("J", "a", "x", 1)))
	require.NoError(t, r.RecordSample(counter("J", "b", "x", 1)))
	require.NoError(t, r.RecordSample(counter("J", "a", "x", 1)))

	p, err := r.GetJob("J")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Desc.Size)

	d, err := r.EnsureJob(job.Descriptor{JobID: "J", Size: 99})
	require.NoError(t, err)
	assert.Equal(t, 2, d.Size)

	require.NoError(t, r.MergeJob(job.Descriptor{JobID: "R", Size: 8, NodeList: "x, y"}, nil))
	p, err = r.GetJob("R")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Desc.Size)
}

func TestEnsureJobMergesDescriptor(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.EnsureJob(job.Descriptor{JobID: "J", StartTime: 50})
	require.NoError(t, err)
	d, err := r.EnsureJob(job.Descriptor{JobID: "J", Command: "cmd", StartTime: 20, Partition: "p"})
	require.NoError(t, err)

	assert.Equal(t, "cmd", d.Command)
	assert.Equal(t, "p", d.Partition)
	assert.Equal(t, uint64(20), d.StartTime)

	_, err = r.EnsureJob(job.Descriptor{})
	assert.True(t, errors.Is(err, proxyerr.MalformedInput))
}

func TestListJobsOrder(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.NoError(t, r.RecordSample(counter("zeta", "b", "x", 1)))
	require.NoError(t, r.RecordSample(counter("alpha", "a", "x", 1)))
	require.NoError(t, r.RecordSample(counter("alpha", "a", "x", 1)))

	var ids []string
	for _, d := range r.ListJobs() {
		ids = append(ids, d.JobID)
	}
	assert.Equal(t, []string{"main", "Node: a", "Node: b", "Node: local", "alpha", "zeta"}, ids)

	snap := r.Snapshot()
	require.Len(t, snap, len(ids))
	assert.Equal(t, job.MainJobID, snap[0].Desc.JobID)
}

func TestMergeJob(t *testing.T) {
	r, _ := newTestRegistry(t)

	entries := []metric.Entry{{Name: "x", Value: metric.NewCounter(2)}}
	require.NoError(t, r.MergeJob(job.Descriptor{JobID: "R", Command: "remote"}, entries))
	require.NoError(t, r.MergeJob(job.Descriptor{JobID: job.MainJobID}, entries))

	e, err := r.Value("R", "x")
	require.NoError(t, err)
	assert.Equal(t, 2.0, e.Value.Current())

	e, err = r.Value(job.MainJobID, "x")
	require.NoError(t, err)
	assert.Equal(t, 2.0, e.Value.Current())

	_, err = r.Value(job.NodeJobID("local"), "x")
	assert.True(t, errors.Is(err, proxyerr.NotFound))

	p, err := r.GetJob("R")
	require.NoError(t, err)
	assert.Equal(t, "remote", p.Desc.Command)
}
