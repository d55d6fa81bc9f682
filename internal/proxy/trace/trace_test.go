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

package trace

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	"metricproxy.io/metric-proxy-go/internal/types/job"
	"metricproxy.io/metric-proxy-go/internal/types/metric"
	"metricproxy.io/metric-proxy-go/internal/util/logger"
)

type fakeSource struct {
	mu   sync.Mutex
	jobs map[string]job.Profile
}

func (f *fakeSource) set(jobid string, calls float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobs == nil {
		f.jobs = make(map[string]job.Profile)
	}
	f.jobs[jobid] = job.Profile{
		Desc: job.Descriptor{JobID: jobid, Command: "./app"},
		Counters: []metric.Entry{
			{Name: "calls", Value: metric.NewCounter(calls)},
			{Name: "load", Value: metric.GaugeOf(calls / 2)},
		},
	}
}

func (f *fakeSource) drop(jobid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, jobid)
}

func (f *fakeSource) ListJobs() []job.Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	ret := []job.Descriptor{{JobID: job.MainJobID}}
	for _, p := range f.jobs {
		ret = append(ret, p.Desc)
	}
	return ret
}

func (f *fakeSource) GetJob(jobid string) (job.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.jobs[jobid]
	if !ok {
		return job.Profile{}, fmt.Errorf("job %s: %w", jobid, proxyerr.NotFound)
	}
	return p, nil
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestRecorder(t *testing.T, src Source, cfg Config) (*Recorder, *clock) {
	t.Helper()
	r, err := New(src, cfg, logger.Discard())
	require.NoError(t, err)
	c := &clock{t: time.Unix(1000, 0)}
	r.now = c.now
	return r, c
}

func TestSampleRecordsSeries(t *testing.T) {
	src := &fakeSource{}
	r, c := newTestRecorder(t, src, Config{Period: time.Second, MaxFrames: 16})

	for i := 1; i <= 3; i++ {
		src.set("J", float64(i*10))
		r.Sample()
		c.advance(time.Second)
	}

	infos := r.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "J", infos[0].Desc.JobID)
	assert.Equal(t, 3, infos[0].Frames)
	assert.Equal(t, 1002.0, infos[0].LastWrite)
	assert.False(t, infos[0].Done)

	read, err := r.Read("J", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"calls", "load"}, read.Metrics)
	assert.Empty(t, read.TimeSerie)

	read, err = r.Read("J", "calls")
	require.NoError(t, err)
	require.Len(t, read.TimeSerie, 3)
	assert.Equal(t, 1001.0, read.TimeSerie[1].TS)
	assert.Equal(t, 20.0, read.TimeSerie[1].Value.Current())

	points, err := r.Plot("J", "load")
	require.NoError(t, err)
	assert.Equal(t, [][2]float64{{1000, 5}, {1001, 10}, {1002, 15}}, points)

	_, err = r.Read("J", "missing")
	assert.True(t, errors.Is(err, proxyerr.NotFound))
	_, err = r.Plot("J", "")
	assert.True(t, errors.Is(err, proxyerr.MalformedInput))
	_, err = r.Read("unknown", "")
	assert.True(t, errors.Is(err, proxyerr.NotFound))
}

func TestSampleHonoursPeriod(t *testing.T) {
	src := &fakeSource{}
	src.set("J", 1)
	r, c := newTestRecorder(t, src, Config{Period: 2 * time.Second, MaxFrames: 16})

	r.Sample()
	c.advance(time.Second)
	r.Sample()
	c.advance(time.Second)
	r.Sample()

	read, err := r.Read("J", "calls")
	require.NoError(t, err)
	assert.Len(t, read.TimeSerie, 2)
}

func TestFoldBoundsFramesAndSlowsSampling(t *testing.T) {
	src := &fakeSource{}
	r, c := newTestRecorder(t, src, Config{Period: time.Second, MaxFrames: 4})

	for i := 1; i <= 5; i++ {
		src.set("J", float64(i))
		r.Sample()
		c.advance(time.Second)
	}

	info := r.List()[0]
	assert.LessOrEqual(t, info.Frames, 4)
	assert.Equal(t, 2.0, info.Period)

	points, err := r.Plot("J", "calls")
	require.NoError(t, err)
	assert.Equal(t, [][2]float64{{1001, 2}, {1003, 4}, {1004, 5}}, points)

	// the doubled period skips the next tick
	src.set("J", 6)
	r.Sample()
	points, err = r.Plot("J", "calls")
	require.NoError(t, err)
	assert.Len(t, points, 3)
}

func TestFinishedTracesAreKept(t *testing.T) {
	src := &fakeSource{}
	r, _ := newTestRecorder(t, src, Config{Keep: 1})

	src.set("A", 1)
	src.set("B", 1)
	r.Sample()
	assert.Len(t, r.List(), 2)

	src.drop("A")
	r.Sample()
	read, err := r.Read("A", "calls")
	require.NoError(t, err)
	assert.True(t, read.Info.Done)
	assert.Len(t, read.TimeSerie, 1)

	src.drop("B")
	r.Sample()
	_, err = r.Read("A", "")
	assert.True(t, errors.Is(err, proxyerr.NotFound))
	infos := r.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "B", infos[0].Desc.JobID)
	assert.True(t, infos[0].Done)
}
