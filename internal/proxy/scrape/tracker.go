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
	"sync"

	"metricproxy.io/metric-proxy-go/internal/types/metric"
)

type trackKey struct {
	target string
	jobid  string
	name   string
}

// Tracker remembers, per target and job, the last absolute value folded in
// so that repeated scrapes only contribute what changed.
type Tracker struct {
	mu   sync.Mutex
	last map[trackKey]metric.Value
}

func NewTracker() *Tracker {
	return &Tracker{last: make(map[trackKey]metric.Value)}
}

// Counter returns the increase of a cumulative value since the previous
// call. A decrease means the source restarted and abs is returned whole.
func (t *Tracker) Counter(target, jobid, name string, abs float64) float64 {

	key := trackKey{target, jobid, name}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.last[key]
	t.last[key] = metric.NewCounter(abs)
	if !ok || prev.Counter == nil {
		return abs
	}
	if d := abs - prev.Counter.Value; d >= 0 {
		return d
	}
	return abs
}

// Entry converts an absolute remote entry into the part not yet folded.
// Counters become their increase, gauges keep min, max and last as reported
// and carry the hits and total increase.
func (t *Tracker) Entry(target, jobid string, e metric.Entry) metric.Entry {

	if e.Value.Counter != nil {
		d := t.Counter(target, jobid, e.Name, e.Value.Counter.Value)
		return metric.Entry{Name: e.Name, Doc: e.Doc, Value: metric.NewCounter(d)}
	}
	if e.Value.Gauge == nil {
		return e
	}

	key := trackKey{target, jobid, e.Name}
	cur := *e.Value.Gauge

	t.mu.Lock()
	prev, ok := t.last[key]
	t.last[key] = e.Value.Clone()
	t.mu.Unlock()

	out := cur
	if ok && prev.Gauge != nil && cur.Hits >= prev.Gauge.Hits {
		out.Hits = cur.Hits - prev.Gauge.Hits
		out.Total = cur.Total - prev.Gauge.Total
	}
	if out.Hits == 0 {
		out.Min, out.Max, out.Total = 0, 0, 0
	}
	return metric.Entry{Name: e.Name, Doc: e.Doc, Value: metric.Value{Gauge: &out}}
}

// Forget drops the memory of one job of a target.
func (t *Tracker) Forget(target, jobid string) {

	t.mu.Lock()
	defer t.mu.Unlock()

	for k := range t.last {
		if k.target == target && k.jobid == jobid {
			delete(t.last, k)
		}
	}
}

// ForgetTarget drops everything known about target.
func (t *Tracker) ForgetTarget(target string) {

	t.mu.Lock()
	defer t.mu.Unlock()

	for k := range t.last {
		if k.target == target {
			delete(t.last, k)
		}
	}
}
