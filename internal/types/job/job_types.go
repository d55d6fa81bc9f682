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

package job

import (
	"errors"
	"fmt"
	"strings"

	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	"metricproxy.io/metric-proxy-go/internal/types/metric"
)

// metric proxy job related types

const (
	// MainJobID is the synthetic job summing every metric of a proxy.
	MainJobID = "main"

	// NodeJobPrefix prefixes the synthetic per node jobs.
	NodeJobPrefix = "Node: "
)

// NodeJobID returns the synthetic job id of a node.
func NodeJobID(node string) string {
	return NodeJobPrefix + node
}

// IsSynthetic reports whether jobid names main or a node aggregate.
func IsSynthetic(jobid string) bool {
	return jobid == MainJobID || strings.HasPrefix(jobid, NodeJobPrefix)
}

// Descriptor describes a job. EndTime == 0 means the job is still running.
type Descriptor struct {
	JobID     string `json:"jobid"`
	Command   string `json:"command"`
	Size      int    `json:"size"`
	NodeList  string `json:"nodelist"`
	Partition string `json:"partition"`
	Cluster   string `json:"cluster"`
	RunDir    string `json:"run_dir"`
	StartTime uint64 `json:"start_time"`
	EndTime   uint64 `json:"end_time"`
}

// Merge folds other into d: empty fields are filled in, the start time is the
// earliest known one and the end time the latest.
func (d *Descriptor) Merge(other Descriptor) {

	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&d.Command, other.Command)
	fill(&d.NodeList, other.NodeList)
	fill(&d.Partition, other.Partition)
	fill(&d.Cluster, other.Cluster)
	fill(&d.RunDir, other.RunDir)

	if d.Size == 0 {
		d.Size = other.Size
	}
	if other.StartTime != 0 && (d.StartTime == 0 || other.StartTime < d.StartTime) {
		d.StartTime = other.StartTime
	}
	if other.EndTime > d.EndTime {
		d.EndTime = other.EndTime
	}
}

// Profile is a job descriptor together with its counters. It is the element
// type of GET /job and the on-disk profile format.
type Profile struct {
	Desc     Descriptor     `json:"desc"`
	Counters []metric.Entry `json:"counters"`
}

// Get returns the entry named name.
func (p *Profile) Get(name string) (metric.Entry, bool) {
	for _, c := range p.Counters {
		if c.Name == name {
			return c, true
		}
	}
	return metric.Entry{}, false
}

// Merge folds the profile of the same job seen by another proxy into p.
// Sizes add up since each proxy counts the nodes it served. Entries whose
// kinds disagree are left out and reported.
func (p *Profile) Merge(other Profile) error {

	if p.Desc.JobID != other.Desc.JobID {
		return fmt.Errorf("cannot merge profile %s into %s: %w", other.Desc.JobID, p.Desc.JobID, proxyerr.MalformedInput)
	}
	size := p.Desc.Size + other.Desc.Size
	p.Desc.Merge(other.Desc)
	p.Desc.Size = size

	idx := make(map[string]int, len(p.Counters))
	for i, c := range p.Counters {
		idx[c.Name] = i
	}

	var errs []error
	for _, in := range other.Counters {
		if !in.Value.Valid() {
			continue
		}
		i, ok := idx[in.Name]
		if !ok {
			idx[in.Name] = len(p.Counters)
			p.Counters = append(p.Counters, metric.Entry{Name: in.Name, Doc: in.Doc, Value: in.Value.Clone()})
			continue
		}
		cur := &p.Counters[i]
		if cur.Value.Kind() != in.Value.Kind() {
			errs = append(errs, fmt.Errorf("%s is a %s, merged entry is a %s: %w", in.Name, cur.Value.Kind(), in.Value.Kind(), proxyerr.TypeMismatch))
			continue
		}
		cur.Value = cur.Value.Clone()
		cur.Value.Merge(in.Value)
	}
	return errors.Join(errs...)
}

// Sample kinds on the wire.
const (
	SampleKindCounter = "counter"
	SampleKindGauge   = "gauge"
)

// Sample is one pushed observation. A counter sample increments by Value, a
// gauge sample sets Value.
type Sample struct {
	JobID string  `json:"jobid"`
	Node  string  `json:"node"`
	Name  string  `json:"name"`
	Doc   string  `json:"doc,omitempty"`
	Kind  string  `json:"kind"`
	Value float64 `json:"value"`
}

// ApiResponse is the reply of every operation endpoint.
type ApiResponse struct {
	Operation string `json:"operation"`
	Success   bool   `json:"success"`
}
