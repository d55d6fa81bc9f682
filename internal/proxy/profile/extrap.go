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

package profile

import (
	"fmt"
	"io"
	"sort"
	"strings"

	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	"metricproxy.io/metric-proxy-go/internal/types/job"
)

// callpathSep splits instrumented call paths encoded in metric names, as in
// MPI_Send___time___total.
const callpathSep = "___"

// walltime is the duration entry added to every finished profile.
const walltime = "walltime"

// ExtrapSample is one line of an Extra-P JSONL export: the value of one
// metric in one run, parameterized by the run size.
type ExtrapSample struct {
	Params   map[string]float64 `json:"params"`
	Metric   string             `json:"metric"`
	Callpath string             `json:"callpath,omitempty"`
	Value    float64            `json:"value"`
}

func (s ExtrapSample) String() string {

	params := make([]string, 0, len(s.Params))
	for k, v := range s.Params {
		params = append(params, fmt.Sprintf("%s = %g", k, v))
	}
	sort.Strings(params)
	ret := fmt.Sprintf("(%s)%s = %g", strings.Join(params, " "), s.Metric, s.Value)
	if s.Callpath != "" {
		ret += " @ " + s.Callpath
	}
	return ret
}

// extrapMetric maps an entry name to the Extra-P metric and call path.
func extrapMetric(name string) (string, string) {

	if name == walltime {
		return "time", walltime
	}
	if !strings.Contains(name, callpathSep) {
		return "various", name
	}
	metricName := "various"
	parts := strings.Split(name, callpathSep)
	if len(parts) >= 3 {
		switch parts[1] {
		case "hits", "time", "size":
			metricName = parts[1]
		}
	}
	return metricName, strings.ReplaceAll(name, callpathSep, "->")
}

// Extrap builds the scaling samples of every archived run of command. Only
// metrics present in all runs are exported, runs are ordered by size.
func (a *Archiver) Extrap(command string) ([]ExtrapSample, error) {

	var runs []job.Profile
	for _, d := range a.List() {
		if d.Command != command {
			continue
		}
		p, err := a.Get(d.JobID)
		if err != nil {
			a.logger.Error(err, "skipping profile in extrap export", "jobid", d.JobID)
			continue
		}
		runs = append(runs, p)
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no profile for command %q: %w", command, proxyerr.NotFound)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].Desc.Size != runs[j].Desc.Size {
			return runs[i].Desc.Size < runs[j].Desc.Size
		}
		return runs[i].Desc.JobID < runs[j].Desc.JobID
	})

	values := make([]map[string]float64, len(runs))
	for i, p := range runs {
		values[i] = make(map[string]float64, len(p.Counters)+1)
		for _, c := range p.Counters {
			if c.Value.Valid() {
				values[i][c.Name] = c.Value.Average()
			}
		}
		if p.Desc.EndTime > p.Desc.StartTime {
			values[i][walltime] = float64(p.Desc.EndTime - p.Desc.StartTime)
		}
	}

	var common []string
	for name := range values[0] {
		shared := true
		for _, v := range values[1:] {
			if _, ok := v[name]; !ok {
				shared = false
				break
			}
		}
		if shared {
			common = append(common, name)
		}
	}
	sort.Strings(common)

	ret := make([]ExtrapSample, 0, len(common)*len(runs))
	for _, name := range common {
		metricName, callpath := extrapMetric(name)
		for i, p := range runs {
			ret = append(ret, ExtrapSample{
				Params:   map[string]float64{"size": float64(p.Desc.Size)},
				Metric:   metricName,
				Callpath: callpath,
				Value:    values[i][name],
			})
		}
	}
	return ret, nil
}

// WriteExtrap writes the Extrap samples of command as JSON lines.
func (a *Archiver) WriteExtrap(w io.Writer, command string) error {

	samples, err := a.Extrap(command)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, s := range samples {
		if err := enc.Encode(s); err != nil {
			return err
		}
	}
	return nil
}
