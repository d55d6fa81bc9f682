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

// Package alarm evaluates threshold rules against live job metrics.
package alarm

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"metricproxy.io/metric-proxy-go/internal/metrics"
	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	"metricproxy.io/metric-proxy-go/internal/types/metric"
	"metricproxy.io/metric-proxy-go/internal/util/logger"
)

// Source resolves the current value of a metric in a live job.
type Source interface {
	Value(jobid, name string) (metric.Entry, error)
	Exists(jobid string) bool
}

// Rule is a user registered threshold on one metric of one job.
type Rule struct {
	Name     string   `json:"name"`
	Target   string   `json:"target"`
	Metric   string   `json:"metric"`
	Operator Operator `json:"operator"`
}

// Trigger is the evaluated state of a rule.
type Trigger struct {
	Name     string   `json:"name"`
	Target   string   `json:"target"`
	Metric   string   `json:"metric"`
	Operator Operator `json:"operator"`
	Current  float64  `json:"current"`
	Active   bool     `json:"active"`
	// Inert is set while the target job does not exist.
	Inert  bool   `json:"inert,omitempty"`
	Pretty string `json:"pretty"`
}

type state struct {
	rule   Rule
	active bool
}

type Engine struct {
	mu     sync.Mutex
	rules  map[string]map[string]*state
	src    Source
	logger logger.Logger
}

func New(src Source, log logger.Logger) *Engine {

	return &Engine{
		rules:  make(map[string]map[string]*state),
		src:    src,
		logger: log.WithName("alarm"),
	}
}

// Add registers r, replacing a rule with the same target and name. The
// target job does not need to exist yet.
func (e *Engine) Add(r Rule) error {

	if r.Name == "" || r.Target == "" || r.Metric == "" {
		return fmt.Errorf("alarm needs a name, a target and a metric: %w", proxyerr.MalformedInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	byName, ok := e.rules[r.Target]
	if !ok {
		byName = make(map[string]*state)
		e.rules[r.Target] = byName
	}
	if old, ok := byName[r.Name]; ok && old.active {
		metrics.ActiveAlarms.Dec()
	}
	byName[r.Name] = &state{rule: r}

	e.logger.Info("alarm added", "name", r.Name, "target", r.Target, "metric", r.Metric, "operator", r.Operator.String())
	return nil
}

// Delete removes the rule name of target.
func (e *Engine) Delete(target, name string) error {

	e.mu.Lock()
	defer e.mu.Unlock()

	byName, ok := e.rules[target]
	if !ok {
		return fmt.Errorf("no alarm %s on %s: %w", name, target, proxyerr.NotFound)
	}
	st, ok := byName[name]
	if !ok {
		return fmt.Errorf("no alarm %s on %s: %w", name, target, proxyerr.NotFound)
	}
	if st.active {
		metrics.ActiveAlarms.Dec()
	}
	delete(byName, name)
	if len(byName) == 0 {
		delete(e.rules, target)
	}

	e.logger.Info("alarm deleted", "name", name, "target", target)
	return nil
}

// Evaluate recomputes every rule and returns target -> triggers ordered by
// rule name.
func (e *Engine) Evaluate() map[string][]Trigger {

	e.mu.Lock()
	defer e.mu.Unlock()

	ret := make(map[string][]Trigger, len(e.rules))
	active := 0
	for target, byName := range e.rules {
		list := make([]Trigger, 0, len(byName))
		for _, st := range byName {
			t := e.evaluate(st)
			if t.Active {
				active++
			}
			list = append(list, t)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		ret[target] = list
	}
	metrics.ActiveAlarms.Set(float64(active))
	return ret
}

// Active evaluates every rule and keeps only the raised ones.
func (e *Engine) Active() map[string][]Trigger {

	all := e.Evaluate()
	for target, list := range all {
		raised := list[:0]
		for _, t := range list {
			if t.Active {
				raised = append(raised, t)
			}
		}
		all[target] = raised
	}
	return all
}

// Len returns the number of registered rules.
func (e *Engine) Len() int {

	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, byName := range e.rules {
		n += len(byName)
	}
	return n
}

func (e *Engine) evaluate(st *state) Trigger {

	r := st.rule
	t := Trigger{
		Name:     r.Name,
		Target:   r.Target,
		Metric:   r.Metric,
		Operator: r.Operator,
	}

	entry, err := e.src.Value(r.Target, r.Metric)
	switch {
	case err == nil:
		t.Current = entry.Value.Current()
		t.Active = r.Operator.Apply(t.Current)
		t.Pretty = fmt.Sprintf("%s : %s %s", r.Name, entry, r.Operator)
	case errors.Is(err, proxyerr.NotFound) && !e.src.Exists(r.Target):
		t.Inert = true
		t.Pretty = fmt.Sprintf("%s : %s (job %s not running) %s", r.Name, r.Metric, r.Target, r.Operator)
	default:
		t.Pretty = fmt.Sprintf("%s : %s (no data) %s", r.Name, r.Metric, r.Operator)
	}

	if t.Active != st.active {
		if t.Active {
			e.logger.Info("alarm raised", "pretty", t.Pretty, "target", r.Target)
			metrics.AlarmTransitions.WithLabelValues("raised").Inc()
		} else {
			e.logger.Info("alarm cleared", "pretty", t.Pretty, "target", r.Target)
			metrics.AlarmTransitions.WithLabelValues("cleared").Inc()
		}
		st.active = t.Active
	}
	return t
}
