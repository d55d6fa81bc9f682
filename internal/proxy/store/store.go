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

// Package store holds the metric values of one aggregation scope (a job, a
// node or the whole proxy). Every method is safe for concurrent use and all
// returned views are copies.
package store

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	"metricproxy.io/metric-proxy-go/internal/types/metric"
)

// Handle refers to a registered metric.
type Handle struct {
	name string
	kind metric.Kind
}

func (h Handle) Name() string {
	return h.name
}

func (h Handle) Kind() metric.Kind {
	return h.kind
}

type entry struct {
	doc   string
	value metric.Value
}

// Store maps metric names to values.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Counter returns the counter named name, creating it if needed.
func (s *Store) Counter(name, doc string) (Handle, error) {
	return s.register(name, doc, metric.KindCounter)
}

// Gauge returns the gauge named name, creating it if needed.
func (s *Store) Gauge(name, doc string) (Handle, error) {
	return s.register(name, doc, metric.KindGauge)
}

func (s *Store) register(name, doc string, kind metric.Kind) (Handle, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ensureLocked(name, doc, kind); err != nil {
		return Handle{}, err
	}
	return Handle{name: name, kind: kind}, nil
}

// Increment adds delta to the counter behind h.
func (s *Store) Increment(h Handle, delta float64) error {

	if h.kind != metric.KindCounter {
		return fmt.Errorf("increment on gauge %s: %w", h.name, proxyerr.TypeMismatch)
	}
	if err := checkOp(metric.Increment(delta)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h.name]
	if !ok {
		return fmt.Errorf("counter %s: %w", h.name, proxyerr.NotFound)
	}
	if e.value.Counter == nil {
		return fmt.Errorf("increment on gauge %s: %w", h.name, proxyerr.TypeMismatch)
	}
	e.value.Counter.Increment(delta)
	return nil
}

// Set records a new observation on the gauge behind h.
func (s *Store) Set(h Handle, v float64) error {

	if h.kind != metric.KindGauge {
		return fmt.Errorf("set on counter %s: %w", h.name, proxyerr.TypeMismatch)
	}
	if err := checkOp(metric.Set(v)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h.name]
	if !ok {
		return fmt.Errorf("gauge %s: %w", h.name, proxyerr.NotFound)
	}
	if e.value.Gauge == nil {
		return fmt.Errorf("set on counter %s: %w", h.name, proxyerr.TypeMismatch)
	}
	e.value.Gauge.Observe(v)
	return nil
}

// Get returns a copy of the entry named name.
func (s *Store) Get(name string) (metric.Entry, bool) {

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return metric.Entry{}, false
	}
	return metric.Entry{Name: name, Doc: e.doc, Value: e.value.Clone()}, true
}

// Len returns the number of registered metrics.
func (s *Store) Len() int {

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot returns a copy of every entry ordered by name.
func (s *Store) Snapshot() []metric.Entry {

	s.mu.Lock()
	ret := make([]metric.Entry, 0, len(s.entries))
	for name, e := range s.entries {
		ret = append(ret, metric.Entry{Name: name, Doc: e.doc, Value: e.value.Clone()})
	}
	s.mu.Unlock()

	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret
}

// Merge absorbs a remote snapshot: missing entries are copied, counters are
// added and gauges combine their statistics. An entry whose kind differs from
// the local one is skipped and reported; the rest are still merged.
func (s *Store) Merge(entries []metric.Entry) error {

	var errs []error

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, in := range entries {
		if !in.Value.Valid() {
			errs = append(errs, fmt.Errorf("merge %s: no value variant: %w", in.Name, proxyerr.MalformedInput))
			continue
		}
		if !finiteValue(in.Value) {
			errs = append(errs, fmt.Errorf("merge %s: non finite value: %w", in.Name, proxyerr.MalformedInput))
			continue
		}

		e, ok := s.entries[in.Name]
		if !ok {
			if err := checkName(in.Name); err != nil {
				errs = append(errs, err)
				continue
			}
			s.entries[in.Name] = &entry{doc: in.Doc, value: in.Value.Clone()}
			continue
		}
		if e.value.Kind() != in.Value.Kind() {
			errs = append(errs, fmt.Errorf("merge %s: local %s, remote %s: %w",
				in.Name, e.value.Kind(), in.Value.Kind(), proxyerr.TypeMismatch))
			continue
		}
		e.value.Merge(in.Value)
	}

	return errors.Join(errs...)
}

// Apply performs op on the metric d in every store as one unit. Locks are
// taken in slice order, so callers must always pass stores in the same
// relative order. The kind is checked everywhere before anything is written:
// either all stores see the sample or none does.
func Apply(stores []*Store, d metric.Descriptor, op metric.Op) error {

	if err := checkOp(op); err != nil {
		return err
	}

	uniq := make([]*Store, 0, len(stores))
	for _, s := range stores {
		dup := false
		for _, u := range uniq {
			if u == s {
				dup = true
				break
			}
		}
		if s != nil && !dup {
			uniq = append(uniq, s)
		}
	}

	for _, s := range uniq {
		s.mu.Lock()
	}
	defer func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			uniq[i].mu.Unlock()
		}
	}()

	for _, s := range uniq {
		if e, ok := s.entries[d.Name]; ok && e.value.Kind() != op.Kind {
			return fmt.Errorf("%s is a %s, sample is a %s: %w", d.Name, e.value.Kind(), op.Kind, proxyerr.TypeMismatch)
		}
	}

	for _, s := range uniq {
		e, err := s.ensureLocked(d.Name, d.Doc, op.Kind)
		if err != nil {
			return err
		}
		switch op.Kind {
		case metric.KindCounter:
			e.value.Counter.Increment(op.Value)
		case metric.KindGauge:
			e.value.Gauge.Observe(op.Value)
		}
	}
	return nil
}

func (s *Store) ensureLocked(name, doc string, kind metric.Kind) (*entry, error) {

	if e, ok := s.entries[name]; ok {
		if e.value.Kind() != kind {
			return nil, fmt.Errorf("%s is a %s, cannot register it as a %s: %w", name, e.value.Kind(), kind, proxyerr.TypeMismatch)
		}
		return e, nil
	}

	if err := checkName(name); err != nil {
		return nil, err
	}

	e := &entry{doc: doc}
	if kind == metric.KindGauge {
		e.value = metric.NewGauge()
	} else {
		e.value = metric.NewCounter(0)
	}
	s.entries[name] = e
	return e, nil
}

// Check reports whether op on the metric name would be accepted by an empty
// store.
func Check(name string, op metric.Op) error {

	if err := checkName(name); err != nil {
		return err
	}
	return checkOp(op)
}

func checkName(name string) error {

	if name == "" {
		return fmt.Errorf("empty metric name: %w", proxyerr.MalformedInput)
	}
	if _, _, err := metric.SplitName(name); err != nil {
		return fmt.Errorf("%v: %w", err, proxyerr.MalformedInput)
	}
	return nil
}

func checkOp(op metric.Op) error {

	if math.IsNaN(op.Value) || math.IsInf(op.Value, 0) {
		return fmt.Errorf("non finite value %v: %w", op.Value, proxyerr.MalformedInput)
	}
	if op.Kind == metric.KindCounter && op.Value < 0 {
		return fmt.Errorf("negative counter delta %v: %w", op.Value, proxyerr.MalformedInput)
	}
	return nil
}

func finiteValue(v metric.Value) bool {

	ok := func(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
	if v.Counter != nil {
		return ok(v.Counter.Value)
	}
	g := v.Gauge
	return ok(g.Min) && ok(g.Max) && ok(g.Hits) && ok(g.Total) && ok(g.Last)
}
