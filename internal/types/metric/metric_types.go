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

package metric

import (
	"fmt"
	"math"
)

// Kind tells the two metric variants apart.
type Kind int

const (
	KindCounter Kind = iota
	KindGauge
)

func (k Kind) String() string {

	switch k {
	case KindCounter:
		return "COUNTER"
	case KindGauge:
		return "GAUGE"
	default:
		return "UNKNOWN"
	}
}

// Counter is a monotonic accumulator.
type Counter struct {
	Value float64 `json:"value"`
}

// Gauge keeps the last observed value together with running statistics.
// Min and Max are only meaningful once Hits > 0.
type Gauge struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Hits  float64 `json:"hits"`
	Total float64 `json:"total"`
	Last  float64 `json:"last"`
}

// Value is a tagged union: exactly one of Counter or Gauge is set.
// The JSON shape is {"Counter":{...}} or {"Gauge":{...}}.
type Value struct {
	Counter *Counter `json:"Counter,omitempty"`
	Gauge   *Gauge   `json:"Gauge,omitempty"`
}

func NewCounter(v float64) Value {
	return Value{Counter: &Counter{Value: v}}
}

func NewGauge() Value {
	return Value{Gauge: &Gauge{}}
}

// GaugeOf builds a gauge holding a single observation.
func GaugeOf(v float64) Value {
	return Value{Gauge: &Gauge{Min: v, Max: v, Hits: 1, Total: v, Last: v}}
}

func (v Value) Kind() Kind {
	if v.Gauge != nil {
		return KindGauge
	}
	return KindCounter
}

// Valid reports whether exactly one variant is present.
func (v Value) Valid() bool {
	return (v.Counter == nil) != (v.Gauge == nil)
}

// Current is the value shown to users and alarms: the counter value or the
// most recently observed gauge value.
func (v Value) Current() float64 {

	switch {
	case v.Counter != nil:
		return v.Counter.Value
	case v.Gauge != nil:
		return v.Gauge.Last
	default:
		return 0
	}
}

// Average returns total/hits for gauges and the value for counters.
func (v Value) Average() float64 {
	if v.Gauge != nil {
		if v.Gauge.Hits == 0 {
			return 0
		}
		return v.Gauge.Total / v.Gauge.Hits
	}
	return v.Current()
}

// HasData is false for a zero counter and for a gauge that never saw a sample.
func (v Value) HasData() bool {
	if v.Gauge != nil {
		return v.Gauge.Hits != 0
	}
	return v.Counter != nil && v.Counter.Value != 0
}

// Clone returns a deep copy.
func (v Value) Clone() Value {

	var out Value
	if v.Counter != nil {
		c := *v.Counter
		out.Counter = &c
	}
	if v.Gauge != nil {
		g := *v.Gauge
		out.Gauge = &g
	}
	return out
}

// Increment adds delta to a counter.
func (c *Counter) Increment(delta float64) {
	c.Value += delta
}

// Observe folds one sample into the gauge.
func (g *Gauge) Observe(v float64) {

	if g.Hits == 0 {
		g.Min = v
		g.Max = v
	} else {
		g.Min = math.Min(g.Min, v)
		g.Max = math.Max(g.Max, v)
	}
	g.Hits++
	g.Total += v
	g.Last = v
}

// Merge folds other into v. Counters add up, gauges combine their statistics
// and take the incoming last value. The caller checks the kinds match.
func (v *Value) Merge(other Value) {

	switch {
	case v.Counter != nil && other.Counter != nil:
		v.Counter.Value += other.Counter.Value
	case v.Gauge != nil && other.Gauge != nil:
		g, o := v.Gauge, other.Gauge
		if o.Hits == 0 {
			return
		}
		if g.Hits == 0 {
			g.Min, g.Max = o.Min, o.Max
		} else {
			g.Min = math.Min(g.Min, o.Min)
			g.Max = math.Max(g.Max, o.Max)
		}
		g.Hits += o.Hits
		g.Total += o.Total
		g.Last = o.Last
	}
}

// Sanitize zeroes non-finite fields so the value can be encoded as JSON.
func (v *Value) Sanitize() {

	clean := func(f *float64) {
		if math.IsNaN(*f) || math.IsInf(*f, 0) {
			*f = 0
		}
	}
	if v.Counter != nil {
		clean(&v.Counter.Value)
	}
	if v.Gauge != nil {
		clean(&v.Gauge.Min)
		clean(&v.Gauge.Max)
		clean(&v.Gauge.Hits)
		clean(&v.Gauge.Total)
		clean(&v.Gauge.Last)
	}
}

func (v Value) String() string {

	switch {
	case v.Counter != nil:
		return fmt.Sprintf("%g COUNTER", v.Counter.Value)
	case v.Gauge != nil:
		g := v.Gauge
		return fmt.Sprintf("%g (Min: %g, Max: %g, Hits: %g, Total: %g) GAUGE", g.Last, g.Min, g.Max, g.Hits, g.Total)
	default:
		return "EMPTY"
	}
}

// Descriptor names a metric. Name may carry a Prometheus label suffix.
type Descriptor struct {
	Name string `json:"name"`
	Doc  string `json:"doc"`
}

// Entry is one element of a store snapshot.
type Entry struct {
	Name  string `json:"name"`
	Doc   string `json:"doc"`
	Value Value  `json:"ctype"`
}

func (e Entry) Descriptor() Descriptor {
	return Descriptor{Name: e.Name, Doc: e.Doc}
}

func (e Entry) String() string {
	return fmt.Sprintf("%s (%s) = %s", e.Name, e.Doc, e.Value)
}

// Op is a kind specific mutation: an increment for counters, a set for gauges.
type Op struct {
	Kind  Kind
	Value float64
}

func Increment(delta float64) Op {
	return Op{Kind: KindCounter, Value: delta}
}

func Set(v float64) Op {
	return Op{Kind: KindGauge, Value: v}
}
