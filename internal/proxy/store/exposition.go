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

package store

import (
	"bufio"
	"io"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"metricproxy.io/metric-proxy-go/internal/types/metric"
)

// Families groups a snapshot into Prometheus metric families. Entries sharing
// a base name form one family; the first entry decides type and help text and
// later entries of the other kind are left out.
func Families(entries []metric.Entry) []*dto.MetricFamily {

	var (
		ret   []*dto.MetricFamily
		index = make(map[string]*dto.MetricFamily)
	)

	for _, e := range entries {
		base, labels, err := metric.SplitName(e.Name)
		if err != nil || !e.Value.Valid() {
			continue
		}

		mtype := dto.MetricType_COUNTER
		if e.Value.Kind() == metric.KindGauge {
			mtype = dto.MetricType_GAUGE
		}

		fam, ok := index[base]
		if !ok {
			fam = &dto.MetricFamily{
				Name: proto.String(base),
				Type: mtype.Enum(),
			}
			if e.Doc != "" {
				fam.Help = proto.String(e.Doc)
			}
			index[base] = fam
			ret = append(ret, fam)
		}
		if fam.GetType() != mtype {
			continue
		}

		m := &dto.Metric{}
		for _, l := range labels {
			m.Label = append(m.Label, &dto.LabelPair{
				Name:  proto.String(l.Name),
				Value: proto.String(l.Value),
			})
		}
		if mtype == dto.MetricType_COUNTER {
			m.Counter = &dto.Counter{Value: proto.Float64(e.Value.Current())}
		} else {
			m.Gauge = &dto.Gauge{Value: proto.Float64(e.Value.Current())}
		}
		fam.Metric = append(fam.Metric, m)
	}

	return ret
}

// WriteText renders the store in the Prometheus text exposition format.
func (s *Store) WriteText(w io.Writer) error {
	return WriteText(w, s.Snapshot())
}

func WriteText(w io.Writer, entries []metric.Entry) error {

	bw := bufio.NewWriter(w)
	for _, fam := range Families(entries) {
		if _, err := expfmt.MetricFamilyToText(bw, fam); err != nil {
			return err
		}
	}
	return bw.Flush()
}
