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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	"metricproxy.io/metric-proxy-go/internal/types/metric"
)

func TestProfileMerge(t *testing.T) {
	p := Profile{
		Desc: Descriptor{JobID: "1", Size: 2, StartTime: 50, EndTime: 60},
		Counters: []metric.Entry{
			{Name: "a", Value: metric.NewCounter(1)},
			{Name: "m", Value: metric.NewCounter(1)},
		},
	}
	shared := metric.NewCounter(2)
	other := Profile{
		Desc: Descriptor{JobID: "1", Command: "cmd", Size: 1, StartTime: 40, EndTime: 70},
		Counters: []metric.Entry{
			{Name: "a", Value: shared},
			{Name: "m", Value: metric.GaugeOf(3)},
			{Name: "b", Value: metric.GaugeOf(3)},
		},
	}

	err := p.Merge(other)
	assert.True(t, errors.Is(err, proxyerr.TypeMismatch))

	assert.Equal(t, 3, p.Desc.Size)
	assert.Equal(t, "cmd", p.Desc.Command)
	assert.Equal(t, uint64(40), p.Desc.StartTime)
	assert.Equal(t, uint64(70), p.Desc.EndTime)

	a, ok := p.Get("a")
	require.True(t, ok)
	assert.Equal(t, 3.0, a.Value.Current())
	assert.Equal(t, 2.0, shared.Counter.Value)

	m, _ := p.Get("m")
	assert.Equal(t, metric.KindCounter, m.Value.Kind())
	_, ok = p.Get("b")
	assert.True(t, ok)

	err = p.Merge(Profile{Desc: Descriptor{JobID: "2"}})
	assert.True(t, errors.Is(err, proxyerr.MalformedInput))
}
