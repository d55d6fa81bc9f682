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
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	"metricproxy.io/metric-proxy-go/internal/types/job"
	"metricproxy.io/metric-proxy-go/internal/types/metric"
	"metricproxy.io/metric-proxy-go/internal/util/logger"
)

func testProfile(jobid, cmd string, start uint64) job.Profile {
	return job.Profile{
		Desc: job.Descriptor{JobID: jobid, Command: cmd, StartTime: start, EndTime: start + 10},
		Counters: []metric.Entry{
			{Name: "calls", Doc: "calls made", Value: metric.NewCounter(4)},
			{Name: "load", Value: metric.GaugeOf(0.5)},
		},
	}
}

func TestArchiveAndGet(t *testing.T) {
	root := t.TempDir()
	a, err := New(root, 4, logger.Discard())
	require.NoError(t, err)

	p := testProfile("1234.slurm/step", "./solver", 10)
	require.NoError(t, a.Archive(p))

	_, err = os.Stat(filepath.Join(root, "profiles", "1234.slurm%2Fstep.profile"))
	require.NoError(t, err)

	got, err := a.Get("1234.slurm/step")
	require.NoError(t, err)
	assert.Equal(t, p, got)

	// a fresh archiver reads from disk
	b, err := New(root, 4, logger.Discard())
	require.NoError(t, err)
	got, err = b.Get("1234.slurm/step")
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = b.Get("unknown")
	assert.True(t, errors.Is(err, proxyerr.NotFound))
}

func TestArchiveSanitizes(t *testing.T) {
	a, err := New(t.TempDir(), 4, logger.Discard())
	require.NoError(t, err)

	p := testProfile("nan", "cmd", 1)
	p.Counters[0].Value = metric.NewCounter(math.NaN())
	require.NoError(t, a.Archive(p))
	assert.True(t, math.IsNaN(p.Counters[0].Value.Counter.Value))

	a.cache.Purge()
	got, err := a.Get("nan")
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Counters[0].Value.Counter.Value)
}

func TestListAndByCommand(t *testing.T) {
	root := t.TempDir()
	a, err := New(root, 1, logger.Discard())
	require.NoError(t, err)

	require.NoError(t, a.Archive(testProfile("c", "./a", 30)))
	require.NoError(t, a.Archive(testProfile("b", "./b", 10)))
	require.NoError(t, a.Archive(testProfile("a", "./a", 10)))

	var ids []string
	for _, d := range a.List() {
		ids = append(ids, d.JobID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	byCmd := a.ByCommand()
	require.Len(t, byCmd["./a"], 2)
	assert.Equal(t, "a", byCmd["./a"][0].JobID)
	assert.Equal(t, "c", byCmd["./a"][1].JobID)
	assert.Len(t, byCmd["./b"], 1)
}

func TestRefreshPicksUpForeignProfiles(t *testing.T) {
	root := t.TempDir()
	a, err := New(root, 4, logger.Discard())
	require.NoError(t, err)

	other, err := New(root, 4, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, other.Archive(testProfile("x", "./x", 5)))

	require.NoError(t, os.WriteFile(filepath.Join(root, "profiles", "broken.profile"), []byte("{"), 0o644))

	assert.Empty(t, a.List())
	require.NoError(t, a.Refresh())
	require.Len(t, a.List(), 1)
	assert.Equal(t, "x", a.List()[0].JobID)

	_, err = a.Get("broken")
	assert.True(t, errors.Is(err, proxyerr.ArchiveIOFailure))
	assert.False(t, errors.Is(err, proxyerr.MalformedInput))
}

func TestArchiveFailure(t *testing.T) {
	root := t.TempDir()
	a, err := New(root, 4, logger.Discard())
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(a.Dir()))
	err = a.Archive(testProfile("lost", "cmd", 1))
	assert.True(t, errors.Is(err, proxyerr.ArchiveIOFailure))
	assert.Empty(t, a.List())
}

func TestUnusableDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := New(file, 4, logger.Discard())
	assert.True(t, errors.Is(err, proxyerr.ProfileDirUnusable))
}
