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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"metricproxy.io/metric-proxy-go/internal/metrics"
	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	"metricproxy.io/metric-proxy-go/internal/types/job"
	"metricproxy.io/metric-proxy-go/internal/types/proxy"
)

const (
	partialSubDir = "partial"
	partialExt    = ".partialprofile"
	rejectedExt   = ".rejected"
	// separates the escaped jobid from the writer tag in partial file names
	partialSep = "___"
)

func (a *Archiver) PartialDir() string {
	return a.partialDir
}

// archivePartial drops the profile in the partial directory under a name
// unique to this node, process and instant.
func (a *Archiver) archivePartial(p job.Profile) error {

	data, err := json.Marshal(p)
	if err != nil {
		metrics.ArchiveFailures.Inc()
		return fmt.Errorf("encode partial profile %s: %v: %w", p.Desc.JobID, err, proxyerr.ArchiveIOFailure)
	}

	name := fmt.Sprintf("%s%s%s.%d.%d%s", url.PathEscape(p.Desc.JobID), partialSep,
		url.PathEscape(a.node), os.Getpid(), time.Now().UnixMicro(), partialExt)
	if err := a.write(a.partialDir, filepath.Join(a.partialDir, name), data); err != nil {
		metrics.ArchiveFailures.Inc()
		a.logger.Error(err, "failed to write partial profile", "jobid", p.Desc.JobID, "profile", string(data))
		return fmt.Errorf("write partial profile %s: %v: %w", p.Desc.JobID, err, proxyerr.ArchiveIOFailure)
	}

	a.logger.V(1).Info("partial profile written", "jobid", p.Desc.JobID, "file", name)
	return nil
}

func partialJobID(name string) (string, bool) {

	i := strings.LastIndex(name, partialSep)
	if i <= 0 {
		return "", false
	}
	jobid, err := url.PathUnescape(name[:i])
	if err != nil || jobid == "" {
		return "", false
	}
	return jobid, true
}

// Aggregate folds every partial profile into the profile of its job and
// returns how many were folded. A partial that cannot be decoded is renamed
// with a .rejected suffix; one that could not be written back stays for the
// next pass.
func (a *Archiver) Aggregate() (int, error) {

	entries, err := os.ReadDir(a.partialDir)
	if err != nil {
		return 0, fmt.Errorf("%s: %v: %w", a.partialDir, err, proxyerr.ArchiveIOFailure)
	}

	folded := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, partialExt) {
			continue
		}
		path := filepath.Join(a.partialDir, name)

		err := a.accumulate(name, path)
		switch {
		case err == nil:
			folded++
		case errors.Is(err, proxyerr.MalformedInput):
			a.logger.Error(err, "rejecting partial profile", "file", name)
			if err := os.Rename(path, path+rejectedExt); err != nil {
				a.logger.Error(err, "cannot set partial profile aside", "file", name)
			}
		default:
			a.logger.Error(err, "cannot aggregate partial profile", "file", name)
		}
	}
	return folded, nil
}

func (a *Archiver) accumulate(name, path string) error {

	jobid, ok := partialJobID(name)
	if !ok {
		return fmt.Errorf("partial profile name %q carries no jobid: %w", name, proxyerr.MalformedInput)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// folded by another proxy sharing the directory
			return nil
		}
		return fmt.Errorf("%v: %w", err, proxyerr.ArchiveIOFailure)
	}
	var part job.Profile
	if err := json.Unmarshal(data, &part); err != nil {
		return fmt.Errorf("decode %s: %v: %w", name, err, proxyerr.MalformedInput)
	}
	if part.Desc.JobID != jobid {
		return fmt.Errorf("partial profile %s holds job %s: %w", name, part.Desc.JobID, proxyerr.MalformedInput)
	}

	a.aggMu.Lock()
	defer a.aggMu.Unlock()

	merged := part
	existing, err := a.read(a.path(jobid))
	switch {
	case err == nil:
		if err := existing.Merge(part); err != nil {
			a.logger.Error(err, "conflicting entries left out", "jobid", jobid, "file", name)
		}
		merged = existing
	case errors.Is(err, fs.ErrNotExist):
	default:
		return err
	}

	if err := a.store(sanitize(merged)); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%v: %w", err, proxyerr.ArchiveIOFailure)
	}
	return nil
}

// Aggregator runs Aggregate periodically.
type Aggregator struct {
	archiver *Archiver
	period   time.Duration
}

func NewAggregator(a *Archiver, period time.Duration) *Aggregator {

	if period <= 0 {
		period = time.Second
	}
	return &Aggregator{archiver: a, period: period}
}

func (g *Aggregator) Start(ctx context.Context) error {

	ticker := time.NewTicker(g.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := g.archiver.Aggregate(); err != nil {
				g.archiver.logger.Error(err, "partial profile pass failed")
			} else if n > 0 {
				g.archiver.logger.V(1).Info("partial profiles folded", "count", n)
			}
		}
	}
}

func (g *Aggregator) Info() proxy.Info {

	return proxy.Info{
		Name: "profile-aggregator",
	}
}

func (g *Aggregator) Close() error {
	return nil
}
