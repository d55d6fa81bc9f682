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

// Package profile persists the final snapshot of finished jobs and serves
// them back.
package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	jsoniter "github.com/json-iterator/go"

	"metricproxy.io/metric-proxy-go/internal/metrics"
	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	"metricproxy.io/metric-proxy-go/internal/types/job"
	"metricproxy.io/metric-proxy-go/internal/types/metric"
	"metricproxy.io/metric-proxy-go/internal/util/logger"
)

const (
	subDir = "profiles"
	ext    = ".profile"
)

// Option tunes an Archiver.
type Option func(*Archiver)

// WithPartial makes Archive write partial profiles tagged with node. They
// reach <root>/profiles once Aggregate folds them.
func WithPartial(node string) Option {
	return func(a *Archiver) {
		a.partial = true
		a.node = node
	}
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Archiver stores one file per job under <root>/profiles. Descriptors of
// every known profile are indexed in memory, full profiles are cached.
type Archiver struct {
	dir        string
	partialDir string
	partial    bool
	node       string
	logger     logger.Logger

	// aggMu serializes read-modify-write cycles on profile files
	aggMu sync.Mutex

	mu    sync.RWMutex
	index map[string]job.Descriptor

	cache *lru.Cache
}

func New(root string, cacheSize int, log logger.Logger, opts ...Option) (*Archiver, error) {

	dir := filepath.Join(root, subDir)
	partialDir := filepath.Join(root, partialSubDir)
	for _, d := range []string{dir, partialDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("%s: %v: %w", d, err, proxyerr.ProfileDirUnusable)
		}
	}

	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}

	a := &Archiver{
		dir:        dir,
		partialDir: partialDir,
		logger:     log.WithName("profile"),
		index:      make(map[string]job.Descriptor),
		cache:      cache,
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.Refresh(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archiver) Dir() string {
	return a.dir
}

func (a *Archiver) path(jobid string) string {
	return filepath.Join(a.dir, url.PathEscape(jobid)+ext)
}

// Archive writes the profile, or a partial profile when the archiver was
// built WithPartial. Non finite values are zeroed first. On failure the
// encoded profile is logged so it can be recovered by hand.
func (a *Archiver) Archive(p job.Profile) error {

	if p.Desc.JobID == "" {
		return fmt.Errorf("profile without job id: %w", proxyerr.MalformedInput)
	}
	if a.partial {
		return a.archivePartial(sanitize(p))
	}

	a.aggMu.Lock()
	defer a.aggMu.Unlock()
	return a.store(sanitize(p))
}

func (a *Archiver) store(p job.Profile) error {

	data, err := json.Marshal(p)
	if err != nil {
		metrics.ArchiveFailures.Inc()
		return fmt.Errorf("encode profile %s: %v: %w", p.Desc.JobID, err, proxyerr.ArchiveIOFailure)
	}

	if err := a.write(a.dir, a.path(p.Desc.JobID), data); err != nil {
		metrics.ArchiveFailures.Inc()
		a.logger.Error(err, "failed to archive profile", "jobid", p.Desc.JobID, "profile", string(data))
		return fmt.Errorf("write profile %s: %v: %w", p.Desc.JobID, err, proxyerr.ArchiveIOFailure)
	}

	a.mu.Lock()
	a.index[p.Desc.JobID] = p.Desc
	a.mu.Unlock()
	a.cache.Add(p.Desc.JobID, p)

	metrics.ProfilesArchived.Inc()
	a.logger.V(1).Info("profile archived", "jobid", p.Desc.JobID, "path", a.path(p.Desc.JobID))
	return nil
}

// write replaces path atomically through a temporary file in dir.
func (a *Archiver) write(dir, path string, data []byte) error {

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Get returns the profile of jobid from the cache or from disk.
func (a *Archiver) Get(jobid string) (job.Profile, error) {

	if v, ok := a.cache.Get(jobid); ok {
		return clone(v.(job.Profile)), nil
	}

	p, err := a.read(a.path(jobid))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return job.Profile{}, fmt.Errorf("profile %s: %w", jobid, proxyerr.NotFound)
		}
		return job.Profile{}, fmt.Errorf("profile %s: %w", jobid, err)
	}

	a.mu.Lock()
	a.index[p.Desc.JobID] = p.Desc
	a.mu.Unlock()
	a.cache.Add(jobid, p)

	return clone(p), nil
}

func (a *Archiver) read(path string) (job.Profile, error) {

	var p job.Profile

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return p, err
		}
		return p, fmt.Errorf("%v: %w", err, proxyerr.ArchiveIOFailure)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode %s: %v: %w", path, err, proxyerr.ArchiveIOFailure)
	}
	return p, nil
}

// List returns every known descriptor ordered by start time then jobid.
func (a *Archiver) List() []job.Descriptor {

	a.mu.RLock()
	ret := make([]job.Descriptor, 0, len(a.index))
	for _, d := range a.index {
		ret = append(ret, d)
	}
	a.mu.RUnlock()

	sortByStart(ret)
	return ret
}

// ByCommand groups the known descriptors by launch command.
func (a *Archiver) ByCommand() map[string][]job.Descriptor {

	ret := make(map[string][]job.Descriptor)
	for _, d := range a.List() {
		ret[d.Command] = append(ret[d.Command], d)
	}
	return ret
}

// Refresh indexes profiles written since the last scan, possibly by other
// processes. Unreadable files are logged and skipped.
func (a *Archiver) Refresh() error {

	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", a.dir, err, proxyerr.ArchiveIOFailure)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}
		jobid, err := url.PathUnescape(strings.TrimSuffix(name, ext))
		if err != nil {
			continue
		}

		a.mu.RLock()
		_, known := a.index[jobid]
		a.mu.RUnlock()
		if known {
			continue
		}

		p, err := a.read(filepath.Join(a.dir, name))
		if err != nil {
			a.logger.Error(err, "skipping unreadable profile", "file", name)
			continue
		}

		a.mu.Lock()
		a.index[p.Desc.JobID] = p.Desc
		a.mu.Unlock()
	}
	return nil
}

func sortByStart(d []job.Descriptor) {
	sort.Slice(d, func(i, j int) bool {
		if d[i].StartTime != d[j].StartTime {
			return d[i].StartTime < d[j].StartTime
		}
		return d[i].JobID < d[j].JobID
	})
}

func sanitize(p job.Profile) job.Profile {

	out := clone(p)
	for i := range out.Counters {
		out.Counters[i].Value.Sanitize()
	}
	return out
}

func clone(p job.Profile) job.Profile {

	out := job.Profile{Desc: p.Desc, Counters: make([]metric.Entry, len(p.Counters))}
	for i, c := range p.Counters {
		out.Counters[i] = metric.Entry{Name: c.Name, Doc: c.Doc, Value: c.Value.Clone()}
	}
	return out
}
