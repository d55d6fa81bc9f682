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

package scrape

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"

	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	"metricproxy.io/metric-proxy-go/internal/types/job"
	"metricproxy.io/metric-proxy-go/internal/util/logger"
)

// pivotFanout is the number of children a proxy accepts before newcomers are
// redirected further down the tree.
const pivotFanout = 2

type pivot struct {
	addr     string
	children []string
}

// PivotTable hands out parents to joining proxies so that the reduction tree
// stays binary. The root is the first pivot.
type PivotTable struct {
	mu     sync.Mutex
	self   string
	pivots []*pivot
}

func NewPivotTable(self string) *PivotTable {
	return &PivotTable{self: self, pivots: []*pivot{{addr: self}}}
}

// Place picks the parent of from and records the edge. The joining proxy
// becomes a pivot itself.
func (p *PivotTable) Place(from string) (string, error) {

	if from == "" || strings.Contains(from, "http") {
		return "", fmt.Errorf("bad pivot address %q: %w", from, proxyerr.MalformedInput)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pv := range p.pivots {
		if len(pv.children) < pivotFanout {
			pv.children = append(pv.children, from)
			p.pivots = append(p.pivots, &pivot{addr: from})
			return pv.addr, nil
		}
	}
	return "", fmt.Errorf("no free pivot for %s: %w", from, proxyerr.MalformedInput)
}

// Edges returns the tree as parent/child pairs. A lonely root is reported as
// an edge to itself.
func (p *PivotTable) Edges() [][2]string {

	p.mu.Lock()
	defer p.mu.Unlock()

	var ret [][2]string
	for _, pv := range p.pivots {
		for _, c := range pv.children {
			ret = append(ret, [2]string{pv.addr, c})
		}
	}
	if len(ret) == 0 {
		ret = append(ret, [2]string{p.self, p.self})
	}
	return ret
}

// JoinConfig controls how a proxy attaches to a root.
type JoinConfig struct {
	Root     string
	Self     string
	Period   uint64
	Attempts uint
	Delay    time.Duration
}

// Join asks the root for a parent and then asks that parent to scrape self.
// It returns the parent address.
func Join(ctx context.Context, client *http.Client, cfg JoinConfig, log logger.Logger) (string, error) {

	if cfg.Attempts == 0 {
		cfg.Attempts = 5
	}
	if cfg.Delay == 0 {
		cfg.Delay = 2 * time.Second
	}
	if cfg.Period == 0 {
		cfg.Period = 5
	}
	if client == nil {
		client = http.DefaultClient
	}
	log = log.WithName("scrape").WithValues("root", cfg.Root)

	root, err := baseURL(cfg.Root)
	if err != nil {
		return "", err
	}

	var parent string
	err = retry.Do(
		func() error {
			var resp job.ApiResponse
			q := url.Values{"from": {cfg.Self}}
			if err := getJSON(ctx, client, root+"/pivot?"+q.Encode(), &resp); err != nil {
				log.Info("pivot request failed", "error", err.Error())
				return err
			}
			if !resp.Success {
				return fmt.Errorf("root refused pivot for %s", cfg.Self)
			}
			parent = resp.Operation
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(cfg.Attempts),
		retry.Delay(cfg.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", fmt.Errorf("joining %s: %v: %w", cfg.Root, err, proxyerr.ScrapeFailure)
	}

	pbase, err := baseURL(parent)
	if err != nil {
		return "", err
	}
	q := url.Values{"to": {cfg.Self}, "period": {strconv.FormatUint(cfg.Period, 10)}}
	var resp job.ApiResponse
	if err := getJSON(ctx, client, pbase+"/join?"+q.Encode(), &resp); err != nil {
		return "", fmt.Errorf("joining parent %s: %v: %w", parent, err, proxyerr.ScrapeFailure)
	}
	if !resp.Success {
		return "", fmt.Errorf("parent %s refused %s: %w", parent, cfg.Self, proxyerr.ScrapeFailure)
	}

	log.Info("joined reduction tree", "parent", parent)
	return parent, nil
}

func getJSON(ctx context.Context, client *http.Client, u string, out interface{}) error {

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
