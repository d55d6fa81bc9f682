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

// Package scrape pulls metrics from other proxies, Prometheus exporters and
// the local system, and folds them into the registry.
package scrape

import (
	"fmt"
	"strings"

	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
)

// SystemURL is the pseudo target reading the local host statistics.
const SystemURL = "/system"

type TargetType int

const (
	TypeProxy TargetType = iota
	TypePrometheus
	TypeSystem
)

func (t TargetType) String() string {

	switch t {
	case TypeProxy:
		return "Proxy"
	case TypePrometheus:
		return "Prometheus"
	case TypeSystem:
		return "System"
	default:
		return "Unknown"
	}
}

func (t TargetType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TargetType) UnmarshalText(b []byte) error {

	switch string(b) {
	case "Proxy":
		*t = TypeProxy
	case "Prometheus":
		*t = TypePrometheus
	case "System":
		*t = TypeSystem
	default:
		return fmt.Errorf("unknown target type %q: %w", b, proxyerr.MalformedInput)
	}
	return nil
}

// Target is the public view of a scrape target. URL is the address actually
// fetched, e.g. http://host:1337/job for a proxy.
type Target struct {
	URL        string     `json:"target_url"`
	Type       TargetType `json:"ttype"`
	Period     uint64     `json:"period"`
	LastScrape uint64     `json:"last_scrape"`
}

// baseURL turns host:port or a URL into an http base URL without a trailing
// slash.
func baseURL(raw string) (string, error) {

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty target: %w", proxyerr.MalformedInput)
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	return strings.TrimRight(raw, "/"), nil
}

// candidates lists the URLs a target may be stored under.
func candidates(raw string) []string {

	if raw == SystemURL {
		return []string{SystemURL}
	}
	base, err := baseURL(raw)
	if err != nil {
		return nil
	}
	return []string{raw, base, base + "/job", base + "/metrics"}
}
