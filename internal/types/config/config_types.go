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

package config

type ProxyConfig struct {
	Proxy ProxySection `yaml:"proxy"`
}

type ProxySection struct {
	Info ProxyInfo      `yaml:"info"`
	Log  ProxyLogConfig `yaml:"log"`

	// ProfileDir receives <dir>/profiles/<jobid>.profile files.
	ProfileDir string `yaml:"profileDir"`
	// Root is the host:port of the proxy at the top of the tree.
	Root string `yaml:"root"`

	// PartialProfiles makes finished jobs land in <dir>/partial first so
	// that proxies sharing ProfileDir sum their views of a job.
	PartialProfiles bool `yaml:"partialProfiles"`

	Scrape  ScrapeConfig  `yaml:"scrape"`
	GRPC    GRPCConfig    `yaml:"grpc"`
	Metrics MetricsConfig `yaml:"metrics"`
	Trace   TraceConfig   `yaml:"trace"`

	RecentFinished int `yaml:"recentFinished"`
	ProfileCache   int `yaml:"profileCache"`
}

type ProxyInfo struct {
	Name string `yaml:"name"`
	IP   string `yaml:"ip"`
	Port string `yaml:"port"`
	// Node defaults to the hostname.
	Node string `yaml:"node"`
}

type ProxyLogConfig struct {
	Level      string            `yaml:"level"`
	Components map[string]string `yaml:"components,omitempty"`
}

type ScrapeConfig struct {
	// Period and Timeout are in seconds.
	Period     int                  `yaml:"period"`
	Timeout    int                  `yaml:"timeout"`
	SkipSystem bool                 `yaml:"skipSystem"`
	Workers    int                  `yaml:"workers"`
	Targets    []ScrapeTargetConfig `yaml:"targets,omitempty"`
}

type ScrapeTargetConfig struct {
	URL    string `yaml:"url"`
	Period int    `yaml:"period"`
}

type GRPCConfig struct {
	Disabled bool   `yaml:"disabled"`
	Port     string `yaml:"port"`
}

type MetricsConfig struct {
	Disabled bool   `yaml:"disabled"`
	Port     string `yaml:"port"`
}

type TraceConfig struct {
	Disabled bool `yaml:"disabled"`
	// Period is the initial sampling period in seconds. It doubles each
	// time a trace reaches MaxFrames and is folded.
	Period    int `yaml:"period"`
	MaxFrames int `yaml:"maxFrames"`
	// Keep bounds the traces of finished jobs kept for reading.
	Keep int `yaml:"keep"`
}
