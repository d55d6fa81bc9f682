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

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"metricproxy.io/metric-proxy-go/internal/types/config"
	loggertypes "metricproxy.io/metric-proxy-go/internal/types/logger"
	"metricproxy.io/metric-proxy-go/internal/util/logger"
)

// ConfigDefaults contains all default configuration values
type ConfigDefaults struct {
	ProxyName      string
	ProxyIP        string
	ProxyPort      string
	GRPCPort       string
	MetricsPort    string
	ProfileDir     string
	ScrapePeriod   int
	ScrapeWorkers  int
	RecentFinished int
	ProfileCache   int
	TracePeriod    int
	TraceFrames    int
	TraceKeep      int
	LogLevel       string
}

// GetDefaultConfig returns the default configuration values
func GetDefaultConfig() *ConfigDefaults {

	profileDir := ".proxyprofiles"
	if home, err := os.UserHomeDir(); err == nil {
		profileDir = filepath.Join(home, ".proxyprofiles")
	}

	return &ConfigDefaults{
		ProxyName:      DefaultProxyName,
		ProxyIP:        "0.0.0.0",
		ProxyPort:      "1337",
		GRPCPort:       "1338",
		MetricsPort:    "1339",
		ProfileDir:     profileDir,
		ScrapePeriod:   5,
		ScrapeWorkers:  8,
		RecentFinished: 1024,
		ProfileCache:   128,
		TracePeriod:    1,
		TraceFrames:    512,
		TraceKeep:      64,
		LogLevel:       "info",
	}
}

// ConfigFactory builds configurations from defaults and the environment.
type ConfigFactory struct {
	defaults *ConfigDefaults
	logger   logger.Logger
}

func NewConfigFactory() *ConfigFactory {
	return &ConfigFactory{
		defaults: GetDefaultConfig(),
		logger:   logger.DefaultLogger(os.Stdout, loggertypes.LogLevelInfo).WithName("config-factory"),
	}
}

// CreateDefaultConfig creates a configuration with default values
func (f *ConfigFactory) CreateDefaultConfig() *config.ProxyConfig {

	cfg := &config.ProxyConfig{}
	f.fillDefaults(cfg)
	return cfg
}

// MergeWithEnv applies environment overrides on top of fileCfg and fills
// whatever is still empty with defaults. fileCfg is not modified.
func (f *ConfigFactory) MergeWithEnv(fileCfg *config.ProxyConfig) *config.ProxyConfig {

	var cfg config.ProxyConfig
	if fileCfg != nil {
		cfg = *fileCfg
	}

	if name := os.Getenv("PROXY_NAME"); name != "" {
		cfg.Proxy.Info.Name = name
	}

	if ip := os.Getenv("PROXY_IP"); ip != "" {
		cfg.Proxy.Info.IP = ip
	}

	if port := os.Getenv("PROXY_PORT"); port != "" {
		cfg.Proxy.Info.Port = port
	}

	if node := os.Getenv("PROXY_NODE"); node != "" {
		cfg.Proxy.Info.Node = node
	}

	if dir := os.Getenv("PROXY_PROFILE_DIR"); dir != "" {
		cfg.Proxy.ProfileDir = dir
	}

	if root := os.Getenv("PROXY_ROOT"); root != "" {
		cfg.Proxy.Root = root
	}

	if period := os.Getenv("PROXY_SCRAPE_PERIOD"); period != "" {
		if p, err := strconv.Atoi(period); err == nil {
			cfg.Proxy.Scrape.Period = p
		} else {
			f.logger.Error(err, "ignoring PROXY_SCRAPE_PERIOD", "value", period)
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Proxy.Log.Level = level
	}

	f.fillDefaults(&cfg)
	return &cfg
}

// fillDefaults fills in default values for any empty fields
func (f *ConfigFactory) fillDefaults(cfg *config.ProxyConfig) {

	p := &cfg.Proxy

	if p.Info.Name == "" {
		p.Info.Name = f.defaults.ProxyName
	}

	if p.Info.IP == "" {
		p.Info.IP = f.defaults.ProxyIP
	}

	if p.Info.Port == "" {
		p.Info.Port = f.defaults.ProxyPort
	}

	if p.Info.Node == "" {
		if host, err := os.Hostname(); err == nil {
			p.Info.Node = host
		} else {
			p.Info.Node = "localhost"
		}
	}

	if p.GRPC.Port == "" {
		p.GRPC.Port = f.defaults.GRPCPort
	}

	if p.Metrics.Port == "" {
		p.Metrics.Port = f.defaults.MetricsPort
	}

	if p.ProfileDir == "" {
		p.ProfileDir = f.defaults.ProfileDir
	}

	if p.Scrape.Period == 0 {
		p.Scrape.Period = f.defaults.ScrapePeriod
	}

	if p.Scrape.Timeout == 0 {
		p.Scrape.Timeout = p.Scrape.Period
	}

	if p.Scrape.Workers == 0 {
		p.Scrape.Workers = f.defaults.ScrapeWorkers
	}

	if p.RecentFinished == 0 {
		p.RecentFinished = f.defaults.RecentFinished
	}

	if p.ProfileCache == 0 {
		p.ProfileCache = f.defaults.ProfileCache
	}

	if p.Trace.Period == 0 {
		p.Trace.Period = f.defaults.TracePeriod
	}

	if p.Trace.MaxFrames == 0 {
		p.Trace.MaxFrames = f.defaults.TraceFrames
	}

	if p.Trace.Keep == 0 {
		p.Trace.Keep = f.defaults.TraceKeep
	}

	if p.Log.Level == "" {
		p.Log.Level = f.defaults.LogLevel
	}
}

// PrintConfig prints the configuration in a readable format
func (f *ConfigFactory) PrintConfig(cfg *config.ProxyConfig) {

	if cfg == nil {
		return
	}

	p := cfg.Proxy
	f.logger.Info("=== Proxy Configuration ===")
	f.logger.Info("Proxy Name", "value", p.Info.Name)
	f.logger.Info("Node", "value", p.Info.Node)
	f.logger.Info("HTTP Address", "value", fmt.Sprintf("%s:%s", p.Info.IP, p.Info.Port))
	if !p.GRPC.Disabled {
		f.logger.Info("gRPC Port", "value", p.GRPC.Port)
	}
	if !p.Metrics.Disabled {
		f.logger.Info("Metrics Port", "value", p.Metrics.Port)
	}
	f.logger.Info("Profile Dir", "value", p.ProfileDir)
	if p.Root != "" {
		f.logger.Info("Root", "value", p.Root)
	}
	f.logger.Info("Scrape Period", "value", p.Scrape.Period)
	f.logger.Info("Log Level", "value", p.Log.Level)
	f.logger.Info("===========================")
}
