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
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"metricproxy.io/metric-proxy-go/internal/types/config"
	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	loggertypes "metricproxy.io/metric-proxy-go/internal/types/logger"
	"metricproxy.io/metric-proxy-go/internal/util/logger"
)

const (
	DefaultProxyName = "metric-proxy"
)

// Loader reads the proxy configuration from a YAML file.
type Loader struct {
	cfgPath string
	logger  logger.Logger
}

func New(cfgPath string) *Loader {

	return &Loader{
		cfgPath: cfgPath,
		logger:  logger.DefaultLogger(os.Stdout, loggertypes.LogLevelInfo).WithName("config-loader"),
	}
}

func (l *Loader) LoadConfig() (*config.ProxyConfig, error) {

	if l.cfgPath == "" {
		return nil, errors.New("proxy-config-loader: path is empty")
	}

	file, err := os.Open(l.cfgPath)
	if err != nil {
		l.logger.Error(err, "proxy-config-loader: open config file failed", "path", l.cfgPath)
		return nil, err
	}
	defer func(file *os.File) {
		if err := file.Close(); err != nil {
			l.logger.Error(err, "close config file failed")
		}
	}(file)

	var cfg config.ProxyConfig
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		l.logger.Error(err, "decode config file failed", "path", l.cfgPath)
		return nil, err
	}

	return &cfg, nil
}

// ValidateConfig checks the fields the server cannot start without.
func (l *Loader) ValidateConfig(cfg *config.ProxyConfig) error {

	if cfg == nil {
		return proxyerr.ProxyConfigIsNil
	}

	info := cfg.Proxy.Info
	if info.Port == "" {
		return proxyerr.ProxyPortIsNil
	}
	if err := checkPort("proxy", info.Port); err != nil {
		return err
	}
	if !cfg.Proxy.GRPC.Disabled {
		if err := checkPort("grpc", cfg.Proxy.GRPC.Port); err != nil {
			return err
		}
	}
	if !cfg.Proxy.Metrics.Disabled {
		if err := checkPort("metrics", cfg.Proxy.Metrics.Port); err != nil {
			return err
		}
	}

	if cfg.Proxy.ProfileDir == "" {
		return fmt.Errorf("profile directory is empty: %w", proxyerr.ProfileDirUnusable)
	}

	if cfg.Proxy.Scrape.Period <= 0 {
		return fmt.Errorf("scrape period must be positive, got %d", cfg.Proxy.Scrape.Period)
	}
	for _, t := range cfg.Proxy.Scrape.Targets {
		if t.URL == "" {
			return errors.New("scrape target without url")
		}
	}

	if tr := cfg.Proxy.Trace; !tr.Disabled && (tr.Period < 0 || tr.MaxFrames < 0 || tr.Keep < 0) {
		return fmt.Errorf("trace settings must not be negative: %+v", tr)
	}

	if lvl := cfg.Proxy.Log.Level; lvl != "" && !loggertypes.LogLevel(lvl).Valid() {
		return fmt.Errorf("invalid log level %q", lvl)
	}

	if info.Name == "" {
		l.logger.Sugar().Debug("proxy-config-loader: name is empty")
		cfg.Proxy.Info.Name = DefaultProxyName
	}

	return nil
}

func checkPort(what, port string) error {

	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("invalid %s port %q", what, port)
	}
	return nil
}

// Logging turns the log section into per component levels.
func Logging(cfg *config.ProxyConfig) *loggertypes.ProxyLogging {

	logging := loggertypes.DefaultProxyLogging()
	if cfg == nil {
		return logging
	}
	if cfg.Proxy.Log.Level != "" {
		logging.Level[loggertypes.LogComponentDefault] = loggertypes.LogLevel(cfg.Proxy.Log.Level)
	}
	for component, level := range cfg.Proxy.Log.Components {
		logging.Level[loggertypes.LogComponent(component)] = loggertypes.LogLevel(level)
	}
	return logging
}
