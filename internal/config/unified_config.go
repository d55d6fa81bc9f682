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
	"os"

	"metricproxy.io/metric-proxy-go/internal/types/config"
	loggertypes "metricproxy.io/metric-proxy-go/internal/types/logger"
	"metricproxy.io/metric-proxy-go/internal/util/logger"
)

// UnifiedConfigLoader loads the file first, then lets environment variables
// override it, then fills defaults and validates.
type UnifiedConfigLoader struct {
	fileLoader *Loader
	factory    *ConfigFactory
	logger     logger.Logger
}

func NewUnifiedConfigLoader(cfgPath string) *UnifiedConfigLoader {
	return &UnifiedConfigLoader{
		fileLoader: New(cfgPath),
		factory:    NewConfigFactory(),
		logger:     logger.DefaultLogger(os.Stdout, loggertypes.LogLevelInfo).WithName("unified-config-loader"),
	}
}

// Load returns the effective configuration. A missing path is not an error:
// defaults plus environment are used. An unreadable file is.
func (l *UnifiedConfigLoader) Load() (*config.ProxyConfig, error) {

	var fileCfg *config.ProxyConfig

	if l.fileLoader.cfgPath != "" {
		cfg, err := l.fileLoader.LoadConfig()
		if err != nil {
			return nil, err
		}
		fileCfg = cfg
		l.logger.Info("configuration loaded from file", "file", l.fileLoader.cfgPath)
	}

	cfg := l.factory.MergeWithEnv(fileCfg)
	if err := l.fileLoader.ValidateConfig(cfg); err != nil {
		l.logger.Error(err, "configuration validation failed")
		return nil, err
	}

	return cfg, nil
}

func (l *UnifiedConfigLoader) PrintConfig(cfg *config.ProxyConfig) {
	l.factory.PrintConfig(cfg)
}

// LoadUnified loads configuration with file + env priority.
func LoadUnified(cfgPath string) (*config.ProxyConfig, error) {
	return NewUnifiedConfigLoader(cfgPath).Load()
}
