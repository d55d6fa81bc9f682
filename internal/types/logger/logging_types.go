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

package logger

// proxy logging types

type LogLevel string

const (
	// LogLevelTrace is mapped onto debug by the zap backend.
	LogLevelTrace LogLevel = "trace"

	LogLevelDebug LogLevel = "debug"

	LogLevelInfo LogLevel = "info"

	LogLevelWarn LogLevel = "warn"

	LogLevelError LogLevel = "error"
)

// ProxyLogging holds per component log levels. Components without an entry
// use the default level.
type ProxyLogging struct {
	Level map[LogComponent]LogLevel `json:"level,omitempty" yaml:"level,omitempty"`
}

type LogComponent string

const (
	LogComponentDefault LogComponent = "default"

	LogComponentRegistry LogComponent = "registry"

	LogComponentScrape LogComponent = "scrape"

	LogComponentServer LogComponent = "server"

	LogComponentAlarm LogComponent = "alarm"

	LogComponentProfile LogComponent = "profile"

	LogComponentTransport LogComponent = "transport"
)

func DefaultProxyLogging() *ProxyLogging {

	return &ProxyLogging{
		Level: map[LogComponent]LogLevel{
			LogComponentDefault: LogLevelInfo,
		},
	}
}

// Valid reports whether level is one of the known levels.
func (l LogLevel) Valid() bool {

	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

func (logging *ProxyLogging) DefaultLoggingLevel(level LogLevel) LogLevel {

	if level != "" {
		return level
	}

	if logging != nil && logging.Level[LogComponentDefault] != "" {
		return logging.Level[LogComponentDefault]
	}

	return LogLevelInfo
}

func (logging *ProxyLogging) SetLoggingDefaults() {

	if logging == nil {
		return
	}
	if logging.Level == nil {
		logging.Level = make(map[LogComponent]LogLevel)
	}
	if logging.Level[LogComponentDefault] == "" {
		logging.Level[LogComponentDefault] = LogLevelInfo
	}
}
