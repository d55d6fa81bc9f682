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

import (
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"metricproxy.io/metric-proxy-go/internal/types/logger"
)

type Logger struct {
	logr.Logger
	out           io.Writer
	logging       *logger.ProxyLogging
	sugaredLogger *zap.SugaredLogger
}

func NewLogger(w io.Writer, logging *logger.ProxyLogging) Logger {

	if logging == nil {
		logging = logger.DefaultProxyLogging()
	}
	logger := initZapLogger(w, logging, logging.Level[logger.LogComponentDefault])

	return Logger{
		Logger:        zapr.NewLogger(logger),
		out:           w,
		logging:       logging,
		sugaredLogger: logger.Sugar(),
	}
}

// FileLogger appends to file, creating it if needed.
func FileLogger(file, name string, level logger.LogLevel) (Logger, error) {

	writer, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return Logger{}, err
	}

	logging := logger.DefaultProxyLogging()
	logger := initZapLogger(writer, logging, level)

	return Logger{
		Logger:        zapr.NewLogger(logger).WithName(name),
		logging:       logging,
		out:           writer,
		sugaredLogger: logger.Sugar(),
	}, nil
}

func DefaultLogger(out io.Writer, level logger.LogLevel) Logger {

	logging := logger.DefaultProxyLogging()
	logger := initZapLogger(out, logging, level)

	return Logger{
		Logger:        zapr.NewLogger(logger),
		out:           out,
		logging:       logging,
		sugaredLogger: logger.Sugar(),
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() Logger {
	return DefaultLogger(io.Discard, logger.LogLevelError)
}

// WithName returns a child logger for a component. The component level from
// ProxyLogging applies when one is configured.
func (l Logger) WithName(name string) Logger {

	logLevel := l.logging.Level[logger.LogComponent(name)]
	logger := initZapLogger(l.out, l.logging, logLevel)

	return Logger{
		Logger:        zapr.NewLogger(logger).WithName(name),
		logging:       l.logging,
		out:           l.out,
		sugaredLogger: logger.Sugar().Named(name),
	}
}

// WithValues returns a new Logger instance with additional key/value pairs.
func (l Logger) WithValues(keysAndValues ...interface{}) Logger {

	l.Logger = l.Logger.WithValues(keysAndValues...)
	l.sugaredLogger = l.sugaredLogger.With(keysAndValues...)
	return l
}

// Sugar exposes the printf style zap API.
func (l Logger) Sugar() *zap.SugaredLogger {

	return l.sugaredLogger
}

func initZapLogger(w io.Writer, logging *logger.ProxyLogging, level logger.LogLevel) *zap.Logger {

	lvl := logging.DefaultLoggingLevel(level)
	if lvl == logger.LogLevelTrace {
		lvl = logger.LogLevelDebug
	}
	parseLevel, err := zapcore.ParseLevel(string(lvl))
	if err != nil {
		parseLevel = zapcore.InfoLevel
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), zapcore.AddSync(w), zap.NewAtomicLevelAt(parseLevel))

	return zap.New(core, zap.AddCaller())
}
