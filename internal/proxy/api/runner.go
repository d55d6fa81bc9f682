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

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"metricproxy.io/metric-proxy-go/internal/server"
	"metricproxy.io/metric-proxy-go/internal/types/proxy"
	"metricproxy.io/metric-proxy-go/internal/util/logger"
)

// Runner serves the HTTP API on the configured address.
type Runner struct {
	cfg     *server.Server
	handler http.Handler
	server  *http.Server
}

func NewRunner(cfg *server.Server, handler http.Handler) *Runner {

	return &Runner{cfg: cfg, handler: handler}
}

func (r *Runner) Start(ctx context.Context) error {

	log := r.initLogs()

	addr := fmt.Sprintf("%s:%s", r.cfg.Config.Proxy.Info.IP, r.cfg.Config.Proxy.Info.Port)
	r.server = &http.Server{
		Addr:              addr,
		Handler:           r.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	log.Info("Starting proxy http server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		log.Error(err, "Proxy http server failed")
		return err
	}
}

func (r *Runner) Info() proxy.Info {

	return proxy.Info{
		Name: "http-server",
	}
}

func (r *Runner) Close() error {

	if r.server == nil {
		return nil
	}
	r.initLogs().Info("Shutting down proxy http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.server.Shutdown(ctx)
}

func (r *Runner) initLogs() logger.Logger {

	return r.cfg.Logger.WithName("server")
}
