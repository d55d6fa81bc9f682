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

package transport

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"

	"metricproxy.io/metric-proxy-go/internal/server"
	"metricproxy.io/metric-proxy-go/internal/types/proxy"
	"metricproxy.io/metric-proxy-go/internal/util/logger"
)

// Runner serves the push service on the configured gRPC port.
type Runner struct {
	cfg    *server.Server
	svc    PushServer
	server *grpc.Server
	tlog   logger.Logger
}

func New(cfg *server.Server, svc PushServer) *Runner {

	return &Runner{
		cfg:    cfg,
		svc:    svc,
		server: grpc.NewServer(),
		tlog:   cfg.Logger.WithName("transport"),
	}
}

func (r *Runner) Start(ctx context.Context) error {

	addr := fmt.Sprintf("%s:%s", r.cfg.Config.Proxy.Info.IP, r.cfg.Config.Proxy.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		r.tlog.Error(err, "Failed to listen", "addr", addr)
		return err
	}
	return r.Serve(ctx, lis)
}

// Serve runs the service on lis until ctx is done.
func (r *Runner) Serve(ctx context.Context, lis net.Listener) error {

	RegisterPushServer(r.server, r.svc)
	r.tlog.Info("Starting push service", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := r.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		r.tlog.Error(err, "Push service failed")
		return err
	}
}

func (r *Runner) Info() proxy.Info {

	return proxy.Info{
		Name: "grpc-server",
	}
}

func (r *Runner) Close() error {

	r.tlog.Info("Shutting down push service")
	r.server.GracefulStop()
	return nil
}
