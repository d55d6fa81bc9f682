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
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"metricproxy.io/metric-proxy-go/internal/metrics"
	"metricproxy.io/metric-proxy-go/internal/proxy/registry"
	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	"metricproxy.io/metric-proxy-go/internal/types/job"
	"metricproxy.io/metric-proxy-go/internal/util/logger"
)

const ServiceName = "metricproxy.Push"

// RecordRequest is a batch of samples.
type RecordRequest struct {
	Samples []job.Sample `json:"samples"`
}

// EndRequest detaches one reporter from a job.
type EndRequest struct {
	JobID string `json:"jobid"`
}

// PushServer is the server side of the push service.
type PushServer interface {
	Record(ctx context.Context, req *RecordRequest) (*job.ApiResponse, error)
	Start(ctx context.Context, req *job.Descriptor) (*job.ApiResponse, error)
	End(ctx context.Context, req *EndRequest) (*job.ApiResponse, error)
}

func unaryHandler[Req any](call func(PushServer, context.Context, *Req) (*job.ApiResponse, error), method string) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {

	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PushServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(PushServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the push service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PushServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Record", Handler: unaryHandler(PushServer.Record, "Record")},
		{MethodName: "Start", Handler: unaryHandler(PushServer.Start, "Start")},
		{MethodName: "End", Handler: unaryHandler(PushServer.End, "End")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "metricproxy/push",
}

func RegisterPushServer(s grpc.ServiceRegistrar, srv PushServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Service applies pushed messages to the registry.
type Service struct {
	reg    *registry.Registry
	logger logger.Logger
}

func NewService(reg *registry.Registry, log logger.Logger) *Service {

	return &Service{reg: reg, logger: log.WithName("transport")}
}

func (s *Service) Record(_ context.Context, req *RecordRequest) (*job.ApiResponse, error) {

	if err := s.reg.RecordBatch(req.Samples); err != nil {
		metrics.SamplesRejected.WithLabelValues("grpc").Add(float64(len(req.Samples)))
		s.logger.V(1).Info("batch rejected", "samples", len(req.Samples), "error", err.Error())
		return nil, toStatus(err)
	}
	metrics.SamplesIngested.WithLabelValues("grpc").Add(float64(len(req.Samples)))
	return &job.ApiResponse{Operation: "push", Success: true}, nil
}

func (s *Service) Start(_ context.Context, req *job.Descriptor) (*job.ApiResponse, error) {

	d, err := s.reg.Attach(*req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &job.ApiResponse{Operation: "start " + d.JobID, Success: true}, nil
}

func (s *Service) End(_ context.Context, req *EndRequest) (*job.ApiResponse, error) {

	_, done, err := s.reg.Detach(req.JobID)
	if err != nil && !done {
		return nil, toStatus(err)
	}
	if err != nil {
		s.logger.Error(err, "job finished without profile", "jobid", req.JobID)
	}
	return &job.ApiResponse{Operation: "end " + req.JobID, Success: true}, nil
}

func toStatus(err error) error {

	switch {
	case errors.Is(err, proxyerr.NotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, proxyerr.MalformedInput), errors.Is(err, proxyerr.TypeMismatch):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus maps a gRPC error back onto the proxy sentinels.
func fromStatus(err error) error {

	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", st.Message(), proxyerr.NotFound)
	case codes.InvalidArgument:
		return fmt.Errorf("%s: %w", st.Message(), proxyerr.MalformedInput)
	default:
		return err
	}
}
