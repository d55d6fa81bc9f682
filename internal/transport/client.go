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

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"metricproxy.io/metric-proxy-go/internal/types/job"
)

// Client pushes samples and job lifecycle events to a proxy over gRPC.
type Client struct {
	conn *grpc.ClientConn
	addr string
}

// NewClient prepares a client for addr. The connection is established lazily
// by the first call.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, addr: addr}, nil
}

func (c *Client) invoke(ctx context.Context, method string, in interface{}) (*job.ApiResponse, error) {

	out := new(job.ApiResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

func (c *Client) Record(ctx context.Context, samples ...job.Sample) (*job.ApiResponse, error) {
	return c.invoke(ctx, "Record", &RecordRequest{Samples: samples})
}

func (c *Client) Start(ctx context.Context, desc job.Descriptor) (*job.ApiResponse, error) {
	return c.invoke(ctx, "Start", &desc)
}

func (c *Client) End(ctx context.Context, jobid string) (*job.ApiResponse, error) {
	return c.invoke(ctx, "End", &EndRequest{JobID: jobid})
}

func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) Close() error {
	return c.conn.Close()
}
