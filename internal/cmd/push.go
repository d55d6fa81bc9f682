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

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"metricproxy.io/metric-proxy-go/internal/transport"
	"metricproxy.io/metric-proxy-go/internal/types/job"
)

type pushFlags struct {
	addr    string
	jobid   string
	node    string
	name    string
	doc     string
	kind    string
	value   float64
	start   bool
	end     bool
	timeout time.Duration
}

// PushCommand sends one sample, or a job start/end event, to a proxy over
// gRPC.
func PushCommand() *cobra.Command {

	var flags pushFlags

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push a sample to a metric proxy",
		Example: `  metric-proxy push --job 42 --name requests_total --value 1
  metric-proxy push --job 42 --name temperature --kind gauge --value 21.5
  metric-proxy push --job 42 --end`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			resp, err := push(ctx, &flags)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: success=%t\n", resp.Operation, resp.Success)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.addr, "addr", "a", "127.0.0.1:1338", "gRPC address of the proxy")
	f.StringVarP(&flags.jobid, "job", "j", "", "job id of the sample")
	f.StringVar(&flags.node, "node", "", "node reporting the sample, the proxy node when empty")
	f.StringVar(&flags.name, "name", "", "metric name, may carry {label=\"value\"}")
	f.StringVar(&flags.doc, "doc", "", "metric documentation")
	f.StringVarP(&flags.kind, "kind", "k", job.SampleKindCounter, "counter or gauge")
	f.Float64VarP(&flags.value, "value", "v", 0, "counter increment or gauge value")
	f.BoolVar(&flags.start, "start", false, "attach to the job instead of pushing a sample")
	f.BoolVar(&flags.end, "end", false, "detach from the job instead of pushing a sample")
	f.DurationVar(&flags.timeout, "timeout", 5*time.Second, "request timeout")
	cmd.MarkFlagsMutuallyExclusive("start", "end")

	return cmd
}

func push(ctx context.Context, flags *pushFlags) (*job.ApiResponse, error) {

	client, err := transport.NewClient(flags.addr)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	switch {
	case flags.start:
		return client.Start(ctx, job.Descriptor{JobID: flags.jobid})
	case flags.end:
		return client.End(ctx, flags.jobid)
	}

	if flags.name == "" {
		return nil, fmt.Errorf("--name is required")
	}
	return client.Record(ctx, job.Sample{
		JobID: flags.jobid,
		Node:  flags.node,
		Name:  flags.name,
		Doc:   flags.doc,
		Kind:  flags.kind,
		Value: flags.value,
	})
}
