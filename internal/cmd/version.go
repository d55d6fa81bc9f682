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
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	proxyserver "metricproxy.io/metric-proxy-go/internal/server"
)

// Set at build time with -ldflags "-X ...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func VersionCommand() *cobra.Command {

	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of the metric proxy",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit %s, built %s, %s %s/%s)\n",
				proxyserver.MetricProxyGoName, Version, GitCommit, BuildDate,
				runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
