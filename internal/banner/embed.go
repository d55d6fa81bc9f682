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

package banner

import (
	"embed"
	"io"
	"os"
	"strconv"
	"text/template"

	"metricproxy.io/metric-proxy-go/internal/server"
	bannertypes "metricproxy.io/metric-proxy-go/internal/types/err"
)

//go:embed banner.txt
var EmbedLogo embed.FS

type Config struct {
	server.Server
	// Out receives the banner. Nil means stdout.
	Out io.Writer
}

// Runner implements the banner display functionality.
type Runner struct {
	server.Server
	out io.Writer
}

type bannerVars struct {
	ProxyName string
	Node      string
	ServerIP  string
	HTTPPort  string
	GRPCPort  string
	Pid       string
}

func New(srv *Config) *Runner {

	out := srv.Out
	if out == nil {
		out = os.Stdout
	}
	return &Runner{
		Server: srv.Server,
		out:    out,
	}
}

func (r *Runner) PrintBanner() error {

	log := r.Logger.WithName("banner").WithValues("runner", "banner")

	data, err := EmbedLogo.ReadFile("banner.txt")
	if err != nil {
		log.Error(bannertypes.BannerPrintReaderError, "output banner read error", "error", err)
		return err
	}

	tmpl, err := template.New("banner").Parse(string(data))
	if err != nil {
		log.Error(bannertypes.BannerPrintExecuteError, "template parse error", "error", err)
		return err
	}

	info := r.Config.Proxy.Info
	vars := bannerVars{
		ProxyName: info.Name,
		Node:      info.Node,
		ServerIP:  info.IP,
		HTTPPort:  info.Port,
		GRPCPort:  r.Config.Proxy.GRPC.Port,
		Pid:       strconv.Itoa(os.Getpid()),
	}

	err = tmpl.Execute(r.out, vars)
	if err != nil {
		log.Error(bannertypes.BannerPrintExecuteError, "template execute error", "error", err)
		return err
	}

	return nil
}
