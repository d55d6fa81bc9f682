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
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	bannerouter "metricproxy.io/metric-proxy-go/internal/banner"
	cfgloader "metricproxy.io/metric-proxy-go/internal/config"
	"metricproxy.io/metric-proxy-go/internal/metrics"
	"metricproxy.io/metric-proxy-go/internal/proxy/alarm"
	"metricproxy.io/metric-proxy-go/internal/proxy/api"
	"metricproxy.io/metric-proxy-go/internal/proxy/profile"
	"metricproxy.io/metric-proxy-go/internal/proxy/registry"
	"metricproxy.io/metric-proxy-go/internal/proxy/scrape"
	"metricproxy.io/metric-proxy-go/internal/proxy/trace"
	proxyserver "metricproxy.io/metric-proxy-go/internal/server"
	"metricproxy.io/metric-proxy-go/internal/transport"
	configtypes "metricproxy.io/metric-proxy-go/internal/types/config"
	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
	proxytypes "metricproxy.io/metric-proxy-go/internal/types/proxy"
	"metricproxy.io/metric-proxy-go/internal/worker"
)

type serverFlags struct {
	cfgPath    string
	port       string
	node       string
	root       string
	profileDir string
	period     int
}

type Runner[I proxytypes.Info] interface {
	Start(ctx context.Context) error
	Info() I
	Close() error
}

func ServerCommand() *cobra.Command {

	return serverCommand(&serverFlags{})
}

func serverCommand(flags *serverFlags) *cobra.Command {

	cmd := &cobra.Command{
		Use:     "server",
		Aliases: []string{"srv", "s"},
		Short:   "Run the metric proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd, flags)
			if err != nil {
				return err
			}
			return server(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&flags.cfgPath, "config", "c", "", "config file path")
	cmd.Flags().StringVarP(&flags.port, "port", "p", "", "http port of the proxy")
	cmd.Flags().StringVarP(&flags.node, "node", "n", "", "node name used for samples without one")
	cmd.Flags().StringVarP(&flags.root, "root", "r", "", "host:port of the root proxy to join")
	cmd.Flags().StringVarP(&flags.profileDir, "profile-dir", "d", "", "directory receiving job profiles")
	cmd.Flags().IntVar(&flags.period, "period", 0, "default scrape period in seconds")
	return cmd
}

// getConfig loads file and environment, then applies the flags that were set.
func getConfig(cmd *cobra.Command, flags *serverFlags) (*configtypes.ProxyConfig, error) {

	cfg, err := cfgloader.LoadUnified(flags.cfgPath)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Proxy.Info.Port = flags.port
	}
	if f.Changed("node") {
		cfg.Proxy.Info.Node = flags.node
	}
	if f.Changed("root") {
		cfg.Proxy.Root = flags.root
	}
	if f.Changed("profile-dir") {
		cfg.Proxy.ProfileDir = flags.profileDir
	}
	if f.Changed("period") {
		cfg.Proxy.Scrape.Period = flags.period
	}

	if err := cfgloader.New(flags.cfgPath).ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func server(ctx context.Context, cfg *configtypes.ProxyConfig, logOut io.Writer) error {

	proxyServer := proxyserver.New(cfg, logOut)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	banner := bannerouter.New(&bannerouter.Config{
		Server: *proxyServer,
		Out:    logOut,
	})
	if err := banner.PrintBanner(); err != nil {
		return err
	}

	return startRunners(ctx, proxyServer)
}

// components is the proxy object graph shared by all runners.
type components struct {
	registry *registry.Registry
	alarms   *alarm.Engine
	profiles *profile.Archiver
	scrapes  *scrape.Manager
	pivots   *scrape.PivotTable
	traces   *trace.Recorder
	pool     *worker.Pool
	self     string
}

func buildComponents(srv *proxyserver.Server) (*components, error) {

	pcfg := srv.Config.Proxy
	log := srv.Logger

	var opts []profile.Option
	if pcfg.PartialProfiles {
		opts = append(opts, profile.WithPartial(pcfg.Info.Node))
	}
	archiver, err := profile.New(pcfg.ProfileDir, pcfg.ProfileCache, log, opts...)
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(pcfg.Info.Node, pcfg.RecentFinished, archiver, log)
	if err != nil {
		return nil, err
	}

	alarms := alarm.New(reg, log)

	pool := worker.NewPool(worker.PoolConfig{Size: pcfg.Scrape.Workers}, log)

	var system *scrape.SystemCollector
	if !pcfg.Scrape.SkipSystem {
		system, err = scrape.NewSystemCollector()
		if err != nil {
			log.Error(err, "system statistics unavailable")
			system = nil
		}
	}

	scrapes := scrape.NewManager(reg, pool, scrape.Config{
		Timeout: time.Duration(pcfg.Scrape.Timeout) * time.Second,
		System:  system,
		OnCycle: func() { alarms.Evaluate() },
	}, log)

	var traces *trace.Recorder
	if !pcfg.Trace.Disabled {
		traces, err = trace.New(reg, trace.Config{
			Period:    time.Duration(pcfg.Trace.Period) * time.Second,
			MaxFrames: pcfg.Trace.MaxFrames,
			Keep:      pcfg.Trace.Keep,
		}, log)
		if err != nil {
			return nil, err
		}
	}

	self := fmt.Sprintf("%s:%s", pcfg.Info.Node, pcfg.Info.Port)

	return &components{
		registry: reg,
		alarms:   alarms,
		profiles: archiver,
		scrapes:  scrapes,
		pivots:   scrape.NewPivotTable(self),
		traces:   traces,
		pool:     pool,
		self:     self,
	}, nil
}

// registerTargets adds the startup scrape targets and joins the root proxy.
// Failures are logged: a target that is down now can be joined later.
func registerTargets(ctx context.Context, srv *proxyserver.Server, c *components) {

	pcfg := srv.Config.Proxy
	log := srv.Logger

	if !pcfg.Scrape.SkipSystem {
		if _, err := c.scrapes.Add(ctx, scrape.SystemURL, uint64(pcfg.Scrape.Period)); err != nil {
			log.Error(err, "cannot scrape the local system")
		}
	}
	for _, t := range pcfg.Scrape.Targets {
		period := t.Period
		if period <= 0 {
			period = pcfg.Scrape.Period
		}
		if _, err := c.scrapes.Add(ctx, t.URL, uint64(period)); err != nil {
			log.Error(err, "cannot add scrape target", "url", t.URL)
		}
	}

	if pcfg.Root == "" {
		return
	}
	go func() {
		_, err := scrape.Join(ctx, nil, scrape.JoinConfig{
			Root:   pcfg.Root,
			Self:   c.self,
			Period: uint64(pcfg.Scrape.Period),
		}, log)
		if err != nil {
			log.Error(err, "cannot join root proxy", "root", pcfg.Root)
		}
	}()
}

func startRunners(ctx context.Context, cfg *proxyserver.Server) error {

	c, err := buildComponents(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.pool.Start()
	defer c.pool.Stop()

	handler := api.NewHandler(api.Options{
		Registry: c.registry,
		Alarms:   c.alarms,
		Profiles: c.profiles,
		Scrapes:  c.scrapes,
		Pivots:   c.pivots,
		Traces:   c.traces,
	}, cfg.Logger)

	runners := []Runner[proxytypes.Info]{
		api.NewRunner(cfg, handler),
		c.scrapes,
	}
	if !cfg.Config.Proxy.GRPC.Disabled {
		runners = append(runners, transport.New(cfg, transport.NewService(c.registry, cfg.Logger)))
	}
	if !cfg.Config.Proxy.Metrics.Disabled {
		runners = append(runners, metrics.New(cfg))
	}
	if c.traces != nil {
		runners = append(runners, c.traces)
	}
	// partial profiles are folded by the root only
	if cfg.Config.Proxy.PartialProfiles && cfg.Config.Proxy.Root == "" {
		runners = append(runners, profile.NewAggregator(c.profiles, time.Second))
	}

	errCh := make(chan error, len(runners))

	var wg sync.WaitGroup

	for _, r := range runners {
		wg.Add(1)
		go func(runner Runner[proxytypes.Info]) {
			defer wg.Done()
			cfg.Logger.Info("Starting runner", "runner component", runner.Info().Name)
			if err := runner.Start(ctx); err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}(r)
	}

	metrics.ProxyUp.Set(1)
	registerTargets(ctx, cfg, c)

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	cleanup := func() {
		signal.Stop(signalCh)
		cancel()
		metrics.ProxyUp.Set(0)
		for _, r := range runners {
			if err := r.Close(); err != nil {
				cfg.Logger.Error(err, "error closing runner", "runner component", r.Info().Name)
			}
		}
		wg.Wait()
	}

	select {
	case <-ctx.Done():
		cfg.Logger.Info("Context cancelled")
		err := ctx.Err()
		cleanup()
		return err
	case sig := <-signalCh:
		cfg.Logger.Info("Received signal", "signal", sig.String())
		cleanup()
		return nil
	case err := <-errCh:
		cleanup()
		cfg.Logger.Error(proxyerr.ProxyServerStop, "runner error", "error", err)
		return err
	}
}
