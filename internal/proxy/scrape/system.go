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

package scrape

import (
	"strings"
	"sync"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"metricproxy.io/metric-proxy-go/internal/types/metric"
)

// SystemCollector reads host statistics from procfs. Cumulative kernel
// counters are returned as absolute counters and go through the Tracker like
// any other scraped counter.
type SystemCollector struct {
	fs procfs.FS
	// statfs returns the size and the space available to users of the
	// filesystem mounted at path, in bytes.
	statfs func(path string) (size, avail uint64, err error)

	mu        sync.Mutex
	scrapes   float64
	prevBusy  float64
	prevTotal float64
}

func NewSystemCollector() (*SystemCollector, error) {

	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &SystemCollector{fs: fs, statfs: statfs}, nil
}

// NewSystemCollectorAt reads from a proc tree mounted at mountPoint.
func NewSystemCollectorAt(mountPoint string) (*SystemCollector, error) {

	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, err
	}
	return &SystemCollector{fs: fs, statfs: statfs}, nil
}

func statfs(path string) (uint64, uint64, error) {

	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}

func counterEntry(name, doc string, v float64) metric.Entry {
	return metric.Entry{Name: name, Doc: doc, Value: metric.NewCounter(v)}
}

func gaugeEntry(name, doc string, v float64) metric.Entry {
	return metric.Entry{Name: name, Doc: doc, Value: metric.GaugeOf(v)}
}

// Collect returns one reading. A source that cannot be read is skipped
// unless every source failed.
func (c *SystemCollector) Collect() ([]metric.Entry, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		ret     []metric.Entry
		lastErr error
		ok      int
	)

	c.scrapes++
	ret = append(ret, counterEntry("proxy_scrape_total", "Number of system scrapes done by the proxy", c.scrapes))

	if stat, err := c.fs.Stat(); err == nil {
		ok++
		ret = append(ret, c.cpu(stat)...)
	} else {
		lastErr = err
	}

	if mem, err := c.fs.Meminfo(); err == nil {
		ok++
		ret = append(ret, memory(mem)...)
	} else {
		lastErr = err
	}

	if load, err := c.fs.LoadAvg(); err == nil {
		ok++
		for _, l := range []struct {
			window string
			v      float64
		}{{"1m", load.Load1}, {"5m", load.Load5}, {"15m", load.Load15}} {
			ret = append(ret, gaugeEntry(
				metric.FormatName("proxy_cpu_load_average", []metric.Label{{Name: "window", Value: l.window}}),
				"System load average", l.v))
		}
	} else {
		lastErr = err
	}

	if dev, err := c.fs.NetDev(); err == nil {
		ok++
		ret = append(ret, network(dev)...)
	} else {
		lastErr = err
	}

	if mounts, err := c.mounts(); err == nil {
		ok++
		ret = append(ret, c.disks(mounts)...)
	} else {
		lastErr = err
	}

	if ok == 0 {
		return nil, lastErr
	}
	return ret, nil
}

func (c *SystemCollector) cpu(stat procfs.Stat) []metric.Entry {

	t := stat.CPUTotal
	modes := []struct {
		mode string
		v    float64
	}{
		{"user", t.User},
		{"nice", t.Nice},
		{"system", t.System},
		{"idle", t.Idle},
		{"iowait", t.Iowait},
		{"irq", t.IRQ},
		{"softirq", t.SoftIRQ},
		{"steal", t.Steal},
	}

	ret := make([]metric.Entry, 0, len(modes)+2)
	var total float64
	for _, m := range modes {
		total += m.v
		ret = append(ret, counterEntry(
			metric.FormatName("proxy_cpu_seconds_total", []metric.Label{{Name: "mode", Value: m.mode}}),
			"Seconds the CPUs spent in each mode", m.v))
	}
	ret = append(ret, gaugeEntry("proxy_cpu_total", "Number of CPUs", float64(len(stat.CPU))))

	busy := total - t.Idle - t.Iowait
	if c.prevTotal > 0 && total > c.prevTotal {
		usage := (busy - c.prevBusy) * 100 / (total - c.prevTotal)
		ret = append(ret, gaugeEntry("proxy_cpu_usage_percent", "CPU usage since the previous scrape in percent", usage))
	}
	c.prevBusy, c.prevTotal = busy, total

	return ret
}

func memory(mem procfs.Meminfo) []metric.Entry {

	kb := func(v *uint64) (float64, bool) {
		if v == nil {
			return 0, false
		}
		return float64(*v) * 1024, true
	}

	var ret []metric.Entry

	total, okTotal := kb(mem.MemTotal)
	avail, okAvail := kb(mem.MemAvailable)
	if okTotal {
		ret = append(ret, gaugeEntry("proxy_memory_total_bytes", "Total memory on the system in bytes", total))
		if okAvail {
			used := total - avail
			ret = append(ret, gaugeEntry("proxy_memory_used_bytes", "Used memory on the system in bytes", used))
			if total > 0 {
				ret = append(ret, gaugeEntry("proxy_memory_used_percent", "Memory usage on the system in percent", used*100/total))
			}
		}
	}

	swapTotal, okSwap := kb(mem.SwapTotal)
	swapFree, okFree := kb(mem.SwapFree)
	if okSwap {
		ret = append(ret, gaugeEntry("proxy_swap_total_bytes", "Total swap size on the system in bytes", swapTotal))
		if okFree {
			ret = append(ret, gaugeEntry("proxy_swap_used_bytes", "Used swap on the system in bytes", swapTotal-swapFree))
		}
	}
	return ret
}

func network(dev procfs.NetDev) []metric.Entry {

	var ret []metric.Entry
	for name, line := range dev {
		if name == "lo" {
			continue
		}
		labels := []metric.Label{{Name: "interface", Value: name}}
		ret = append(ret,
			counterEntry(metric.FormatName("proxy_network_transmit_bytes_total", labels), "Total number of bytes sent on the given device", float64(line.TxBytes)),
			counterEntry(metric.FormatName("proxy_network_receive_bytes_total", labels), "Total number of bytes received on the given device", float64(line.RxBytes)),
			counterEntry(metric.FormatName("proxy_network_transmit_packets_total", labels), "Total number of packets sent on the given device", float64(line.TxPackets)),
			counterEntry(metric.FormatName("proxy_network_receive_packets_total", labels), "Total number of packets received on the given device", float64(line.RxPackets)),
			counterEntry(metric.FormatName("proxy_network_transmit_packets_error_total", labels), "Total number of erroneous packets sent on the given device", float64(line.TxErrors)),
			counterEntry(metric.FormatName("proxy_network_receive_packets_error_total", labels), "Total number of erroneous packets received on the given device", float64(line.RxErrors)),
		)
	}
	return ret
}

func (c *SystemCollector) mounts() ([]*procfs.MountInfo, error) {

	self, err := c.fs.Self()
	if err != nil {
		return nil, err
	}
	return self.MountInfo()
}

// disks reports the space of every mounted block device. A device mounted
// more than once is reported at its first mount point.
func (c *SystemCollector) disks(mounts []*procfs.MountInfo) []metric.Entry {

	var ret []metric.Entry
	seen := make(map[string]struct{})
	for _, m := range mounts {
		if !strings.HasPrefix(m.Source, "/dev/") {
			continue
		}
		if _, ok := seen[m.Source]; ok {
			continue
		}
		seen[m.Source] = struct{}{}

		size, avail, err := c.statfs(m.MountPoint)
		if err != nil || size == 0 {
			continue
		}
		labels := []metric.Label{
			{Name: "device", Value: strings.TrimPrefix(m.Source, "/dev/")},
			{Name: "fs", Value: m.FSType},
			{Name: "mountpoint", Value: m.MountPoint},
		}
		used := float64(size) - float64(avail)
		ret = append(ret,
			gaugeEntry(metric.FormatName("proxy_disk_size_bytes", labels), "Total size in bytes of the given device", float64(size)),
			gaugeEntry(metric.FormatName("proxy_disk_free_size_bytes", labels), "Total remaining size in bytes of the given device", float64(avail)),
			gaugeEntry(metric.FormatName("proxy_disk_used_size_bytes", labels), "Total used size in bytes of the given device", used),
			gaugeEntry(metric.FormatName("proxy_disk_usage_percent", labels), "Total used percentage of the given device", used*100/float64(size)),
		)
	}
	return ret
}
