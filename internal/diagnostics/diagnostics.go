// Package diagnostics samples process and host resource usage.
package diagnostics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type Snapshot struct {
	PID           int32    `json:"pid"`
	Goroutines    int      `json:"goroutines"`
	Threads       int32    `json:"threads,omitempty"`
	RSSBytes      uint64   `json:"rssBytes,omitempty"`
	CPUPercent    float64  `json:"cpuPercent"`
	UptimeSeconds int64    `json:"uptimeSeconds"`
	HostUptime    uint64   `json:"hostUptimeSeconds,omitempty"`
	HostMemUsed   float64  `json:"hostMemUsedPercent,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// Sampler reads usage for the current process. Individual probes that fail
// are reported in Snapshot.Errors instead of failing the whole sample.
type Sampler struct {
	started time.Time
	proc    *process.Process
	procErr error
}

func NewSampler() *Sampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	return &Sampler{started: time.Now(), proc: proc, procErr: err}
}

func (s *Sampler) Sample(ctx context.Context) Snapshot {
	snap := Snapshot{
		PID:           int32(os.Getpid()),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	fail := func(probe string, err error) {
		snap.Errors = append(snap.Errors, probe+": "+err.Error())
	}

	if s.procErr != nil {
		fail("process", s.procErr)
	} else {
		if mi, err := s.proc.MemoryInfoWithContext(ctx); err != nil {
			fail("rss", err)
		} else {
			snap.RSSBytes = mi.RSS
		}
		if n, err := s.proc.NumThreadsWithContext(ctx); err != nil {
			fail("threads", err)
		} else {
			snap.Threads = n
		}
		if pct, err := s.proc.CPUPercentWithContext(ctx); err != nil {
			fail("cpu", err)
		} else {
			snap.CPUPercent = pct
		}
	}

	if up, err := host.UptimeWithContext(ctx); err != nil {
		fail("host uptime", err)
	} else {
		snap.HostUptime = up
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		fail("host memory", err)
	} else {
		snap.HostMemUsed = vm.UsedPercent
	}
	return snap
}
