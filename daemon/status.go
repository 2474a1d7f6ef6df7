package daemon

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/vireo/runnerd/store"
)

// RunningRun describes one in-flight child in a status snapshot
type RunningRun struct {
	RunID     int64  `json:"run_id"`
	JobName   string `json:"job_name"`
	PID       int    `json:"pid"`
	StartedAt int64  `json:"started_at"`
	ElapsedS  int64  `json:"elapsed_seconds"`
}

// SystemInfo carries daemon process and host memory figures
type SystemInfo struct {
	RSSBytes       uint64  `json:"rss_bytes"`
	MemUsedPercent float64 `json:"mem_used_percent"`
}

// StatusSnapshot is the result of a status request
type StatusSnapshot struct {
	Instance     string                `json:"instance"`
	PID          int                   `json:"pid"`
	StartedAt    int64                 `json:"started_at"`
	UptimeS      int64                 `json:"uptime_seconds"`
	TickInterval string                `json:"tick_interval"`
	MaxWorkers   int                   `json:"max_workers"`
	Running      []RunningRun          `json:"running"`
	Jobs         []*store.JobWithState `json:"jobs"`
	RecentRuns   []*store.RunWithJob   `json:"recent_runs"`
	System       SystemInfo            `json:"system"`
}

func (d *Daemon) handleStatus() (interface{}, error) {
	jobs, err := d.store.ListJobs()
	if err != nil {
		return nil, err
	}
	recent, err := d.store.LastRuns(10)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	d.mu.Lock()
	running := make([]RunningRun, 0, len(d.running))
	for _, p := range d.running {
		running = append(running, RunningRun{
			RunID:     p.runID,
			JobName:   p.jobName,
			PID:       p.pid,
			StartedAt: p.startedAt.Unix(),
			ElapsedS:  int64(now.Sub(p.startedAt).Seconds()),
		})
	}
	d.mu.Unlock()

	snap := &StatusSnapshot{
		Instance:     d.instanceID,
		PID:          os.Getpid(),
		StartedAt:    d.startedAt.Unix(),
		UptimeS:      int64(now.Sub(d.startedAt).Seconds()),
		TickInterval: d.cfg.TickInterval().String(),
		MaxWorkers:   d.cfg.Daemon.MaxWorkers,
		Running:      running,
		Jobs:         jobs,
		RecentRuns:   recent,
	}
	snap.System = collectSystemInfo()
	return snap, nil
}

// collectSystemInfo is best-effort; a metrics failure never fails status
func collectSystemInfo() SystemInfo {
	var info SystemInfo
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemUsedPercent = vm.UsedPercent
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfo(); err == nil {
			info.RSSBytes = mi.RSS
		}
	}
	return info
}
