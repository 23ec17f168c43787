// Package health reports operator-facing process and host metrics on
// GET /debug/health, per SPEC_FULL.md's supplemented operator endpoints.
// It never influences segmentation, encoding, or routing.
package health

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

// Counters exposes the live counts a StatsProvider can report; callers
// supply a view onto the router/media store without this package depending
// on either concretely.
type Counters struct {
	MediaDescriptors int
	TrackedClients   int
}

// StatsProvider is implemented by whatever owns the router and media store.
type StatsProvider interface {
	Counters() Counters
}

// Report is the JSON body served at GET /debug/health.
type Report struct {
	UptimeSeconds    float64 `json:"uptime_seconds"`
	GoroutineCount   int     `json:"goroutine_count"`
	RSSBytes         uint64  `json:"rss_bytes"`
	HostLoad1        float64 `json:"host_load1"`
	MediaDescriptors int     `json:"media_descriptors"`
	TrackedClients   int     `json:"tracked_clients"`
}

// Reporter builds Report snapshots for as long as the process runs.
type Reporter struct {
	startedAt time.Time
	pid       int32
	stats     StatsProvider
}

// New constructs a Reporter. stats may be nil, in which case the
// descriptor/client counts are always reported as zero.
func New(stats StatsProvider) *Reporter {
	return &Reporter{startedAt: time.Now(), pid: int32(os.Getpid()), stats: stats}
}

// Snapshot gathers a fresh Report. Failures reading process/host metrics are
// tolerated by leaving the corresponding field zero; this endpoint is
// advisory and must never error out the whole response over one metric.
func (r *Reporter) Snapshot() Report {
	rep := Report{
		UptimeSeconds:  time.Since(r.startedAt).Seconds(),
		GoroutineCount: runtime.NumGoroutine(),
	}

	if proc, err := process.NewProcess(r.pid); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			rep.RSSBytes = mem.RSS
		}
	}

	if avg, err := load.Avg(); err == nil && avg != nil {
		rep.HostLoad1 = avg.Load1
	}

	if r.stats != nil {
		c := r.stats.Counters()
		rep.MediaDescriptors = c.MediaDescriptors
		rep.TrackedClients = c.TrackedClients
	}

	return rep
}
