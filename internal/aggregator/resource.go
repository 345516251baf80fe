package aggregator

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceSampler samples process, host and (when present) cgroup resource
// usage once per tick. It keeps the previous cgroup CPU reading so cgroup
// CPU% can be computed as a delta over the sampling interval, matching the
// kernel's cumulative usage_usec/usage counters.
type ResourceSampler struct {
	proc *process.Process

	cgroupVersion   int // 0 = none, 1, 2
	lastCPUUsageUS  int64
	lastSampleAt    time.Time
	cgroupQuotaUS   int64 // quota per period, -1 if unlimited
	cgroupPeriodUS  int64
	cgroupMemLimitB int64
}

// NewResourceSampler detects the current process and probes for a cgroup
// controller; absence of either is tolerated (fields stay zero/HasCgroup
// false) rather than failing setup.
func NewResourceSampler() *ResourceSampler {
	s := &ResourceSampler{}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}
	s.detectCgroup()
	return s
}

func (s *ResourceSampler) detectCgroup() {
	if data, err := os.ReadFile("/sys/fs/cgroup/cpu.max"); err == nil {
		s.cgroupVersion = 2
		parseV2CPUMax(strings.TrimSpace(string(data)), &s.cgroupQuotaUS, &s.cgroupPeriodUS)
		if limB, err := readIntFile("/sys/fs/cgroup/memory.max"); err == nil {
			s.cgroupMemLimitB = limB
		}
		return
	}
	if _, err := os.Stat("/sys/fs/cgroup/cpu/cpu.cfs_quota_us"); err == nil {
		s.cgroupVersion = 1
		if q, err := readIntFile("/sys/fs/cgroup/cpu/cpu.cfs_quota_us"); err == nil {
			s.cgroupQuotaUS = q
		}
		if p, err := readIntFile("/sys/fs/cgroup/cpu/cpu.cfs_period_us"); err == nil {
			s.cgroupPeriodUS = p
		}
		if limB, err := readIntFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
			s.cgroupMemLimitB = limB
		}
	}
}

func parseV2CPUMax(s string, quotaUS, periodUS *int64) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return
	}
	if fields[0] == "max" {
		*quotaUS = -1
	} else if v, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
		*quotaUS = v
	}
	if v, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
		*periodUS = v
	}
}

func readIntFile(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// Sample takes one reading. Process CPU% and RSS come from gopsutil's
// per-process accounting; host CPU%/mem% from gopsutil's host-wide
// counters; cgroup CPU%/mem% (when present) from direct /sys/fs/cgroup
// reads, since gopsutil has no cgroup-aware accessor.
func (s *ResourceSampler) Sample() resourceReading {
	now := time.Now()
	r := resourceReading{Timestamp: now}

	if s.proc != nil {
		if pct, err := s.proc.CPUPercent(); err == nil {
			r.ProcessCPUPct = pct
		}
		if mi, err := s.proc.MemoryInfo(); err == nil && mi != nil {
			r.ProcessRSSMB = float64(mi.RSS) / (1024 * 1024)
		}
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		r.HostCPUPct = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.HostMemoryPct = vm.UsedPercent
	}

	if s.cgroupVersion != 0 {
		r.HasCgroup = true
		r.CgroupCPUPct = s.sampleCgroupCPU(now)
		r.CgroupMemoryPct = s.sampleCgroupMem()
	}

	r.EffectiveCPUPct = r.HostCPUPct
	r.EffectiveMemPct = r.HostMemoryPct
	if r.HasCgroup {
		r.EffectiveCPUPct = r.CgroupCPUPct
		if s.cgroupMemLimitB > 0 {
			r.EffectiveMemPct = r.CgroupMemoryPct
		}
	}
	return r
}

func (s *ResourceSampler) sampleCgroupCPU(now time.Time) float64 {
	var usageUS int64
	var ok bool
	if s.cgroupVersion == 2 {
		if data, err := os.ReadFile("/sys/fs/cgroup/cpu.stat"); err == nil {
			usageUS, ok = parseV2CPUStat(string(data))
		}
	} else {
		if us, err := readIntFile("/sys/fs/cgroup/cpuacct/cpuacct.usage"); err == nil {
			usageUS = us / 1000 // ns -> us
			ok = true
		}
	}
	if !ok {
		return 0
	}
	defer func() { s.lastCPUUsageUS, s.lastSampleAt = usageUS, now }()

	if s.lastSampleAt.IsZero() {
		return 0
	}
	elapsedUS := now.Sub(s.lastSampleAt).Microseconds()
	if elapsedUS <= 0 {
		return 0
	}
	deltaUS := usageUS - s.lastCPUUsageUS
	if deltaUS < 0 {
		return 0
	}

	cores := 1.0
	if s.cgroupQuotaUS > 0 && s.cgroupPeriodUS > 0 {
		cores = float64(s.cgroupQuotaUS) / float64(s.cgroupPeriodUS)
	}
	return 100 * float64(deltaUS) / float64(elapsedUS) / cores
}

func parseV2CPUStat(s string) (int64, bool) {
	for _, line := range strings.Split(s, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "usage_usec" {
			if v, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}

func (s *ResourceSampler) sampleCgroupMem() float64 {
	usedPath := "/sys/fs/cgroup/memory/memory.usage_in_bytes"
	if s.cgroupVersion == 2 {
		usedPath = "/sys/fs/cgroup/memory.current"
	}
	used, err := readIntFile(usedPath)
	if err != nil || s.cgroupMemLimitB <= 0 {
		return 0
	}
	return 100 * float64(used) / float64(s.cgroupMemLimitB)
}

// resourceReading mirrors bench.ResourceSample field for field;
// Aggregator.Snapshot copies it into the LiveSnapshot.
type resourceReading struct {
	Timestamp       time.Time
	ProcessCPUPct   float64
	ProcessRSSMB    float64
	HostCPUPct      float64
	HostMemoryPct   float64
	CgroupCPUPct    float64
	CgroupMemoryPct float64
	HasCgroup       bool
	EffectiveCPUPct float64
	EffectiveMemPct float64
}
