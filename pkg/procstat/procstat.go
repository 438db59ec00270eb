// Package procstat samples cpu, memory and uptime of worker processes.
package procstat

import (
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/process"

	"github.com/modoterra/nodelog/pkg/core"
)

// Stats is one sample of a process.
type Stats struct {
	CPUPct    float64
	MemBytes  uint64
	UptimeSec uint64
}

// Reader samples processes by pid. It keeps a handle per pid so that cpu
// usage is measured between consecutive samples.
type Reader struct {
	mu    sync.Mutex
	procs map[int]*process.Process
	now   func() time.Time
}

// New creates a Reader.
func New() *Reader {
	return &Reader{procs: make(map[int]*process.Process), now: time.Now}
}

// Read samples pid. The first sample of a pid reports 0% cpu.
func (r *Reader) Read(pid int) (Stats, error) {
	p, err := r.handle(pid)
	if err != nil {
		return Stats{}, err
	}

	var s Stats
	if s.CPUPct, err = p.Percent(0); err != nil {
		r.Forget(pid)
		return Stats{}, fmt.Errorf("cpu of pid %d: %w", pid, err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		r.Forget(pid)
		return Stats{}, fmt.Errorf("memory of pid %d: %w", pid, err)
	}
	s.MemBytes = mem.RSS
	if created, err := p.CreateTime(); err == nil {
		s.UptimeSec = uptime(created, r.now())
	}
	return s, nil
}

// uptime is the whole seconds from a create time in unix milliseconds to
// now. A create time ahead of now, as after a clock step, counts as 0.
func uptime(createdMs int64, now time.Time) uint64 {
	d := now.Sub(time.UnixMilli(createdMs))
	if d < 0 {
		return 0
	}
	return uint64(d / time.Second)
}

// Fill adds a sample to info when it has a pid and has not exited.
// Sampling errors leave the stats zero.
func (r *Reader) Fill(info *core.WorkerInfo) {
	if info.PID <= 0 || info.Status == core.StatusExited {
		r.Forget(info.PID)
		return
	}
	s, err := r.Read(info.PID)
	if err != nil {
		return
	}
	info.CPUPct = s.CPUPct
	info.MemBytes = s.MemBytes
	info.UptimeSec = s.UptimeSec
}

// Forget drops the handle for pid.
func (r *Reader) Forget(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, pid)
}

// Retain drops the handles of every pid not in live.
func (r *Reader) Retain(live []int) {
	keep := make(map[int]bool, len(live))
	for _, pid := range live {
		keep[pid] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for pid := range r.procs {
		if !keep[pid] {
			delete(r.procs, pid)
		}
	}
}

func (r *Reader) handle(pid int) (*process.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.procs[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("pid %d: %w", pid, err)
	}
	r.procs[pid] = p
	return p, nil
}
