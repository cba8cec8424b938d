package core

import (
	"sync"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/crunchmesh/crunchmesh/log"
)

// sampler caches host CPU and memory utilization for bid scoring. The
// gopsutil probes can block on /proc reads, so scoring reads cached
// values and a background loop refreshes them.
type sampler struct {
	l  log.Logger
	mu sync.Mutex
	// fractions in [0,1]
	cpu float64
	mem float64
}

func newSampler(l log.Logger) *sampler {
	s := &sampler{l: l}
	// cpu.Percent with a zero interval measures since the previous
	// call, so this first probe just warms the baseline.
	s.refresh()
	return s
}

func (s *sampler) refresh() {
	var cpuFrac, memFrac float64
	if ps, err := cpu.Percent(0, false); err != nil {
		s.l.Debugw("cpu probe failed", "err", err)
	} else if len(ps) > 0 {
		cpuFrac = ps[0] / 100
	}
	if vm, err := mem.VirtualMemory(); err != nil {
		s.l.Debugw("mem probe failed", "err", err)
	} else {
		memFrac = vm.UsedPercent / 100
	}
	s.mu.Lock()
	s.cpu, s.mem = cpuFrac, memFrac
	s.mu.Unlock()
}

// utilization returns the last sampled CPU and memory fractions.
func (s *sampler) utilization() (cpuFrac, memFrac float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cpu, s.mem
}
