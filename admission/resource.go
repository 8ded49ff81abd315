package admission

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// ResourcePolicy sheds new connections when the host is under pressure.
// Existing connections are untouched; refusing at admission keeps the
// server responsive for the traffic it already carries.
type ResourcePolicy struct {
	// MaxMemoryPercent vetoes admission when system memory use exceeds this
	// percentage. Zero disables the memory check.
	MaxMemoryPercent float64
	// MaxLoadPerCPU vetoes admission when the 1-minute load average divided
	// by CPU count exceeds this value. Zero disables the load check.
	MaxLoadPerCPU float64
	// SampleInterval bounds how often host stats are refreshed.
	// Defaults to one second.
	SampleInterval time.Duration

	mu        sync.Mutex
	sampledAt time.Time
	memUsed   float64
	loadOne   float64
	sampleErr error
}

// Filter returns the admission filter enforcing this policy.
func (p *ResourcePolicy) Filter() Filter {
	return func(Info) error {
		memUsed, loadOne, err := p.sample()
		if err != nil {
			// stats unavailable is not a reason to refuse traffic
			return nil
		}
		if p.MaxMemoryPercent > 0 && memUsed > p.MaxMemoryPercent {
			return fmt.Errorf("%w: memory use %.1f%% over limit %.1f%%",
				ErrRejected, memUsed, p.MaxMemoryPercent)
		}
		if p.MaxLoadPerCPU > 0 {
			perCPU := loadOne / float64(runtime.NumCPU())
			if perCPU > p.MaxLoadPerCPU {
				return fmt.Errorf("%w: load %.2f per cpu over limit %.2f",
					ErrRejected, perCPU, p.MaxLoadPerCPU)
			}
		}
		return nil
	}
}

func (p *ResourcePolicy) sample() (memUsed, loadOne float64, err error) {
	interval := p.SampleInterval
	if interval <= 0 {
		interval = time.Second
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.sampledAt) < interval {
		return p.memUsed, p.loadOne, p.sampleErr
	}
	p.sampledAt = time.Now()
	p.sampleErr = nil
	if vm, vmErr := mem.VirtualMemory(); vmErr != nil {
		p.sampleErr = vmErr
	} else {
		p.memUsed = vm.UsedPercent
	}
	if avg, loadErr := load.Avg(); loadErr != nil {
		p.sampleErr = loadErr
	} else {
		p.loadOne = avg.Load1
	}
	return p.memUsed, p.loadOne, p.sampleErr
}
