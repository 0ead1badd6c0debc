package sandbox

import (
	"fmt"
	"time"
)

// ResourceLimits bounds a single execution. Two independent ceilings are
// enforced at once: wall-clock time (interrupt-driven, cooperative) and guest
// heap growth (watchdog-driven, also cooperative). Both surface as
// ResourceExceeded with distinct sub-reasons.
type ResourceLimits struct {
	Timeout        time.Duration `json:"timeout"`
	MemoryBytes    int64         `json:"memory_bytes"`
	MaxCodeBytes   int           `json:"max_code_bytes"`
	MaxResultBytes int           `json:"max_result_bytes"`
	MaxCallStack   int           `json:"max_call_stack"`
}

// DefaultLimits returns the budget for general queries (ad-hoc, progress,
// widget).
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		Timeout:        5000 * time.Millisecond,
		MemoryBytes:    64 << 20, // 64MB
		MaxCodeBytes:   100 << 10, // 100KB
		MaxResultBytes: 1 << 20,  // 1MB
		MaxCallStack:   512,
	}
}

// MetricLimits returns the tighter budget for computed-metric expressions.
func MetricLimits() ResourceLimits {
	return ResourceLimits{
		Timeout:        1000 * time.Millisecond,
		MemoryBytes:    16 << 20, // 16MB
		MaxCodeBytes:   10 << 10, // 10KB
		MaxResultBytes: 64 << 10, // 64KB
		MaxCallStack:   256,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.Timeout < 10*time.Millisecond || rl.Timeout > 60*time.Second {
		return fmt.Errorf("timeout must be 10ms-60s, got %s", rl.Timeout)
	}
	if rl.MemoryBytes < 1<<20 || rl.MemoryBytes > 512<<20 {
		return fmt.Errorf("memory_bytes must be 1MB-512MB, got %d", rl.MemoryBytes)
	}
	if rl.MaxCodeBytes < 1 || rl.MaxCodeBytes > 1<<20 {
		return fmt.Errorf("max_code_bytes must be 1-1MB, got %d", rl.MaxCodeBytes)
	}
	if rl.MaxResultBytes < 1 || rl.MaxResultBytes > 16<<20 {
		return fmt.Errorf("max_result_bytes must be 1-16MB, got %d", rl.MaxResultBytes)
	}
	if rl.MaxCallStack < 16 || rl.MaxCallStack > 4096 {
		return fmt.Errorf("max_call_stack must be 16-4096, got %d", rl.MaxCallStack)
	}
	return nil
}
