// Package diag holds small, independent diagnostic helpers that sit
// outside the core's hot path: host network-buffer inspection (so an
// operator can tell whether a persistently growing BoardQueue is a host
// tuning problem) and a .npy dump of sampled counters for offline
// plotting.
package diag

import (
	"fmt"
	"os"

	"github.com/lorenzosaino/go-sysctl"
	"github.com/sbinet/npyio"
)

// SocketBufferReport is a snapshot of the host's receive-buffer sysctls,
// relevant when a BoardQueue is persistently backed up (spec.md §5's
// "Backpressure" note: sustained growth is the operator's signal to
// throttle acquisition, and undersized host network buffers are a common
// cause on optical-link transports layered over UDP/TCP).
type SocketBufferReport struct {
	RMemMax   string
	RMemDflt  string
	NetdevMax string
}

// ReadSocketBuffers reads net.core.rmem_max, net.core.rmem_default, and
// net.core.netdev_max_backlog via sysctl. Missing keys (e.g. non-Linux
// hosts) are left blank rather than failing the whole report.
func ReadSocketBuffers() SocketBufferReport {
	get := func(key string) string {
		v, err := sysctl.Get(key)
		if err != nil {
			return ""
		}
		return v
	}
	return SocketBufferReport{
		RMemMax:   get("net.core.rmem_max"),
		RMemDflt:  get("net.core.rmem_default"),
		NetdevMax: get("net.core.netdev_max_backlog"),
	}
}

// DumpFloat64s writes a flat slice of float64 samples to path in .npy
// format, for offline inspection with numpy. Intended for short, one-off
// diagnostic captures (e.g. a BoardQueue data-rate history), not routine
// per-chunk output.
func DumpFloat64s(path string, samples []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("diag: create %s: %w", path, err)
	}
	defer f.Close()
	if err := npyio.Write(f, samples); err != nil {
		return fmt.Errorf("diag: write npy %s: %w", path, err)
	}
	return nil
}
