package gpu

import (
	"codeberg.org/mutker/hwmonctl/internal/errors"
	"github.com/prometheus/procfs/sysfs"
)

// Utilization is a point-in-time view of amdgpu load counters.
type Utilization struct {
	BusyPercent    uint64
	VRAMUsedBytes  uint64
	VRAMTotalBytes uint64
}

// StatsReader reads amdgpu busy and VRAM counters through procfs.
type StatsReader struct {
	fs sysfs.FS
}

func NewStatsReader(root string) (*StatsReader, error) {
	if root == "" {
		root = DefaultSysfsRoot
	}

	fs, err := sysfs.NewFS(root)
	if err != nil {
		return nil, errors.New().Wrap(ErrInitFailed, err)
	}

	return &StatsReader{fs: fs}, nil
}

// Read returns utilization keyed by card name (card0, card1, ...).
// Cards that do not expose the counters are absent from the map.
func (r *StatsReader) Read() (map[string]Utilization, error) {
	stats, err := r.fs.ClassDRMCardAMDGPUStats()
	if err != nil {
		return nil, errors.New().Wrap(ErrDeviceInfoFailed, err)
	}

	out := make(map[string]Utilization, len(stats))
	for _, s := range stats {
		out[s.Name] = Utilization{
			BusyPercent:    s.GPUBusyPercent,
			VRAMUsedBytes:  s.MemoryVRAMUsed,
			VRAMTotalBytes: s.MemoryVRAMSize,
		}
	}

	return out, nil
}
