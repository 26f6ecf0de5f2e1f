package metrics

import (
	"context"
	"time"
)

// Collector defines the core domain interface
type Collector interface {
	Record(ctx context.Context, sample *Sample) error
	Close() error
}

// Repository defines the interface for metrics data storage
type Repository interface {
	Record(sample *Sample) error
	Close() error
}

// Sample is the state of one device after one control tick.
type Sample struct {
	Timestamp   time.Time
	Device      string
	Temperature TempMetrics
	Fan         FanMetrics
	PowerLimit  PowerMetrics
	Utilization UtilizationMetrics
	State       StateMetrics
}

// Domain value objects
type TempMetrics struct {
	Current float64
	Average float64
}

type FanMetrics struct {
	Duty   float64
	Native int64
}

type PowerMetrics struct {
	Current int64
	Managed bool
}

type UtilizationMetrics struct {
	Known          bool
	BusyPercent    uint64
	VRAMUsedBytes  uint64
	VRAMTotalBytes uint64
}

type StateMetrics struct {
	FanOff   bool
	Degraded bool
	Monitor  bool
}
