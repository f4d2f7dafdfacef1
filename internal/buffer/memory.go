package buffer

import (
	"runtime"
	"runtime/debug"
)

// Band is a memory-pressure level derived from heap usage against a budget.
type Band int

const (
	BandLow Band = iota
	BandMedium
	BandHigh
	BandCritical
)

func (b Band) String() string {
	switch b {
	case BandLow:
		return "low"
	case BandMedium:
		return "medium"
	case BandHigh:
		return "high"
	case BandCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Band thresholds as a fraction of the memory budget.
const (
	mediumThreshold   = 0.50
	highThreshold     = 0.70
	criticalThreshold = 0.85
)

// BandFor maps a usage ratio onto a Band.
func BandFor(ratio float64) Band {
	switch {
	case ratio >= criticalThreshold:
		return BandCritical
	case ratio >= highThreshold:
		return BandHigh
	case ratio >= mediumThreshold:
		return BandMedium
	default:
		return BandLow
	}
}

// MemoryReader reports current heap usage and the budget it is measured against.
type MemoryReader interface {
	Usage() (used, budget uint64)
}

// RuntimeMemory reads heap usage from the Go runtime.
type RuntimeMemory struct {
	Budget uint64
}

// Usage implements MemoryReader.
func (m RuntimeMemory) Usage() (uint64, uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc, m.Budget
}

// Reclaim forces a collection and returns freed memory to the OS.
func Reclaim() {
	runtime.GC()
	debug.FreeOSMemory()
}
