package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/enterprise/fraud-investigator/internal/scoring"
)

const perfRingSize = 1000

// PerfTracker keeps the last perfRingSize processing times for the periodic
// performance report and the ops endpoint.
type PerfTracker struct {
	mu      sync.Mutex
	samples []float64 // milliseconds
	next    int
	filled  bool
	total   int
}

func NewPerfTracker() *PerfTracker {
	return &PerfTracker{samples: make([]float64, perfRingSize)}
}

// Observe records one case's processing time.
func (p *PerfTracker) Observe(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.samples[p.next] = float64(d.Microseconds()) / 1000
	p.next++
	if p.next == len(p.samples) {
		p.next = 0
		p.filled = true
	}
	p.total++
}

// TotalObserved reports all-time case count, beyond the ring window.
func (p *PerfTracker) TotalObserved() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Stats summarizes the current window. All zeros before the first sample.
func (p *PerfTracker) Stats() scoring.PerformanceStats {
	p.mu.Lock()
	n := p.next
	if p.filled {
		n = len(p.samples)
	}
	window := make([]float64, n)
	copy(window, p.samples[:n])
	total := p.total
	p.mu.Unlock()

	if len(window) == 0 {
		return scoring.PerformanceStats{}
	}

	sort.Float64s(window)

	sum := 0.0
	for _, v := range window {
		sum += v
	}

	return scoring.PerformanceStats{
		AvgProcessingTimeMs: sum / float64(len(window)),
		P50ProcessingTimeMs: percentile(window, 50),
		P95ProcessingTimeMs: percentile(window, 95),
		P99ProcessingTimeMs: percentile(window, 99),
		MaxProcessingTimeMs: window[len(window)-1],
		TotalCasesProcessed: total,
	}
}

// percentile over a sorted window, nearest-rank with linear interpolation.
func percentile(sorted []float64, pct float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := pct / 100 * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
