package core

import (
	"math"
	"sort"
	"sync"
)

const (
	StrategyRoundRobin   = "round_robin"
	StrategyLeastBusy    = "least_busy"
	StrategyCapabilities = "capabilities"
	StrategyPerformance  = "performance"
	StrategyNone         = "none"
)

// Balancer picks a substitute printer for a job whose requested printer is
// unavailable. Candidates are sorted by id; Pick returns nil when none fit.
type Balancer interface {
	Pick(job *Job, candidates []*Printer) *Printer
}

func NewBalancer(strategy string) Balancer {
	switch strategy {
	case StrategyRoundRobin:
		return &roundRobin{}
	case StrategyCapabilities:
		return capabilityMatch{}
	case StrategyPerformance:
		return bestPerformance{}
	case StrategyNone:
		return nil
	default:
		return leastBusy{}
	}
}

type roundRobin struct {
	mu   sync.Mutex
	last string
}

// Pick returns the first candidate after the previously picked id, wrapping.
func (b *roundRobin) Pick(_ *Job, candidates []*Printer) *Printer {
	if len(candidates) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	i := sort.Search(len(candidates), func(i int) bool { return candidates[i].ID > b.last })
	if i == len(candidates) {
		i = 0
	}
	b.last = candidates[i].ID
	return candidates[i]
}

type leastBusy struct{}

func (leastBusy) Pick(_ *Job, candidates []*Printer) *Printer {
	var best *Printer
	for _, p := range candidates {
		if best == nil || p.QueueLength < best.QueueLength {
			best = p
		}
	}
	return best
}

type capabilityMatch struct{}

// Pick keeps printers that can physically take the job's label and, among
// those, prefers the shortest queue and then the tightest media fit.
func (capabilityMatch) Pick(job *Job, candidates []*Printer) *Printer {
	var best *Printer
	bestWaste := math.Inf(1)
	for _, p := range candidates {
		if !Fits(job, p) {
			continue
		}
		w := waste(job, p)
		if best == nil || p.QueueLength < best.QueueLength ||
			(p.QueueLength == best.QueueLength && w < bestWaste) {
			best, bestWaste = p, w
		}
	}
	return best
}

// Fits reports whether p can print job's template. Unset printer limits
// accept anything.
func Fits(job *Job, p *Printer) bool {
	caps := p.Capabilities
	if job.RequiredFormat != "" && len(caps.Formats) > 0 && !containsFormat(caps.Formats, job.RequiredFormat) {
		return false
	}
	if job.Template == nil {
		return true
	}
	size := job.Template.Size
	if caps.MaxLabelWidthMM > 0 && size.WidthMM > caps.MaxLabelWidthMM {
		return false
	}
	if caps.MaxLabelHeightMM > 0 && size.HeightMM > caps.MaxLabelHeightMM {
		return false
	}
	if size.DPI > 0 && len(caps.DPI) > 0 && !containsInt(caps.DPI, size.DPI) {
		return false
	}
	return true
}

func waste(job *Job, p *Printer) float64 {
	if job.Template == nil || p.Capabilities.MaxLabelWidthMM <= 0 || p.Capabilities.MaxLabelHeightMM <= 0 {
		return 0
	}
	size := job.Template.Size
	return p.Capabilities.MaxLabelWidthMM*p.Capabilities.MaxLabelHeightMM - size.WidthMM*size.HeightMM
}

type bestPerformance struct{}

func (bestPerformance) Pick(_ *Job, candidates []*Printer) *Printer {
	var best *Printer
	bestScore := math.Inf(-1)
	for _, p := range candidates {
		score := p.Performance.LabelsPerMinute * (1 - p.Performance.ErrorRate)
		if best == nil || score > bestScore {
			best, bestScore = p, score
		}
	}
	return best
}

func containsFormat(list []Format, f Format) bool {
	for _, v := range list {
		if v == f {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
