// Package resourceusage implements the weighted-max resource usage
// evaluator of spec §4.2: a broker's overload signal is the largest of
// its weighted resource usages, sanitized against misconfigured limits
// that would otherwise report impossible (>100%) usage.
package resourceusage

import (
	"github.com/khryptorgraphics/loadshed/internal/loaddata"
	"github.com/khryptorgraphics/loadshed/pkg/logging"
)

// Weights holds the five configured per-resource weights.
type Weights struct {
	CPU          float64
	Memory       float64
	DirectMemory float64
	BandwidthIn  float64
	BandwidthOut float64
}

type sample struct {
	usage  float64
	weight float64
}

// Evaluator computes the weighted-max usage for a BrokerLoadData,
// sanitizing away any resource reporting above 100% of its configured
// limit (spec §4.2): such a reading usually means a misconfigured limit
// (e.g. a 0-memory cap reporting 7x) and would otherwise poison the
// fleet average.
type Evaluator struct {
	weights Weights
	logger  *logging.Logger
}

// New creates an Evaluator with the given resource weights.
func New(weights Weights, logger *logging.Logger) *Evaluator {
	return &Evaluator{weights: weights, logger: logger}
}

// MaxResourceUsage returns the weighted max usage across
// {cpu, memory, directMemory, bandwidthIn, bandwidthOut}, clamped per
// spec §4.2: any resource whose raw usage exceeds 1.0 is excluded from
// the max once at least one resource is within limit; if every resource
// exceeds 1.0, the result is 0.
func (e *Evaluator) MaxResourceUsage(b *loaddata.BrokerLoadData) float64 {
	samples := []sample{
		{b.CPU, e.weights.CPU},
		{b.Memory, e.weights.Memory},
		{b.DirectMemory, e.weights.DirectMemory},
		{b.BandwidthIn, e.weights.BandwidthIn},
		{b.BandwidthOut, e.weights.BandwidthOut},
	}

	anyOverLimit := false
	maxUsage := 0.0
	maxWithinLimit := 0.0
	anyWithinLimit := false

	for _, s := range samples {
		raw := s.usage * s.weight
		if raw > maxUsage {
			maxUsage = raw
		}
		if s.usage > 1.0 {
			anyOverLimit = true
			continue
		}
		anyWithinLimit = true
		if raw > maxWithinLimit {
			maxWithinLimit = raw
		}
	}

	if !anyOverLimit {
		return maxUsage
	}

	if e.logger != nil && e.logger.Sampled("resource-usage-over-limit") {
		e.logger.Error("resource usage exceeds configured limit", nil, map[string]any{
			"cpu": b.CPU, "memory": b.Memory, "direct_memory": b.DirectMemory,
			"bandwidth_in": b.BandwidthIn, "bandwidth_out": b.BandwidthOut,
		})
	}

	if !anyWithinLimit {
		return 0
	}
	return maxWithinLimit
}
