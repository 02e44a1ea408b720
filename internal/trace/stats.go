package trace

import (
	"context"
	"fmt"
	"time"

	"github.com/montanaflynn/stats"
)

// DefaultPercentileSample bounds how many recent durations feed the percentiles.
const DefaultPercentileSample = MaxQueryLimit

// Stats is the statistics-mode report over the traces matching Filter.
type Stats struct {
	GeneratedAt time.Time            `json:"generated_at"`
	Filter      Filter               `json:"filter"`
	Total       int64                `json:"total"`
	StatusCodes []StatusCount        `json:"status_codes"`
	Methods     []MethodCount        `json:"methods"`
	Performance *PerformanceSummary  `json:"performance,omitempty"`
	Percentiles *DurationPercentiles `json:"percentiles,omitempty"`
	Errors      *ErrorSummary        `json:"errors,omitempty"`
}

// DurationPercentiles summarizes the most recent Sample durations.
type DurationPercentiles struct {
	Sample int     `json:"sample"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
}

// CollectStats runs every statistics aggregation for filter. When nothing
// matches, only Total is populated.
func CollectStats(ctx context.Context, reader TraceReader, filter Filter, sample int) (*Stats, error) {
	filter = filter.Normalize()
	if sample <= 0 {
		sample = DefaultPercentileSample
	}
	out := &Stats{
		GeneratedAt: time.Now().UTC(),
		Filter:      filter,
		StatusCodes: []StatusCount{},
		Methods:     []MethodCount{},
	}

	total, err := reader.Count(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count traces: %w", err)
	}
	out.Total = total
	if total == 0 {
		return out, nil
	}

	if out.StatusCodes, err = reader.StatusBreakdown(ctx, filter); err != nil {
		return nil, fmt.Errorf("status breakdown: %w", err)
	}
	if out.Methods, err = reader.MethodBreakdown(ctx, filter); err != nil {
		return nil, fmt.Errorf("method breakdown: %w", err)
	}
	if out.Performance, err = reader.Performance(ctx, filter); err != nil {
		return nil, fmt.Errorf("performance summary: %w", err)
	}
	if out.Errors, err = reader.ErrorBreakdown(ctx, filter, defaultTopErrors); err != nil {
		return nil, fmt.Errorf("error breakdown: %w", err)
	}

	durations, err := reader.Durations(ctx, filter, sample)
	if err != nil {
		return nil, fmt.Errorf("duration sample: %w", err)
	}
	if out.Percentiles, err = Percentiles(durations); err != nil {
		return nil, err
	}
	return out, nil
}

// Percentiles computes p50, p95 and p99 of durations, or nil for an empty input.
func Percentiles(durations []float64) (*DurationPercentiles, error) {
	if len(durations) == 0 {
		return nil, nil
	}
	data := stats.Float64Data(durations)
	p50, err := data.Percentile(50)
	if err != nil {
		return nil, fmt.Errorf("p50: %w", err)
	}
	p95, err := data.Percentile(95)
	if err != nil {
		return nil, fmt.Errorf("p95: %w", err)
	}
	p99, err := data.Percentile(99)
	if err != nil {
		return nil, fmt.Errorf("p99: %w", err)
	}
	return &DurationPercentiles{
		Sample: len(durations),
		P50:    Round2(p50),
		P95:    Round2(p95),
		P99:    Round2(p99),
	}, nil
}
