// Package interval partitions a time range into sub-ranges that each satisfy
// the upstream API's maximum-span and maximum-record-count constraints.
package interval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Subdivision constants imposed by the upstream API.
const (
	// DefaultMaxSpan is the longest range a single query may cover.
	DefaultMaxSpan = 7 * 24 * time.Hour

	// DefaultMaxCount is the record count above which a query is rejected.
	DefaultMaxCount = 100_000

	// highCountFactor marks a probe result dense enough to halve the span
	// instead of shaving it.
	highCountFactor = 2

	// spanAdjustment is subtracted from the span on a moderate overshoot.
	spanAdjustment = 120 * time.Minute

	// minSpan is the floor below which no further shrinking happens.
	minSpan = time.Minute
)

// ErrInvalidRange is returned when the requested range is empty or inverted.
var ErrInvalidRange = errors.New("invalid range: start must precede end")

// Interval is a half-open time range [Start, End) at whole-minute precision.
type Interval struct {
	Start time.Time
	End   time.Time

	// Forced marks an interval accepted at the minimum-span floor; it may
	// still exceed the count constraint under pathological record density.
	Forced bool
}

// Span returns the interval duration.
func (iv Interval) Span() time.Duration {
	return iv.End.Sub(iv.Start)
}

// String renders the interval in the upstream wire format,
// e.g. "2025-01-01T00:00Z/2025-01-01T00:05Z".
func (iv Interval) String() string {
	const layout = "2006-01-02T15:04Z07:00"
	return iv.Start.Format(layout) + "/" + iv.End.Format(layout)
}

// ProbeFunc reports how many upstream records fall in [start, end).
type ProbeFunc func(ctx context.Context, start, end time.Time) (int, error)

// PartitionError reports a probe failure during subdivision, carrying the
// offending sub-range.
type PartitionError struct {
	Start time.Time
	End   time.Time
	Err   error
}

// Error implements the error interface.
func (e *PartitionError) Error() string {
	return fmt.Sprintf("partition probe failed for %s: %v",
		Interval{Start: e.Start, End: e.End}, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PartitionError) Unwrap() error {
	return e.Err
}

// Config holds the partitioner constraints.
type Config struct {
	// MaxSpan is the longest sub-range the partitioner will emit.
	MaxSpan time.Duration

	// MaxCount is the record-count constraint each sub-range must satisfy.
	MaxCount int
}

// DefaultConfig returns the upstream API's documented constraints.
func DefaultConfig() Config {
	return Config{
		MaxSpan:  DefaultMaxSpan,
		MaxCount: DefaultMaxCount,
	}
}

// Partitioner produces ordered, gap-free, non-overlapping sub-ranges of a
// time range, each within the span and count constraints.
type Partitioner struct {
	config Config
	logger zerolog.Logger
}

// New creates a partitioner, filling unset constraints with the defaults.
func New(cfg Config) *Partitioner {
	if cfg.MaxSpan <= 0 {
		cfg.MaxSpan = DefaultMaxSpan
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = DefaultMaxCount
	}

	return &Partitioner{
		config: cfg,
		logger: log.With().Str("component", "partitioner").Logger(),
	}
}

// Partition covers [start, end) with sub-ranges that each satisfy the span
// constraint and, unless capped by the minimum-span floor, the count
// constraint. Boundaries are normalized to whole-minute precision. The loop is
// iterative with a hard floor, so it always terminates and always makes
// forward progress.
func (p *Partitioner) Partition(ctx context.Context, start, end time.Time, probe ProbeFunc) ([]Interval, error) {
	start = start.UTC().Truncate(time.Minute)
	end = end.UTC().Truncate(time.Minute)
	if !start.Before(end) {
		return nil, ErrInvalidRange
	}

	var intervals []Interval
	current := start

	for current.Before(end) {
		span := p.config.MaxSpan
		if remaining := end.Sub(current); remaining < span {
			span = remaining
		}

		iv, err := p.fit(ctx, current, span, probe)
		if err != nil {
			return nil, err
		}

		intervals = append(intervals, iv)
		current = iv.End
	}

	p.logger.Debug().
		Str("range", Interval{Start: start, End: end}.String()).
		Int("intervals", len(intervals)).
		Msg("Range partitioned")

	return intervals, nil
}

// fit shrinks a candidate span starting at current until the probed count is
// below the constraint or the span hits the floor.
func (p *Partitioner) fit(ctx context.Context, current time.Time, span time.Duration, probe ProbeFunc) (Interval, error) {
	for {
		candidateEnd := current.Add(span)

		count, err := probe(ctx, current, candidateEnd)
		if err != nil {
			return Interval{}, &PartitionError{Start: current, End: candidateEnd, Err: err}
		}

		if count < p.config.MaxCount {
			return Interval{Start: current, End: candidateEnd}, nil
		}

		var next time.Duration
		if count >= highCountFactor*p.config.MaxCount {
			next = (span / 2).Truncate(time.Minute)
		} else {
			next = span - spanAdjustment
		}

		if next <= minSpan {
			// Floor reached: accept what remains so the loop always advances,
			// even though the count constraint may still be violated.
			p.logger.Warn().
				Str("interval", Interval{Start: current, End: candidateEnd}.String()).
				Int("count", count).
				Msg("Minimum span reached, accepting oversized interval")
			return Interval{Start: current, End: candidateEnd, Forced: true}, nil
		}

		p.logger.Debug().
			Str("interval", Interval{Start: current, End: candidateEnd}.String()).
			Int("count", count).
			Dur("next_span", next).
			Msg("Interval too dense, shrinking")

		span = next
	}
}
