// Package paging assembles complete result sets from cursor-paginated
// listing endpoints, strictly one page at a time.
package paging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avenhaus/harvester/pkg/executor"
)

// Prometheus metrics for collection runs.
var (
	pagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_collector_pages_total",
		Help: "Total pages fetched across all collection runs",
	})

	entitiesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_collector_entities_total",
		Help: "Total entities aggregated across all collection runs",
	})
)

// Collection errors.
var (
	// ErrMissingEntities is returned when a page has no entities field or the
	// field is not an array.
	ErrMissingEntities = errors.New("page has no entities array")

	// ErrEmptyFirstPage is returned when the very first page is empty, which
	// signals a malformed query rather than an empty dataset.
	ErrEmptyFirstPage = errors.New("first page returned no entities")

	// ErrPageLimitExceeded is returned when the cursor chain exceeds the
	// iteration cap, which signals a cursor loop.
	ErrPageLimitExceeded = errors.New("page iteration limit exceeded")
)

// DefaultMaxPages caps the cursor chain per collection run.
const DefaultMaxPages = 100

// Config holds the collector configuration.
type Config struct {
	// MaxPages caps the number of pages followed per collection run.
	MaxPages int
}

// Collector follows the cursor chain of a listing endpoint and aggregates
// entities in page order.
type Collector struct {
	exec   *executor.Executor
	config Config
	logger zerolog.Logger
}

// New creates a collector around the given executor.
func New(exec *executor.Executor, cfg Config) *Collector {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}

	return &Collector{
		exec:   exec,
		config: cfg,
		logger: log.With().Str("component", "collector").Logger(),
	}
}

// page is the listing-endpoint envelope. Unlisted response fields are ignored.
type page struct {
	Entities   json.RawMessage `json:"entities"`
	NextURI    string          `json:"nextUri"`
	NextCursor string          `json:"nextCursor"`
}

// CollectAll fetches every page reachable from initialURL and returns the
// entities in response order: page 1's entities precede page 2's, and so on.
// Pages are fetched strictly sequentially; page N+1 is never requested before
// page N's cursor is known.
func (c *Collector) CollectAll(ctx context.Context, initialURL string) ([]json.RawMessage, error) {
	var all []json.RawMessage
	current := initialURL

	for iteration := 1; iteration <= c.config.MaxPages; iteration++ {
		resp, err := c.exec.Execute(ctx, executor.Request{Method: http.MethodGet, Path: current})
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", iteration, err)
		}

		var pg page
		if err := json.Unmarshal(resp.Body, &pg); err != nil {
			return nil, fmt.Errorf("decode page %d: %w", iteration, err)
		}
		if pg.Entities == nil || string(pg.Entities) == "null" {
			return nil, fmt.Errorf("page %d (%s): %w", iteration, current, ErrMissingEntities)
		}

		var entities []json.RawMessage
		if err := json.Unmarshal(pg.Entities, &entities); err != nil {
			return nil, fmt.Errorf("page %d (%s): %w", iteration, current, ErrMissingEntities)
		}

		pagesTotal.Inc()

		if len(entities) == 0 {
			if iteration == 1 {
				return nil, fmt.Errorf("%s: %w", current, ErrEmptyFirstPage)
			}
			// A later empty page is the natural end of data.
			break
		}

		all = append(all, entities...)
		entitiesTotal.Add(float64(len(entities)))

		next, err := nextURL(initialURL, pg)
		if err != nil {
			return nil, fmt.Errorf("page %d (%s): %w", iteration, current, err)
		}
		if next == "" {
			break
		}

		if iteration == c.config.MaxPages {
			return nil, fmt.Errorf("%s: %w after %d iterations", initialURL, ErrPageLimitExceeded, iteration)
		}

		current = next
	}

	c.logger.Debug().
		Str("url", initialURL).
		Int("entities", len(all)).
		Msg("Collection complete")

	return all, nil
}

// nextURL derives the next page location. A nextUri is followed directly; a
// bare nextCursor is applied as a cursor query parameter on the entry URL.
func nextURL(initialURL string, pg page) (string, error) {
	if pg.NextURI != "" {
		return pg.NextURI, nil
	}
	if pg.NextCursor == "" {
		return "", nil
	}

	u, err := url.Parse(initialURL)
	if err != nil {
		return "", fmt.Errorf("parse url for cursor: %w", err)
	}
	q := u.Query()
	q.Set("cursor", pg.NextCursor)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
