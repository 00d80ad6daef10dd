package interval

import (
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/avenhaus/harvester/pkg/executor"
)

// CountClient is a count probe backed by the request executor. It posts a
// single-record query against a count-style endpoint and reads the totalHits
// field, so subdividing a range costs one cheap request per probe.
type CountClient struct {
	exec *executor.Executor
	path string
}

// NewCountClient creates a probe client for the given count endpoint path.
func NewCountClient(exec *executor.Executor, path string) *CountClient {
	return &CountClient{
		exec: exec,
		path: path,
	}
}

// CountBetween reports how many upstream records fall in [start, end).
// It satisfies ProbeFunc via a method value.
func (c *CountClient) CountBetween(ctx context.Context, start, end time.Time) (int, error) {
	req := executor.Request{
		Method: http.MethodPost,
		Path:   c.path,
		Body: map[string]any{
			"interval": Interval{Start: start, End: end}.String(),
			"paging": map[string]int{
				"pageSize":   1,
				"pageNumber": 1,
			},
		},
	}

	resp, err := c.exec.Execute(ctx, req)
	if err != nil {
		return 0, err
	}

	var out struct {
		TotalHits int `json:"totalHits"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}

	return out.TotalHits, nil
}
