package notify

import (
	"context"
	"fmt"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/avenhaus/harvester/pkg/executor"
)

// DefaultChannelsPath is the channel-management endpoint.
const DefaultChannelsPath = "/api/v2/notifications/channels"

// Client implements SubscriptionAPI against the upstream channel-management
// endpoints through the request executor, so channel setup calls share the
// same retry and credential behavior as every other outbound request.
type Client struct {
	exec *executor.Executor
	path string
}

// NewClient creates a subscription API client. An empty path selects
// DefaultChannelsPath.
func NewClient(exec *executor.Executor, path string) *Client {
	if path == "" {
		path = DefaultChannelsPath
	}
	return &Client{
		exec: exec,
		path: path,
	}
}

// CreateChannel provisions a new push channel and returns its id and the
// streaming connect URI.
func (c *Client) CreateChannel(ctx context.Context) (*ChannelInfo, error) {
	resp, err := c.exec.Execute(ctx, executor.Request{
		Method: http.MethodPost,
		Path:   c.path,
	})
	if err != nil {
		return nil, err
	}

	var info ChannelInfo
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return nil, fmt.Errorf("decode channel response: %w", err)
	}
	if info.ID == "" || info.ConnectURI == "" {
		return nil, fmt.Errorf("channel response missing id or connectUri")
	}

	return &info, nil
}

// Subscribe attaches the topic set to a channel.
func (c *Client) Subscribe(ctx context.Context, channelID string, topics []string) error {
	body := make([]map[string]string, 0, len(topics))
	for _, topic := range topics {
		body = append(body, map[string]string{"id": topic})
	}

	_, err := c.exec.Execute(ctx, executor.Request{
		Method: http.MethodPut,
		Path:   c.path + "/" + channelID + "/subscriptions",
		Body:   body,
	})
	return err
}

// Unsubscribe removes all topic subscriptions from a channel.
func (c *Client) Unsubscribe(ctx context.Context, channelID string) error {
	_, err := c.exec.Execute(ctx, executor.Request{
		Method: http.MethodDelete,
		Path:   c.path + "/" + channelID + "/subscriptions",
	})
	return err
}
