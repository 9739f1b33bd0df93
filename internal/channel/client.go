// Package channel talks to the external state-channel clearing network.
//
// The REST client (HTTPClient) covers channel lifecycle:
//   - OpenChannel: POST /v1/channels          — open a funded channel
//   - Resize:      POST /v1/channels/resize   — adjust channel capacity
//   - Transfer:    POST /v1/transfer          — move funds inside the network
//   - Close:       POST /v1/channels/close    — cooperative close
//
// Every request is rate-limited via per-category TokenBuckets and
// automatically retried on 5xx errors. The engine works against the
// Client interface; a nil client means accounting-only mode where no
// network calls are made.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"lmsr-exchange/pkg/types"
)

// OpenRequest describes a channel to open with the clearing network.
type OpenRequest struct {
	Participant string      `json:"participant"`
	Asset       string      `json:"asset"`
	Amount      types.Micro `json:"amount"`
}

// Channel is the network's view of an open channel.
type Channel struct {
	ChannelID    string      `json:"channel_id"`
	AppSessionID string      `json:"app_session_id"`
	Participant  string      `json:"participant"`
	Capacity     types.Micro `json:"capacity"`
	Status       string      `json:"status"`
}

// Client is the channel-network port. Implementations must be safe for
// concurrent use.
type Client interface {
	OpenChannel(ctx context.Context, req OpenRequest) (*Channel, error)
	Resize(ctx context.Context, channelID string, delta types.Micro) error
	Transfer(ctx context.Context, channelID, to string, amount types.Micro) error
	Close(ctx context.Context, channelID string) error
}

// HTTPClient is the REST implementation of Client.
type HTTPClient struct {
	http   *resty.Client
	rl     *RateLimiter
	logger *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a REST client with rate limiting and retry.
func NewHTTPClient(baseURL, apiKey string, logger *slog.Logger) *HTTPClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		httpClient.SetHeader("X-Api-Key", apiKey)
	}

	return &HTTPClient{
		http:   httpClient,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "channel"),
	}
}

// OpenChannel opens a funded channel for a participant.
func (c *HTTPClient) OpenChannel(ctx context.Context, req OpenRequest) (*Channel, error) {
	if err := c.rl.Channel.Wait(ctx); err != nil {
		return nil, err
	}

	var result Channel
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/v1/channels")
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("open channel: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Info("channel opened",
		"channel_id", result.ChannelID,
		"participant", req.Participant,
		"amount", req.Amount)
	return &result, nil
}

// Resize adjusts a channel's capacity by delta micro-units.
func (c *HTTPClient) Resize(ctx context.Context, channelID string, delta types.Micro) error {
	if err := c.rl.Channel.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"channel_id": channelID,
			"delta":      delta,
		}).
		Post("/v1/channels/resize")
	if err != nil {
		return fmt.Errorf("resize channel: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("resize channel: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Transfer moves funds inside the network ledger.
func (c *HTTPClient) Transfer(ctx context.Context, channelID, to string, amount types.Micro) error {
	if err := c.rl.Transfer.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"channel_id":  channelID,
			"destination": to,
			"amount":      amount,
		}).
		Post("/v1/transfer")
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("transfer: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Close requests a cooperative close of the channel.
func (c *HTTPClient) Close(ctx context.Context, channelID string) error {
	if err := c.rl.Channel.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"channel_id": channelID}).
		Post("/v1/channels/close")
	if err != nil {
		return fmt.Errorf("close channel: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("close channel: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Info("channel closed", "channel_id", channelID)
	return nil
}
