package gameengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"cardroom/railbird/pkg/api/gameengine"
	"cardroom/railbird/pkg/clients"
	"cardroom/railbird/pkg/logging"
)

// Client represents a game engine API client. Player actions and
// disconnect reports go through here; the engine owns all game state.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	serviceToken string
	logger       logging.Logger
	retryConfig  clients.RetryConfig
}

// Config represents the configuration for the game engine client
type Config struct {
	BaseURL              string
	ServiceToken         string
	Timeout              time.Duration
	Logger               logging.Logger
	RetryConfig          *clients.RetryConfig
	CircuitBreakerConfig *clients.CircuitBreakerConfig
}

// NewClient creates a new game engine API client
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		// Actions sit on the critical path of a live hand.
		config.Timeout = 5 * time.Second
	}

	retryConfig := clients.DefaultRetryConfig()
	if config.RetryConfig != nil {
		retryConfig = *config.RetryConfig
	}

	if config.CircuitBreakerConfig != nil {
		retryConfig.CircuitBreaker = clients.NewCircuitBreaker(*config.CircuitBreakerConfig)
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
	}

	return &Client{
		baseURL:      config.BaseURL,
		httpClient:   httpClient,
		serviceToken: config.ServiceToken,
		logger:       config.Logger,
		retryConfig:  retryConfig,
	}
}

// SubmitAction forwards a player action to the engine and returns the
// verdict with the resulting state delta.
func (c *Client) SubmitAction(ctx context.Context, req *gameengine.ActionRequest) (*gameengine.ActionResponse, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/tables/%s/actions", c.baseURL, url.PathEscape(req.TableID))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Service-Token", c.serviceToken)

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to call game engine: %w", err)
	}
	defer resp.Body.Close()

	var actionResp gameengine.ActionResponse
	if resp.StatusCode == http.StatusUnprocessableEntity {
		// Invalid actions (betting out of turn, short raise) come back 422
		// with a verdict the player should see.
		if err := json.NewDecoder(resp.Body).Decode(&actionResp); err != nil {
			return nil, fmt.Errorf("failed to decode rejection: %w", err)
		}
		return &actionResp, nil
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("game engine error (%d): %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(&actionResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &actionResp, nil
}

// ReportDisconnect tells the engine a seated player dropped and returns
// the recovery policy for the grace window.
func (c *Client) ReportDisconnect(ctx context.Context, report *gameengine.DisconnectReport) (*gameengine.DisconnectResponse, error) {
	report.DurationSeconds = int(report.Duration / time.Second)

	jsonBody, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}

	url := fmt.Sprintf("%s/tables/%s/disconnects", c.baseURL, url.PathEscape(report.TableID))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Service-Token", c.serviceToken)

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to call game engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("game engine error (%d): %s", resp.StatusCode, string(body))
	}

	var disconnectResp gameengine.DisconnectResponse
	if err := json.NewDecoder(resp.Body).Decode(&disconnectResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &disconnectResp, nil
}

// GetTableState fetches the full snapshot used for table_state replies.
func (c *Client) GetTableState(ctx context.Context, tableID string) (*gameengine.TableState, error) {
	url := fmt.Sprintf("%s/tables/%s/state", c.baseURL, url.PathEscape(tableID))

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Service-Token", c.serviceToken)

	resp, err := clients.DoWithRetry(ctx, c.httpClient, req, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to call game engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("game engine error (%d): %s", resp.StatusCode, string(body))
	}

	var state gameengine.TableState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &state, nil
}
