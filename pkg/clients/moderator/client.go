package moderator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"cardroom/railbird/pkg/api/moderator"
	"cardroom/railbird/pkg/clients"
	"cardroom/railbird/pkg/logging"
)

// Client represents a chat moderator API client. The gateway forwards
// chat and moderation actions here and never interprets policy itself.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	serviceToken string
	logger       logging.Logger
	retryConfig  clients.RetryConfig
}

// Config represents the configuration for the moderator client
type Config struct {
	BaseURL              string
	ServiceToken         string
	Timeout              time.Duration
	Logger               logging.Logger
	RetryConfig          *clients.RetryConfig
	CircuitBreakerConfig *clients.CircuitBreakerConfig
}

// NewClient creates a new moderator API client
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
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

// SendChat submits a chat message for moderation and persistence. On
// success Data holds the stored ChatMessage.
func (c *Client) SendChat(ctx context.Context, channel string, principal moderator.Principal, payload *moderator.SendChatPayload) (*moderator.ChatMessage, error) {
	resp, err := c.post(ctx, moderator.EndpointChatSend, channel, principal, payload)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("moderator rejected message: %s", resp.Error)
	}

	var msg moderator.ChatMessage
	if err := json.Unmarshal(resp.Data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode stored message: %w", err)
	}
	return &msg, nil
}

// DeleteChat removes a persisted chat message.
func (c *Client) DeleteChat(ctx context.Context, channel string, principal moderator.Principal, payload *moderator.DeleteChatPayload) error {
	resp, err := c.post(ctx, moderator.EndpointChatDelete, channel, principal, payload)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("moderator rejected delete: %s", resp.Error)
	}
	return nil
}

// MutePlayer silences a player across the given channel.
func (c *Client) MutePlayer(ctx context.Context, channel string, principal moderator.Principal, payload *moderator.MutePlayerPayload) error {
	resp, err := c.post(ctx, moderator.EndpointChatMute, channel, principal, payload)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("moderator rejected mute: %s", resp.Error)
	}
	return nil
}

// ReportMessage files a report against a message.
func (c *Client) ReportMessage(ctx context.Context, channel string, principal moderator.Principal, payload *moderator.ReportMessagePayload) (*moderator.ReportFiledData, error) {
	resp, err := c.post(ctx, moderator.EndpointChatReport, channel, principal, payload)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("moderator rejected report: %s", resp.Error)
	}

	var filed moderator.ReportFiledData
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &filed); err != nil {
			return nil, fmt.Errorf("failed to decode report response: %w", err)
		}
	}
	return &filed, nil
}

// GetChatHistory pages through persisted chat, newest first.
func (c *Client) GetChatHistory(ctx context.Context, query *moderator.ChatHistoryQuery) ([]moderator.ChatMessage, error) {
	params := url.Values{}
	if query.TableID != "" {
		params.Set("tableId", query.TableID)
	}
	if query.TournamentID != "" {
		params.Set("tournamentId", query.TournamentID)
	}
	if query.PlayerID != "" {
		params.Set("playerId", query.PlayerID)
	}
	if query.Limit > 0 {
		params.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		params.Set("offset", strconv.Itoa(query.Offset))
	}

	url := fmt.Sprintf("%s/chat/history?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Service-Token", c.serviceToken)

	resp, err := clients.DoWithRetry(ctx, c.httpClient, req, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to call moderator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("moderator error (%d): %s", resp.StatusCode, string(body))
	}

	var envelope moderator.ModerationResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if !envelope.Success {
		return nil, fmt.Errorf("moderator rejected history query: %s", envelope.Error)
	}

	var messages []moderator.ChatMessage
	if err := json.Unmarshal(envelope.Data, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return messages, nil
}

func (c *Client) post(ctx context.Context, endpoint, channel string, principal moderator.Principal, payload interface{}) (*moderator.ModerationResponse, error) {
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	body := moderator.ModerationRequest{
		Channel:   channel,
		Principal: principal,
		Payload:   rawPayload,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + endpoint

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Service-Token", c.serviceToken)

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to call moderator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("moderator error (%d): %s", resp.StatusCode, string(respBody))
	}

	var envelope moderator.ModerationResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &envelope, nil
}
