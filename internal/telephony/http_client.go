package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dialer-platform/internal/config"
)

// HTTPClient talks to a voice engine's JSON REST API with bearer auth.
//
// Endpoints:
//
//	GET    /agents?limit=1            health
//	GET    /agents/{id}
//	POST   /agents
//	DELETE /agents/{id}
//	GET    /phone-numbers/search
//	POST   /phone-numbers
//	GET    /phone-numbers/{id}
//	POST   /phone-numbers/import
//	DELETE /phone-numbers/{id}
//	PATCH  /phone-numbers/{id}        webhook
type HTTPClient struct {
	provider string
	baseURL  string
	apiKey   string
	hc       *http.Client
}

func NewHTTPClient(provider, baseURL, apiKey string, timeout time.Duration) (*HTTPClient, error) {
	if provider == "" || baseURL == "" || apiKey == "" {
		return nil, errors.New("telephony: provider, base url and api key are required")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		hc:       &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPClient) Provider() string { return c.provider }

func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/agents?limit=1", nil, nil)
}

func (c *HTTPClient) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var out Agent
	err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID), nil, &out)
	return out, err
}

func (c *HTTPClient) CreateAgent(ctx context.Context, cfg AgentConfig) (Agent, error) {
	var out Agent
	err := c.do(ctx, http.MethodPost, "/agents", cfg, &out)
	return out, err
}

func (c *HTTPClient) DeleteAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+url.PathEscape(agentID), nil, nil)
}

func (c *HTTPClient) SearchNumbers(ctx context.Context, req SearchNumbersRequest) ([]AvailableNumber, error) {
	q := url.Values{}
	q.Set("country", req.CountryISO2)
	if req.AreaCode != "" {
		q.Set("area_code", req.AreaCode)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	var out []AvailableNumber
	err := c.do(ctx, http.MethodGet, "/phone-numbers/search?"+q.Encode(), nil, &out)
	return out, err
}

func (c *HTTPClient) BuyNumber(ctx context.Context, req BuyNumberRequest) (PhoneNumber, error) {
	var out PhoneNumber
	err := c.do(ctx, http.MethodPost, "/phone-numbers", req, &out)
	return out, err
}

func (c *HTTPClient) GetNumber(ctx context.Context, numberID string) (PhoneNumber, error) {
	var out PhoneNumber
	err := c.do(ctx, http.MethodGet, "/phone-numbers/"+url.PathEscape(numberID), nil, &out)
	return out, err
}

func (c *HTTPClient) ImportNumber(ctx context.Context, req ImportNumberRequest) (PhoneNumber, error) {
	var out PhoneNumber
	err := c.do(ctx, http.MethodPost, "/phone-numbers/import", req, &out)
	return out, err
}

func (c *HTTPClient) ReleaseNumber(ctx context.Context, numberID string) error {
	return c.do(ctx, http.MethodDelete, "/phone-numbers/"+url.PathEscape(numberID), nil, nil)
}

func (c *HTTPClient) ConfigureWebhook(ctx context.Context, numberID string, cfg WebhookConfig) error {
	body := map[string]any{"webhook_url": cfg.URL, "agent_id": cfg.AgentID}
	return c.do(ctx, http.MethodPatch, "/phone-numbers/"+url.PathEscape(numberID), body, nil)
}

func (c *HTTPClient) ClearWebhook(ctx context.Context, numberID string) error {
	body := map[string]any{"webhook_url": nil, "agent_id": nil}
	return c.do(ctx, http.MethodPatch, "/phone-numbers/"+url.PathEscape(numberID), body, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("telephony: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: %s %s %s: %w", c.provider, method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Provider: c.provider, Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("telephony: decode %s %s: %w", method, path, err)
	}
	return nil
}

// HTTPFactory builds HTTPClients from the configured provider base URLs.
type HTTPFactory struct {
	baseURLs map[string]string
	timeout  time.Duration
}

func NewHTTPFactory(cfg config.ProviderConfig) *HTTPFactory {
	return &HTTPFactory{baseURLs: cfg.BaseURLs, timeout: cfg.Timeout}
}

func (f *HTTPFactory) Client(provider, apiKey string) (Client, error) {
	base, ok := f.baseURLs[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	return NewHTTPClient(provider, base, apiKey, f.timeout)
}
