package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Client is the provider-agnostic surface the platform needs from a voice
// engine account. One Client is bound to one credential's API key.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Agent configuration is opaque: it is copied between accounts verbatim.
type Client interface {
	Provider() string
	HealthCheck(ctx context.Context) error

	GetAgent(ctx context.Context, agentID string) (Agent, error)
	CreateAgent(ctx context.Context, cfg AgentConfig) (Agent, error)
	DeleteAgent(ctx context.Context, agentID string) error

	SearchNumbers(ctx context.Context, req SearchNumbersRequest) ([]AvailableNumber, error)
	BuyNumber(ctx context.Context, req BuyNumberRequest) (PhoneNumber, error)
	GetNumber(ctx context.Context, numberID string) (PhoneNumber, error)
	ImportNumber(ctx context.Context, req ImportNumberRequest) (PhoneNumber, error)
	ReleaseNumber(ctx context.Context, numberID string) error

	ConfigureWebhook(ctx context.Context, numberID string, cfg WebhookConfig) error
	ClearWebhook(ctx context.Context, numberID string) error
}

// Factory builds a Client for a credential.
type Factory interface {
	Client(provider, apiKey string) (Client, error)
}

type Agent struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config,omitempty"`
}

// AgentConfig is what is needed to recreate an agent under another account.
type AgentConfig struct {
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config,omitempty"`
}

func (a Agent) AsConfig() AgentConfig {
	return AgentConfig{Name: a.Name, Config: a.Config}
}

type PhoneNumber struct {
	ID         string `json:"id"`
	Number     string `json:"number"` // E.164
	Label      string `json:"label,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

type SearchNumbersRequest struct {
	CountryISO2 string `json:"country_iso2"`
	AreaCode    string `json:"area_code,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

type AvailableNumber struct {
	Number      string `json:"number"`
	CountryISO2 string `json:"country_iso2"`
}

type BuyNumberRequest struct {
	Number  string `json:"number"`
	Label   string `json:"label,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

// ImportNumberRequest attaches an already-owned number to this account.
type ImportNumberRequest struct {
	Number  string `json:"number"`
	Label   string `json:"label,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

type WebhookConfig struct {
	URL     string `json:"url"`
	AgentID string `json:"agent_id,omitempty"`
}

var ErrUnsupportedProvider = errors.New("telephony: unsupported provider")

// APIError is a non-2xx provider response. It exposes its status and raw
// body so failures can be classified without provider-specific parsing.
type APIError struct {
	Provider   string
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telephony: %s %s %s: status %d: %s", e.Provider, e.Method, e.Path, e.StatusCode, truncate(e.Body, 256))
}

func (e *APIError) HTTPStatus() int      { return e.StatusCode }
func (e *APIError) ResponseBody() string { return e.Body }

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Prober adapts a Factory into a credential health probe.
func Prober(f Factory, timeout time.Duration) func(ctx context.Context, provider, apiKey string) error {
	return func(ctx context.Context, provider, apiKey string) error {
		c, err := f.Client(provider, apiKey)
		if err != nil {
			return err
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return c.HealthCheck(ctx)
	}
}
