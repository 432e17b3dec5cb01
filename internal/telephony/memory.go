package telephony

import (
	"context"
	"fmt"
	"sync"
)

// MemoryFactory hands out one MemoryClient per API key, so each credential
// behaves like a separate provider account. Used by tests and local runs
// without provider access.
type MemoryFactory struct {
	mu       sync.Mutex
	accounts map[string]*MemoryClient
}

func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{accounts: map[string]*MemoryClient{}}
}

func (f *MemoryFactory) Client(provider, apiKey string) (Client, error) {
	return f.Account(provider, apiKey), nil
}

// Account returns (creating if needed) the fake account for apiKey.
func (f *MemoryFactory) Account(provider, apiKey string) *MemoryClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.accounts[apiKey]
	if !ok {
		c = &MemoryClient{
			provider: provider,
			prefix:   apiKey,
			agents:   map[string]Agent{},
			numbers:  map[string]PhoneNumber{},
		}
		f.accounts[apiKey] = c
	}
	return c
}

// MemoryClient is an in-process provider account.
type MemoryClient struct {
	provider string
	prefix   string

	mu      sync.Mutex
	seq     int
	agents  map[string]Agent
	numbers map[string]PhoneNumber
	calls   []string

	// Fail, when set, is consulted before every operation; a non-nil
	// return is the operation's error.
	Fail func(op, arg string) error
}

func (c *MemoryClient) Provider() string { return c.provider }

func (c *MemoryClient) HealthCheck(ctx context.Context) error {
	return c.check(ctx, "HealthCheck", "")
}

func (c *MemoryClient) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	if err := c.check(ctx, "GetAgent", agentID); err != nil {
		return Agent{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[agentID]
	if !ok {
		return Agent{}, c.notFound("GET", "/agents/"+agentID)
	}
	return a, nil
}

func (c *MemoryClient) CreateAgent(ctx context.Context, cfg AgentConfig) (Agent, error) {
	if err := c.check(ctx, "CreateAgent", cfg.Name); err != nil {
		return Agent{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	a := Agent{ID: c.nextIDLocked("agent"), Name: cfg.Name, Config: cfg.Config}
	c.agents[a.ID] = a
	return a, nil
}

func (c *MemoryClient) DeleteAgent(ctx context.Context, agentID string) error {
	if err := c.check(ctx, "DeleteAgent", agentID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.agents[agentID]; !ok {
		return c.notFound("DELETE", "/agents/"+agentID)
	}
	delete(c.agents, agentID)
	return nil
}

func (c *MemoryClient) SearchNumbers(ctx context.Context, req SearchNumbersRequest) ([]AvailableNumber, error) {
	if err := c.check(ctx, "SearchNumbers", req.CountryISO2); err != nil {
		return nil, err
	}
	n := req.Limit
	if n <= 0 {
		n = 3
	}
	out := make([]AvailableNumber, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, AvailableNumber{Number: fmt.Sprintf("+1555%s%04d", req.AreaCode, i), CountryISO2: req.CountryISO2})
	}
	return out, nil
}

func (c *MemoryClient) BuyNumber(ctx context.Context, req BuyNumberRequest) (PhoneNumber, error) {
	if err := c.check(ctx, "BuyNumber", req.Number); err != nil {
		return PhoneNumber{}, err
	}
	return c.AddNumber(PhoneNumber{Number: req.Number, Label: req.Label, AgentID: req.AgentID}), nil
}

func (c *MemoryClient) GetNumber(ctx context.Context, numberID string) (PhoneNumber, error) {
	if err := c.check(ctx, "GetNumber", numberID); err != nil {
		return PhoneNumber{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.numbers[numberID]
	if !ok {
		return PhoneNumber{}, c.notFound("GET", "/phone-numbers/"+numberID)
	}
	return n, nil
}

func (c *MemoryClient) ImportNumber(ctx context.Context, req ImportNumberRequest) (PhoneNumber, error) {
	if err := c.check(ctx, "ImportNumber", req.Number); err != nil {
		return PhoneNumber{}, err
	}
	return c.AddNumber(PhoneNumber{Number: req.Number, Label: req.Label, AgentID: req.AgentID}), nil
}

func (c *MemoryClient) ReleaseNumber(ctx context.Context, numberID string) error {
	if err := c.check(ctx, "ReleaseNumber", numberID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.numbers[numberID]; !ok {
		return c.notFound("DELETE", "/phone-numbers/"+numberID)
	}
	delete(c.numbers, numberID)
	return nil
}

func (c *MemoryClient) ConfigureWebhook(ctx context.Context, numberID string, cfg WebhookConfig) error {
	if err := c.check(ctx, "ConfigureWebhook", numberID); err != nil {
		return err
	}
	return c.patchNumber(numberID, func(n *PhoneNumber) {
		n.WebhookURL = cfg.URL
		n.AgentID = cfg.AgentID
	})
}

func (c *MemoryClient) ClearWebhook(ctx context.Context, numberID string) error {
	if err := c.check(ctx, "ClearWebhook", numberID); err != nil {
		return err
	}
	return c.patchNumber(numberID, func(n *PhoneNumber) {
		n.WebhookURL = ""
		n.AgentID = ""
	})
}

// AddAgent stores a pre-existing agent and returns it with its assigned id.
func (c *MemoryClient) AddAgent(a Agent) Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.ID == "" {
		a.ID = c.nextIDLocked("agent")
	}
	c.agents[a.ID] = a
	return a
}

// AddNumber stores a pre-existing number and returns it with its assigned id.
func (c *MemoryClient) AddNumber(n PhoneNumber) PhoneNumber {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n.ID == "" {
		n.ID = c.nextIDLocked("pn")
	}
	c.numbers[n.ID] = n
	return n
}

func (c *MemoryClient) Agents() map[string]Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Agent, len(c.agents))
	for k, v := range c.agents {
		out[k] = v
	}
	return out
}

func (c *MemoryClient) Numbers() map[string]PhoneNumber {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]PhoneNumber, len(c.numbers))
	for k, v := range c.numbers {
		out[k] = v
	}
	return out
}

// Calls lists the operations invoked so far, in order.
func (c *MemoryClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *MemoryClient) check(ctx context.Context, op, arg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.calls = append(c.calls, op)
	fail := c.Fail
	c.mu.Unlock()
	if fail != nil {
		return fail(op, arg)
	}
	return nil
}

func (c *MemoryClient) patchNumber(id string, fn func(n *PhoneNumber)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.numbers[id]
	if !ok {
		return c.notFound("PATCH", "/phone-numbers/"+id)
	}
	fn(&n)
	c.numbers[id] = n
	return nil
}

func (c *MemoryClient) nextIDLocked(kind string) string {
	c.seq++
	return fmt.Sprintf("%s_%s_%d", c.prefix, kind, c.seq)
}

func (c *MemoryClient) notFound(method, path string) error {
	return &APIError{Provider: c.provider, Method: method, Path: path, StatusCode: 404, Body: `{"error":"not found"}`}
}
