package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudbro-kube-ai/querypilot/pkg/ai/providers"
	"github.com/cloudbro-kube-ai/querypilot/pkg/config"
)

// ErrNotConfigured is returned when the provider has no usable credentials.
var ErrNotConfigured = errors.New("AI provider not ready - check API key and endpoint configuration")

// Client wraps an LLM provider with additional functionality
type Client struct {
	cfg      *config.LLMConfig
	provider providers.Provider
}

// NewClient creates a new AI client using the provider factory
func NewClient(cfg *config.LLMConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm config is nil")
	}
	providerCfg := &providers.ProviderConfig{
		Provider:      cfg.Provider,
		Model:         cfg.Model,
		Endpoint:      cfg.Endpoint,
		APIKey:        cfg.APIKey,
		SkipTLSVerify: cfg.SkipTLSVerify,
		Timeout:       cfg.Timeout,
	}

	provider, err := providers.GetFactory().Create(providerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	// Wrap with retry logic if configured
	if cfg.RetryEnabled {
		retryCfg := &providers.RetryConfig{
			MaxAttempts: cfg.MaxRetries,
			MaxBackoff:  cfg.MaxBackoff,
			JitterRatio: 0.1,
		}
		if retryCfg.MaxAttempts == 0 {
			retryCfg.MaxAttempts = 5
		}
		if retryCfg.MaxBackoff == 0 {
			retryCfg.MaxBackoff = 10.0
		}
		provider = providers.CreateWithRetry(provider, retryCfg)
	}

	return &Client{cfg: cfg, provider: provider}, nil
}

// NewClientWithProvider wraps an already constructed provider.
func NewClientWithProvider(p providers.Provider) *Client {
	return &Client{cfg: &config.LLMConfig{Provider: p.Name(), Model: p.GetModel()}, provider: p}
}

// AskNonStreaming sends a prompt and returns the full response
func (c *Client) AskNonStreaming(ctx context.Context, prompt string) (string, error) {
	if c == nil || c.provider == nil {
		return "", fmt.Errorf("AI provider not initialized")
	}
	if !c.provider.IsReady() {
		return "", ErrNotConfigured
	}
	return c.provider.AskNonStreaming(ctx, prompt)
}

// ConnectionStatus represents the detailed status of an LLM connection test
type ConnectionStatus struct {
	Connected    bool   `json:"connected"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Endpoint     string `json:"endpoint"`
	ResponseTime int64  `json:"response_time_ms"`
	Error        string `json:"error,omitempty"`
	Message      string `json:"message,omitempty"`
}

// TestConnection performs a round trip and reports how it went.
func (c *Client) TestConnection(ctx context.Context) *ConnectionStatus {
	status := &ConnectionStatus{
		Provider: c.GetProvider(),
		Model:    c.GetModel(),
		Endpoint: c.GetEndpoint(),
	}

	if c == nil || c.provider == nil {
		status.Error = "AI provider not initialized"
		return status
	}
	if !c.IsReady() {
		status.Error = ErrNotConfigured.Error()
		return status
	}

	start := time.Now()
	_, err := c.AskNonStreaming(ctx, "Reply with: SELECT 1")
	status.ResponseTime = time.Since(start).Milliseconds()

	if err != nil {
		status.Error = err.Error()
		if status.Provider == "ollama" {
			status.Message = "Ensure Ollama is running at " + status.Endpoint
		}
		return status
	}

	status.Connected = true
	status.Message = fmt.Sprintf("Successfully connected to %s (%s)", status.Provider, status.Model)
	return status
}

// GetEndpoint returns the configured endpoint (or default for the provider)
func (c *Client) GetEndpoint() string {
	if c == nil || c.cfg == nil {
		return ""
	}
	if c.cfg.Endpoint != "" {
		return c.cfg.Endpoint
	}
	switch c.cfg.Provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "gemini":
		return "https://generativelanguage.googleapis.com/v1beta"
	case "ollama":
		return "http://localhost:11434"
	default:
		return ""
	}
}

// ListModels returns available models from the provider
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	if c == nil || c.provider == nil {
		return nil, fmt.Errorf("AI provider not initialized")
	}
	return c.provider.ListModels(ctx)
}

// IsReady returns true if the client is configured and ready to use
func (c *Client) IsReady() bool {
	if c == nil || c.provider == nil {
		return false
	}
	return c.provider.IsReady()
}

// GetModel returns the current model name
func (c *Client) GetModel() string {
	if c == nil || c.provider == nil {
		return ""
	}
	return c.provider.GetModel()
}

// GetProvider returns the current provider name
func (c *Client) GetProvider() string {
	if c == nil || c.provider == nil {
		return ""
	}
	return c.provider.Name()
}

// GetAvailableProviders returns a list of available provider names
func GetAvailableProviders() string {
	return providers.GetFactory().ListProviders()
}
