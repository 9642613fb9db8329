// Package openai is a suggest.Provider backed by an OpenAI compatible
// chat completions endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/seoforge/playbook-engine/pkg/playbook/suggest"
)

// Config configures the chat completions client.
type Config struct {
	BaseURL     string  // Default https://api.openai.com/v1.
	APIKey      string  // Required.
	Model       string  // Default gpt-4o-mini.
	Temperature float64 // Default 0.4.
	MaxTokens   int     // Default 120.
}

// DefaultConfig returns the default client configuration without a key.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4o-mini",
		Temperature: 0.4,
		MaxTokens:   120,
	}
}

// ConfigFromEnv loads config from environment variables.
// PLAYBOOK_OPENAI_BASE_URL, PLAYBOOK_OPENAI_API_KEY (or OPENAI_API_KEY),
// PLAYBOOK_OPENAI_MODEL, PLAYBOOK_OPENAI_TEMPERATURE, PLAYBOOK_OPENAI_MAX_TOKENS
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("PLAYBOOK_OPENAI_BASE_URL"); v != "" {
		cfg.BaseURL = strings.TrimRight(v, "/")
	}
	cfg.APIKey = os.Getenv("PLAYBOOK_OPENAI_API_KEY")
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if v := os.Getenv("PLAYBOOK_OPENAI_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("PLAYBOOK_OPENAI_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 2 {
			cfg.Temperature = f
		}
	}
	if v := os.Getenv("PLAYBOOK_OPENAI_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxTokens = n
		}
	}

	return cfg
}

// Client calls the chat completions API. Timeouts come from the caller's
// context; the generator sets one per attempt.
type Client struct {
	cfg  *Config
	http *http.Client
}

var _ suggest.Provider = (*Client)(nil)

// New creates a Client. A nil httpClient uses http.DefaultClient.
func New(cfg *Config, httpClient *http.Client) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{cfg: cfg, http: httpClient}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

const systemPrompt = "You write concise search engine metadata for an online store."

// Complete sends prompt as a single user message and returns the first
// choice. Failures that mean the model was never reached (transport
// errors, rejected credentials, gateway errors) wrap suggest.ErrUnavailable.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", fmt.Errorf("%w: no api key configured", suggest.ErrUnavailable)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal error: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("request creation failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", suggest.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("chat completions returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if unreachable(resp.StatusCode) {
			return "", errors.Join(suggest.ErrUnavailable, err)
		}
		return "", err
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode error: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("chat completions error (%s): %s", out.Error.Type, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return out.Choices[0].Message.Content, nil
}

func unreachable(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
