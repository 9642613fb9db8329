package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const apiBase = "/api/playbooks/v1"

type playbookClient struct {
	baseURL string
	user    string
	role    string
	token   string
	http    *http.Client
}

func newClient() *playbookClient {
	return &playbookClient{
		baseURL: strings.TrimRight(viper.GetString("server"), "/"),
		user:    viper.GetString("user"),
		role:    strings.ToUpper(viper.GetString("role")),
		token:   viper.GetString("token"),
		http: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// apiError is a non-2xx response. Code is the machine readable error
// returned by the server, such as STALE_DRAFT or APPROVAL_REQUIRED.
type apiError struct {
	Status  int
	Code    string
	Message string
	Details json.RawMessage
}

func (e *apiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, msg)
}

// getJSON performs a GET request and decodes the response.
func (c *playbookClient) getJSON(path string, v any) error {
	_, err := c.do(http.MethodGet, path, nil, v)
	return err
}

// postJSON performs a POST request with a JSON body and decodes the
// response. It returns the response status.
func (c *playbookClient) postJSON(path string, body any, v any) (int, error) {
	return c.do(http.MethodPost, path, body, v)
}

func (c *playbookClient) do(method, path string, body any, v any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal error: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("request creation failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.user != "" {
		req.Header.Set("X-Remote-User", c.user)
	}
	if c.role != "" {
		req.Header.Set("X-User-Role", c.role)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if project := viper.GetString("project"); project != "" {
		req.Header.Set("X-Project-ID", project)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &apiError{Status: resp.StatusCode}
		var parsed struct {
			Error   string          `json:"error"`
			Message string          `json:"message"`
			Details json.RawMessage `json:"details"`
		}
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
			apiErr.Code, apiErr.Message, apiErr.Details = parsed.Error, parsed.Message, parsed.Details
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return resp.StatusCode, apiErr
	}

	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return resp.StatusCode, fmt.Errorf("decode error: %w", err)
		}
	}
	return resp.StatusCode, nil
}
