package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/havocsh/havoc-sub000/pkg/auth"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

// Client is a signing HTTP client for the control-plane API. Every call
// carries the three signature headers computed from the credential.
type Client struct {
	baseURL   string
	apiKey    string
	secret    string
	region    string
	apiDomain string

	httpClient *http.Client
}

// Config holds the credential and deployment coordinates
type Config struct {
	BaseURL   string
	APIKey    string
	Secret    string
	Region    string
	APIDomain string
	Timeout   time.Duration
}

// New creates an API client
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		secret:    cfg.Secret,
		region:    cfg.Region,
		apiDomain: cfg.APIDomain,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Response is the decoded response envelope. Fields carries the
// resource-specific payload for the caller to decode further.
type Response struct {
	Outcome string `json:"outcome"`
	Message string `json:"message"`

	Status int             `json:"-"`
	Fields json.RawMessage `json:"-"`
}

// Success reports whether the call succeeded
func (r *Response) Success() bool {
	return r.Outcome == types.OutcomeSuccess
}

// Decode unmarshals the full response payload into v
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Fields, v)
}

// Call sends one request envelope to the control-plane API
func (c *Client) Call(ctx context.Context, command, resource string, detail any) (*Response, error) {
	var raw json.RawMessage
	if detail != nil {
		data, err := json.Marshal(detail)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal detail: %w", err)
		}
		raw = data
	}
	return c.post(ctx, "/api", &types.Request{
		Command:  command,
		Resource: resource,
		Detail:   raw,
	})
}

// RegisterTask announces a worker to the control plane
func (c *Client) RegisterTask(ctx context.Context, req any) (*Response, error) {
	return c.post(ctx, "/register_task", req)
}

// GetCommands drains the worker's pending instructions
func (c *Client) GetCommands(ctx context.Context, taskName string) ([]*types.Instruction, error) {
	resp, err := c.post(ctx, "/get_commands", map[string]string{"task_name": taskName})
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, fmt.Errorf("get_commands failed: %s", resp.Message)
	}
	var payload struct {
		Instructions []*types.Instruction `json:"instructions"`
	}
	if err := resp.Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode instructions: %w", err)
	}
	return payload.Instructions, nil
}

// PostResults delivers one command's output
func (c *Client) PostResults(ctx context.Context, res *types.TaskResult) (*Response, error) {
	return c.post(ctx, "/post_results", res)
}

func (c *Client) post(ctx context.Context, path string, body any) (*Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	sigDate, signature := auth.SignNow(c.secret, c.region, c.apiDomain, c.apiKey, time.Now())
	req.Header.Set(auth.HeaderAPIKey, c.apiKey)
	req.Header.Set(auth.HeaderSigDate, sigDate)
	req.Header.Set(auth.HeaderSignature, signature)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	resp := &Response{
		Status: httpResp.StatusCode,
		Fields: raw,
	}
	if err := json.Unmarshal(raw, resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}
