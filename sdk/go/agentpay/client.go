// Package agentpay provides a thin Go client for the AgentPay Chain REST API.
// Agents authenticate with an API key to submit payment proposals; owners
// authenticate with their address to review and approve them.
package agentpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Request headers recognised by the server.
const (
	apiKeyHeader = "X-API-Key"
	ownerHeader  = "X-Owner-Address"
)

// Client wraps the HTTP interactions with the AgentPay Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu           sync.RWMutex
	apiKey       string
	ownerAddress string
}

// ProposalSubmission represents the payload required to create a proposal.
type ProposalSubmission struct {
	RecipientAddress string            `json:"recipient_address"`
	Amount           string            `json:"amount"`
	Token            string            `json:"token"`
	ChainID          int64             `json:"chain_id"`
	Reason           string            `json:"reason,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	BudgetID         string            `json:"budget_id,omitempty"`
}

// Proposal mirrors the server side view of a payment proposal.
type Proposal struct {
	ID               string            `json:"id"`
	AgentID          string            `json:"agent_id"`
	OwnerAddress     string            `json:"owner_address"`
	RecipientAddress string            `json:"recipient_address"`
	Amount           string            `json:"amount"`
	Token            string            `json:"token"`
	ChainID          int64             `json:"chain_id"`
	Status           string            `json:"status"`
	Reason           string            `json:"reason,omitempty"`
	RejectionReason  string            `json:"rejection_reason,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	TxHash           string            `json:"tx_hash,omitempty"`
	CreatedAt        int64             `json:"created_at"`
	UpdatedAt        int64             `json:"updated_at"`
}

// Outcome describes the auto-execution decision attached to a submission.
type Outcome struct {
	Executed bool   `json:"executed"`
	Reason   string `json:"reason,omitempty"`
	TxHash   string `json:"tx_hash,omitempty"`
}

// SubmissionResult bundles the stored proposal with the auto-execution outcome.
type SubmissionResult struct {
	Proposal *Proposal `json:"proposal"`
	Outcome  *Outcome  `json:"outcome,omitempty"`
}

// Terminal proposal states. Polling stops once one of these is reached.
const (
	StatusRejected = "rejected"
	StatusExecuted = "executed"
	StatusFailed   = "failed"
)

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentpay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentpay api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentPay Chain API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey stores the agent API key used on proposal submission calls.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// SetOwnerAddress stores the owner address used on owner-facing calls.
func (c *Client) SetOwnerAddress(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ownerAddress = address
}

// SubmitProposal creates a payment proposal on behalf of the agent.
func (c *Client) SubmitProposal(ctx context.Context, submission ProposalSubmission) (*SubmissionResult, error) {
	var result SubmissionResult
	if err := c.post(ctx, "/api/v1/proposals", submission, &result, authAgent); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetProposal fetches a proposal by identifier as the owner.
func (c *Client) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	var p Proposal
	if err := c.get(ctx, "/api/v1/proposals/"+url.PathEscape(id), &p, authOwner); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProposals returns the owner's proposals, optionally filtered by status.
func (c *Client) ListProposals(ctx context.Context, status string) ([]*Proposal, error) {
	endpoint := "/api/v1/proposals"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var body struct {
		Proposals []*Proposal `json:"proposals"`
	}
	if err := c.get(ctx, endpoint, &body, authOwner); err != nil {
		return nil, err
	}
	return body.Proposals, nil
}

// ApproveProposal approves a pending proposal as the owner.
func (c *Client) ApproveProposal(ctx context.Context, id string) (*Proposal, error) {
	var p Proposal
	if err := c.post(ctx, "/api/v1/proposals/"+url.PathEscape(id)+"/approve", nil, &p, authOwner); err != nil {
		return nil, err
	}
	return &p, nil
}

// RejectProposal rejects a pending proposal with a reason.
func (c *Client) RejectProposal(ctx context.Context, id, reason string) (*Proposal, error) {
	var p Proposal
	payload := map[string]string{"reason": reason}
	if err := c.post(ctx, "/api/v1/proposals/"+url.PathEscape(id)+"/reject", payload, &p, authOwner); err != nil {
		return nil, err
	}
	return &p, nil
}

// WaitForProposal polls a proposal until it reaches a terminal state or the
// context is cancelled.
func (c *Client) WaitForProposal(ctx context.Context, id string, interval time.Duration) (*Proposal, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p, err := c.GetProposal(ctx, id)
		if err != nil {
			return nil, err
		}
		switch p.Status {
		case StatusRejected, StatusExecuted, StatusFailed:
			return p, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type authMode int

const (
	authNone authMode = iota
	authAgent
	authOwner
)

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, mode authMode) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body, mode)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, mode authMode) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, mode)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, mode authMode) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.mu.RLock()
	apiKey, owner := c.apiKey, c.ownerAddress
	c.mu.RUnlock()
	switch mode {
	case authAgent:
		if apiKey == "" {
			return nil, errors.New("agentpay: api key is not set")
		}
		req.Header.Set(apiKeyHeader, apiKey)
	case authOwner:
		if owner == "" {
			return nil, errors.New("agentpay: owner address is not set")
		}
		req.Header.Set(ownerHeader, owner)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
