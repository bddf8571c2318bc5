package client

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
)

// maxResponseBytes bounds a single response body. A full ledger page is the
// largest payload the server sends.
const maxResponseBytes = 8 << 20

// APIError is returned for any non-2xx response.
type APIError struct {
	Status  int
	Code    string // machine-readable code from the server, e.g. "not_approved"
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// IsCode reports whether err is an *APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client talks to the ledgerd HTTP API.
type Client struct {
	base       string
	httpClient *http.Client

	bearerToken string
	principal   string
	roles       []string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a principal token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithDevPrincipal identifies the caller with the X-Principal and X-Roles
// headers. Only honoured by servers started without a token secret.
func WithDevPrincipal(principal string, roles ...string) Option {
	return func(c *Client) error {
		if principal == "" {
			return errors.New("dev principal must not be empty")
		}
		c.principal = principal
		c.roles = roles
		return nil
	}
}

// New creates a Client for the server at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// ── Ledger ──────────────────────────────────────────────────────────────

// Overview returns the chain length and tail digest.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var out Overview
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Append records a privileged action on behalf of the caller.
func (c *Client) Append(ctx context.Context, rec AppendRequest) (*Entry, error) {
	var out Entry
	if err := c.call(ctx, http.MethodPost, "/api/v1/ledger/entries", nil, rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Entries returns one page of the range [from, to]. to <= 0 means the tail.
// Follow NextFrom to read the rest.
func (c *Client) Entries(ctx context.Context, from, to int64) (*EntryPage, error) {
	var out EntryPage
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/entries", rangeQuery(from, to), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Entry returns the entry at sequence.
func (c *Client) Entry(ctx context.Context, sequence int64) (*Entry, error) {
	var out Entry
	path := "/api/v1/ledger/entries/" + strconv.FormatInt(sequence, 10)
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify asks the server to replay [from, to]. A broken chain is reported in
// the result, not as an error.
func (c *Client) Verify(ctx context.Context, from, to int64) (*VerificationResult, error) {
	var out VerificationResult
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/verify", rangeQuery(from, to), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Approvals ───────────────────────────────────────────────────────────

// CreateApproval opens an approval request with the caller as requester.
func (c *Client) CreateApproval(ctx context.Context, in CreateApprovalRequest) (*ApprovalRequest, error) {
	var out ApprovalRequest
	if err := c.call(ctx, http.MethodPost, "/api/v1/approvals", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetApproval fetches a request by ID.
func (c *Client) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	var out ApprovalRequest
	if err := c.call(ctx, http.MethodGet, "/api/v1/approvals/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListApprovals lists requests, newest first.
func (c *Client) ListApprovals(ctx context.Context, opts ListApprovalsOptions) ([]ApprovalRequest, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Requester != "" {
		q.Set("requester", opts.Requester)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	var out struct {
		Requests []ApprovalRequest `json:"requests"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/approvals", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// Decide records the caller's approve or reject vote.
func (c *Client) Decide(ctx context.Context, id string, approved bool, reason string) (*ApprovalRequest, error) {
	body := struct {
		Approved bool   `json:"approved"`
		Reason   string `json:"reason,omitempty"`
	}{approved, reason}

	var out ApprovalRequest
	path := "/api/v1/approvals/" + url.PathEscape(id) + "/decisions"
	if err := c.call(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute runs the gated action of an approved request.
func (c *Client) Execute(ctx context.Context, id string) (*ApprovalRequest, error) {
	var out ApprovalRequest
	path := "/api/v1/approvals/" + url.PathEscape(id) + "/execute"
	if err := c.call(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Access grants ───────────────────────────────────────────────────────

// Grant converts an approved request into a time-boxed access grant.
func (c *Client) Grant(ctx context.Context, approvalID string, permissions []string, ttl time.Duration) (*Grant, error) {
	body := struct {
		ApprovalRequestID string   `json:"approval_request_id"`
		Permissions       []string `json:"permissions"`
		TTLSeconds        int64    `json:"ttl_seconds"`
	}{approvalID, permissions, int64(ttl / time.Second)}

	var out Grant
	if err := c.call(ctx, http.MethodPost, "/api/v1/access/grants", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetGrant returns a grant and whether it is active now.
func (c *Client) GetGrant(ctx context.Context, id string) (*GrantStatus, error) {
	var out GrantStatus
	if err := c.call(ctx, http.MethodGet, "/api/v1/access/grants/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListActiveGrants returns the grants of subject that are active now.
func (c *Client) ListActiveGrants(ctx context.Context, subject string) ([]Grant, error) {
	var out struct {
		Grants []Grant `json:"grants"`
	}
	q := url.Values{"subject": {subject}}
	if err := c.call(ctx, http.MethodGet, "/api/v1/access/grants", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Grants, nil
}

// Revoke ends a grant early. Revoking twice is not an error.
func (c *Client) Revoke(ctx context.Context, id, reason string) (*Grant, error) {
	body := struct {
		Reason string `json:"reason,omitempty"`
	}{reason}

	var out Grant
	path := "/api/v1/access/grants/" + url.PathEscape(id) + "/revoke"
	if err := c.call(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── transport ───────────────────────────────────────────────────────────

func rangeQuery(from, to int64) url.Values {
	q := url.Values{}
	if from > 0 {
		q.Set("from", strconv.FormatInt(from, 10))
	}
	if to > 0 {
		q.Set("to", strconv.FormatInt(to, 10))
	}
	return q
}

// call sends in as JSON (when non-nil) and decodes the response into out.
func (c *Client) call(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rd io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do executes an HTTP request, attaching the caller's identity.
func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	if c.principal != "" {
		req.Header.Set("X-Principal", c.principal)
		req.Header.Set("X-Roles", strings.Join(c.roles, ","))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			apiErr.Message, apiErr.Code = e.Error, e.Code
		} else {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return nil, apiErr
	}
	return body, nil
}
