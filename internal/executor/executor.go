// Package executor performs the gated action of an approved request by
// POSTing a signed execution order to the webhook configured for the
// request's action.
package executor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/quorumledger/internal/approval"
)

// SignatureHeader carries the HMAC-SHA256 signature of the request body.
const SignatureHeader = "X-Quorum-Signature"

// maxResponseBytes bounds how much of the executor's reply is kept as the
// execution result.
const maxResponseBytes = 64 << 10

// ErrNoExecutor is returned when no webhook is configured for an action.
var ErrNoExecutor = errors.New("no executor configured for action")

// Target is the webhook that performs one kind of action.
type Target struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
}

// Order is the body POSTed to a Target.
type Order struct {
	RequestID   uuid.UUID           `json:"request_id"`
	Action      string              `json:"action"`
	SubjectType string              `json:"subject_type"`
	SubjectID   string              `json:"subject_id"`
	Details     json.RawMessage     `json:"details"`
	Requester   string              `json:"requester"`
	Decisions   []approval.Decision `json:"decisions"`
	ExecutedBy  string              `json:"executed_by"`
	IssuedAt    time.Time           `json:"issued_at"`
}

// MetricsRecorder is an optional callback invoked after every delivery.
type MetricsRecorder func(action string, success bool)

// Executor dispatches execution orders to their targets. Each order is sent
// exactly once; a failure is surfaced to the caller, who may execute again.
type Executor struct {
	targets    map[string]Target
	httpClient *http.Client
	onMetrics  MetricsRecorder
	logger     *zap.Logger
}

// New creates an Executor for targets keyed by action name.
func New(targets map[string]Target, timeout time.Duration, logger *zap.Logger) *Executor {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Executor{
		targets:    targets,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// SetMetricsRecorder configures the delivery callback.
func (e *Executor) SetMetricsRecorder(fn MetricsRecorder) {
	e.onMetrics = fn
}

// Has reports whether a target is configured for action.
func (e *Executor) Has(action string) bool {
	_, ok := e.targets[action]
	return ok
}

// For returns the approval.ActionFunc that performs r's action on behalf of
// executedBy.
func (e *Executor) For(executedBy string) approval.ActionFunc {
	return func(ctx context.Context, r *approval.Request) (any, error) {
		target, ok := e.targets[r.Action]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoExecutor, r.Action)
		}
		return e.send(ctx, target, Order{
			RequestID:   r.ID,
			Action:      r.Action,
			SubjectType: r.SubjectType,
			SubjectID:   r.SubjectID,
			Details:     r.Details,
			Requester:   r.Requester,
			Decisions:   r.Decisions,
			ExecutedBy:  executedBy,
			IssuedAt:    time.Now().UTC(),
		})
	}
}

func (e *Executor) send(ctx context.Context, target Target, order Order) (any, error) {
	body, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("marshal execution order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build execution request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if target.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, target.Secret))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.delivered(order, false)
		return nil, fmt.Errorf("deliver execution order: %w", err)
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.delivered(order, false)
		e.logger.Warn("executor rejected order",
			zap.String("request_id", order.RequestID.String()),
			zap.String("action", order.Action),
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("executor returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(reply)))
	}

	e.delivered(order, true)
	e.logger.Info("execution order delivered",
		zap.String("request_id", order.RequestID.String()),
		zap.String("action", order.Action),
		zap.Int("status", resp.StatusCode),
	)
	return result(resp.StatusCode, reply), nil
}

func (e *Executor) delivered(order Order, success bool) {
	if e.onMetrics != nil {
		e.onMetrics(order.Action, success)
	}
}

// result keeps a JSON reply as-is and wraps anything else as text.
func result(status int, reply []byte) any {
	if len(bytes.TrimSpace(reply)) > 0 && json.Valid(reply) {
		return json.RawMessage(reply)
	}
	return map[string]any{"status": status, "body": string(reply)}
}

// Sign computes the HMAC-SHA256 signature of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
