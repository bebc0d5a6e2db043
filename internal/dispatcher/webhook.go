package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader   = "X-Mizan-Signature"
	ExecutionIDHeader = "X-Mizan-Execution-ID"
	AttemptHeader     = "X-Mizan-Attempt"

	maxResponseBytes = 1 << 20
)

// WebhookPayload is the JSON body posted to external module endpoints.
type WebhookPayload struct {
	TenantID     string         `json:"tenant_id"`
	TriggerID    string         `json:"trigger_id"`
	ExecutionID  string         `json:"execution_id"`
	Attempt      int            `json:"attempt"`
	TargetModule string         `json:"target_module"`
	Action       string         `json:"action"`
	ActionConfig map[string]any `json:"action_config"`
	Payload      map[string]any `json:"payload"`
}

// Status classes reported to WebhookMetrics.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// WebhookMetrics records webhook deliveries. Implementations must not block.
type WebhookMetrics interface {
	WebhookDelivered(targetModule, statusClass string, duration time.Duration)
}

// WebhookHandler forwards an action to a module reachable over HTTP.
// Response classes: 2xx succeeds, 429/5xx and network errors are transient,
// any other status is permanent.
type WebhookHandler struct {
	url     string
	secret  string
	client  *http.Client
	metrics WebhookMetrics // optional
}

// NewWebhookHandler returns a handler posting to url. A nil client uses one
// without its own timeout; the dispatcher deadline applies.
func NewWebhookHandler(url, secret string, client *http.Client) *WebhookHandler {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookHandler{url: url, secret: secret, client: client}
}

// WithMetrics attaches a metrics sink to the handler.
func (h *WebhookHandler) WithMetrics(m WebhookMetrics) *WebhookHandler {
	h.metrics = m
	return h
}

func (h *WebhookHandler) observe(module string, statusCode int, err error, d time.Duration) {
	if h.metrics != nil {
		h.metrics.WebhookDelivered(module, ClassifyStatus(statusCode, err), d)
	}
}

func (h *WebhookHandler) Handle(ctx context.Context, req Request) (map[string]any, error) {
	body, err := json.Marshal(WebhookPayload{
		TenantID:     req.TenantID.String(),
		TriggerID:    req.TriggerID.String(),
		ExecutionID:  req.ExecutionID.String(),
		Attempt:      req.Attempt,
		TargetModule: req.TargetModule,
		Action:       req.Action,
		ActionConfig: req.ActionConfig,
		Payload:      req.Payload,
	})
	if err != nil {
		return nil, Invalid(fmt.Errorf("marshal webhook payload: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(ExecutionIDHeader, req.ExecutionID.String())
	httpReq.Header.Set(AttemptHeader, strconv.Itoa(req.Attempt))
	httpReq.Header.Set(SignatureHeader, computeSignature(h.secret, body))

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		h.observe(req.TargetModule, 0, err, time.Since(start))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Failure(fmt.Errorf("send: %w", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	result := webhookResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
	h.observe(req.TargetModule, resp.StatusCode, nil, result.Duration)

	if !result.IsSuccess() {
		err := fmt.Errorf("%s responded %d", h.url, resp.StatusCode)
		if result.IsRetryable() {
			return nil, Failure(err)
		}
		return nil, Permanent(err)
	}

	output := map[string]any{}
	if len(bytes.TrimSpace(respBody)) > 0 {
		// Non-object bodies are ignored.
		if err := json.Unmarshal(respBody, &output); err != nil || output == nil {
			output = map[string]any{}
		}
	}
	output["status_code"] = result.StatusCode
	output["duration_ms"] = result.Duration.Milliseconds()
	return output, nil
}

type webhookResult struct {
	StatusCode int
	Duration   time.Duration
}

func (r webhookResult) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func (r webhookResult) IsRetryable() bool {
	return r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500
}

// ClassifyStatus maps a status code and transport error to a status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
			return StatusClassTimeout
		case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
			strings.Contains(msg, "network is unreachable") || strings.Contains(msg, "dial"):
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for module endpoints to verify incoming webhooks.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
