package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhookRequest() Request {
	return Request{
		TenantID:     uuid.New(),
		TriggerID:    uuid.New(),
		ExecutionID:  uuid.New(),
		Attempt:      2,
		TargetModule: "lxp",
		Action:       "assign_course",
		ActionConfig: map[string]any{"course_id": "leadership-101"},
		Payload:      map[string]any{"employee_id": "e-7"},
	}
}

func TestWebhookHandler_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"enrollment_id":"en-1"}`))
	}))
	defer server.Close()

	out, err := NewWebhookHandler(server.URL, "secret", nil).Handle(context.Background(), webhookRequest())
	require.NoError(t, err)
	assert.Equal(t, "en-1", out["enrollment_id"])
	assert.Equal(t, http.StatusOK, out["status_code"])
}

func TestWebhookHandler_NullBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`null`))
	}))
	defer server.Close()

	out, err := NewWebhookHandler(server.URL, "secret", nil).Handle(context.Background(), webhookRequest())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out["status_code"])
}

func TestWebhookHandler_RequestShape(t *testing.T) {
	var (
		gotHeaders http.Header
		gotMethod  string
		gotBody    []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	req := webhookRequest()
	_, err := NewWebhookHandler(server.URL, "my-secret", nil).Handle(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, req.ExecutionID.String(), gotHeaders.Get(ExecutionIDHeader))
	assert.Equal(t, "2", gotHeaders.Get(AttemptHeader))
	assert.True(t, VerifySignature("my-secret", gotBody, gotHeaders.Get(SignatureHeader)))

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, req.TenantID.String(), payload.TenantID)
	assert.Equal(t, req.TriggerID.String(), payload.TriggerID)
	assert.Equal(t, "assign_course", payload.Action)
	assert.Equal(t, "leadership-101", payload.ActionConfig["course_id"])
	assert.Equal(t, "e-7", payload.Payload["employee_id"])
}

func TestWebhookHandler_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusUnprocessableEntity, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := NewWebhookHandler(server.URL, "s", nil).Handle(context.Background(), webhookRequest())
			require.Error(t, err)

			var he *HandlerError
			require.True(t, errors.As(err, &he))
			assert.Equal(t, tt.transient, he.Transient)
		})
	}
}

func TestWebhookHandler_ConnectionError(t *testing.T) {
	_, err := NewWebhookHandler("http://127.0.0.1:1", "s", nil).Handle(context.Background(), webhookRequest())
	require.Error(t, err)

	out := outcomeFromError(err)
	assert.True(t, out.Transient)
}

func TestWebhookHandler_ContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewWebhookHandler(server.URL, "s", nil).Handle(ctx, webhookRequest())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"execution_id":"x"}`)
	sig := computeSignature("secret", body)

	assert.True(t, VerifySignature("secret", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("secret", []byte(`{"execution_id":"y"}`), sig))
	assert.Equal(t, sig, computeSignature("secret", body), "signature is deterministic")
}

type recordedDelivery struct {
	module string
	class  string
}

type webhookMetricsRecorder struct {
	deliveries []recordedDelivery
}

func (r *webhookMetricsRecorder) WebhookDelivered(module, class string, _ time.Duration) {
	r.deliveries = append(r.deliveries, recordedDelivery{module, class})
}

func TestWebhookHandler_Metrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	rec := &webhookMetricsRecorder{}
	_, err := NewWebhookHandler(server.URL, "secret", nil).WithMetrics(rec).Handle(context.Background(), webhookRequest())
	require.Error(t, err)

	_, err = NewWebhookHandler("http://127.0.0.1:1", "secret", nil).WithMetrics(rec).Handle(context.Background(), webhookRequest())
	require.Error(t, err)

	require.Len(t, rec.deliveries, 2)
	assert.Equal(t, recordedDelivery{"lxp", StatusClass5xx}, rec.deliveries[0])
	assert.Equal(t, recordedDelivery{"lxp", StatusClassConnectionError}, rec.deliveries[1])
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		err        error
		want       string
	}{
		{"200 OK", 200, nil, StatusClass2xx},
		{"204 No Content", 204, nil, StatusClass2xx},
		{"299 boundary", 299, nil, StatusClass2xx},
		{"404 Not Found", 404, nil, StatusClass4xx},
		{"429 Rate Limit", 429, nil, StatusClass4xx},
		{"500 Internal Server Error", 500, nil, StatusClass5xx},
		{"503 Service Unavailable", 503, nil, StatusClass5xx},
		{"302 redirect", 302, nil, StatusClassOtherError},
		{"context timeout", 0, errors.New("context deadline exceeded"), StatusClassTimeout},
		{"Timeout uppercase", 0, errors.New("Timeout exceeded"), StatusClassTimeout},
		{"connection refused", 0, errors.New("connection refused"), StatusClassConnectionError},
		{"no such host", 0, errors.New("no such host"), StatusClassConnectionError},
		{"dial error", 0, errors.New("dial tcp 127.0.0.1:80: connect: refused"), StatusClassConnectionError},
		{"generic error", 0, errors.New("unknown error"), StatusClassOtherError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyStatus(tt.statusCode, tt.err))
		})
	}
}
