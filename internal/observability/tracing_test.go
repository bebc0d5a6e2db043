package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Annas82200/mizan-triggers/internal/config"
)

func TestSetupTracing_Disabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), config.Config{}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		in       string
		host     string
		insecure bool
	}{
		{"localhost:4317", "localhost:4317", true},
		{"http://collector:4317", "collector:4317", true},
		{"https://otel.example.com:443/", "otel.example.com:443", false},
	}
	for _, tt := range tests {
		host, insecure := endpointHost(tt.in)
		assert.Equal(t, tt.host, host, tt.in)
		assert.Equal(t, tt.insecure, insecure, tt.in)
	}
}

func TestSampler_Description(t *testing.T) {
	assert.Contains(t, Sampler(0.5).Description(), "TraceIDRatioBased{0.5}")
	assert.Contains(t, Sampler(7).Description(), "TraceIDRatioBased{0.1}")
}
