package telemetry

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/hookrelay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.True(t, tel.Health().Healthy)
	assert.False(t, tel.Health().Degraded)
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = "collector.example.com:4317"
	cfg.Insecure = true

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled skips checks", func(c *Config) { c.Endpoint = "" }, false},
		{"local insecure ok", func(c *Config) { c.Enabled = true }, false},
		{"ipv6 loopback ok", func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }, false},
		{"remote tls ok", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "https://otel.example.com:4318"
			c.Protocol = ProtocolHTTP
			c.Insecure = false
		}, false},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, true},
		{"bad sample rate", func(c *Config) { c.Enabled = true; c.SampleRate = 2 }, true},
		{"no service name", func(c *Config) { c.Enabled = true; c.ServiceName = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.TelemetryConfig{
		Enabled:     true,
		Endpoint:    "localhost:4318",
		Protocol:    ProtocolHTTP,
		Insecure:    true,
		ServiceName: "relay",
		SampleRate:  0.5,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.Equal(t, "relay", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, 0.5, cfg.SampleRate)
	assert.NoError(t, cfg.Validate())
}

func TestTestTelemetry_RecordsSpans(t *testing.T) {
	tt := NewTestTelemetry()

	_, span := tt.Tracer("test").Start(context.Background(), "webhook.deliver")
	span.SetAttributes(attribute.Int("webhook.events", 3))
	span.End()

	tt.AssertSpanAttribute(t, "webhook.deliver", "webhook.events", int64(3))
}
