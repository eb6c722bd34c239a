// Package telemetry provides OpenTelemetry tracing and metrics for hookrelay.
//
// Telemetry never crashes the service: exporter setup failures mark the
// instance degraded and the global no-op providers stay in place.
package telemetry

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/hookrelay/internal/config"
)

// Protocols accepted by Config.Protocol.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled         bool
	Endpoint        string
	Protocol        string
	ServiceName     string
	ServiceVersion  string
	Insecure        bool
	SampleRate      float64
	MetricsEnabled  bool
	ExportInterval  time.Duration
	ShutdownTimeout time.Duration
}

// NewDefaultConfig returns telemetry defaults. Telemetry is disabled until
// an OTLP collector is configured.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:        "localhost:4317",
		Protocol:        ProtocolGRPC,
		ServiceName:     "hookrelay",
		ServiceVersion:  "dev",
		Insecure:        true,
		SampleRate:      1.0,
		MetricsEnabled:  true,
		ExportInterval:  15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// FromSettings builds a Config from the file-facing config.TelemetryConfig.
func FromSettings(s config.TelemetryConfig, version string) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = s.Enabled
	if s.Endpoint != "" {
		cfg.Endpoint = s.Endpoint
	}
	if s.Protocol != "" {
		cfg.Protocol = s.Protocol
	}
	if s.ServiceName != "" {
		cfg.ServiceName = s.ServiceName
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	cfg.Insecure = s.Insecure
	cfg.SampleRate = s.SampleRate
	return cfg
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}
	if c.Protocol != ProtocolGRPC && c.Protocol != ProtocolHTTP {
		return fmt.Errorf("protocol must be %q or %q, got %q", ProtocolGRPC, ProtocolHTTP, c.Protocol)
	}
	if c.Insecure && !isLocalEndpoint(c.Endpoint) {
		return fmt.Errorf("insecure connections to remote endpoints are not allowed; set insecure=false or use a local endpoint")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0 and 1, got %f", c.SampleRate)
	}
	if c.MetricsEnabled && c.ExportInterval <= 0 {
		return fmt.Errorf("export interval must be positive when metrics enabled")
	}
	return nil
}

func isLocalEndpoint(endpoint string) bool {
	host := stripScheme(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// stripScheme removes http:// or https://; OTLP exporters expect host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
