package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration. Secrets (the registry passphrase
// and the 2FA API key) never live in this file; they arrive via flags or
// environment.
type Config struct {
	// ListenAddr is the TLS listen address.
	ListenAddr string `yaml:"listen_addr"`

	// TLS certificate and key for the transport.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	// DataDir holds the persisted registries and per-domain data files.
	DataDir string `yaml:"data_dir"`

	// LocalInfoPath is the reference-integrity record for executable
	// attestation.
	LocalInfoPath string `yaml:"local_info"`

	// AuditDBPath is the SQLite audit log location.
	AuditDBPath string `yaml:"audit_db"`

	// FlushIntervalSeconds is the period of the background store flush.
	// Zero disables periodic flushing; shutdown always flushes.
	FlushIntervalSeconds int `yaml:"flush_interval_seconds"`

	// OTP configures one-time-code delivery.
	OTP OTPConfig `yaml:"otp"`
}

// OTPConfig holds the out-of-band code delivery settings.
type OTPConfig struct {
	// Endpoint is the external delivery service URL.
	Endpoint string `yaml:"endpoint"`

	// RetryPerSecond paces delivery retries while the service is
	// unavailable.
	RetryPerSecond float64 `yaml:"retry_per_second"`
}

// LoadConfig loads configuration from a YAML file, falling back to
// defaults when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:           ":12345",
		TLSCert:              "server.crt",
		TLSKey:               "server.key",
		DataDir:              "serverfiles",
		LocalInfoPath:        "localinfo.txt",
		AuditDBPath:          "audit.db",
		FlushIntervalSeconds: 30,
		OTP: OTPConfig{
			Endpoint:       "https://lmpinto.eu.pythonanywhere.com/2FA",
			RetryPerSecond: 1,
		},
	}
}
