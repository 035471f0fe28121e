package config

import "os"

// Config holds kernel process configuration, sourced from the environment.
type Config struct {
	ListenAddr    string
	LogLevel      string
	LedgerDir     string
	ProfilesDir   string
	ActiveProfile string
	RedisURL      string // optional; empty uses the in-process bounded map
	BreakGlass    bool

	OTLPEndpoint       string // optional; empty disables OpenTelemetry export
	OTLPInsecure       bool
	ObservabilityService string
}

// Load loads configuration from environment variables.
func Load() *Config {
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	ledgerDir := os.Getenv("LEDGER_DIR")
	if ledgerDir == "" {
		ledgerDir = "./ledgers"
	}

	profilesDir := os.Getenv("POLICY_PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "./profiles"
	}

	activeProfile := os.Getenv("POLICY_PROFILE")
	if activeProfile == "" {
		activeProfile = "default"
	}

	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		serviceName = "agent-kernel"
	}

	return &Config{
		ListenAddr:    addr,
		LogLevel:      logLevel,
		LedgerDir:     ledgerDir,
		ProfilesDir:   profilesDir,
		ActiveProfile: activeProfile,
		RedisURL:      os.Getenv("REDIS_URL"),
		BreakGlass:    os.Getenv("KERNEL_BREAK_GLASS") == "true",

		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:         os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		ObservabilityService: serviceName,
	}
}
