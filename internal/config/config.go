// Package config provides configuration loading for the container agent.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the container agent.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Workspace settings
	WorkspaceRoot string

	// Auth settings
	AuthServerURL string
	JWKSEndpoint  string
	JWTAudience   string
	JWTIssuer     string

	// Orchestrator (Fly Machines) settings
	FlyAPIToken  string
	FlyAppName   string
	FlyImageRef  string
	FlyMachineID string

	// AppHost is the public hostname clients use to reach this agent's own
	// proxy routes (e.g. in port-open event URLs).
	AppHost string

	// PortScanner settings
	PortScanInterval time.Duration
	PortScanExclude  []uint16

	// FSWatcherRegistry settings
	WatchStabilityThreshold time.Duration
	WatchPollInterval       time.Duration

	// ProcessSupervisor settings
	PTYHelperPath string
	DefaultShell  string
	DefaultRows   int
	DefaultCols   int
	COEP          string

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// ProxyBridge settings
	ProxyHTTPPort      int
	ProxyWSPort        int
	DefaultPreviewPort int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	workspaceRoot := getEnv("WORKSPACE_ROOT", "/workspace")

	cfg := &Config{
		Port:           getEnvInt("PORT", 8080),
		Host:           getEnv("HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		WorkspaceRoot: workspaceRoot,

		AuthServerURL: getEnv("AUTH_SERVER_URL", "https://auth.agent8.internal"),
		JWKSEndpoint:  getEnv("JWKS_ENDPOINT", ""),
		JWTAudience:   getEnv("JWT_AUDIENCE", "container-agent"),
		JWTIssuer:     getEnv("JWT_ISSUER", ""),

		FlyAPIToken:  getEnv("FLY_API_TOKEN", ""),
		FlyAppName:   getEnv("FLY_APP_NAME", ""),
		FlyImageRef:  getEnv("FLY_IMAGE_REF", ""),
		FlyMachineID: getEnv("FLY_MACHINE_ID", ""),
		AppHost:      getEnv("APP_HOST", ""),

		PortScanInterval: getEnvDuration("PORT_SCAN_INTERVAL", 2*time.Second),
		PortScanExclude:  getEnvUint16Slice("PORT_SCAN_EXCLUDE", nil),

		WatchStabilityThreshold: getEnvDuration("WATCH_STABILITY_THRESHOLD", 300*time.Millisecond),
		WatchPollInterval:       getEnvDuration("WATCH_POLL_INTERVAL", 100*time.Millisecond),

		PTYHelperPath: getEnv("PTY_HELPER_PATH", ""),
		DefaultShell:  getEnv("DEFAULT_SHELL", "/bin/bash"),
		DefaultRows:   getEnvInt("DEFAULT_ROWS", 24),
		DefaultCols:   getEnvInt("DEFAULT_COLS", 80),
		COEP:          getEnv("COEP", "require-corp"),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 4096),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),

		ProxyWSPort:        getEnvInt("PROXY_WS_PORT", 3000),
		DefaultPreviewPort: getEnvInt("PROXY_DEFAULT_PREVIEW_PORT", 5174),
	}

	if cfg.JWKSEndpoint == "" && cfg.AuthServerURL != "" {
		cfg.JWKSEndpoint = strings.TrimRight(cfg.AuthServerURL, "/") + "/.well-known/jwks.json"
	}
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = cfg.AuthServerURL
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = deriveAllowedOrigins(cfg.AuthServerURL)
	}
	if cfg.AppHost == "" && cfg.FlyAppName != "" {
		cfg.AppHost = cfg.FlyAppName + ".fly.dev"
	}

	return cfg, nil
}

// OriginAllowed reports whether origin is permitted by allowed, which may
// contain exact origins, "*" (allow everything), or "https://*.domain"
// wildcard entries matching any subdomain of domain.
func OriginAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if idx := strings.Index(a, "*."); idx != -1 {
			scheme := a[:idx]
			suffix := a[idx+1:]
			if strings.HasPrefix(origin, scheme) && strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}
	return false
}

// deriveAllowedOrigins extracts allowed origins from the auth server URL,
// permitting the auth domain and its workspace subdomains.
func deriveAllowedOrigins(authServerURL string) []string {
	host := authServerURL
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")

	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}

	baseDomain := host
	if strings.HasPrefix(baseDomain, "auth.") {
		baseDomain = baseDomain[len("auth."):]
	}

	if baseDomain == "" {
		return []string{"*"}
	}

	return []string{
		authServerURL,
		"https://*." + baseDomain,
	}
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// getEnvUint16Slice returns a slice of ports from a comma-separated environment variable.
func getEnvUint16Slice(key string, defaultValue []uint16) []uint16 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]uint16, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		n, err := strconv.ParseUint(trimmed, 10, 16)
		if err != nil {
			continue
		}
		result = append(result, uint16(n))
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
