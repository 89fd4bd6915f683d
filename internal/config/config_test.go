package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WORKSPACE_ROOT", "/workspace")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.PortScanInterval != 2*time.Second {
		t.Fatalf("PortScanInterval = %v, want 2s", cfg.PortScanInterval)
	}
	if cfg.WatchStabilityThreshold != 300*time.Millisecond {
		t.Fatalf("WatchStabilityThreshold = %v, want 300ms", cfg.WatchStabilityThreshold)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("AllowedOrigins = %v, want 2 entries derived from the default auth server", cfg.AllowedOrigins)
	}
}

func TestLoadDefaultsWorkspaceRootWhenUnset(t *testing.T) {
	t.Setenv("WORKSPACE_ROOT", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkspaceRoot != "/workspace" {
		t.Fatalf("WorkspaceRoot = %q, want default /workspace", cfg.WorkspaceRoot)
	}
}

func TestDeriveAllowedOriginsFromAuthServer(t *testing.T) {
	got := deriveAllowedOrigins("https://auth.agent8.dev")
	want := []string{"https://auth.agent8.dev", "https://*.agent8.dev"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("deriveAllowedOrigins = %v, want %v", got, want)
	}
}

func TestDeriveAllowedOriginsEmptyFallsBackToWildcard(t *testing.T) {
	got := deriveAllowedOrigins("")
	if len(got) != 1 || got[0] != "*" {
		t.Fatalf("deriveAllowedOrigins(\"\") = %v, want [*]", got)
	}
}

func TestGetEnvUint16Slice(t *testing.T) {
	t.Setenv("PORT_SCAN_EXCLUDE", "22, 8080,not-a-port,443")
	got := getEnvUint16Slice("PORT_SCAN_EXCLUDE", nil)
	want := []uint16{22, 8080, 443}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"empty origin always allowed", []string{"https://foo.example.com"}, "", true},
		{"wildcard allows anything", []string{"*"}, "https://anything.example.com", true},
		{"exact match", []string{"https://foo.example.com"}, "https://foo.example.com", true},
		{"subdomain wildcard matches", []string{"https://*.agent8.dev"}, "https://workspace1.agent8.dev", true},
		{"subdomain wildcard rejects other domain", []string{"https://*.agent8.dev"}, "https://evil.com", false},
		{"no match rejected", []string{"https://foo.example.com"}, "https://bar.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OriginAllowed(tt.allowed, tt.origin); got != tt.want {
				t.Fatalf("OriginAllowed(%v, %q) = %v, want %v", tt.allowed, tt.origin, got, tt.want)
			}
		})
	}
}

func TestLoadDerivesAppHostFromFlyAppName(t *testing.T) {
	t.Setenv("WORKSPACE_ROOT", "/workspace")
	t.Setenv("FLY_APP_NAME", "my-app")
	t.Setenv("APP_HOST", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AppHost != "my-app.fly.dev" {
		t.Fatalf("AppHost = %q, want my-app.fly.dev", cfg.AppHost)
	}
}

func TestJWTIssuerDefaultsToAuthServerURL(t *testing.T) {
	t.Setenv("WORKSPACE_ROOT", "/workspace")
	t.Setenv("AUTH_SERVER_URL", "https://auth.example.com")
	t.Setenv("JWT_ISSUER", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JWTIssuer != "https://auth.example.com" {
		t.Fatalf("JWTIssuer = %q, want auth server URL", cfg.JWTIssuer)
	}
	if cfg.JWKSEndpoint != "https://auth.example.com/.well-known/jwks.json" {
		t.Fatalf("JWKSEndpoint = %q, want derived default", cfg.JWKSEndpoint)
	}
}
