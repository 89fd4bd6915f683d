// Package auth implements the AuthVerifier: a local JWT/JWKS fast path with
// a remote token-introspection fallback, exposed as a single
// Verify(token) bool surface.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the registered JWT claims this agent expects.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier implements Verify(token) -> bool. If a JWKS endpoint is
// configured, tokens are validated locally first; otherwise (or on local
// failure) the token is introspected against the remote auth server.
type Verifier struct {
	jwks          *keyfunc.Keyfunc
	audience      string
	issuer        string
	authServerURL string
	httpClient    *http.Client
}

// New constructs a Verifier. jwksURL may be empty, in which case every
// token is checked via remote introspection only.
func New(jwksURL, audience, issuer, authServerURL string) *Verifier {
	v := &Verifier{
		audience:      audience,
		issuer:        issuer,
		authServerURL: authServerURL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}

	if jwksURL == "" {
		return v
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		slog.Warn("failed to initialize JWKS keyfunc, falling back to remote introspection only", "error", err)
		return v
	}
	v.jwks = k
	return v
}

// Verify reports whether token grants access. It never returns an error:
// any failure (parse, signature, expiry, network) is simply "not verified".
func (v *Verifier) Verify(token string) bool {
	if token == "" {
		return false
	}

	if v.jwks != nil {
		if v.validateLocal(token) {
			return true
		}
	}

	return v.introspectRemote(token)
}

func (v *Verifier) validateLocal(tokenString string) bool {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc)
	if err != nil || !parsed.Valid {
		return false
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return false
	}

	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return false
		}
		if !containsString(aud, v.audience) {
			return false
		}
	}

	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || iss != v.issuer {
			return false
		}
	}

	return true
}

func (v *Verifier) introspectRemote(token string) bool {
	if v.authServerURL == "" {
		return false
	}

	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return false
	}

	req, err := http.NewRequest(http.MethodPost, v.authServerURL+"/introspect", bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		slog.Debug("remote token introspection failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var result struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false
	}
	return result.Active
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
