package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVerifyEmptyTokenFails(t *testing.T) {
	v := New("", "aud", "iss", "")
	if v.Verify("") {
		t.Fatalf("expected empty token to fail verification")
	}
}

func TestVerifyRemoteIntrospection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Token string `json:"token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		active := body.Token == "good-token"
		_ = json.NewEncoder(w).Encode(map[string]bool{"active": active})
	}))
	defer srv.Close()

	v := New("", "aud", "iss", srv.URL)

	if !v.Verify("good-token") {
		t.Fatalf("expected good-token to verify")
	}
	if v.Verify("bad-token") {
		t.Fatalf("expected bad-token to fail verification")
	}
}

func TestVerifyNoAuthServerConfiguredFails(t *testing.T) {
	v := New("", "aud", "iss", "")
	if v.Verify("anything") {
		t.Fatalf("expected verification to fail with no JWKS and no auth server")
	}
}
