package httpapi

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestParseBearerAcceptsAudienceList(t *testing.T) {
	now := time.Now()
	token := signTestToken(t, "s3cret", jwt.MapClaims{
		"agent_name": "Worker1",
		"adapters":   []string{"local"},
		"scopes":     "sync:read files:read",
		"exp":        now.Add(time.Hour).Unix(),
		"aud":        []string{"other", tokenAudience},
	})
	claims, authErr := parseBearer("Bearer "+token, "s3cret", now)
	if authErr != nil {
		t.Fatalf("expected token to parse, got %v", authErr)
	}
	if !claims.Scopes.has(scopeFiles) || !claims.allows("local") || claims.allows("remote") {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseBearerRejections(t *testing.T) {
	now := time.Now()
	valid := jwt.MapClaims{
		"agent_name": "Worker1",
		"adapters":   []string{"local"},
		"scopes":     []string{scopeRead},
		"exp":        now.Add(time.Hour).Unix(),
		"aud":        tokenAudience,
	}
	without := func(key string) jwt.MapClaims {
		out := jwt.MapClaims{}
		for k, v := range valid {
			if k != key {
				out[k] = v
			}
		}
		return out
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, valid).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	cases := []struct {
		name   string
		header string
		status int
	}{
		{"no bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer a.b", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signTestToken(t, "other", valid), http.StatusUnauthorized},
		{"alg none", "Bearer " + unsigned, http.StatusUnauthorized},
		{"no exp", "Bearer " + signTestToken(t, "s3cret", without("exp")), http.StatusUnauthorized},
		{"no agent", "Bearer " + signTestToken(t, "s3cret", without("agent_name")), http.StatusUnauthorized},
		{"no adapters", "Bearer " + signTestToken(t, "s3cret", without("adapters")), http.StatusForbidden},
		{"no scopes", "Bearer " + signTestToken(t, "s3cret", without("scopes")), http.StatusForbidden},
	}
	for _, tc := range cases {
		_, authErr := parseBearer(tc.header, "s3cret", now)
		if authErr == nil || authErr.status != tc.status {
			t.Fatalf("%s: expected status %d, got %v", tc.name, tc.status, authErr)
		}
	}
}

func TestAuthorizeBearerChecksAdapterAndScope(t *testing.T) {
	now := time.Now()
	token := "Bearer " + signTestToken(t, "s3cret", jwt.MapClaims{
		"agent_name": "Worker1",
		"adapters":   []string{"local"},
		"scopes":     []string{scopeRead},
		"exp":        now.Add(time.Hour).Unix(),
		"aud":        tokenAudience,
	})
	if _, authErr := authorizeBearer(token, "s3cret", "remote", scopeRead, now); authErr == nil || authErr.message != "adapter not granted" {
		t.Fatalf("expected adapter refusal, got %v", authErr)
	}
	_, authErr := authorizeBearer(token, "s3cret", "local", scopeWrite, now)
	if authErr == nil || !strings.Contains(authErr.message, scopeWrite) {
		t.Fatalf("expected missing scope refusal, got %v", authErr)
	}
	if _, authErr := authorizeBearer(token, "s3cret", "local", scopeRead, now); authErr != nil {
		t.Fatalf("expected grant, got %v", authErr)
	}
}
