package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenAuthorizerAcceptsIssuedTokens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	token, err := IssueToken([]byte("s3cret"), "alice", "budget", time.Hour, now)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	auth := tokenAuthorizer{secret: []byte("s3cret"), now: func() time.Time { return now.Add(time.Minute) }}
	id, err := auth.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.ClientID != "alice" || id.SpreadsheetID != "budget" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestTokenAuthorizerRejections(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	auth := tokenAuthorizer{secret: []byte("s3cret"), now: func() time.Time { return now }}

	expired, err := IssueToken([]byte("s3cret"), "alice", "", time.Minute, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue expired: %v", err)
	}
	forged, err := IssueToken([]byte("other"), "alice", "", time.Hour, now)
	if err != nil {
		t.Fatalf("issue forged: %v", err)
	}
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer: "someone-else", Subject: "alice",
	}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign foreign: %v", err)
	}
	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer: tokenIssuer,
	}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign anonymous: %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "  ", errTokenRequired},
		{"garbage", "not-a-token", errTokenInvalid},
		{"expired", expired, errTokenInvalid},
		{"wrong secret", forged, errTokenInvalid},
		{"wrong issuer", foreign, errTokenInvalid},
		{"no subject", anonymous, errTokenInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := auth.Authenticate(context.Background(), tt.token); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIssueTokenValidation(t *testing.T) {
	if _, err := IssueToken(nil, "alice", "", 0, time.Now()); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := IssueToken([]byte("s3cret"), " ", "", 0, time.Now()); err == nil {
		t.Fatal("expected error for empty client id")
	}
}

func TestNewTokenAuthorizerDisabledWithoutSecret(t *testing.T) {
	if auth := newTokenAuthorizer("   "); auth != nil {
		t.Fatalf("expected nil authorizer, got %T", auth)
	}
}

func TestAccessTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		header string
		want   string
	}{
		{"bearer header", "/ws", "Bearer abc", "abc"},
		{"query param", "/ws?access_token=xyz", "", "xyz"},
		{"header wins", "/ws?access_token=xyz", "Bearer abc", "abc"},
		{"other scheme", "/ws", "Basic abc", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := accessTokenFromRequest(r); got != tt.want {
				t.Fatalf("token = %q, want %q", got, tt.want)
			}
		})
	}
}
