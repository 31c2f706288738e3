package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "sheetsync"

var (
	errTokenRequired = errors.New("access token is required")
	errTokenInvalid  = errors.New("access token is invalid")
)

// identity is the authenticated side of a connection.
type identity struct {
	ClientID string
	// SpreadsheetID restricts the connection to one room when set.
	SpreadsheetID string
}

type wsAuthorizer interface {
	Authenticate(ctx context.Context, accessToken string) (identity, error)
}

// tokenClaims is the payload of a relay access token.
type tokenClaims struct {
	jwt.RegisteredClaims
	SpreadsheetID string `json:"spreadsheet_id,omitempty"`
}

// IssueToken signs an HS256 access token for clientID. An empty
// spreadsheetID grants every room; a zero ttl never expires.
func IssueToken(secret []byte, clientID, spreadsheetID string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("token secret is required")
	}
	if strings.TrimSpace(clientID) == "" {
		return "", errors.New("client id is required")
	}
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   tokenIssuer,
			Subject:  clientID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		SpreadsheetID: spreadsheetID,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// tokenAuthorizer verifies tokens signed by IssueToken.
type tokenAuthorizer struct {
	secret []byte
	now    func() time.Time
}

func newTokenAuthorizer(secret string) wsAuthorizer {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return tokenAuthorizer{secret: []byte(secret), now: time.Now}
}

func (a tokenAuthorizer) Authenticate(_ context.Context, accessToken string) (identity, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return identity{}, errTokenRequired
	}
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(accessToken, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return identity{}, fmt.Errorf("%w: %w", errTokenInvalid, err)
	}
	clientID := strings.TrimSpace(claims.Subject)
	if clientID == "" {
		return identity{}, fmt.Errorf("%w: subject is required", errTokenInvalid)
	}
	return identity{ClientID: clientID, SpreadsheetID: claims.SpreadsheetID}, nil
}
