package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Claims is the payload of a signed collaboration token.
type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	Proj string `json:"proj,omitempty"`
	Exp  int64  `json:"exp"`
}

// HMACVerifier accepts tokens of the form payload.signature, where payload
// is base64url JSON claims and signature is HMAC-SHA256 over the payload
// with a secret shared with the issuing web application.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret []byte) *HMACVerifier {
	return &HMACVerifier{secret: secret}
}

func (v *HMACVerifier) Verify(_ context.Context, token string) (Identity, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Identity{}, ErrInvalidToken
	}
	payload, signature := parts[0], parts[1]

	expected := sign(v.secret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Identity{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Identity{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.Name == "" || claims.Exp == 0 {
		return Identity{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return Identity{}, ErrExpiredToken
	}
	return Identity{UserID: claims.Sub, Name: claims.Name, Project: claims.Proj}, nil
}

// IssueToken mints a signed token. The server only needs this for tests and
// local tooling; production tokens come from the web application.
func IssueToken(secret []byte, claims Claims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + sign(secret, payload), nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}

// HashToken derives the opaque-token storage key. Stores never hold raw
// tokens.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
