package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("test-secret-key")

func testClaims() Claims {
	return Claims{
		Sub:  "user-123",
		Name: "Ada",
		Proj: "proj-9",
		Exp:  time.Now().Add(time.Hour).Unix(),
	}
}

func TestHMACVerifyRoundTrip(t *testing.T) {
	token, err := IssueToken(testSecret, testClaims())
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	id, err := NewHMACVerifier(testSecret).Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if id.UserID != "user-123" {
		t.Errorf("expected user ID user-123, got %s", id.UserID)
	}
	if id.Name != "Ada" {
		t.Errorf("expected name Ada, got %s", id.Name)
	}
	if id.Project != "proj-9" {
		t.Errorf("expected project proj-9, got %s", id.Project)
	}
}

func TestHMACVerifyExpired(t *testing.T) {
	claims := testClaims()
	claims.Exp = time.Now().Add(-time.Minute).Unix()
	token, err := IssueToken(testSecret, claims)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	_, err = NewHMACVerifier(testSecret).Verify(context.Background(), token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestHMACVerifyWrongSecret(t *testing.T) {
	token, err := IssueToken(testSecret, testClaims())
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	_, err = NewHMACVerifier([]byte("other-secret")).Verify(context.Background(), token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestHMACVerifyGarbage(t *testing.T) {
	v := NewHMACVerifier(testSecret)
	for _, token := range []string{"", "nodot", "a.b.c", "!!!.???"} {
		if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("token %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestHMACVerifyTamperedPayload(t *testing.T) {
	token, err := IssueToken(testSecret, testClaims())
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	parts := strings.Split(token, ".")
	tampered := parts[0] + "x." + parts[1]

	_, err = NewHMACVerifier(testSecret).Verify(context.Background(), tampered)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestHMACVerifyMissingClaims(t *testing.T) {
	claims := testClaims()
	claims.Name = ""
	token, err := IssueToken(testSecret, claims)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	_, err = NewHMACVerifier(testSecret).Verify(context.Background(), token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
