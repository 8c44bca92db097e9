package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestManager(t *testing.T, clock func() time.Time) *TokenManager {
	t.Helper()
	manager, err := NewTokenManager(TokenManagerConfig{
		SigningSecret: []byte("test-secret"),
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return manager
}

func TestNewTokenManagerRequiresSecret(t *testing.T) {
	if _, err := NewTokenManager(TokenManagerConfig{}); !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	now := time.Unix(1750000000, 0).UTC()
	manager := newTestManager(t, func() time.Time { return now })

	token, expiresIn, err := manager.IssueToken("publisher")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry: %d", expiresIn)
	}

	subject, err := manager.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if subject != "publisher" {
		t.Fatalf("unexpected subject %s", subject)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issuedAt := time.Unix(1750000000, 0).UTC()
	current := issuedAt
	manager := newTestManager(t, func() time.Time { return current })

	token, _, err := manager.IssueToken("publisher")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	current = issuedAt.Add(31 * time.Minute)
	if _, err := manager.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	now := time.Unix(1750000000, 0).UTC()
	manager := newTestManager(t, func() time.Time { return now })

	other, err := NewTokenManager(TokenManagerConfig{
		SigningSecret: []byte("different-secret"),
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	token, _, err := other.IssueToken("publisher")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	if _, err := manager.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	manager := newTestManager(t, time.Now)
	if _, _, err := manager.IssueToken(""); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}
