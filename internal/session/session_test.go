package session

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndVerifyToken(t *testing.T) {
	token, err := IssueToken("secret", "u1", "Ada", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	sess, err := VerifyToken("secret", "Bearer "+token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if sess.UserID != "u1" || sess.UserName != "Ada" || sess.Token != token {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestVerifyTokenRejectsWrongSecretAndExpiry(t *testing.T) {
	token, err := IssueToken("secret", "u1", "Ada", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := VerifyToken("other", token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
	if _, err := VerifyToken("secret", ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	expired, err := IssueToken("secret", "u1", "Ada", time.Nanosecond)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if _, err := VerifyToken("secret", expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestAnonymousSession(t *testing.T) {
	sess := Anonymous("")
	if !strings.HasPrefix(sess.UserID, "user-") {
		t.Fatalf("expected user- prefix, got %q", sess.UserID)
	}
	if sess.UserName != sess.UserID {
		t.Fatalf("expected name to default to id")
	}
	if sess.HasCredential() {
		t.Fatalf("anonymous session must not carry a credential")
	}
}

func TestFromTokenReadsSubjectWithoutSecret(t *testing.T) {
	token, err := IssueToken("secret", "user-7", "Grace", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	sess, err := FromToken("Bearer " + token)
	if err != nil {
		t.Fatalf("from token: %v", err)
	}
	if sess.UserID != "user-7" || sess.UserName != "Grace" || sess.Token != token {
		t.Fatalf("unexpected session %+v", sess)
	}
	if _, err := FromToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
