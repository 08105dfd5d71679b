package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndParseToken(t *testing.T) {
	InitJWT("test-secret-key")

	token, err := GenerateToken("user-1", "admin", time.Now().Add(24*time.Hour), "go_orchestrator")
	if err != nil {
		t.Fatalf("GenerateToken() failed: %v", err)
	}

	claims, err := ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken() failed: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("Expected user-1, got %s", claims.UserID)
	}
	if claims.Role != "admin" {
		t.Errorf("Expected role admin, got %s", claims.Role)
	}
	if claims.Issuer != "go_orchestrator" {
		t.Errorf("Expected issuer go_orchestrator, got %s", claims.Issuer)
	}
}

func TestParseToken_Invalid(t *testing.T) {
	InitJWT("test-secret-key")
	expired, _ := GenerateToken("user-1", "user", time.Now().Add(-time.Hour), "go_orchestrator")

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "invalid.token.string"},
		{"expired", expired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(tt.token); err == nil {
				t.Error("ParseToken() should fail")
			}
		})
	}

	if _, err := ParseToken(expired); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Errorf("Expected ErrTokenExpired, got %v", err)
	}
}

func TestParseToken_WrongSecret(t *testing.T) {
	InitJWT("secret-1")
	token, err := GenerateToken("user-1", "user", time.Now().Add(time.Hour), "go_orchestrator")
	if err != nil {
		t.Fatalf("GenerateToken() failed: %v", err)
	}

	InitJWT("secret-2")
	if _, err := ParseToken(token); err == nil {
		t.Error("ParseToken() should fail when secret is different")
	}
	InitJWT("test-secret-key")
}

func TestGenerateToken_UninitializedSecret(t *testing.T) {
	jwtSecret = nil
	if _, err := GenerateToken("user-1", "user", time.Now().Add(time.Hour), "go_orchestrator"); err == nil {
		t.Error("GenerateToken() should fail when secret is not initialized")
	}
	InitJWT("test-secret-key")
}

func TestCallbackToken(t *testing.T) {
	InitJWT("test-secret-key")
	issuer := NewCallbackIssuer("go_orchestrator", time.Hour)

	token, err := issuer.IssueCallbackToken("ws-1", "task-1")
	if err != nil {
		t.Fatalf("IssueCallbackToken() failed: %v", err)
	}
	claims, err := ParseCallbackToken(token)
	if err != nil {
		t.Fatalf("ParseCallbackToken() failed: %v", err)
	}
	if claims.WorkspaceID != "ws-1" || claims.TaskID != "task-1" {
		t.Errorf("Unexpected claims %+v", claims)
	}

	// callback tokens are not API tokens and vice versa
	if _, err := ParseToken(token); err == nil {
		t.Error("ParseToken() should reject a callback token")
	}
	userToken, _ := GenerateToken("user-1", "user", time.Now().Add(time.Hour), "go_orchestrator")
	if _, err := ParseCallbackToken(userToken); err == nil {
		t.Error("ParseCallbackToken() should reject a user token")
	}

	expired, _ := NewCallbackIssuer("go_orchestrator", -time.Minute).IssueCallbackToken("ws-1", "task-1")
	if _, err := ParseCallbackToken(expired); err == nil {
		t.Error("ParseCallbackToken() should reject an expired token")
	}
}
