package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin may see every user's tasks and run operator endpoints
const RoleAdmin = "admin"

// ScopeWorkspaceCallback marks tokens a workspace presents on its status callback
const ScopeWorkspaceCallback = "workspace_callback"

// Claims represents JWT claims of an API caller
type Claims struct {
	UserID string `json:"uid"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// CallbackClaims binds a callback token to one workspace and task
type CallbackClaims struct {
	WorkspaceID string `json:"wid"`
	TaskID      string `json:"tid"`
	Scope       string `json:"scope"`
	jwt.RegisteredClaims
}

var jwtSecret []byte

// InitJWT initializes JWT secret
func InitJWT(secret string) {
	jwtSecret = []byte(secret)
}

// GenerateToken generates a JWT token
func GenerateToken(userID, role string, expireAt time.Time, issuer string) (string, error) {
	if len(jwtSecret) == 0 {
		return "", fmt.Errorf("JWT secret not initialized")
	}

	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expireAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// ParseToken parses and validates a JWT token
func ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if err := parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// CallbackIssuer issues workspace callback tokens
type CallbackIssuer struct {
	issuer string
	ttl    time.Duration
}

// NewCallbackIssuer creates a CallbackIssuer
func NewCallbackIssuer(issuer string, ttl time.Duration) *CallbackIssuer {
	return &CallbackIssuer{issuer: issuer, ttl: ttl}
}

// IssueCallbackToken returns a token valid only for workspaceID's callback
func (i *CallbackIssuer) IssueCallbackToken(workspaceID, taskID string) (string, error) {
	if len(jwtSecret) == 0 {
		return "", fmt.Errorf("JWT secret not initialized")
	}

	now := time.Now()
	claims := CallbackClaims{
		WorkspaceID: workspaceID,
		TaskID:      taskID,
		Scope:       ScopeWorkspaceCallback,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   workspaceID,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    i.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// ParseCallbackToken validates a callback token. A user token is rejected.
func ParseCallbackToken(tokenString string) (*CallbackClaims, error) {
	claims := &CallbackClaims{}
	if err := parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Scope != ScopeWorkspaceCallback || claims.WorkspaceID == "" {
		return nil, fmt.Errorf("invalid token scope")
	}
	return claims, nil
}

func parse(tokenString string, claims jwt.Claims) error {
	if len(jwtSecret) == 0 {
		return fmt.Errorf("JWT secret not initialized")
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}
