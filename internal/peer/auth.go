package peer

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// NodeClaims представляет JWT claims узла-инициатора
type NodeClaims struct {
	NodeID string `json:"node_id"`
	jwt.RegisteredClaims
}

// TokenAuth проверяет auth token из handshake.
// Токен - HS256 JWT с node_id claim: responder убеждается, что
// инициатор представляется тем узлом, на который выписан токен.
type TokenAuth struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenAuth создает проверяющего с общим секретом
func NewTokenAuth(secret string, ttl time.Duration) *TokenAuth {
	return &TokenAuth{secret: []byte(secret), ttl: ttl}
}

// IssueToken выписывает токен для узла
func (a *TokenAuth) IssueToken(nodeID string) (string, error) {
	now := time.Now()
	claims := NodeClaims{
		NodeID: nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "usp",
		},
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// Verify валидирует токен и возвращает node_id, на который он выписан
func (a *TokenAuth) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &NodeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*NodeClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	if claims.NodeID == "" {
		return "", fmt.Errorf("token is missing node_id claim")
	}
	return claims.NodeID, nil
}
