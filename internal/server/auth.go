// Package server exposes the signaling bus to clients that cannot reach
// Redis directly: an HTTP surface for anonymous identity plus a WebSocket
// bridge that fans the global channel out to every connected socket.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// tokenTTL bounds an anonymous identity. Identities are throwaway, a new
// one is a POST away, so a short life keeps the token surface small.
const tokenTTL = 24 * time.Hour

// AnonLogin issues a fresh anonymous identity: a random user id wrapped in
// a signed token. No credentials; the whole point is anonymity.
func AnonLogin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := uuid.NewString()

		claims := jwt.MapClaims{
			"user_id": userID,
			"exp":     time.Now().Add(tokenTTL).Unix(),
			"iat":     time.Now().Unix(),
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte(secret))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"userId": userID,
			"token":  signed,
		})
	}
}

// identityFromToken validates a token and extracts the user id. Used by
// the WebSocket bridge, which receives the token as a query parameter
// because browser WebSocket clients cannot set headers.
func identityFromToken(tokenString, secret string) (string, bool) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}
