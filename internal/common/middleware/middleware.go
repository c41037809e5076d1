// Package middleware provides HTTP middleware for the TrustVector risk service
package middleware

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trustvector/trustvector/internal/common/errors"
)

const (
	// TokenIssuer is the expected issuer of service tokens
	TokenIssuer = "trustvector"

	// TokenAudience is the expected audience of service tokens
	TokenAudience = "risk-api"
)

// CORS returns a middleware that handles CORS headers. Origins are matched
// exactly; "*" allows any origin. Requests without an Origin header pass
// through untouched.
func CORS(allowedOrigins ...string) gin.HandlerFunc {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		matched := ""
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == origin {
				matched = allowed
				break
			}
		}
		if matched == "" {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		if matched == "*" {
			c.Header("Access-Control-Allow-Origin", "*")
		} else {
			c.Header("Access-Control-Allow-Origin", matched)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestID adds a unique request ID to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// ServiceAuth validates HS256-signed service tokens issued to the banking
// backend. The risk API is service-to-service only; there is no end-user
// identity in these tokens, just the calling service in the subject claim.
func ServiceAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			errors.HandleError(c, errors.Unauthorized("missing authorization header"))
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			errors.HandleError(c, errors.Unauthorized("invalid authorization header format"))
			c.Abort()
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims,
			func(token *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(TokenIssuer),
			jwt.WithAudience(TokenAudience),
			jwt.WithExpirationRequired(),
		)
		if err != nil || !token.Valid {
			// Expired is the one failure the caller fixes by re-issuing
			// rather than investigating
			if stderrors.Is(err, jwt.ErrTokenExpired) {
				errors.HandleError(c, errors.TokenExpired())
			} else {
				errors.HandleError(c, errors.InvalidToken("signature or claims check failed"))
			}
			c.Abort()
			return
		}

		if claims.Subject != "" {
			c.Set("caller_id", claims.Subject)
		}

		c.Next()
	}
}

// Recovery converts panics into structured 500 responses. The assessment
// pipeline has its own fail-safe; this guards every other route.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Handler panicked",
					zap.String("path", c.Request.URL.Path),
					zap.Any("panic_value", r),
				)
				errors.HandleError(c, errors.Internal("An unexpected error occurred", fmt.Errorf("%v", r)))
				c.Abort()
			}
		}()
		c.Next()
	}
}
