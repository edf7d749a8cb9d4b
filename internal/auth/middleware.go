package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey string

const userIDKey contextKey = "authUserID"

// GetUserID retrieves the authenticated subject from context.
func GetUserID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(userIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// Options configures token validation. An empty Audience accepts any
// audience.
type Options struct {
	Secret   string
	Audience string
	Logger   *zap.Logger
}

// JWTMiddleware validates HMAC-signed bearer tokens and injects the subject
// as user identity. With no secret configured every request is refused.
func JWTMiddleware(opts Options) gin.HandlerFunc {
	secret := []byte(strings.TrimSpace(opts.Secret))
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("auth")

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
	}
	if aud := strings.TrimSpace(opts.Audience); aud != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(aud))
	}
	parser := jwt.NewParser(parserOpts...)

	return func(c *gin.Context) {
		if len(secret) == 0 {
			unauthorized(c, logger, "authentication not configured")
			return
		}
		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, logger, err.Error())
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil || !token.Valid {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenInvalidAudience) {
				msg = "invalid audience"
			} else if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			unauthorized(c, logger, msg)
			return
		}
		if claims.Subject == "" {
			unauthorized(c, logger, "missing subject")
			return
		}

		ctx := context.WithValue(c.Request.Context(), userIDKey, claims.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(userIDKey), claims.Subject)

		c.Next()
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, logger *zap.Logger, message string) {
	logger.Debug("request rejected", zap.String("path", c.FullPath()), zap.String("reason", message))
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message, "kind": "unauthorized"})
}
