package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const adminRole = "admin"

var (
	ErrAdminDisabled = errors.New("admin API disabled: no jwt secret configured")
	errNotAdmin      = errors.New("token does not carry the admin role")
)

// AdminClaims are the claims of an operator token.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuth issues and checks HS256 operator tokens.
type AdminAuth struct {
	cfg JWTConfig
	now func() time.Time
}

func NewAdminAuth(cfg JWTConfig) *AdminAuth {
	return &AdminAuth{cfg: cfg, now: time.Now}
}

// Enabled reports whether a signing secret is configured.
func (a *AdminAuth) Enabled() bool {
	return a != nil && a.cfg.Secret != ""
}

// GenerateAdminToken signs a token for subject valid for the configured expiry.
func (a *AdminAuth) GenerateAdminToken(subject string) (string, error) {
	if !a.Enabled() {
		return "", ErrAdminDisabled
	}

	now := a.now()
	claims := &AdminClaims{
		Role: adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.AccessTokenExpiry)),
		},
	}
	if a.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses tokenString and checks signature, issuer, audience,
// expiry and role.
func (a *AdminAuth) ValidateToken(tokenString string) (*AdminClaims, error) {
	if !a.Enabled() {
		return nil, ErrAdminDisabled
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.Leeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(a.cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Role != adminRole {
		return claims, errNotAdmin
	}
	return claims, nil
}

// AdminAuthMiddleware rejects requests without a valid bearer admin token.
func AdminAuthMiddleware(auth *AdminAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.Enabled() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrAdminDisabled.Error()})
			return
		}

		header := c.GetHeader("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := auth.ValidateToken(tokenString)
		if err != nil {
			GetLogger().LogSecurity(c.Request.Context(), "admin_token_rejected", "high", LogFields{
				"client_ip": c.ClientIP(),
				"path":      c.Request.URL.Path,
				"error":     err.Error(),
			})
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("admin_subject", claims.Subject)
		c.Request = c.Request.WithContext(withAdmin(c.Request.Context(), claims.Subject))
		c.Next()
	}
}

type adminSubjectKey struct{}

func withAdmin(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, adminSubjectKey{}, subject)
}

// AdminSubject returns the operator a request was authorised for.
func AdminSubject(ctx context.Context) string {
	if s, ok := ctx.Value(adminSubjectKey{}).(string); ok {
		return s
	}
	return ""
}
