package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	PrincipalKey contextKey = "principal_id"
	UserNameKey  contextKey = "user_name"
)

// Claims carries the portal session claims. Subject is the clinician's
// user id; Name is a display name for audit entries.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

type JWTConfig struct {
	Secret []byte
}

// JWTMiddleware validates the Bearer token on every request and places the
// authenticated principal (clinician user id) on the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			raw := strings.TrimPrefix(header, "Bearer ")

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return cfg.Secret, nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			principal, err := uuid.Parse(claims.Subject)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid subject claim")
			}

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, PrincipalKey, principal)
			ctx = context.WithValue(ctx, UserNameKey, claims.Name)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// DevPrincipal is the fixed clinician identity injected by DevAuthMiddleware.
var DevPrincipal = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// DevAuthMiddleware injects a fixed development principal so local
// environments work without a token issuer. Never enable in production.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, PrincipalKey, DevPrincipal)
			ctx = context.WithValue(ctx, UserNameKey, "Dev Clinician")
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// PrincipalFromContext returns the authenticated clinician's user id.
func PrincipalFromContext(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(PrincipalKey).(uuid.UUID)
	return v, ok
}

// UserNameFromContext returns the authenticated clinician's display name.
func UserNameFromContext(ctx context.Context) string {
	v, _ := ctx.Value(UserNameKey).(string)
	return v
}
