package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const actorKey contextKey = "actor"

const (
	RoleClinician = "clinician"
	RoleLab       = "lab"
	RoleAdmin     = "admin"
)

// Claims are issued by the clinic's identity service. Role is one of
// clinician, lab or admin.
type Claims struct {
	jwt.RegisteredClaims
	ClinicID string `json:"clinic_id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

// Actor is the authenticated caller as seen by audit entries and messages.
type Actor struct {
	ID   string
	Name string
	Role string
}

// IsLab reports whether the actor acts on behalf of a partner lab.
func (a Actor) IsLab() bool { return a.Role == RoleLab }

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

func validRole(r string) bool {
	return r == RoleClinician || r == RoleLab || r == RoleAdmin
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(strings.TrimSpace(parts[1]), claims, keyFunc)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" || claims.Name == "" || !validRole(claims.Role) {
				return echo.NewHTTPError(http.StatusUnauthorized, "token is missing actor claims")
			}

			// Read by the clinic middleware.
			c.Set("jwt_clinic_id", claims.ClinicID)

			actor := Actor{ID: claims.Subject, Name: claims.Name, Role: claims.Role}
			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), actor)))
			return next(c)
		}
	}
}

// DevAuthMiddleware admits unauthenticated requests as a development
// clinician. X-Dev-Role and X-Dev-Name switch the simulated actor so lab-side
// flows can be exercised locally. Requests that carry a bearer token are
// handed to verify when it is non-nil.
func DevAuthMiddleware(verify echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		verified := next
		if verify != nil {
			verified = verify(next)
		}
		return func(c echo.Context) error {
			req := c.Request()
			if req.Header.Get("Authorization") != "" && verify != nil {
				return verified(c)
			}

			actor := Actor{ID: "1", Name: "Dev Clinician", Role: RoleClinician}
			if r := req.Header.Get("X-Dev-Role"); validRole(r) {
				actor.Role = r
				if r == RoleLab {
					actor.Name = "Dev Lab"
				}
			}
			if n := strings.TrimSpace(req.Header.Get("X-Dev-Name")); n != "" {
				actor.Name = n
			}
			c.SetRequest(req.WithContext(WithActor(req.Context(), actor)))
			return next(c)
		}
	}
}
