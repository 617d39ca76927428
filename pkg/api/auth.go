package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures bearer-token authentication. Authentication is off
// when Secret is empty.
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// Principal is the authenticated caller.
type Principal struct {
	Subject  string
	Projects []string
}

// CanAccess reports whether the principal may act on a project. A token
// without a project list is not restricted.
func (p Principal) CanAccess(projectID string) bool {
	if len(p.Projects) == 0 {
		return true
	}
	for _, id := range p.Projects {
		if id == projectID {
			return true
		}
	}
	return false
}

type principalKey struct{}

// PrincipalFromContext returns the caller authenticated by the middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type claims struct {
	jwt.RegisteredClaims
	Projects []string `json:"projects,omitempty"`
}

// IssueToken signs an HS256 token for subject, optionally restricted to
// projects.
func IssueToken(cfg AuthConfig, subject string, projects []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return "", errors.New("auth secret not configured")
	}
	if subject == "" {
		return "", errors.New("subject is required")
	}
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   cfg.Issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Projects: projects,
	}
	if cfg.Audience != "" {
		c.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(cfg.Secret))
}

func authenticate(cfg AuthConfig, token string) (Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(*jwt.Token) (interface{}, error) {
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if c.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{Subject: c.Subject, Projects: c.Projects}, nil
}

func bearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// authMiddleware rejects requests without a valid bearer token. public lists
// paths served without authentication.
func authMiddleware(cfg AuthConfig, public ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if cfg.Secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range public {
				if r.URL.Path == p {
					next.ServeHTTP(w, r)
					return
				}
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="hoist"`)
				writeError(w, newAPIError(http.StatusUnauthorized, "", "authentication required", nil))
				return
			}
			principal, err := authenticate(cfg, token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="hoist", error="invalid_token"`)
				writeError(w, newAPIError(http.StatusUnauthorized, "", "invalid credentials", nil))
				return
			}
			ctx := context.WithValue(r.Context(), principalKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireProject fails when the caller's token does not cover projectID.
func requireProject(ctx context.Context, projectID string) error {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.CanAccess(projectID) {
		return nil
	}
	return newAPIError(http.StatusForbidden, "", "token does not grant access to project "+projectID, nil)
}

func writeError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
