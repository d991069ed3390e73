package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/hireflow/internal/config"
	"github.com/pitabwire/hireflow/model"
)

// Claims are the bearer token claims mapped onto an actor.
type Claims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HMAC-signed bearer tokens.
type Authenticator struct {
	key    []byte
	parser *jwt.Parser
}

// NewAuthenticator creates an Authenticator for cfg using key to verify
// signatures.
func NewAuthenticator(cfg config.IdentityConfig, key []byte) (*Authenticator, error) {
	if len(key) == 0 {
		return nil, errors.New("auth: signing key is empty")
	}
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = []string{jwt.SigningMethodHS256.Alg()}
	}
	for _, alg := range algs {
		if !strings.HasPrefix(alg, "HS") {
			return nil, fmt.Errorf("auth: unsupported algorithm %q", alg)
		}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(algs),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Authenticator{key: key, parser: jwt.NewParser(opts...)}, nil
}

// Verify parses tokenStr and returns the actor it names.
func (a *Authenticator) Verify(tokenStr string) (model.Actor, error) {
	var claims Claims
	_, err := a.parser.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	})
	if err != nil {
		return model.Actor{}, model.NewUnauthorizedError(classifyJWTError(err))
	}

	actor := model.Actor{ID: claims.Subject, DisplayName: claims.Name, Role: claims.Role}
	if actor.DisplayName == "" {
		actor.DisplayName = actor.ID
	}
	if err := actor.Validate(); err != nil {
		return model.Actor{}, model.NewUnauthorizedError("Token does not identify a valid actor")
	}
	return actor, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// verified actor in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			WriteError(w, model.NewUnauthorizedError("Missing authorization header"))
			return
		}
		tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || tokenStr == "" {
			WriteError(w, model.NewUnauthorizedError("Invalid authorization header format"))
			return
		}

		actor, err := a.Verify(tokenStr)
		if err != nil {
			WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(model.WithActor(r.Context(), actor)))
	})
}

// IssueToken signs a token for actor. It is used by tests and local tooling.
func IssueToken(key []byte, actor model.Actor, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: actor.DisplayName,
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Disallowed signing algorithm"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	default:
		return "Invalid token"
	}
}
