package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agoracivic/chat-server/internal/v1/logging"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// CustomClaims represents the JWT claims the chat server cares about.
// The Subject is the identity-provider subject (the Keycloak id); it is
// resolved to the internal user id by the archive layer after validation.
type CustomClaims struct {
	Scope string `json:"scope,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator is the interface the session hub authenticates handshakes
// with. In production it is *Validator; tests substitute mocks.
type TokenValidator interface {
	ValidateToken(tokenString string) (*CustomClaims, error)
}

// Validator validates JWTs with either a shared HMAC secret (HS*) or a JWKS
// key set (RS*), depending on the configured algorithm.
type Validator struct {
	keyFunc   jwt.Keyfunc
	algorithm string
}

// NewValidator builds a Validator for the configured algorithm. HS*
// algorithms verify with the shared secret; RS* algorithms fetch public keys
// from the identity provider's JWKS endpoint and refresh them hourly.
func NewValidator(ctx context.Context, secret, algorithm, jwksURL string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	switch {
	case strings.HasPrefix(algorithm, "HS"):
		if secret == "" {
			return nil, errors.New("jwt secret is required for HMAC algorithms")
		}
		key := []byte(secret)
		return &Validator{
			algorithm: algorithm,
			keyFunc: func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return key, nil
			},
		}, nil

	case strings.HasPrefix(algorithm, "RS"):
		if jwksURL == "" {
			return nil, errors.New("jwks url is required for RSA algorithms")
		}

		cache := jwk.NewCache(ctx)

		// Combine default options with any provided options for testability.
		opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
		opts = append(opts, regOpts...)

		if err := cache.Register(jwksURL, opts...); err != nil {
			return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
		}

		// Fetch the keys for the first time to ensure connectivity.
		if _, err := cache.Refresh(ctx, jwksURL); err != nil {
			return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
		}

		keyFunc := func(token *jwt.Token) (interface{}, error) {
			kid, ok := token.Header["kid"].(string)
			if !ok {
				return nil, errors.New("kid header not found")
			}

			keys, err := cache.Get(ctx, jwksURL)
			if err != nil {
				return nil, fmt.Errorf("failed to get keys from cache: %w", err)
			}

			key, found := keys.LookupKeyID(kid)
			if !found {
				return nil, fmt.Errorf("key with kid %s not found", kid)
			}

			var pubKey interface{}
			if err := key.Raw(&pubKey); err != nil {
				return nil, fmt.Errorf("failed to get raw public key: %w", err)
			}

			return pubKey, nil
		}

		return &Validator{keyFunc: keyFunc, algorithm: algorithm}, nil

	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %q", algorithm)
	}
}

// ValidateToken parses and validates a JWT token string using the configured
// key function and algorithm. It returns the token's claims if valid.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, v.keyFunc,
		jwt.WithValidMethods([]string{v.algorithm}),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to CustomClaims")
	}

	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	return claims, nil
}

// GetAllowedOriginsFromEnv reads a comma-separated origin allowlist.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	// Example: ALLOWED_ORIGINS="http://localhost:3000,https://your-app.com"
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		// Provide sensible defaults for local development if the env var isn't set.
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}
