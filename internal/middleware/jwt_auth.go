package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// UserClaims are the JWT claims issued at login
type UserClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTAuthConfig holds the authentication settings. The config is read-only
// after NewJWTAuthMiddleware.
type JWTAuthConfig struct {
	// Enabled turns enforcement off entirely, for local development
	Enabled bool

	AdminUsername     string
	AdminPasswordHash string

	JWTSecret      string
	JWTExpiryHours int

	// SkipPaths need no token. A trailing "*" matches by prefix, so
	// "/webhook/*" covers every inbound alert route.
	SkipPaths []string
}

// JWTAuthMiddleware guards the API with bearer tokens. Webhook ingest and the
// login endpoint stay open via SkipPaths; everything else needs a token from
// /auth/login.
type JWTAuthMiddleware struct {
	config       *JWTAuthConfig
	skipExact    map[string]struct{}
	skipPrefixes []string
}

// ContextKey is a type for context keys
type ContextKey string

// UserContextKey is the context key for the authenticated username
const UserContextKey ContextKey = "user"

// NewJWTAuthMiddleware creates a new JWT authentication middleware
func NewJWTAuthMiddleware(config *JWTAuthConfig) *JWTAuthMiddleware {
	m := &JWTAuthMiddleware{
		config:    config,
		skipExact: make(map[string]struct{}, len(config.SkipPaths)),
	}
	for _, path := range config.SkipPaths {
		if prefix, ok := strings.CutSuffix(path, "*"); ok {
			m.skipPrefixes = append(m.skipPrefixes, prefix)
		} else {
			m.skipExact[path] = struct{}{}
		}
	}
	return m
}

// HashPassword bcrypt-hashes a password for storage
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the bcrypt hash
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateToken issues a signed token for the given username
func (m *JWTAuthMiddleware) GenerateToken(username string) (string, error) {
	now := time.Now()
	claims := UserClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(m.config.JWTExpiryHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "escalor",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.config.JWTSecret))
}

// ValidateToken parses and verifies a token, returning its claims
func (m *JWTAuthMiddleware) ValidateToken(tokenString string) (*UserClaims, error) {
	var claims UserClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(m.config.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return &claims, nil
}

// ValidateCredentials checks a login attempt against the admin account
func (m *JWTAuthMiddleware) ValidateCredentials(username, password string) bool {
	// Constant-time compare keeps the username from leaking through timing
	if subtle.ConstantTimeCompare([]byte(username), []byte(m.config.AdminUsername)) != 1 {
		return false
	}
	return CheckPassword(password, m.config.AdminPasswordHash)
}

// Wrap wraps an http.Handler with token enforcement
func (m *JWTAuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.config.Enabled || m.shouldSkipAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			m.unauthorized(w, "missing authentication token")
			return
		}

		claims, err := m.ValidateToken(token)
		if err != nil {
			log.Printf("Auth: rejected token from %s: %v", r.RemoteAddr, err)
			m.unauthorized(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, claims.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *JWTAuthMiddleware) shouldSkipAuth(path string) bool {
	if _, ok := m.skipExact[path]; ok {
		return true
	}
	for _, prefix := range m.skipPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// bearerToken pulls the token out of the Authorization header
func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return token
}

func (m *JWTAuthMiddleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="API"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetUserFromContext returns the authenticated username, or an empty string
func GetUserFromContext(ctx context.Context) string {
	if user, ok := ctx.Value(UserContextKey).(string); ok {
		return user
	}
	return ""
}
