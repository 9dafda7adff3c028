package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// Role is what a token may do against the control API.
type Role string

const (
	RoleAdmin    Role = "admin"     // every endpoint
	RoleReadOnly Role = "read_only" // GET endpoints only
)

// ResultKey is the gin context key holding the caller's Role.
const ResultKey = "auth_role"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Config lists the accepted bearer tokens. An entry is either a bcrypt hash
// (as printed by `janus hash-token`) or the token itself.
type Config struct {
	Enabled        bool     `mapstructure:"enabled"`
	Tokens         []string `mapstructure:"tokens"`
	ReadOnlyTokens []string `mapstructure:"read_only_tokens"`
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Tokens) == 0 && len(c.ReadOnlyTokens) == 0 {
		return errors.New("auth enabled without tokens")
	}
	for _, t := range append(append([]string{}, c.Tokens...), c.ReadOnlyTokens...) {
		if strings.TrimSpace(t) == "" {
			return errors.New("empty token")
		}
		if isHash(t) {
			if _, err := bcrypt.Cost([]byte(t)); err != nil {
				return fmt.Errorf("malformed bcrypt hash: %w", err)
			}
		}
	}
	return nil
}

type credential struct {
	secret string
	hashed bool
	role   Role
}

// Authenticator checks bearer tokens. Successful bcrypt comparisons are
// remembered by token digest so repeated calls stay cheap.
type Authenticator struct {
	enabled bool
	creds   []credential

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]Role
}

// New builds an Authenticator for c.
func New(c Config) (*Authenticator, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	a := &Authenticator{enabled: c.Enabled, verified: make(map[[sha256.Size]byte]Role)}
	add := func(tokens []string, role Role) {
		for _, t := range tokens {
			a.creds = append(a.creds, credential{secret: t, hashed: isHash(t), role: role})
		}
	}
	add(c.Tokens, RoleAdmin)
	add(c.ReadOnlyTokens, RoleReadOnly)
	return a, nil
}

// Enabled reports whether requests are checked at all.
func (a *Authenticator) Enabled() bool { return a != nil && a.enabled }

// Authenticate returns the role of token.
func (a *Authenticator) Authenticate(token string) (Role, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	sum := sha256.Sum256([]byte(token))
	a.mu.RLock()
	role, ok := a.verified[sum]
	a.mu.RUnlock()
	if ok {
		return role, nil
	}
	for _, c := range a.creds {
		if !c.matches(token) {
			continue
		}
		a.mu.Lock()
		a.verified[sum] = c.role
		a.mu.Unlock()
		return c.role, nil
	}
	return "", ErrInvalidToken
}

func (c credential) matches(token string) bool {
	if c.hashed {
		return bcrypt.CompareHashAndPassword([]byte(c.secret), []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(c.secret), []byte(token)) == 1
}

// GinAuth rejects requests without a valid bearer token and stores the
// caller's role under ResultKey. Read-only tokens may only issue GET.
func (a *Authenticator) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}
		role, err := a.Authenticate(bearer(c.Request))
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="janus"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if role == RoleReadOnly && c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token is read-only"})
			return
		}
		c.Set(ResultKey, role)
		c.Next()
	}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// HashToken returns the bcrypt hash of token for use in Config.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func isHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
