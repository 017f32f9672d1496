package auth

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned when the provided password is wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSessionNotFound is returned for an unknown bearer token.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned for a token past its expiry.
	ErrSessionExpired = errors.New("session expired")
)

// Session is one issued admin bearer token.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// Auth checks the admin password and tracks issued tokens.
type Auth struct {
	passwordHash []byte
	ttl          time.Duration
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates an Auth for a bcrypt password hash.
func New(passwordHash string, ttl time.Duration) *Auth {
	return &Auth{
		passwordHash: []byte(passwordHash),
		ttl:          ttl,
		now:          time.Now,
		sessions:     make(map[string]*Session),
	}
}

// Login exchanges the admin password for a fresh bearer token.
func (a *Auth) Login(password string) (*Session, error) {
	if len(a.passwordHash) == 0 || !CheckPasswordHash(password, string(a.passwordHash)) {
		return nil, ErrInvalidCredentials
	}
	s := &Session{Token: uuid.NewString(), ExpiresAt: a.now().Add(a.ttl)}
	a.mu.Lock()
	a.sessions[s.Token] = s
	a.mu.Unlock()
	return s, nil
}

// Validate checks a bearer token. Expired tokens are dropped.
func (a *Auth) Validate(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[token]
	if !ok {
		return ErrSessionNotFound
	}
	if !a.now().Before(s.ExpiresAt) {
		delete(a.sessions, token)
		return ErrSessionExpired
	}
	return nil
}

// Revoke forgets a token.
func (a *Auth) Revoke(token string) {
	a.mu.Lock()
	delete(a.sessions, token)
	a.mu.Unlock()
}

// Middleware rejects requests without a valid bearer token with 401.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Validate(ExtractTokenFromHeader(r)); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"success":false,"message":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractTokenFromHeader extracts the token from the Authorization header.
// Websocket clients that cannot set headers pass ?token= instead.
func ExtractTokenFromHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return r.URL.Query().Get("token")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// HashPassword hashes a password.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPasswordHash checks a password hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
