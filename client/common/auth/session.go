package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken   = errors.New("no authentication token found")
	ErrSessionExpired = errors.New("session token has expired")
)

type Claims struct {
	UserID         any    `json:"user_id"`
	Username       string `json:"username"`
	DisplayName    string `json:"display_name"`
	ProfilePicture string `json:"profile_picture"`
	jwt.RegisteredClaims
}

// TokenSource is the credential store the sockets and REST client read the
// bearer token from. It is consulted on every connect so a refreshed token is
// picked up without restarting.
type TokenSource interface {
	Token() (string, error)
}

type StaticToken string

func (t StaticToken) Token() (string, error) {
	token := strings.TrimSpace(string(t))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// FileToken reads the token from a file, mirroring a browser keeping it in
// local storage.
type FileToken struct {
	Path string
}

func (f FileToken) Token() (string, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrMissingToken
		}
		return "", err
	}
	return StaticToken(raw).Token()
}

// Session wraps a TokenSource with best-effort inspection of JWT claims. The
// token is never verified here: the server does that. Claims only scope
// per-user storage and short-circuit dials with a token known to be expired.
type Session struct {
	source TokenSource
	now    func() time.Time

	mu     sync.Mutex
	cached string
	claims *Claims
}

func NewSession(source TokenSource) *Session {
	return &Session{source: source, now: time.Now}
}

// Token returns the current bearer token or a precondition error.
func (s *Session) Token() (string, error) {
	if s == nil || s.source == nil {
		return "", ErrMissingToken
	}
	token, err := s.source.Token()
	if err != nil {
		return "", err
	}
	claims := s.inspect(token)
	if claims != nil && claims.ExpiresAt != nil && !claims.ExpiresAt.After(s.now()) {
		return "", ErrSessionExpired
	}
	return token, nil
}

// UserKey identifies the signed-in user for per-user storage keys. Opaque
// tokens fall back to "default".
func (s *Session) UserKey() string {
	if s == nil || s.source == nil {
		return "default"
	}
	token, err := s.source.Token()
	if err != nil {
		return "default"
	}
	claims := s.inspect(token)
	if claims == nil {
		return "default"
	}
	if id := formatClaimID(claims.UserID); id != "" {
		return id
	}
	if claims.Subject != "" {
		return claims.Subject
	}
	if claims.Username != "" {
		return claims.Username
	}
	return "default"
}

// Claims returns the unverified claims of the current token, if it is a JWT.
func (s *Session) Claims() (Claims, bool) {
	if s == nil || s.source == nil {
		return Claims{}, false
	}
	token, err := s.source.Token()
	if err != nil {
		return Claims{}, false
	}
	claims := s.inspect(token)
	if claims == nil {
		return Claims{}, false
	}
	return *claims, true
}

func (s *Session) inspect(token string) *Claims {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == s.cached {
		return s.claims
	}
	s.cached = token
	s.claims = nil
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		s.claims = claims
	}
	return s.claims
}

func formatClaimID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(id)
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return fmt.Sprint(id)
	}
}
