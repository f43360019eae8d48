// Package auth issues and verifies the signed session tokens that identify an
// account on every authenticated request.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrUnauthenticated is returned for missing, malformed, forged or expired
// tokens.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// SessionCookie carries the token for browser clients.
const SessionCookie = "credits_session"

const DefaultTTL = 24 * time.Hour

// Session is the verified content of a token.
type Session struct {
	TokenID   string
	AccountID string
	ExpiresAt time.Time
}

// Manager signs tokens of the form base64(payload).base64(hmac), where the
// payload is "<account>|<token id>|<unix expiry>".
type Manager struct {
	secret []byte
	now    func() time.Time
}

func NewManager(secret string) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("auth manager requires non-empty secret")
	}
	return &Manager{secret: []byte(secret), now: time.Now}, nil
}

// IssueToken signs a token for accountID valid for ttl (DefaultTTL when 0).
func (m *Manager) IssueToken(accountID string, ttl time.Duration) (string, error) {
	if accountID == "" {
		return "", errors.New("account id required")
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	expires := m.now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s|%s|%d", accountID, uuid.NewString(), expires)
	sig := m.sign([]byte(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// ValidateToken verifies the signature and expiry and returns the session.
func (m *Manager) ValidateToken(token string) (Session, error) {
	payloadPart, sigPart, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok {
		return Session{}, fmt.Errorf("%w: invalid token format", ErrUnauthenticated)
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return Session{}, fmt.Errorf("%w: invalid token payload", ErrUnauthenticated)
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return Session{}, fmt.Errorf("%w: invalid token signature", ErrUnauthenticated)
	}
	if !hmac.Equal(sigBytes, m.sign(payloadBytes)) {
		return Session{}, fmt.Errorf("%w: signature mismatch", ErrUnauthenticated)
	}

	payload := string(payloadBytes)
	expSep := strings.LastIndex(payload, "|")
	if expSep == -1 {
		return Session{}, fmt.Errorf("%w: invalid payload", ErrUnauthenticated)
	}
	idSep := strings.LastIndex(payload[:expSep], "|")
	if idSep <= 0 {
		return Session{}, fmt.Errorf("%w: invalid payload", ErrUnauthenticated)
	}
	expiry, err := strconv.ParseInt(payload[expSep+1:], 10, 64)
	if err != nil {
		return Session{}, fmt.Errorf("%w: invalid expiry", ErrUnauthenticated)
	}
	expiresAt := time.Unix(expiry, 0)
	if m.now().After(expiresAt) {
		return Session{}, fmt.Errorf("%w: token expired", ErrUnauthenticated)
	}
	return Session{
		AccountID: payload[:idSep],
		TokenID:   payload[idSep+1 : expSep],
		ExpiresAt: expiresAt,
	}, nil
}

func (m *Manager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}

// TokenFromRequest reads the bearer token, falling back to the session cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

type ctxKey struct{}

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// SessionFromContext returns the session stored by the HTTP middleware.
func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	return s, ok && s.AccountID != ""
}
