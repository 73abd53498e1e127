package admin

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/stratahq/strata/internal/repository"
)

const (
	sessionCookieName  = "strata_admin_session"
	sessionDuration    = 24 * time.Hour
	csrfTokenLength    = 32
	sessionTokenLength = 32
	maxLoginAttempts   = 5
	loginWindow        = 15 * time.Minute

	// maxTrackedIPs bounds the in-memory login-attempt map so an attacker
	// spraying requests from many source addresses cannot grow it without
	// limit.
	maxTrackedIPs = 10000
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidCSRF  = errors.New("invalid CSRF token")
)

// apiKeyFlash carries a freshly generated API key's one-time secret from
// the POST that created it to the GET that renders it, so a page reload
// never re-displays a secret that has already left the server.
type apiKeyFlash struct {
	keyID  string
	secret string
}

type SessionManager struct {
	repo          *repository.PostgresRepository
	sessionSecret []byte

	mu            sync.Mutex
	loginAttempts map[string][]time.Time
	apiKeyFlashes map[string]apiKeyFlash
}

func NewSessionManager(repo *repository.PostgresRepository, sessionSecret string) *SessionManager {
	return &SessionManager{
		repo:          repo,
		sessionSecret: []byte(sessionSecret),
		loginAttempts: make(map[string][]time.Time),
		apiKeyFlashes: make(map[string]apiKeyFlash),
	}
}

// GenerateSession creates a new session for the user, returning the raw
// token to be set in the cookie.
func (m *SessionManager) GenerateSession(ctx context.Context, userID string) (string, error) {
	tokenBytes := make([]byte, sessionTokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	rawToken := base64.RawURLEncoding.EncodeToString(tokenBytes)

	idHash := m.hashToken(rawToken)

	csrfBytes := make([]byte, csrfTokenLength)
	if _, err := rand.Read(csrfBytes); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	csrfToken := base64.RawURLEncoding.EncodeToString(csrfBytes)

	session := repository.AdminSession{
		IDHash:      idHash,
		AdminUserID: userID,
		CSRFToken:   csrfToken,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(sessionDuration),
	}

	if err := m.repo.CreateAdminSession(ctx, session); err != nil {
		return "", err
	}

	return rawToken, nil
}

// ValidateSession checks the cookie token against the DB and returns the
// session if valid.
func (m *SessionManager) ValidateSession(ctx context.Context, rawToken string) (repository.AdminSession, error) {
	if rawToken == "" {
		return repository.AdminSession{}, ErrUnauthorized
	}

	idHash := m.hashToken(rawToken)
	session, err := m.repo.GetAdminSession(ctx, idHash)
	if err != nil {
		return repository.AdminSession{}, ErrUnauthorized
	}

	if time.Now().After(session.ExpiresAt) {
		_ = m.repo.DeleteAdminSession(ctx, idHash)
		return repository.AdminSession{}, ErrUnauthorized
	}

	return session, nil
}

// InvalidateSession removes the session from the DB.
func (m *SessionManager) InvalidateSession(ctx context.Context, rawToken string) error {
	idHash := m.hashToken(rawToken)
	m.clearAPIKeyFlashes(idHash)
	return m.repo.DeleteAdminSession(ctx, idHash)
}

// SetSessionCookie writes the session cookie.
func (m *SessionManager) SetSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		// SameSite=Lax is safer for navigation than Strict, which can break links from external sites
		SameSite: http.SameSiteLaxMode,
		// Secure is omitted to allow plain HTTP over Tailscale (WireGuard encryption)
		// Adding Secure would break the admin portal unless TLS is explicitly configured.
		Secure:  false,
		Expires: time.Now().Add(sessionDuration),
	})
}

// ClearSessionCookie deletes the session cookie.
func (m *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   false,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

// CheckLoginRateLimit returns true if the IP is allowed to attempt login.
func (m *SessionManager) CheckLoginRateLimit(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	attempts, ok := m.loginAttempts[ip]
	if !ok {
		return true
	}

	validAttempts := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if now.Sub(t) < loginWindow {
			validAttempts = append(validAttempts, t)
		}
	}
	m.loginAttempts[ip] = validAttempts

	return len(validAttempts) < maxLoginAttempts
}

// RecordLoginAttempt adds a failed login attempt for the IP. Once
// maxTrackedIPs distinct addresses are tracked, attempts from new
// addresses are silently dropped rather than growing the map without
// bound; addresses already being tracked still record normally.
func (m *SessionManager) RecordLoginAttempt(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, tracked := m.loginAttempts[ip]; !tracked && len(m.loginAttempts) >= maxTrackedIPs {
		return
	}

	m.loginAttempts[ip] = append(m.loginAttempts[ip], time.Now())
}

// SetAPIKeyFlash stashes a freshly minted API key's raw secret against a
// session so the next GET in the post-redirect-get cycle can reveal it
// exactly once.
func (m *SessionManager) SetAPIKeyFlash(sessionIDHash, projectID, keyID, secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.apiKeyFlashes[sessionIDHash+":"+projectID] = apiKeyFlash{keyID: keyID, secret: secret}
}

// PopAPIKeyFlash retrieves and removes a stashed API key secret, if any.
func (m *SessionManager) PopAPIKeyFlash(sessionIDHash, projectID string) (keyID, secret string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := sessionIDHash + ":" + projectID
	flash, found := m.apiKeyFlashes[k]
	if !found {
		return "", "", false
	}
	delete(m.apiKeyFlashes, k)
	return flash.keyID, flash.secret, true
}

// clearAPIKeyFlashes drops any unread flash belonging to a session that is
// being invalidated.
func (m *SessionManager) clearAPIKeyFlashes(sessionIDHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := sessionIDHash + ":"
	for k := range m.apiKeyFlashes {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.apiKeyFlashes, k)
		}
	}
}

// hashToken derives the session's storage key from the raw cookie token,
// keyed by sessionSecret so a leaked database row alone cannot be replayed
// as a cookie value.
func (m *SessionManager) hashToken(token string) string {
	mac := hmac.New(sha256.New, m.sessionSecret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// constantTimeEqual is used where callers compare tokens against a
// server-held value outside the hashToken path (double-submit CSRF).
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
