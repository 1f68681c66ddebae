// Package auth guards the server's two surfaces: browser sessions for
// the report endpoints and API keys for ingest clients. Both paths
// resolve to the same account-in-context contract.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/sessionfold/sessionfold/server/internal/database"
)

// SessionAccountKey is the scs session key holding the account id.
const SessionAccountKey = "accountID"

type ctxKey struct{}

// HashPassword hashes a password with bcrypt at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// CheckPassword reports whether password matches the stored hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// NewAPIKey mints an ingest credential. The prefix makes leaked keys
// easy to spot in logs and dotfiles.
func NewAPIKey() (string, error) {
	suffix, err := randomHex(32)
	if err != nil {
		return "", err
	}
	return "sf_" + suffix, nil
}

// NewAccountID mints an opaque account identifier.
func NewAccountID() (string, error) {
	return randomHex(16)
}

// Middleware authenticates requests against the account store.
type Middleware struct {
	db       *database.DB
	sessions *scs.SessionManager
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(db *database.DB, sessions *scs.SessionManager) *Middleware {
	return &Middleware{db: db, sessions: sessions}
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// RequireSession admits requests carrying a live browser session.
func (m *Middleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := m.sessions.GetString(r.Context(), SessionAccountKey)
		if id == "" {
			deny(w, "authentication required")
			return
		}

		account, err := m.db.GetAccountByID(id)
		if err != nil || account == nil {
			// Session points at an account that no longer exists.
			m.sessions.Destroy(r.Context())
			deny(w, "authentication required")
			return
		}

		next.ServeHTTP(w, r.WithContext(withAccount(r.Context(), account)))
	})
}

// RequireAPIKey admits ingest clients presenting a key via X-API-Key or
// an Authorization bearer token.
func (m *Middleware) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := bearerKey(r)
		if key == "" {
			deny(w, "API key required")
			return
		}

		account, err := m.db.GetAccountByAPIKey(key)
		if err != nil || account == nil {
			deny(w, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(withAccount(r.Context(), account)))
	})
}

func bearerKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func withAccount(ctx context.Context, account *database.Account) context.Context {
	return context.WithValue(ctx, ctxKey{}, account)
}

// GetAccount returns the authenticated account, or nil outside the
// middleware.
func GetAccount(ctx context.Context) *database.Account {
	account, _ := ctx.Value(ctxKey{}).(*database.Account)
	return account
}
