package security

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/toko-gmpays/internal/common"
)

// NonceHeader carries the one-time token on protected admin actions.
const NonceHeader = "X-Admin-Nonce"

// ErrNonceInvalid is returned for unknown, expired, reused or foreign nonces.
var ErrNonceInvalid = errors.New("security: invalid nonce")

type nonceStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
}

// Nonces issues single-use tokens bound to an admin subject. A nonce is
// consumed by its first use whether or not the action then succeeds.
type Nonces struct {
	Store  nonceStore
	TTL    time.Duration
	Prefix string
	// Subject resolves the authenticated admin of a request.
	Subject func(*http.Request) string
}

func (n Nonces) key(nonce string) string {
	prefix := n.Prefix
	if prefix == "" {
		prefix = "gmpays:nonce:"
	}
	return prefix + nonce
}

func (n Nonces) ttl() time.Duration {
	if n.TTL > 0 {
		return n.TTL
	}
	return 10 * time.Minute
}

// Issue stores a fresh nonce for subject.
func (n Nonces) Issue(ctx context.Context, subject string) (string, time.Time, error) {
	if n.Store == nil {
		return "", time.Time{}, common.ConfigErrorf("nonce store not configured")
	}
	nonce := uuid.NewString()
	expires := time.Now().Add(n.ttl()).UTC()
	if err := n.Store.Set(ctx, n.key(nonce), subject, n.ttl()).Err(); err != nil {
		return "", time.Time{}, err
	}
	return nonce, expires, nil
}

// Consume validates and burns nonce for subject.
func (n Nonces) Consume(ctx context.Context, nonce, subject string) error {
	if n.Store == nil {
		return common.ConfigErrorf("nonce store not configured")
	}
	nonce = strings.TrimSpace(nonce)
	if nonce == "" {
		return ErrNonceInvalid
	}
	owner, err := n.Store.GetDel(ctx, n.key(nonce)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNonceInvalid
	}
	if err != nil {
		return err
	}
	if owner != subject {
		return ErrNonceInvalid
	}
	return nil
}

func (n Nonces) subject(r *http.Request) string {
	if n.Subject == nil {
		return ""
	}
	return n.Subject(r)
}

// IssueHandler returns a nonce for the calling admin.
func (n Nonces) IssueHandler(w http.ResponseWriter, r *http.Request) {
	subject := n.subject(r)
	if subject == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	nonce, expires, err := n.Issue(r.Context(), subject)
	if err != nil {
		common.JSONError(w, http.StatusServiceUnavailable, "NONCE_UNAVAILABLE", "unable to issue nonce", nil)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	common.JSON(w, http.StatusCreated, map[string]any{"nonce": nonce, "expiresAt": expires})
}

// Middleware requires a valid nonce header on every request it wraps.
func (n Nonces) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := n.subject(r)
		if subject == "" {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
			return
		}
		err := n.Consume(r.Context(), r.Header.Get(NonceHeader), subject)
		switch {
		case err == nil:
			next.ServeHTTP(w, r)
		case errors.Is(err, ErrNonceInvalid):
			common.JSONError(w, http.StatusForbidden, "INVALID_NONCE", "missing, expired or reused nonce", nil)
		default:
			common.JSONError(w, http.StatusServiceUnavailable, "NONCE_UNAVAILABLE", "unable to verify nonce", nil)
		}
	})
}
