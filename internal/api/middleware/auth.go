package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/internal/api/response"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefixLen is how many leading characters of a raw key are stored in
// clear for lookup.
const KeyPrefixLen = 8

// KeyStore is the slice of the store that authentication needs.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}

// Auth provides authentication and scope-checking middleware.
type Auth struct {
	keys KeyStore
}

func NewAuth(keys KeyStore) *Auth {
	return &Auth{keys: keys}
}

// Authenticate validates the Bearer token, looks up the API key, and sets
// owner_id, key_prefix, and scopes in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}
		if len(rawKey) < KeyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:KeyPrefixLen]
		candidates, err := a.keys.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			slog.Error("api key lookup failed", "prefix", prefix, "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		key := matchKey(candidates, rawKey)
		if key == nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		ctx := SetOwnerID(r.Context(), key.OwnerID)
		ctx = setKeyPrefix(ctx, prefix)
		ctx = SetScopes(ctx, key.Scopes)

		go a.touch(key.ID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope rejects requests whose key lacks scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasScope(r, scope) {
				response.Error(w, http.StatusForbidden,
					"FORBIDDEN", "Insufficient permissions", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Auth) touch(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.keys.UpdateAPIKeyLastUsed(ctx, id); err != nil {
		slog.Warn("failed to update api key last_used_at", "key_id", id, "error", err)
	}
}

func matchKey(candidates []*models.APIKey, rawKey string) *models.APIKey {
	for _, key := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
			return key
		}
	}
	return nil
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
