package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	ownerIDKey      contextKey = "owner_id"
	keyPrefixKey    contextKey = "key_prefix"
	apiKeyScopesKey contextKey = "api_key_scopes"
)

const (
	// ScopeJobs grants the job and media endpoints. New keys get it by default.
	ScopeJobs = "jobs"
	// ScopeAdmin lets a key manage API keys and see every owner's jobs.
	ScopeAdmin = "admin"
)

func SetOwnerID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ownerIDKey, id)
}

func GetOwnerID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(ownerIDKey).(uuid.UUID)
	return id, ok
}

// ViewerID returns the owner whose jobs the caller may read. Admin keys get
// uuid.Nil, which matches every owner.
func ViewerID(r *http.Request) uuid.UUID {
	if HasScope(r, ScopeAdmin) {
		return uuid.Nil
	}
	id, _ := GetOwnerID(r)
	return id
}

// HasScope reports whether the authenticated key carries scope.
func HasScope(r *http.Request, scope string) bool {
	for _, s := range getScopes(r) {
		if s == scope {
			return true
		}
	}
	return false
}

// SetScopes stores the authenticated key's scopes. Tests use it to build
// requests without going through Authenticate.
func SetScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}

// ExportedKeyPrefixKey returns the context key for key_prefix (for testing).
func ExportedKeyPrefixKey() contextKey {
	return keyPrefixKey
}
