package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/vidfetch/internal/api/middleware"
	"github.com/kiranshivaraju/vidfetch/internal/api/response"
	"github.com/kiranshivaraju/vidfetch/internal/store"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	keyPrefix    = "vf_"
	keyRandBytes = 16
	maxKeyName   = 100
)

// KeyHashCost is the bcrypt cost for new keys. Tests lower it.
var KeyHashCost = bcrypt.DefaultCost

var knownScopes = map[string]bool{mw.ScopeJobs: true, mw.ScopeAdmin: true}

// KeyManager stores and revokes API keys.
type KeyManager interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// GenerateRawKey returns a new random API key.
func GenerateRawKey() (string, error) {
	b := make([]byte, keyRandBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return keyPrefix + hex.EncodeToString(b), nil
}

// NewAPIKey hashes rawKey and builds the record to store. Only the hash and
// the lookup prefix are kept.
func NewAPIKey(owner uuid.UUID, name, rawKey string, scopes []string) (*models.APIKey, error) {
	if len(rawKey) < mw.KeyPrefixLen {
		return nil, fmt.Errorf("api key must be at least %d characters", mw.KeyPrefixLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), KeyHashCost)
	if err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   owner,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:mw.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// Without owner_id the key gets a fresh owner. The raw key is only returned here.
func NewCreateKeyHandler(svc KeyManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name    string     `json:"name"`
			OwnerID *uuid.UUID `json:"owner_id"`
			Scopes  []string   `json:"scopes"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" || len(req.Name) > maxKeyName {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
				fmt.Sprintf("name is required and must be at most %d characters", maxKeyName), nil)
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{mw.ScopeJobs}
		}
		for _, s := range req.Scopes {
			if !knownScopes[s] {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
					fmt.Sprintf("unknown scope %q", s), nil)
				return
			}
		}
		owner := uuid.New()
		if req.OwnerID != nil && *req.OwnerID != uuid.Nil {
			owner = *req.OwnerID
		}

		rawKey, err := GenerateRawKey()
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		key, err := NewAPIKey(owner, req.Name, rawKey, req.Scopes)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		if err := svc.CreateAPIKey(r.Context(), key); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "API key already exists", nil)
				return
			}
			writeServiceError(w, r, err)
			return
		}

		response.Created(w, map[string]any{
			"id":         key.ID,
			"owner_id":   key.OwnerID,
			"name":       key.Name,
			"key":        rawKey,
			"key_prefix": key.KeyPrefix,
			"scopes":     key.Scopes,
			"created_at": key.CreatedAt,
		})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(svc KeyManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := svc.ListAPIKeys(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(svc KeyManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "keyID")
		if !ok {
			return
		}
		if err := svc.RevokeAPIKey(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found", nil)
				return
			}
			writeServiceError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}
