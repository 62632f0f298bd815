package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	ListRecoverableJobs(ctx context.Context) ([]*models.Job, error)
	PurgeFinishedJobs(ctx context.Context, before time.Time) (int64, error)

	RecordHistory(ctx context.Context, entry *models.HistoryEntry) error
	ListHistory(ctx context.Context, filter HistoryFilter) ([]*models.HistoryEntry, int, error)
}

type HistoryFilter struct {
	OwnerID  uuid.UUID
	Platform string
	State    models.JobState
	Since    time.Time
	Page     int
	Limit    int
}
