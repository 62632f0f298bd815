package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

const apiKeyColumns = `id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Jobs ---

const jobColumns = `id, owner_id, source_url, platform, format, trim_range, convert_spec, priority, state,
	retry_count, result, error, created_at, started_at, finished_at, not_before, version`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	doc, err := encodeJobDocs(job)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO download_jobs (`+jobColumns+`, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW())`,
		job.ID, job.Owner, job.URL, job.Platform, job.Format, doc.trim, doc.convert, job.Priority,
		string(job.State), job.RetryCount, doc.result, doc.err, job.CreatedAt, job.StartedAt,
		job.FinishedAt, job.NotBefore, job.Version)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM download_jobs WHERE id = $1 AND owner_id = $2`, id, ownerID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// UpdateJob writes the job's mutable fields. Writes carrying a version that
// is not newer than the stored one are dropped, so out-of-order persistence
// from concurrent workers cannot roll a job back.
func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.Job) error {
	doc, err := encodeJobDocs(job)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE download_jobs SET
		   state = $2, retry_count = $3, result = $4, error = $5,
		   started_at = $6, finished_at = $7, not_before = $8, version = $9, updated_at = NOW()
		 WHERE id = $1 AND version < $9`,
		job.ID, string(job.State), job.RetryCount, doc.result, doc.err,
		job.StartedAt, job.FinishedAt, job.NotBefore, job.Version)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// ListRecoverableJobs returns jobs that were queued or running when the
// process last stopped, oldest first.
func (s *PostgresStore) ListRecoverableJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM download_jobs
		 WHERE state IN ('queued', 'running') ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list recoverable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// PurgeFinishedJobs deletes terminal jobs that finished before the cutoff.
func (s *PostgresStore) PurgeFinishedJobs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM download_jobs
		 WHERE state IN ('succeeded', 'failed', 'cancelled') AND finished_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

type jobDocs struct {
	trim, convert, result, err []byte
}

func encodeJobDocs(job *models.Job) (jobDocs, error) {
	var d jobDocs
	var err error
	if d.trim, err = marshalOrNil(job.Trim); err != nil {
		return d, err
	}
	if d.convert, err = marshalOrNil(job.Convert); err != nil {
		return d, err
	}
	if d.result, err = marshalOrNil(job.Result); err != nil {
		return d, err
	}
	if d.err, err = marshalOrNil(job.Error); err != nil {
		return d, err
	}
	return d, nil
}

// marshalOrNil returns nil for a nil pointer so the column is stored as NULL.
func marshalOrNil[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalOrNil[T any](data []byte) (*T, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j     models.Job
		state string
		doc   jobDocs
	)
	if err := row.Scan(&j.ID, &j.Owner, &j.URL, &j.Platform, &j.Format, &doc.trim, &doc.convert,
		&j.Priority, &state, &j.RetryCount, &doc.result, &doc.err, &j.CreatedAt, &j.StartedAt,
		&j.FinishedAt, &j.NotBefore, &j.Version); err != nil {
		return nil, err
	}
	j.State = models.JobState(state)

	var err error
	if j.Trim, err = unmarshalOrNil[models.TrimRange](doc.trim); err != nil {
		return nil, fmt.Errorf("decode trim_range: %w", err)
	}
	if j.Convert, err = unmarshalOrNil[models.ConvertSpec](doc.convert); err != nil {
		return nil, fmt.Errorf("decode convert_spec: %w", err)
	}
	if j.Result, err = unmarshalOrNil[models.JobResult](doc.result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if j.Error, err = unmarshalOrNil[models.JobError](doc.err); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	return &j, nil
}

// --- History ---

func (s *PostgresStore) RecordHistory(ctx context.Context, entry *models.HistoryEntry) error {
	var errorKind *string
	if entry.ErrorKind != nil {
		k := string(*entry.ErrorKind)
		errorKind = &k
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO download_history (id, job_id, owner_id, source_url, platform, format, title, state, error_kind, file_size, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (job_id) DO NOTHING`,
		entry.ID, entry.JobID, entry.OwnerID, entry.URL, entry.Platform, entry.Format, entry.Title,
		string(entry.State), errorKind, entry.FileSize, entry.FinishedAt)
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, filter HistoryFilter) ([]*models.HistoryEntry, int, error) {
	conditions := []string{"owner_id = $1"}
	args := []any{filter.OwnerID}
	argIdx := 2

	if filter.Platform != "" {
		conditions = append(conditions, fmt.Sprintf("platform = $%d", argIdx))
		args = append(args, filter.Platform)
		argIdx++
	}
	if filter.State != "" {
		conditions = append(conditions, fmt.Sprintf("state = $%d", argIdx))
		args = append(args, string(filter.State))
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("finished_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM download_history WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT id, job_id, owner_id, source_url, platform, format, title, state, error_kind, file_size, finished_at
		 FROM download_history WHERE %s ORDER BY finished_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []*models.HistoryEntry
	for rows.Next() {
		var (
			h         models.HistoryEntry
			state     string
			errorKind *string
		)
		if err := rows.Scan(&h.ID, &h.JobID, &h.OwnerID, &h.URL, &h.Platform, &h.Format, &h.Title,
			&state, &errorKind, &h.FileSize, &h.FinishedAt); err != nil {
			return nil, 0, fmt.Errorf("scan history: %w", err)
		}
		h.State = models.JobState(state)
		if errorKind != nil {
			k := models.ErrorKind(*errorKind)
			h.ErrorKind = &k
		}
		entries = append(entries, &h)
	}
	return entries, total, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
