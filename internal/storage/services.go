package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/opslens/sentinel/internal/domain"
)

// ServiceRepository persists Service (tenant) rows.
type ServiceRepository struct {
	db *sql.DB
}

// ListActive returns every service the scheduler should consider this tick.
func (r *ServiceRepository) ListActive(ctx context.Context) ([]domain.Service, error) {
	query := `
		SELECT service_id, name, repository_url, git_branch, git_provider, git_repo_path,
			access_token, use_api_mode, log_processing_enabled, rca_generation_enabled,
			code_indexing_enabled, log_fetch_duration_minutes, log_fetch_duration_hours,
			log_fetch_duration_days, rca_generation_interval_minutes, last_log_fetch,
			last_rca_generation, last_code_indexing, code_indexing_status, last_indexed_commit,
			is_active
		FROM services WHERE is_active = true
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetByID fetches one service.
func (r *ServiceRepository) GetByID(ctx context.Context, serviceID string) (domain.Service, error) {
	query := `
		SELECT service_id, name, repository_url, git_branch, git_provider, git_repo_path,
			access_token, use_api_mode, log_processing_enabled, rca_generation_enabled,
			code_indexing_enabled, log_fetch_duration_minutes, log_fetch_duration_hours,
			log_fetch_duration_days, rca_generation_interval_minutes, last_log_fetch,
			last_rca_generation, last_code_indexing, code_indexing_status, last_indexed_commit,
			is_active
		FROM services WHERE service_id = $1
	`
	s, err := scanService(r.db.QueryRowContext(ctx, query, serviceID))
	if err == sql.ErrNoRows {
		return domain.Service{}, ErrNotFound
	}
	return s, err
}

// UpdateLastLogFetch stamps the log-fetch cadence after a run completes.
func (r *ServiceRepository) UpdateLastLogFetch(ctx context.Context, serviceID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE services SET last_log_fetch = $2 WHERE service_id = $1`, serviceID, at)
	return err
}

// UpdateLastRCAGeneration stamps the RCA cadence after a run completes.
func (r *ServiceRepository) UpdateLastRCAGeneration(ctx context.Context, serviceID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE services SET last_rca_generation = $2 WHERE service_id = $1`, serviceID, at)
	return err
}

// UpdateCodeIndexing stamps the result of an indexing run.
func (r *ServiceRepository) UpdateCodeIndexing(ctx context.Context, serviceID string, at time.Time, status domain.IndexingStatus, commitSHA string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE services SET last_code_indexing = $2, code_indexing_status = $3, last_indexed_commit = $4 WHERE service_id = $1`,
		serviceID, at, status, commitSHA,
	)
	return err
}

func scanService(row rowScanner) (domain.Service, error) {
	var s domain.Service
	var repoURL, gitBranch, gitProvider, gitRepoPath, accessToken, lastIndexedCommit sql.NullString
	var lastLogFetch, lastRCAGeneration, lastCodeIndexing sql.NullTime

	err := row.Scan(
		&s.ServiceID, &s.Name, &repoURL, &gitBranch, &gitProvider, &gitRepoPath,
		&accessToken, &s.UseAPIMode, &s.LogProcessingEnabled, &s.RCAGenerationEnabled,
		&s.CodeIndexingEnabled, &s.LogFetchDurationMinutes, &s.LogFetchDurationHours,
		&s.LogFetchDurationDays, &s.RCAGenerationIntervalMinutes, &lastLogFetch,
		&lastRCAGeneration, &lastCodeIndexing, &s.CodeIndexingStatus, &lastIndexedCommit,
		&s.IsActive,
	)
	if err != nil {
		return domain.Service{}, err
	}

	s.RepositoryURL = repoURL.String
	s.GitBranch = gitBranch.String
	s.GitProvider = domain.GitProvider(gitProvider.String)
	s.GitRepoPath = gitRepoPath.String
	s.AccessToken = accessToken.String
	s.LastIndexedCommit = lastIndexedCommit.String
	if lastLogFetch.Valid {
		t := lastLogFetch.Time
		s.LastLogFetch = &t
	}
	if lastRCAGeneration.Valid {
		t := lastRCAGeneration.Time
		s.LastRCAGeneration = &t
	}
	if lastCodeIndexing.Valid {
		t := lastCodeIndexing.Time
		s.LastCodeIndexing = &t
	}
	return s, nil
}
