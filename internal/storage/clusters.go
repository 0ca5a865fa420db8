package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opslens/sentinel/internal/domain"
)

// ClusterRepository persists ExceptionCluster rows.
type ClusterRepository struct {
	db *sql.DB
}

// UpsertByFingerprint is the atomic get-or-create/increment at the heart of
// the clusterer: a single statement, keyed on the (service_id,
// log_source_id, fingerprint_static) unique constraint, so concurrent
// callers converge on one row rather than racing to create duplicates.
func (r *ClusterRepository) UpsertByFingerprint(ctx context.Context, representative domain.ExceptionCluster, groupSize int64) (domain.ExceptionCluster, error) {
	stackJSON, err := json.Marshal(representative.StackTrace)
	if err != nil {
		return domain.ExceptionCluster{}, fmt.Errorf("marshal stack trace: %w", err)
	}

	query := `
		INSERT INTO exception_clusters (
			cluster_id, service_id, log_source_id, exception_type, exception_message,
			fingerprint_static, fingerprint_template, fingerprint_semantic, fingerprint_category,
			error_category, representative_log_id, stack_trace_json, logger_path,
			cluster_size, first_seen, last_seen, frequency_24h, frequency_7d,
			status, status_updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15,$14,$14,'active',$15)
		ON CONFLICT (service_id, log_source_id, fingerprint_static) DO UPDATE SET
			cluster_size = exception_clusters.cluster_size + EXCLUDED.cluster_size,
			frequency_24h = exception_clusters.frequency_24h + EXCLUDED.frequency_24h,
			frequency_7d = exception_clusters.frequency_7d + EXCLUDED.frequency_7d,
			first_seen = LEAST(exception_clusters.first_seen, EXCLUDED.first_seen),
			last_seen = GREATEST(exception_clusters.last_seen, EXCLUDED.last_seen)
		RETURNING cluster_id, service_id, log_source_id, exception_type, exception_message,
			fingerprint_static, fingerprint_template, fingerprint_semantic, fingerprint_category,
			error_category, representative_log_id, stack_trace_json, logger_path,
			cluster_size, first_seen, last_seen, frequency_24h, frequency_7d,
			status, status_updated_at, status_updated_by, has_rca, rca_generated_at
	`

	now := representative.LastSeen
	if now.IsZero() {
		now = time.Now().UTC()
	}

	row := r.db.QueryRowContext(ctx, query,
		representative.ClusterID, representative.ServiceID, representative.LogSourceID,
		representative.ExceptionType, representative.ExceptionMessage,
		representative.FingerprintStatic, representative.FingerprintTemplate,
		representative.FingerprintSemantic, representative.FingerprintCategory,
		representative.ErrorCategory, representative.RepresentativeLogID,
		string(stackJSON), representative.LoggerPath,
		groupSize, now,
	)

	return scanCluster(row)
}

// GetByID fetches one cluster, or sql.ErrNoRows mapped to a typed NotFound.
func (r *ClusterRepository) GetByID(ctx context.Context, clusterID string) (domain.ExceptionCluster, error) {
	query := `
		SELECT cluster_id, service_id, log_source_id, exception_type, exception_message,
			fingerprint_static, fingerprint_template, fingerprint_semantic, fingerprint_category,
			error_category, representative_log_id, stack_trace_json, logger_path,
			cluster_size, first_seen, last_seen, frequency_24h, frequency_7d,
			status, status_updated_at, status_updated_by, has_rca, rca_generated_at
		FROM exception_clusters WHERE cluster_id = $1
	`
	cluster, err := scanCluster(r.db.QueryRowContext(ctx, query, clusterID))
	if err == sql.ErrNoRows {
		return domain.ExceptionCluster{}, ErrNotFound
	}
	return cluster, err
}

// List returns clusters filtered by status, service/log-source scope, and
// a lower time bound already resolved by the caller.
func (r *ClusterRepository) List(ctx context.Context, status, serviceID, logSourceID string, since *time.Time) ([]domain.ExceptionCluster, error) {
	query := `
		SELECT cluster_id, service_id, log_source_id, exception_type, exception_message,
			fingerprint_static, fingerprint_template, fingerprint_semantic, fingerprint_category,
			error_category, representative_log_id, stack_trace_json, logger_path,
			cluster_size, first_seen, last_seen, frequency_24h, frequency_7d,
			status, status_updated_at, status_updated_by, has_rca, rca_generated_at
		FROM exception_clusters
		WHERE ($1 = '' OR status = $1)
			AND ($2 = '' OR service_id = $2)
			AND ($3 = '' OR log_source_id = $3)
			AND ($4::timestamptz IS NULL OR last_seen >= $4)
		ORDER BY last_seen DESC
	`
	rows, err := r.db.QueryContext(ctx, query, status, serviceID, logSourceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ExceptionCluster
	for rows.Next() {
		c, err := scanClusterRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// allowedTransitions enumerates the closed set of valid lifecycle moves;
// anything else is a Validation error.
var allowedTransitions = map[domain.ClusterStatus]map[domain.ClusterStatus]bool{
	domain.ClusterActive:   {domain.ClusterSkipped: true, domain.ClusterResolved: true},
	domain.ClusterSkipped:  {domain.ClusterActive: true, domain.ClusterResolved: true},
	domain.ClusterResolved: {domain.ClusterActive: true, domain.ClusterSkipped: true},
}

// SetStatus performs a validated lifecycle transition. Transitioning to the
// cluster's current status is a no-op success (idempotent).
func (r *ClusterRepository) SetStatus(ctx context.Context, clusterID string, to domain.ClusterStatus, updatedBy string) (domain.ExceptionCluster, error) {
	current, err := r.GetByID(ctx, clusterID)
	if err != nil {
		return domain.ExceptionCluster{}, err
	}
	if current.Status == to {
		return current, nil
	}
	if !allowedTransitions[current.Status][to] {
		return domain.ExceptionCluster{}, fmt.Errorf("%w: cannot transition %s -> %s", ErrValidation, current.Status, to)
	}

	query := `
		UPDATE exception_clusters
		SET status = $2, status_updated_at = now(), status_updated_by = $3
		WHERE cluster_id = $1
		RETURNING cluster_id, service_id, log_source_id, exception_type, exception_message,
			fingerprint_static, fingerprint_template, fingerprint_semantic, fingerprint_category,
			error_category, representative_log_id, stack_trace_json, logger_path,
			cluster_size, first_seen, last_seen, frequency_24h, frequency_7d,
			status, status_updated_at, status_updated_by, has_rca, rca_generated_at
	`
	return scanCluster(r.db.QueryRowContext(ctx, query, clusterID, to, updatedBy))
}

// MarkRCAGenerated atomically flips has_rca/rca_generated_at once an
// RCAResult has been persisted.
func (r *ClusterRepository) MarkRCAGenerated(ctx context.Context, clusterID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE exception_clusters SET has_rca = true, rca_generated_at = $2 WHERE cluster_id = $1`,
		clusterID, at,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCluster(row rowScanner) (domain.ExceptionCluster, error) {
	return scanClusterRows(row)
}

func scanClusterRows(row rowScanner) (domain.ExceptionCluster, error) {
	var c domain.ExceptionCluster
	var stackJSON sql.NullString
	var repLogID, loggerPath, errorCategory, fpTemplate, fpSemantic, fpCategory, statusUpdatedBy sql.NullString
	var rcaGeneratedAt sql.NullTime

	err := row.Scan(
		&c.ClusterID, &c.ServiceID, &c.LogSourceID, &c.ExceptionType, &c.ExceptionMessage,
		&c.FingerprintStatic, &fpTemplate, &fpSemantic, &fpCategory,
		&errorCategory, &repLogID, &stackJSON, &loggerPath,
		&c.ClusterSize, &c.FirstSeen, &c.LastSeen, &c.Frequency24h, &c.Frequency7d,
		&c.Status, &c.StatusUpdatedAt, &statusUpdatedBy, &c.HasRCA, &rcaGeneratedAt,
	)
	if err != nil {
		return domain.ExceptionCluster{}, err
	}

	c.FingerprintTemplate = fpTemplate.String
	c.FingerprintSemantic = fpSemantic.String
	c.FingerprintCategory = fpCategory.String
	c.ErrorCategory = errorCategory.String
	c.RepresentativeLogID = repLogID.String
	c.LoggerPath = loggerPath.String
	c.StatusUpdatedBy = statusUpdatedBy.String
	if rcaGeneratedAt.Valid {
		t := rcaGeneratedAt.Time
		c.RCAGeneratedAt = &t
	}
	if stackJSON.Valid && stackJSON.String != "" {
		_ = json.Unmarshal([]byte(stackJSON.String), &c.StackTrace)
	}
	return c, nil
}
