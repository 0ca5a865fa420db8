package storage

import (
	"context"
	"database/sql"

	"github.com/opslens/sentinel/internal/domain"
)

// LogSourceRepository persists LogSource rows: the backend connections a
// Service's log-fetch task pulls from.
type LogSourceRepository struct {
	db *sql.DB
}

// CountActiveFetchEnabled reports how many of a service's log sources are
// both active and fetch-enabled. The scheduler's log-fetch-due decision
// short-circuits to false when this is zero, mirroring the original
// scheduler's active_sources query.
func (r *LogSourceRepository) CountActiveFetchEnabled(ctx context.Context, serviceID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM log_sources WHERE service_id = $1 AND is_active = true AND fetch_enabled = true`,
		serviceID,
	).Scan(&n)
	return n, err
}

// ListByService returns every log source configured for a service.
func (r *LogSourceRepository) ListByService(ctx context.Context, serviceID string) ([]domain.LogSource, error) {
	query := `
		SELECT log_source_id, service_id, source_type, host, port, username, password,
			use_ssl, verify_certs, index_pattern, query_filter, fetch_enabled,
			fetch_interval_minutes, is_active, connection_status, last_fetch_at, last_error
		FROM log_sources WHERE service_id = $1
	`
	rows, err := r.db.QueryContext(ctx, query, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LogSource
	for rows.Next() {
		ls, err := scanLogSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}

// UpdateConnectionStatus stamps the result of the most recent connection
// attempt or fetch.
func (r *LogSourceRepository) UpdateConnectionStatus(ctx context.Context, logSourceID string, status domain.ConnectionStatus, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE log_sources SET connection_status = $2, last_error = $3, last_fetch_at = now() WHERE log_source_id = $1`,
		logSourceID, status, lastError,
	)
	return err
}

func scanLogSource(row rowScanner) (domain.LogSource, error) {
	var ls domain.LogSource
	var host, username, password, indexPattern, queryFilter, lastError sql.NullString
	var port sql.NullInt64
	var lastFetchAt sql.NullTime

	err := row.Scan(
		&ls.LogSourceID, &ls.ServiceID, &ls.SourceType, &host, &port, &username, &password,
		&ls.UseSSL, &ls.VerifyCerts, &indexPattern, &queryFilter, &ls.FetchEnabled,
		&ls.FetchIntervalMinutes, &ls.IsActive, &ls.ConnectionStatus, &lastFetchAt, &lastError,
	)
	if err != nil {
		return domain.LogSource{}, err
	}

	ls.Host = host.String
	ls.Port = int(port.Int64)
	ls.Username = username.String
	ls.Password = password.String
	ls.IndexPattern = indexPattern.String
	ls.QueryFilter = queryFilter.String
	ls.LastError = lastError.String
	if lastFetchAt.Valid {
		t := lastFetchAt.Time
		ls.LastFetchAt = &t
	}
	return ls, nil
}
