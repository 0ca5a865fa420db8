package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/opslens/sentinel/internal/domain"
)

// RCARepository persists RCAResult rows. History is append-only: a
// cluster may accumulate several over time.
type RCARepository struct {
	db *sql.DB
}

// Insert adds one RCA result.
func (r *RCARepository) Insert(ctx context.Context, res domain.RCAResult) error {
	involved, err := json.Marshal(res.InvolvedParameters)
	if err != nil {
		return err
	}
	fixes, err := json.Marshal(res.FixSuggestions)
	if err != nil {
		return err
	}
	tests, err := json.Marshal(res.TestsToAdd)
	if err != nil {
		return err
	}
	evidence, err := json.Marshal(res.SupportingEvidence)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rca_results (
			rca_id, cluster_id, root_cause_file, root_cause_symbol, line_start, line_end,
			confidence_score, explanation, involved_parameters_json, fix_suggestions_json,
			tests_to_add_json, supporting_evidence_json, model, tokens_used,
			validation_score, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		res.RCAID, res.ClusterID, res.RootCauseFile, res.RootCauseSymbol, res.LineStart, res.LineEnd,
		res.ConfidenceScore, res.Explanation, string(involved), string(fixes),
		string(tests), string(evidence), res.Model, res.TokensUsed,
		res.ValidationScore, res.CreatedAt,
	)
	return err
}

// LatestForCluster returns the most recently created RCA result for a
// cluster, or ErrNotFound when none exists yet.
func (r *RCARepository) LatestForCluster(ctx context.Context, clusterID string) (domain.RCAResult, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT rca_id, cluster_id, root_cause_file, root_cause_symbol, line_start, line_end,
			confidence_score, explanation, involved_parameters_json, fix_suggestions_json,
			tests_to_add_json, supporting_evidence_json, model, tokens_used,
			validation_score, created_at
		FROM rca_results WHERE cluster_id = $1 ORDER BY created_at DESC LIMIT 1
	`, clusterID)

	var res domain.RCAResult
	var involved, fixes, tests, evidence string
	err := row.Scan(
		&res.RCAID, &res.ClusterID, &res.RootCauseFile, &res.RootCauseSymbol, &res.LineStart, &res.LineEnd,
		&res.ConfidenceScore, &res.Explanation, &involved, &fixes,
		&tests, &evidence, &res.Model, &res.TokensUsed,
		&res.ValidationScore, &res.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.RCAResult{}, ErrNotFound
	}
	if err != nil {
		return domain.RCAResult{}, err
	}

	_ = json.Unmarshal([]byte(involved), &res.InvolvedParameters)
	_ = json.Unmarshal([]byte(fixes), &res.FixSuggestions)
	_ = json.Unmarshal([]byte(tests), &res.TestsToAdd)
	_ = json.Unmarshal([]byte(evidence), &res.SupportingEvidence)
	return res, nil
}
