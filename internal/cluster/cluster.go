// Package cluster implements the clusterer (C6): grouping exception
// descriptors into persisted clusters and driving their lifecycle.
package cluster

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opslens/sentinel/internal/domain"
	"github.com/opslens/sentinel/internal/storage"
)

// Repository is the subset of storage the clusterer depends on, narrowed
// so this package never reaches for raw SQL.
type Repository interface {
	UpsertByFingerprint(ctx context.Context, representative domain.ExceptionCluster, groupSize int64) (domain.ExceptionCluster, error)
	SetStatus(ctx context.Context, clusterID string, to domain.ClusterStatus, updatedBy string) (domain.ExceptionCluster, error)
	GetByID(ctx context.Context, clusterID string) (domain.ExceptionCluster, error)
	List(ctx context.Context, status, serviceID, logSourceID string, since *time.Time) ([]domain.ExceptionCluster, error)
}

// Clusterer groups exception descriptors and owns cluster lifecycle.
type Clusterer struct {
	repo Repository
}

// New constructs a Clusterer over the given repository.
func New(repo Repository) *Clusterer {
	return &Clusterer{repo: repo}
}

// Cluster splits descriptors into with-stack and without-stack groups,
// groups each by its fingerprint, and upserts one cluster per group.
// resolve maps a log_source_id to its owning service_id; the clusterer
// fails closed when a log source is unrecognized. The parameter is an
// unnamed func type, matching processor.Clusterer's interface signature
// exactly so *Clusterer satisfies it without an adapter.
func (c *Clusterer) Cluster(ctx context.Context, descriptors []domain.ExceptionDescriptor, logSourceID string, resolve func(logSourceID string) (serviceID string, ok bool)) ([]domain.ExceptionCluster, error) {
	serviceID, ok := resolve(logSourceID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown log_source_id %q", storage.ErrNotFound, logSourceID)
	}

	withStack := make(map[string][]domain.ExceptionDescriptor)
	withoutStack := make(map[string][]domain.ExceptionDescriptor)

	for _, d := range descriptors {
		if len(d.Frames) > 0 {
			withStack[d.FingerprintStatic] = append(withStack[d.FingerprintStatic], d)
		} else {
			withoutStack[d.FingerprintTemplate] = append(withoutStack[d.FingerprintTemplate], d)
		}
	}

	var results []domain.ExceptionCluster

	for fp, group := range withStack {
		cl, err := c.getOrCreate(ctx, fp, group, serviceID, logSourceID)
		if err != nil {
			return nil, err
		}
		results = append(results, cl)
	}
	for fp, group := range withoutStack {
		cl, err := c.getOrCreate(ctx, fp, group, serviceID, logSourceID)
		if err != nil {
			return nil, err
		}
		results = append(results, cl)
	}

	return results, nil
}

func (c *Clusterer) getOrCreate(ctx context.Context, fingerprintStatic string, group []domain.ExceptionDescriptor, serviceID, logSourceID string) (domain.ExceptionCluster, error) {
	representative := group[0]
	now := representative.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	candidate := domain.ExceptionCluster{
		ClusterID:           newClusterID(),
		ServiceID:           serviceID,
		LogSourceID:         logSourceID,
		ExceptionType:       representative.ExceptionType,
		ExceptionMessage:    representative.ExceptionMessage,
		FingerprintStatic:   fingerprintStatic,
		FingerprintTemplate: representative.FingerprintTemplate,
		FingerprintSemantic: representative.FingerprintSemantic,
		FingerprintCategory: representative.FingerprintCategory,
		ErrorCategory:       representative.ErrorCategory,
		RepresentativeLogID: representative.LogID,
		StackTrace:          representative.Frames,
		LoggerPath:          representative.LoggerPath,
		FirstSeen:           now,
		LastSeen:            now,
	}

	return c.repo.UpsertByFingerprint(ctx, candidate, int64(len(group)))
}

func newClusterID() string {
	return uuid.NewString()
}

// Skip, Resolve, and Reactivate all go through the single validated setter.
func (c *Clusterer) Skip(ctx context.Context, clusterID, updatedBy string) (domain.ExceptionCluster, error) {
	return c.repo.SetStatus(ctx, clusterID, domain.ClusterSkipped, updatedBy)
}

func (c *Clusterer) Resolve(ctx context.Context, clusterID, updatedBy string) (domain.ExceptionCluster, error) {
	return c.repo.SetStatus(ctx, clusterID, domain.ClusterResolved, updatedBy)
}

func (c *Clusterer) Reactivate(ctx context.Context, clusterID, updatedBy string) (domain.ExceptionCluster, error) {
	return c.repo.SetStatus(ctx, clusterID, domain.ClusterActive, updatedBy)
}

// Get fetches a single cluster by id.
func (c *Clusterer) Get(ctx context.Context, clusterID string) (domain.ExceptionCluster, error) {
	return c.repo.GetByID(ctx, clusterID)
}

// List resolves a time filter and delegates to the repository.
func (c *Clusterer) List(ctx context.Context, status, serviceID, logSourceID, timeFilter string) ([]domain.ExceptionCluster, error) {
	since, _, err := ParseTimeFilter(timeFilter, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return c.repo.List(ctx, status, serviceID, logSourceID, since)
}

var presetFilters = map[string]time.Duration{
	"5m":  5 * time.Minute,
	"10m": 10 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

const customFilterPrefix = "custom:"

// ParseTimeFilter resolves the shared time-filter grammar: a preset yields
// a single lower bound; `custom:<start_iso>:<end_iso>` yields a closed
// bound. An unknown filter is ignored (both return values nil, no error).
//
// The two ISO-8601 bounds themselves contain colons, so the prefix is
// stripped and the remainder split on the single colon that separates the
// bounds rather than matched with a `[^:]+` pattern, which can never match
// a real timestamp.
func ParseTimeFilter(filter string, now time.Time) (since, until *time.Time, err error) {
	if filter == "" {
		return nil, nil, nil
	}
	if d, ok := presetFilters[filter]; ok {
		t := now.Add(-d)
		return &t, nil, nil
	}
	if rest, ok := strings.CutPrefix(filter, customFilterPrefix); ok {
		startStr, endStr, ok := splitCustomBounds(rest)
		if !ok {
			return nil, nil, fmt.Errorf("%w: invalid custom time filter %q", storage.ErrValidation, filter)
		}
		start, errStart := time.Parse(time.RFC3339, startStr)
		end, errEnd := time.Parse(time.RFC3339, endStr)
		if errStart != nil || errEnd != nil {
			return nil, nil, fmt.Errorf("%w: invalid custom time filter %q", storage.ErrValidation, filter)
		}
		return &start, &end, nil
	}
	return nil, nil, nil
}

// splitCustomBounds splits "<start_iso>:<end_iso>" at the colon that
// separates the two UTC timestamps. Both bounds are expected in RFC3339
// "Z" form, so the separating colon is the first one found right after a
// "Z" terminator.
func splitCustomBounds(s string) (start, end string, ok bool) {
	for i, c := range s {
		if c != ':' || i == 0 {
			continue
		}
		if s[i-1] == 'Z' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
