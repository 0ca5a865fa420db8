package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opslens/sentinel/internal/domain"
)

// fakeRepo is an in-memory stand-in for storage.ClusterRepository, keyed
// exactly like the real unique constraint so the tests exercise the same
// one-cluster-per-key invariant.
type fakeRepo struct {
	mu       sync.Mutex
	byKey    map[string]string // (service,source,fingerprint) -> cluster_id
	clusters map[string]domain.ExceptionCluster
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		byKey:    make(map[string]string),
		clusters: make(map[string]domain.ExceptionCluster),
	}
}

func key(serviceID, logSourceID, fingerprint string) string {
	return serviceID + "|" + logSourceID + "|" + fingerprint
}

func (f *fakeRepo) UpsertByFingerprint(ctx context.Context, rep domain.ExceptionCluster, groupSize int64) (domain.ExceptionCluster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := key(rep.ServiceID, rep.LogSourceID, rep.FingerprintStatic)
	if id, ok := f.byKey[k]; ok {
		existing := f.clusters[id]
		existing.ClusterSize += groupSize
		existing.Frequency24h += groupSize
		existing.Frequency7d += groupSize
		if rep.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = rep.LastSeen
		}
		f.clusters[id] = existing
		return existing, nil
	}

	rep.ClusterSize = groupSize
	rep.Frequency24h = groupSize
	rep.Frequency7d = groupSize
	rep.Status = domain.ClusterActive
	f.byKey[k] = rep.ClusterID
	f.clusters[rep.ClusterID] = rep
	return rep, nil
}

func (f *fakeRepo) SetStatus(ctx context.Context, clusterID string, to domain.ClusterStatus, updatedBy string) (domain.ExceptionCluster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.clusters[clusterID]
	c.Status = to
	c.StatusUpdatedBy = updatedBy
	f.clusters[clusterID] = c
	return c, nil
}

func (f *fakeRepo) GetByID(ctx context.Context, clusterID string) (domain.ExceptionCluster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clusters[clusterID], nil
}

func (f *fakeRepo) List(ctx context.Context, status, serviceID, logSourceID string, since *time.Time) ([]domain.ExceptionCluster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ExceptionCluster
	for _, c := range f.clusters {
		out = append(out, c)
	}
	return out, nil
}

func resolver(id string) (string, bool) {
	if id == "src-1" {
		return "svc-1", true
	}
	return "", false
}

func TestClusterCreatesOneClusterWithStackTrace(t *testing.T) {
	repo := newFakeRepo()
	c := New(repo)

	descriptors := []domain.ExceptionDescriptor{
		{ExceptionType: "NullPointerException", FingerprintStatic: "fp1", Frames: []domain.StackFrame{{File: "Bar.java", Symbol: "baz"}}},
		{ExceptionType: "NullPointerException", FingerprintStatic: "fp1", Frames: []domain.StackFrame{{File: "Bar.java", Symbol: "baz"}}},
	}

	results, err := c.Cluster(context.Background(), descriptors, "src-1", resolver)
	if err != nil {
		t.Fatalf("Cluster() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d clusters, want 1", len(results))
	}
	if results[0].ClusterSize != 2 {
		t.Errorf("ClusterSize = %d, want 2", results[0].ClusterSize)
	}
	if results[0].Frequency24h != 2 {
		t.Errorf("Frequency24h = %d, want 2", results[0].Frequency24h)
	}
	if results[0].HasRCA {
		t.Error("HasRCA = true, want false for a freshly created cluster")
	}
}

func TestClusterUnknownLogSourceFails(t *testing.T) {
	repo := newFakeRepo()
	c := New(repo)

	_, err := c.Cluster(context.Background(), []domain.ExceptionDescriptor{{FingerprintStatic: "fp1"}}, "unknown-src", resolver)
	if err == nil {
		t.Fatal("Cluster() should fail for an unresolvable log_source_id")
	}
}

func TestClusterSplitsWithAndWithoutStack(t *testing.T) {
	repo := newFakeRepo()
	c := New(repo)

	descriptors := []domain.ExceptionDescriptor{
		{ExceptionType: "A", FingerprintStatic: "fp-a", Frames: []domain.StackFrame{{File: "a.py"}}},
		{ExceptionType: "B", FingerprintTemplate: "tpl-b"},
	}

	results, err := c.Cluster(context.Background(), descriptors, "src-1", resolver)
	if err != nil {
		t.Fatalf("Cluster() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d clusters, want 2", len(results))
	}
}

func TestLifecycleTransitionsAreIdempotent(t *testing.T) {
	repo := newFakeRepo()
	c := New(repo)

	descriptors := []domain.ExceptionDescriptor{{ExceptionType: "A", FingerprintStatic: "fp1"}}
	results, _ := c.Cluster(context.Background(), descriptors, "src-1", resolver)
	id := results[0].ClusterID

	skipped, err := c.Skip(context.Background(), id, "alice")
	if err != nil {
		t.Fatalf("Skip() error = %v", err)
	}
	if skipped.Status != domain.ClusterSkipped {
		t.Errorf("Status = %q, want skipped", skipped.Status)
	}

	again, err := c.Skip(context.Background(), id, "alice")
	if err != nil {
		t.Fatalf("Skip() (idempotent) error = %v", err)
	}
	if again.Status != domain.ClusterSkipped {
		t.Errorf("Status = %q, want skipped after repeat skip", again.Status)
	}
}

func TestParseTimeFilterPreset(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	since, until, err := ParseTimeFilter("1h", now)
	if err != nil {
		t.Fatalf("ParseTimeFilter() error = %v", err)
	}
	if until != nil {
		t.Error("preset filter should not set an upper bound")
	}
	want := now.Add(-time.Hour)
	if !since.Equal(want) {
		t.Errorf("since = %v, want %v", since, want)
	}
}

func TestParseTimeFilterCustom(t *testing.T) {
	since, until, err := ParseTimeFilter("custom:2026-01-01T00:00:00Z:2026-01-02T00:00:00Z", time.Now())
	if err != nil {
		t.Fatalf("ParseTimeFilter() error = %v", err)
	}
	if since == nil || until == nil {
		t.Fatal("custom filter should set both bounds")
	}
}

func TestParseTimeFilterUnknownIsIgnored(t *testing.T) {
	since, until, err := ParseTimeFilter("not-a-real-filter", time.Now())
	if err != nil {
		t.Fatalf("ParseTimeFilter() should not error for an unknown filter, got %v", err)
	}
	if since != nil || until != nil {
		t.Error("unknown filter should resolve to no bounds")
	}
}
