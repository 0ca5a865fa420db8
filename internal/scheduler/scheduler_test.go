package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opslens/sentinel/internal/domain"
	"github.com/opslens/sentinel/internal/storage"
	"github.com/opslens/sentinel/pkg/logger"
)

type fakeServices struct {
	services []domain.Service
}

func (f *fakeServices) ListActive(ctx context.Context) ([]domain.Service, error) {
	return f.services, nil
}

type fakeLogSources struct {
	count int
}

func (f *fakeLogSources) CountActiveFetchEnabled(ctx context.Context, serviceID string) (int, error) {
	return f.count, nil
}

type fakeTasks struct {
	mu       sync.Mutex
	running  map[string]bool
	claimed  []string
	statuses map[string]domain.TaskStatus
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{running: make(map[string]bool), statuses: make(map[string]domain.TaskStatus)}
}

func (f *fakeTasks) Claim(ctx context.Context, executionID, serviceID, taskName string, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := serviceID + "|" + taskName
	if f.running[k] {
		return storage.ErrConflict
	}
	f.running[k] = true
	f.claimed = append(f.claimed, executionID)
	return nil
}

func (f *fakeTasks) Complete(ctx context.Context, executionID string, status domain.TaskStatus, stats map[string]any, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[executionID] = status
	return nil
}

func waitForClaims(f *fakeTasks, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		got := len(f.claimed)
		f.mu.Unlock()
		if got >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestTickDispatchesDueLogFetch(t *testing.T) {
	svc := domain.Service{ServiceID: "svc-1", LogFetchDurationMinutes: 5, IsActive: true}
	services := &fakeServices{services: []domain.Service{svc}}
	tasks := newFakeTasks()

	var ran int32
	var mu sync.Mutex
	logFetch := func(ctx context.Context, svc domain.Service) (map[string]any, error) {
		mu.Lock()
		ran++
		mu.Unlock()
		return map[string]any{"fetched": 1}, nil
	}

	s := New(services, &fakeLogSources{count: 1}, tasks, logFetch, nil, 2, logger.NewDefault("test"))
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if !waitForClaims(tasks, 1, time.Second) {
		t.Fatal("log fetch task was never claimed")
	}
}

func TestTickSkipsRCAWhenDisabled(t *testing.T) {
	svc := domain.Service{ServiceID: "svc-1", RCAGenerationEnabled: false, IsActive: true}
	services := &fakeServices{services: []domain.Service{svc}}
	tasks := newFakeTasks()

	called := false
	rcaGen := func(ctx context.Context, svc domain.Service) (map[string]any, error) {
		called = true
		return nil, nil
	}

	s := New(services, &fakeLogSources{count: 1}, tasks, nil, rcaGen, 1, logger.NewDefault("test"))
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if called {
		t.Error("rca generation task ran while disabled")
	}
}

func TestTickSkipsNotYetDueLogFetch(t *testing.T) {
	recent := time.Now().UTC()
	svc := domain.Service{ServiceID: "svc-1", LogFetchDurationMinutes: 60, LastLogFetch: &recent, IsActive: true}
	services := &fakeServices{services: []domain.Service{svc}}
	tasks := newFakeTasks()

	called := false
	logFetch := func(ctx context.Context, svc domain.Service) (map[string]any, error) {
		called = true
		return nil, nil
	}

	s := New(services, &fakeLogSources{count: 1}, tasks, logFetch, nil, 1, logger.NewDefault("test"))
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if called {
		t.Error("log fetch ran before its interval elapsed")
	}
}

func TestCalculateNextRunWithNoLastRun(t *testing.T) {
	next, err := CalculateNextRun(nil, 30, "")
	if err != nil {
		t.Fatalf("CalculateNextRun() error = %v", err)
	}
	if next.IsZero() {
		t.Error("CalculateNextRun() = zero time, want now")
	}
}

func TestCalculateNextRunWithInterval(t *testing.T) {
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := CalculateNextRun(&last, 15, "")
	if err != nil {
		t.Fatalf("CalculateNextRun() error = %v", err)
	}
	want := last.Add(15 * time.Minute)
	if !next.Equal(want) {
		t.Errorf("CalculateNextRun() = %v, want %v", next, want)
	}
}

func TestCalculateNextRunWithCronExpr(t *testing.T) {
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := CalculateNextRun(&last, 0, "0 * * * *")
	if err != nil {
		t.Fatalf("CalculateNextRun() error = %v", err)
	}
	want := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("CalculateNextRun() = %v, want %v", next, want)
	}
}

func TestCalculateNextRunRejectsInvalidCronExpr(t *testing.T) {
	last := time.Now()
	if _, err := CalculateNextRun(&last, 0, "not a cron expr"); err == nil {
		t.Error("CalculateNextRun() error = nil, want parse error for invalid expression")
	}
}
