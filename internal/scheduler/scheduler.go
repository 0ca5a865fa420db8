// Package scheduler implements the per-tenant task dispatcher (C10) and
// execution tracker (C11): a single ticker decides what's due, a bounded
// worker pool runs the work, and every run is recorded before it starts.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/opslens/sentinel/internal/domain"
	"github.com/opslens/sentinel/internal/storage"
	"github.com/opslens/sentinel/pkg/logger"
)

// ServiceLister supplies the active tenants to consider each tick.
type ServiceLister interface {
	ListActive(ctx context.Context) ([]domain.Service, error)
}

// LogSourceChecker reports how many of a service's log sources are eligible
// to fetch from, so the scheduler can withhold log-fetch dispatch when none
// are configured or all are disabled.
type LogSourceChecker interface {
	CountActiveFetchEnabled(ctx context.Context, serviceID string) (int, error)
}

// Tasks is the execution-tracker surface the scheduler claims and
// completes rows through.
type Tasks interface {
	Claim(ctx context.Context, executionID, serviceID, taskName string, startedAt time.Time) error
	Complete(ctx context.Context, executionID string, status domain.TaskStatus, stats map[string]any, errMsg string) error
}

// TaskFunc runs one dispatched task to completion, returning stats for
// the execution record.
type TaskFunc func(ctx context.Context, svc domain.Service) (map[string]any, error)

// Scheduler dispatches due tasks for every active service on each tick.
type Scheduler struct {
	services   ServiceLister
	logSources LogSourceChecker
	tasks      Tasks
	log        *logger.Logger

	logFetch    TaskFunc
	rcaGenerate TaskFunc

	work chan dispatchedTask
}

type dispatchedTask struct {
	service domain.Service
	name    string
	fn      TaskFunc
}

// New constructs a Scheduler with a bounded dispatch queue; poolSize
// workers drain it concurrently.
func New(services ServiceLister, logSources LogSourceChecker, tasks Tasks, logFetch, rcaGenerate TaskFunc, poolSize int, log *logger.Logger) *Scheduler {
	if poolSize <= 0 {
		poolSize = 4
	}
	s := &Scheduler{
		services:    services,
		logSources:  logSources,
		tasks:       tasks,
		log:         log,
		logFetch:    logFetch,
		rcaGenerate: rcaGenerate,
		work:        make(chan dispatchedTask, poolSize*4),
	}
	for i := 0; i < poolSize; i++ {
		go s.worker()
	}
	return s
}

func (s *Scheduler) worker() {
	for task := range s.work {
		s.run(task)
	}
}

// run claims the execution row, invokes the task function, and records
// the outcome — tolerant: per-service failures never block other
// services, matching the Scheduler's error-propagation policy.
func (s *Scheduler) run(task dispatchedTask) {
	executionID := newExecutionID()
	startedAt := time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.tasks.Claim(ctx, executionID, task.service.ServiceID, task.name, startedAt); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			s.log.WithError(err).WithField("service_id", task.service.ServiceID).WithField("task", task.name).Error("claim task execution")
		}
		// Already running elsewhere (or failed to claim); this tick skips it.
		return
	}

	stats, err := task.fn(ctx, task.service)

	status := domain.TaskSuccess
	errMsg := ""
	if ctx.Err() != nil {
		status = domain.TaskFailed
		errMsg = "cancelled: " + ctx.Err().Error()
	} else if err != nil {
		status = domain.TaskFailed
		errMsg = err.Error()
	}

	if completeErr := s.tasks.Complete(context.Background(), executionID, status, stats, errMsg); completeErr != nil {
		s.log.WithError(completeErr).WithField("execution_id", executionID).Error("complete task execution")
	}
}

// Tick runs one pass of schedule_service_tasks: for every active service,
// enqueue log-fetch and/or RCA-generation when due. Code indexing is
// on-demand only and is never dispatched here.
func (s *Scheduler) Tick(ctx context.Context) error {
	services, err := s.services.ListActive(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, svc := range services {
		due, err := s.logFetchDue(ctx, svc, now)
		if err != nil {
			s.log.WithError(err).WithField("service_id", svc.ServiceID).Error("check active log sources")
		} else if due && s.logFetch != nil {
			s.enqueue(svc, domain.TaskLogFetch, s.logFetch)
		}
		if rcaGenerationDue(svc, now) && s.rcaGenerate != nil {
			s.enqueue(svc, domain.TaskRCAGeneration, s.rcaGenerate)
		}
	}
	return nil
}

func (s *Scheduler) enqueue(svc domain.Service, taskName string, fn TaskFunc) {
	select {
	case s.work <- dispatchedTask{service: svc, name: taskName, fn: fn}:
	default:
		s.log.WithField("service_id", svc.ServiceID).WithField("task", taskName).Warn("scheduler work queue full, dropping this tick's dispatch")
	}
}

// logFetchDue is due iff the service has at least one active, fetch-enabled
// log source AND enough time has passed since the last fetch — mirroring
// the original scheduler's two-phase _should_fetch_logs check.
func (s *Scheduler) logFetchDue(ctx context.Context, svc domain.Service, now time.Time) (bool, error) {
	count, err := s.logSources.CountActiveFetchEnabled(ctx, svc.ServiceID)
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}

	if svc.LastLogFetch == nil {
		return true, nil
	}
	return now.Sub(*svc.LastLogFetch) >= svc.LogFetchDuration(), nil
}

func rcaGenerationDue(svc domain.Service, now time.Time) bool {
	if !svc.RCAGenerationEnabled {
		return false
	}
	if svc.LastRCAGeneration == nil {
		return true
	}
	interval := time.Duration(svc.RCAGenerationIntervalMinutes) * time.Minute
	return now.Sub(*svc.LastRCAGeneration) >= interval
}

// CalculateNextRun resolves the next scheduled time from either an
// interval (minutes) or a cron expression — exactly one should be set.
// With no last run, both forms return now.
func CalculateNextRun(last *time.Time, intervalMinutes int, cronExpr string) (time.Time, error) {
	if last == nil {
		return time.Now().UTC(), nil
	}

	if cronExpr != "" {
		schedule, err := cron.ParseStandard(cronExpr)
		if err != nil {
			return time.Time{}, err
		}
		return schedule.Next(*last), nil
	}

	return last.Add(time.Duration(intervalMinutes) * time.Minute), nil
}

func newExecutionID() string {
	return uuid.NewString()
}
