// Package processor is the top-level pipeline (C8): it extracts exceptions
// from a batch of normalized records, clusters them, and fans out
// notifications and RCA generation — tolerant of per-cluster failures.
package processor

import (
	"context"
	"time"

	"github.com/opslens/sentinel/internal/domain"
	"github.com/opslens/sentinel/internal/logs/extractor"
	"github.com/opslens/sentinel/internal/logs/normalizer"
	"github.com/opslens/sentinel/pkg/logger"
)

// defaultErrorLevels is the configured set of levels considered
// exception-bearing when the caller doesn't override it.
var defaultErrorLevels = map[string]bool{"ERROR": true, "CRITICAL": true, "FATAL": true}

// Clusterer is the narrow clustering surface the processor depends on.
type Clusterer interface {
	Cluster(ctx context.Context, descriptors []domain.ExceptionDescriptor, logSourceID string, resolve func(string) (string, bool)) ([]domain.ExceptionCluster, error)
}

// Notifier emits a best-effort alert; failures must never abort a batch.
type Notifier interface {
	Notify(ctx context.Context, payload any)
}

// RCATrigger enqueues RCA generation for a cluster; failures never abort
// a batch.
type RCATrigger interface {
	TriggerRCA(ctx context.Context, clusterID string)
}

// Result is the per-batch outcome the caller (ingestion endpoint or
// scheduled log fetch) reports.
type Result struct {
	TotalLogs           int
	ErrorLogs            int
	ExceptionsExtracted int
	ClustersCreated      int
	RCAGenerated         int
	NotificationsSent    int
}

// Processor composes Normalizer output into clusters and side effects.
type Processor struct {
	clusterer            Clusterer
	notifier              Notifier
	rcaTrigger            RCATrigger
	errorLevels           map[string]bool
	notifyThreshold       int64
	log                   *logger.Logger
}

// Config tunes the processor's thresholds.
type Config struct {
	ErrorLevels           []string
	NotificationThreshold int64 // minimum cluster_size to emit a notification
}

// New constructs a Processor.
func New(clusterer Clusterer, notifier Notifier, rcaTrigger RCATrigger, cfg Config, log *logger.Logger) *Processor {
	levels := defaultErrorLevels
	if len(cfg.ErrorLevels) > 0 {
		levels = make(map[string]bool, len(cfg.ErrorLevels))
		for _, l := range cfg.ErrorLevels {
			levels[l] = true
		}
	}
	threshold := cfg.NotificationThreshold
	if threshold <= 0 {
		threshold = 1
	}
	return &Processor{
		clusterer:       clusterer,
		notifier:        notifier,
		rcaTrigger:      rcaTrigger,
		errorLevels:     levels,
		notifyThreshold: threshold,
		log:             log,
	}
}

// Process runs the full pipeline for one batch, scoped to a single
// log_source_id. Records are processed in arrival order so representative
// logs stay stable within the batch.
func (p *Processor) Process(ctx context.Context, records []normalizer.Record, logSourceID string, resolve func(string) (string, bool), shouldTriggerRCA func(domain.ExceptionCluster) bool) Result {
	result := Result{TotalLogs: len(records)}

	var descriptors []domain.ExceptionDescriptor
	for _, rec := range records {
		if !p.errorLevels[rec.Level] {
			continue
		}
		result.ErrorLogs++

		desc, ok := extractor.Extract(rec)
		if !ok {
			continue
		}
		result.ExceptionsExtracted++
		descriptors = append(descriptors, desc)
	}

	if len(descriptors) == 0 {
		return result
	}

	clusters, err := p.clusterer.Cluster(ctx, descriptors, logSourceID, resolve)
	if err != nil {
		p.log.WithError(err).Error("cluster batch")
		return result
	}
	result.ClustersCreated = len(clusters)

	for _, cl := range clusters {
		if cl.ClusterSize >= p.notifyThreshold {
			p.notifier.Notify(ctx, cl)
			result.NotificationsSent++
		}

		trigger := shouldTriggerRCA
		if trigger == nil {
			trigger = func(c domain.ExceptionCluster) bool { return defaultShouldTriggerRCA(c) }
		}
		if trigger(cl) {
			p.rcaTrigger.TriggerRCA(ctx, cl.ClusterID)
			result.RCAGenerated++
		}
	}

	return result
}

func defaultShouldTriggerRCA(cl domain.ExceptionCluster) bool {
	if cl.HasRCA {
		return false
	}
	return cl.Frequency24h >= 10 || time.Since(cl.FirstSeen) <= time.Hour
}
