// Package httpapi wires the REST surface (C14): route table, request
// decoding, and response shaping around the domain packages. It owns no
// business logic of its own beyond request/response translation.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/opslens/sentinel/infrastructure/cache"
	"github.com/opslens/sentinel/infrastructure/httputil"
	"github.com/opslens/sentinel/internal/codeindex"
	"github.com/opslens/sentinel/internal/domain"
	"github.com/opslens/sentinel/internal/ingest"
	"github.com/opslens/sentinel/internal/logs/normalizer"
	"github.com/opslens/sentinel/internal/processor"
	"github.com/opslens/sentinel/pkg/logger"
)

// statsCacheTTL bounds how stale the dashboard aggregation endpoints can
// be: they recompute from a full cluster list, so a short cache keeps
// repeated dashboard polling from re-scanning the table every request.
const statsCacheTTL = 10 * time.Second

// Clusters is the cluster read/lifecycle surface the API depends on.
type Clusters interface {
	Get(ctx context.Context, clusterID string) (domain.ExceptionCluster, error)
	List(ctx context.Context, status, serviceID, logSourceID, timeFilter string) ([]domain.ExceptionCluster, error)
	Skip(ctx context.Context, clusterID, updatedBy string) (domain.ExceptionCluster, error)
	Resolve(ctx context.Context, clusterID, updatedBy string) (domain.ExceptionCluster, error)
	Reactivate(ctx context.Context, clusterID, updatedBy string) (domain.ExceptionCluster, error)
}

// RCAResults reads the persisted analyses and triggers new ones.
type RCAResults interface {
	LatestForCluster(ctx context.Context, clusterID string) (domain.RCAResult, error)
}

// RCAGenerator runs the analysis pipeline for one cluster.
type RCAGenerator interface {
	AnalyzeCluster(ctx context.Context, clusterID string) (domain.RCAResult, error)
}

// CodeIndexTrigger kicks off a manual indexing run for one service.
type CodeIndexTrigger interface {
	TriggerIndexing(ctx context.Context, serviceID string, forceFull bool) (codeindex.Result, error)
}

// Ingestor is the ingest.Endpoint surface the handler depends on.
type Ingestor interface {
	Submit(sourceKey string, records []ingest.Record) ([]ingest.Record, ingest.Outcome, error)
}

// BatchProcessor runs the extract→cluster→notify→RCA-trigger pipeline
// over a batch of normalized records already accepted by the Ingestor.
type BatchProcessor interface {
	Process(ctx context.Context, records []normalizer.Record, logSourceID string, resolve func(string) (string, bool), shouldTriggerRCA func(domain.ExceptionCluster) bool) processor.Result
}

// API bundles the server's dependencies and exposes the route table.
type API struct {
	clusters      Clusters
	rcaResults    RCAResults
	rcaGenerator  RCAGenerator
	codeIndex     CodeIndexTrigger
	ingestor      Ingestor
	processor     BatchProcessor
	ingestToken   string
	log           *logger.Logger
	statsCache    *cache.TTLCache
}

// Config bundles API's collaborators.
type Config struct {
	Clusters     Clusters
	RCAResults   RCAResults
	RCAGenerator RCAGenerator
	CodeIndex    CodeIndexTrigger
	Ingestor     Ingestor
	Processor    BatchProcessor
	IngestToken  string
	Log          *logger.Logger
}

// New constructs an API.
func New(cfg Config) *API {
	return &API{
		clusters:     cfg.Clusters,
		rcaResults:   cfg.RCAResults,
		rcaGenerator: cfg.RCAGenerator,
		codeIndex:    cfg.CodeIndex,
		ingestor:     cfg.Ingestor,
		processor:    cfg.Processor,
		ingestToken:  cfg.IngestToken,
		log:          cfg.Log,
		statsCache:   cache.NewTTLCache(statsCacheTTL),
	}
}

// Routes registers every endpoint from the external interface table onto
// router. Route-specific middleware (the ingestion rate limiter) is
// applied by the caller per spec.md's documented middleware order.
func (a *API) Routes(router *mux.Router, ingestMiddleware mux.MiddlewareFunc) {
	ingestRouter := router.Path("/api/v1/ingest").Subrouter()
	if ingestMiddleware != nil {
		ingestRouter.Use(ingestMiddleware)
	}
	ingestRouter.Methods(http.MethodPost).HandlerFunc(a.handleIngest)

	router.HandleFunc("/api/v1/clusters", a.handleListClusters).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/clusters/{id}", a.handleGetCluster).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/clusters/{id}/skip", a.handleTransition(domain.ClusterSkipped)).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/clusters/{id}/resolve", a.handleTransition(domain.ClusterResolved)).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/clusters/{id}/reactivate", a.handleTransition(domain.ClusterActive)).Methods(http.MethodPost)

	router.HandleFunc("/api/v1/rca/{cluster_id}", a.handleGetRCA).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/rca/generate", a.handleGenerateRCA).Methods(http.MethodPost)

	router.HandleFunc("/api/v1/code-indexing/services/{service_id}/trigger", a.handleTriggerIndexing).Methods(http.MethodPost)

	router.HandleFunc("/api/v1/stats", a.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/trends", a.handleTrends).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/stats/services", a.handleStatsByService).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/stats/severity", a.handleStatsBySeverity).Methods(http.MethodGet)
}

// ---------------------------------------------------------------------------
// Ingestion
// ---------------------------------------------------------------------------

type ingestRequest struct {
	Records    []map[string]any `json:"records"`
	SourceHint string            `json:"source_hint"`
}

type ingestResponse struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// handleIngest implements POST /api/v1/ingest: bearer-token auth, decode,
// hand off to the Ingestor for validation/rate-limit/dedup, then run the
// accepted records through the batch processor.
func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireBearerToken(w, r, a.ingestToken) {
		return
	}

	var req ingestRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	canonical := make([]normalizer.Record, len(req.Records))
	batch := make([]ingest.Record, len(req.Records))
	for i, raw := range req.Records {
		rec := normalizer.Normalize(raw)
		canonical[i] = rec
		batch[i] = ingest.Record{Timestamp: rec.Timestamp, Message: rec.Message, Fields: raw}
	}

	sourceKey := ingest.SourceKey(httputil.BearerToken(r), httputil.ClientIP(r))
	accepted, outcome, err := a.ingestor.Submit(sourceKey, batch)
	if err != nil {
		switch err {
		case ingest.ErrBatchTooLarge:
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, err.Error())
		case ingest.ErrRateLimited:
			httputil.WriteError(w, http.StatusTooManyRequests, err.Error())
		default:
			httputil.BadRequest(w, err.Error())
		}
		return
	}

	acceptedCanonical := acceptedRecords(batch, accepted, canonical)
	logSourceID := req.SourceHint
	resolve := func(hint string) (string, bool) {
		if hint == "" {
			return "", false
		}
		return hint, true
	}

	a.processor.Process(r.Context(), acceptedCanonical, logSourceID, resolve, nil)

	httputil.WriteJSON(w, http.StatusOK, ingestResponse{
		Accepted:   outcome.Accepted,
		Duplicates: outcome.Duplicates,
		Rejected:   outcome.Rejected,
	})
}

// acceptedRecords maps the Ingestor's accepted subset (identity-equal
// ingest.Records, in original order) back to their canonical form.
func acceptedRecords(original, accepted []ingest.Record, canonical []normalizer.Record) []normalizer.Record {
	out := make([]normalizer.Record, 0, len(accepted))
	idx := 0
	for _, acc := range accepted {
		for idx < len(original) && !sameRecord(original[idx], acc) {
			idx++
		}
		if idx >= len(original) {
			break
		}
		out = append(out, canonical[idx])
		idx++
	}
	return out
}

func sameRecord(a, b ingest.Record) bool {
	return a.Timestamp.Equal(b.Timestamp) && a.Message == b.Message
}

// ---------------------------------------------------------------------------
// Clusters
// ---------------------------------------------------------------------------

func (a *API) handleListClusters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := httputil.QueryString(r, "status", "active")
	serviceID := q.Get("service_id")
	logSourceID := q.Get("log_source_id")
	timeFilter := q.Get("time_filter")

	clusters, err := a.clusters.List(r.Context(), status, serviceID, logSourceID, timeFilter)
	if err != nil {
		httputil.InternalError(w, "list clusters")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, clusters)
}

func (a *API) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cl, err := a.clusters.Get(r.Context(), id)
	if err != nil {
		httputil.NotFound(w, "cluster not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cl)
}

func (a *API) handleTransition(to domain.ClusterStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		updatedBy := httputil.UpdatedByParam(r)

		var (
			cl  domain.ExceptionCluster
			err error
		)
		switch to {
		case domain.ClusterSkipped:
			cl, err = a.clusters.Skip(r.Context(), id, updatedBy)
		case domain.ClusterResolved:
			cl, err = a.clusters.Resolve(r.Context(), id, updatedBy)
		default:
			cl, err = a.clusters.Reactivate(r.Context(), id, updatedBy)
		}
		if err != nil {
			httputil.NotFound(w, "cluster not found")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, cl)
	}
}

// ---------------------------------------------------------------------------
// RCA
// ---------------------------------------------------------------------------

func (a *API) handleGetRCA(w http.ResponseWriter, r *http.Request) {
	clusterID := mux.Vars(r)["cluster_id"]
	res, err := a.rcaResults.LatestForCluster(r.Context(), clusterID)
	if err != nil {
		httputil.NotFound(w, "no rca result for cluster")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

type generateRCARequest struct {
	ClusterID string `json:"cluster_id"`
}

func (a *API) handleGenerateRCA(w http.ResponseWriter, r *http.Request) {
	var req generateRCARequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.ClusterID == "" {
		httputil.BadRequest(w, "cluster_id is required")
		return
	}

	res, err := a.rcaGenerator.AnalyzeCluster(r.Context(), req.ClusterID)
	if err != nil {
		a.log.WithError(err).WithField("cluster_id", req.ClusterID).Error("generate rca")
		httputil.InternalError(w, "rca generation failed")
		return
	}
	httputil.RespondCreated(w, res)
}

// ---------------------------------------------------------------------------
// Code indexing
// ---------------------------------------------------------------------------

func (a *API) handleTriggerIndexing(w http.ResponseWriter, r *http.Request) {
	serviceID := mux.Vars(r)["service_id"]
	forceFull := httputil.QueryBool(r, "force_full", false)

	result, err := a.codeIndex.TriggerIndexing(r.Context(), serviceID, forceFull)
	if err != nil {
		a.log.WithError(err).WithField("service_id", serviceID).Error("trigger code indexing")
		httputil.InternalError(w, "code indexing failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// handleStats reports cluster counts by lifecycle status.
func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if cached, ok := a.statsCache.Get(r.Context(), "stats"); ok {
		httputil.WriteJSON(w, http.StatusOK, cached)
		return
	}

	clusters, err := a.clusters.List(r.Context(), "all", "", "", "")
	if err != nil {
		httputil.InternalError(w, "compute stats")
		return
	}

	counts := map[domain.ClusterStatus]int{}
	var totalExceptions int64
	for _, cl := range clusters {
		counts[cl.Status]++
		totalExceptions += cl.ClusterSize
	}

	body := map[string]any{
		"total_clusters":   len(clusters),
		"total_exceptions": totalExceptions,
		"by_status":        counts,
	}
	a.statsCache.Set(r.Context(), "stats", body)
	httputil.WriteJSON(w, http.StatusOK, body)
}

// handleTrends buckets clusters by first-seen day over the requested
// time_filter window (default 7d).
func (a *API) handleTrends(w http.ResponseWriter, r *http.Request) {
	timeFilter := httputil.QueryString(r, "time_filter", "7d")
	cacheKey := "trends:" + timeFilter
	if cached, ok := a.statsCache.Get(r.Context(), cacheKey); ok {
		httputil.WriteJSON(w, http.StatusOK, cached)
		return
	}

	clusters, err := a.clusters.List(r.Context(), "all", "", "", timeFilter)
	if err != nil {
		httputil.InternalError(w, "compute trends")
		return
	}

	byDay := map[string]int64{}
	for _, cl := range clusters {
		day := cl.FirstSeen.UTC().Format("2006-01-02")
		byDay[day] += cl.ClusterSize
	}
	body := map[string]any{"time_filter": timeFilter, "by_day": byDay}
	a.statsCache.Set(r.Context(), cacheKey, body)
	httputil.WriteJSON(w, http.StatusOK, body)
}

func (a *API) handleStatsByService(w http.ResponseWriter, r *http.Request) {
	if cached, ok := a.statsCache.Get(r.Context(), "stats:service"); ok {
		httputil.WriteJSON(w, http.StatusOK, cached)
		return
	}

	clusters, err := a.clusters.List(r.Context(), "all", "", "", "")
	if err != nil {
		httputil.InternalError(w, "compute service stats")
		return
	}

	byService := map[string]int64{}
	for _, cl := range clusters {
		byService[cl.ServiceID] += cl.ClusterSize
	}
	a.statsCache.Set(r.Context(), "stats:service", byService)
	httputil.WriteJSON(w, http.StatusOK, byService)
}

func (a *API) handleStatsBySeverity(w http.ResponseWriter, r *http.Request) {
	if cached, ok := a.statsCache.Get(r.Context(), "stats:severity"); ok {
		httputil.WriteJSON(w, http.StatusOK, cached)
		return
	}

	clusters, err := a.clusters.List(r.Context(), "all", "", "", "")
	if err != nil {
		httputil.InternalError(w, "compute severity stats")
		return
	}

	byCategory := map[string]int64{}
	for _, cl := range clusters {
		key := cl.ErrorCategory
		if key == "" {
			key = "unknown"
		}
		byCategory[key] += cl.ClusterSize
	}
	a.statsCache.Set(r.Context(), "stats:severity", byCategory)
	httputil.WriteJSON(w, http.StatusOK, byCategory)
}
