// Package ingest implements the push-ingestion endpoint (C9): an
// authenticated batch submit with per-source rate limiting and dedup,
// handing accepted records off to the Processor.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Record is the minimal shape a submitted ingestion record must carry.
type Record struct {
	Timestamp time.Time
	Message   string
	Fields    map[string]any
}

var (
	// ErrMissingFields marks a record that lacks a required field.
	ErrMissingFields = errors.New("record missing required timestamp or message")
	// ErrBatchTooLarge marks a batch that exceeds the configured limit.
	ErrBatchTooLarge = errors.New("batch exceeds configured size limit")
	// ErrRateLimited marks a source that has exhausted its token bucket.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Config tunes the endpoint's validation, rate-limit, and dedup knobs.
type Config struct {
	BatchSizeLimit    int
	RateLimitCapacity int           // tokens per source; refill is capacity per minute
	DedupWindow       time.Duration // default 600s per spec
}

// Outcome is the per-batch result the HTTP handler reports.
type Outcome struct {
	Accepted   int
	Duplicates int
	Rejected   int
}

// Deduper reports whether a dedup hash has been seen within the
// configured window, recording it as seen if not. The in-process
// dedupRing is the default; a shared backing store (Redis) can replace
// it so dedup survives restarts and is consistent across replicas.
type Deduper interface {
	SeenRecently(hash string, now time.Time) bool
}

// Endpoint owns per-source rate limiters and the dedup store.
type Endpoint struct {
	cfg Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	dedup    Deduper
}

// New constructs an Endpoint backed by the in-process dedup ring.
func New(cfg Config) *Endpoint {
	return NewWithDeduper(cfg, nil)
}

// NewWithDeduper constructs an Endpoint backed by dedup. A nil dedup
// falls back to the in-process ring.
func NewWithDeduper(cfg Config, dedup Deduper) *Endpoint {
	if cfg.BatchSizeLimit <= 0 {
		cfg.BatchSizeLimit = 500
	}
	if cfg.RateLimitCapacity <= 0 {
		cfg.RateLimitCapacity = 1000
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 600 * time.Second
	}
	if dedup == nil {
		dedup = newDedupRing(cfg.DedupWindow)
	}
	return &Endpoint{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		dedup:    dedup,
	}
}

// limiterFor returns (creating if needed) the token bucket for a source
// key, capacity = RateLimitCapacity, refill = capacity per minute.
func (e *Endpoint) limiterFor(sourceKey string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.limiters[sourceKey]
	if !ok {
		perSecond := float64(e.cfg.RateLimitCapacity) / 60.0
		l = rate.NewLimiter(rate.Limit(perSecond), e.cfg.RateLimitCapacity)
		e.limiters[sourceKey] = l
	}
	return l
}

// Submit validates, rate-limits, and dedups a batch. Partial acceptance
// within a batch is disallowed for the rate-limit check — an over-limit
// batch is rejected in full — but dedup still drops individual duplicates.
func (e *Endpoint) Submit(sourceKey string, records []Record) ([]Record, Outcome, error) {
	if len(records) > e.cfg.BatchSizeLimit {
		return nil, Outcome{Rejected: len(records)}, ErrBatchTooLarge
	}

	for _, r := range records {
		if r.Timestamp.IsZero() || r.Message == "" {
			return nil, Outcome{Rejected: len(records)}, ErrMissingFields
		}
	}

	limiter := e.limiterFor(sourceKey)
	if !limiter.AllowN(time.Now(), len(records)) {
		return nil, Outcome{Rejected: len(records)}, ErrRateLimited
	}

	var accepted []Record
	outcome := Outcome{}
	for _, r := range records {
		hash := dedupHash(sourceKey, r.Timestamp, r.Message)
		if e.dedup.SeenRecently(hash, time.Now()) {
			outcome.Duplicates++
			continue
		}
		accepted = append(accepted, r)
		outcome.Accepted++
	}

	return accepted, outcome, nil
}

func dedupHash(sourceKey string, ts time.Time, message string) string {
	truncated := message
	if len(truncated) > 200 {
		truncated = truncated[:200]
	}
	h := sha256.New()
	h.Write([]byte(sourceKey))
	h.Write([]byte{0})
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(truncated))
	return hex.EncodeToString(h.Sum(nil))
}

// dedupRing is a process-local, best-effort dedup window: an in-memory
// map of hash to last-seen time. Expired hashes are swept during a check
// only once the map holds more than 100,000 entries. Loss on restart is
// acceptable per the shared-resource policy.
type dedupRing struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func newDedupRing(window time.Duration) *dedupRing {
	return &dedupRing{window: window, seen: make(map[string]time.Time)}
}

// SeenRecently implements Deduper.
func (d *dedupRing) SeenRecently(hash string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.seen) > 100_000 {
		d.sweep(now)
	}

	if last, ok := d.seen[hash]; ok && now.Sub(last) < d.window {
		return true
	}
	d.seen[hash] = now
	return false
}

func (d *dedupRing) sweep(now time.Time) {
	for hash, last := range d.seen {
		if now.Sub(last) >= d.window {
			delete(d.seen, hash)
		}
	}
}

// SourceKey resolves the authenticated token when present, else falls
// back to the peer address, per the rate-limit keying contract.
func SourceKey(token, peerAddr string) string {
	if token != "" {
		return token
	}
	return fmt.Sprintf("peer:%s", peerAddr)
}
