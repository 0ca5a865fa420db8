// Package notify owns the single outbound call the Processor needs to
// raise a best-effort alert: a POST to a Google Chat incoming webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/opslens/sentinel/pkg/logger"
)

// Severity mirrors the cluster's category/frequency-derived urgency used
// to gate notification.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// MeetsThreshold reports whether a severity is at or above a configured
// minimum notification threshold.
func MeetsThreshold(severity, threshold Severity) bool {
	return severityRank[severity] >= severityRank[threshold]
}

// Payload is the chat card body. Message construction is a caller concern;
// this package only owns the HTTP call contract.
type Payload struct {
	Text string `json:"text"`
}

// Client posts best-effort notifications to a Google Chat webhook. A
// circuit breaker trips after repeated failures so a down webhook stops
// costing every cluster a round-trip timeout.
type Client struct {
	webhookURL string
	http       *http.Client
	breaker    *gobreaker.CircuitBreaker
	log        *logger.Logger
}

// New constructs a Client. An empty webhookURL is valid; Notify becomes a
// no-op so callers don't need to branch on configuration.
func New(webhookURL string, log *logger.Logger) *Client {
	c := &Client{
		webhookURL: webhookURL,
		http:       &http.Client{Timeout: 5 * time.Second},
		log:        log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notify-webhook",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithField("breaker", name).WithField("from", from.String()).WithField("to", to.String()).Warn("notify circuit breaker state change")
		},
	})
	return c
}

// Notify posts the payload. Failures are logged, never returned to the
// caller — a notification is never allowed to fail a batch.
func (c *Client) Notify(ctx context.Context, payload Payload) {
	if c.webhookURL == "" {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		c.log.WithError(err).Error("marshal notification payload")
		return
	}

	_, err = c.breaker.Execute(func() (any, error) {
		return nil, c.post(ctx, body)
	})
	if err != nil {
		c.log.WithError(err).Warn("notification webhook call failed")
	}
}

func (c *Client) post(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook rejected payload: status %d", resp.StatusCode)
	}
	return nil
}

// ClusterAlertText is a minimal, teacher-style text builder good enough to
// exercise the webhook contract end to end.
func ClusterAlertText(serviceID, clusterID, exceptionType string, clusterSize int64) string {
	return fmt.Sprintf("[%s] cluster %s (%s) reached size %d", serviceID, clusterID, exceptionType, clusterSize)
}
