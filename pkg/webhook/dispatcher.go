package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ledgerframe/vaultcore/pkg/domain"
	"github.com/ledgerframe/vaultcore/pkg/store"
)

// Config holds the dispatcher pool's tunables (§6.2).
type Config struct {
	WorkerCount  int
	Timeout      time.Duration
	PollInterval time.Duration
}

// Dispatcher is the fixed-size worker pool of §4.8: each worker claims one
// PENDING DeliveryAttempt at a time, signs and POSTs it, and records the
// outcome. The queue of record is the delivery_attempts table itself — the
// pool only supplies concurrency, never state.
type Dispatcher struct {
	store   store.Store
	client  *http.Client
	logger  *slog.Logger
	cfg     Config
	metrics struct {
		deliveries *prometheus.CounterVec
		duration   *prometheus.HistogramVec
	}
}

// New constructs a Dispatcher. deliveries and duration are the
// telemetry.OutboundDeliveriesTotal / OutboundDeliveryDuration collectors.
func New(s store.Store, logger *slog.Logger, cfg Config, deliveries *prometheus.CounterVec, duration *prometheus.HistogramVec) *Dispatcher {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	d := &Dispatcher{
		store:  s,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		cfg:    cfg,
	}
	d.metrics.deliveries = deliveries
	d.metrics.duration = duration
	return d
}

// Run starts cfg.WorkerCount workers, each polling the table for claimable
// attempts until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := 0; i < d.cfg.WorkerCount; i++ {
		go d.worker(ctx, i)
	}
	<-ctx.Done()
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for d.claimAndDeliverOne(ctx) {
				// Drain claimable work before sleeping again.
			}
		}
	}
}

// claimAndDeliverOne claims and delivers at most one attempt, returning true
// if it found work (so the worker keeps draining the queue).
func (d *Dispatcher) claimAndDeliverOne(ctx context.Context) bool {
	attempt, err := d.store.ClaimPending(ctx, time.Now().UTC())
	if err != nil {
		if err != store.ErrNotFound {
			d.logger.Warn("claim pending delivery attempt failed", "error", err)
		}
		return false
	}
	d.deliver(ctx, attempt)
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, attempt domain.DeliveryAttempt) {
	sub, err := d.subscriptionFor(ctx, attempt)
	if err != nil {
		d.logger.Error("delivery attempt references unknown subscription", "delivery_id", attempt.ID, "error", err)
		return
	}

	env := Envelope{
		EventID:   attempt.EventID,
		EventType: attempt.EventType,
		Timestamp: time.Now().UTC(),
		Data:      attempt.Payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		d.logger.Error("marshalling outbound envelope", "delivery_id", attempt.ID, "error", err)
		return
	}
	signature := Sign(sub.Secret, body)

	start := time.Now()
	code, deliveryErr := d.post(ctx, sub.URL, attempt.EventID.String(), attempt.EventType, signature, body)
	elapsed := time.Since(start)
	if d.metrics.duration != nil {
		d.metrics.duration.WithLabelValues(attempt.EventType).Observe(elapsed.Seconds())
	}

	if deliveryErr == nil && code >= 200 && code < 300 {
		d.recordSuccess(ctx, attempt, code)
		return
	}
	d.recordFailure(ctx, attempt, sub, code, deliveryErr)
}

func (d *Dispatcher) subscriptionFor(ctx context.Context, attempt domain.DeliveryAttempt) (domain.Subscription, error) {
	return d.store.GetSubscriptionByID(ctx, attempt.SubscriptionID)
}

func (d *Dispatcher) post(ctx context.Context, url, eventID, eventType, signature string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", eventID)
	req.Header.Set("X-Event-Type", eventType)
	req.Header.Set("X-Signature", signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (d *Dispatcher) recordSuccess(ctx context.Context, attempt domain.DeliveryAttempt, code int) {
	if err := d.store.RecordSuccess(ctx, attempt.ID, code); err != nil {
		d.logger.Error("recording delivery success", "delivery_id", attempt.ID, "error", err)
		return
	}
	if d.metrics.deliveries != nil {
		d.metrics.deliveries.WithLabelValues(attempt.EventType, "success").Inc()
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, attempt domain.DeliveryAttempt, sub domain.Subscription, code int, deliveryErr error) {
	maxRetries := sub.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	dead := attempt.AttemptNumber+1 >= maxRetries
	var codePtr *int
	if code != 0 {
		codePtr = &code
	}
	snippet := ""
	if deliveryErr != nil {
		snippet = deliveryErr.Error()
	}
	next := time.Now().UTC().Add(BackoffDuration(sub.BackoffSeed, sub.BackoffCap, attempt.AttemptNumber+1))
	if err := d.store.RecordFailure(ctx, attempt.ID, attempt.AttemptNumber+1, maxRetries, codePtr, snippet, next, dead); err != nil {
		d.logger.Error("recording delivery failure", "delivery_id", attempt.ID, "error", err)
		return
	}
	status := "retry"
	if dead {
		status = "dead"
	}
	if d.metrics.deliveries != nil {
		d.metrics.deliveries.WithLabelValues(attempt.EventType, status).Inc()
	}
}

// Sign computes the lowercase-hex HMAC-SHA256 of body with secret, per §6.1.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the HMAC-SHA256 of body under
// secret, compared in constant time.
func Verify(secret string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// BackoffDuration computes the §4.8 retry delay for the given attempt number
// (1-indexed): seed·2^(attempt-1), randomized by ±25%, then capped at cap.
func BackoffDuration(seed, cap_ time.Duration, attempt int) time.Duration {
	if seed <= 0 {
		seed = 60 * time.Second
	}
	if cap_ <= 0 {
		cap_ = time.Hour
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = seed
	b.MaxInterval = cap_
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > cap_ {
		d = cap_
	}
	return d
}
