package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/time/rate"

	"github.com/kestrelmem/kestrel/pkg/types"
)

// QueueConfig holds queue adapter configuration.
type QueueConfig struct {
	// BrokerURL is the broker's publish endpoint base URL.
	BrokerURL string

	// Topic is the topic turns are published to (default: "memory.turns").
	Topic string

	// Timeout is the per-request timeout (default: 3s).
	Timeout time.Duration

	// PublishRate caps publishes per second (default: 200).
	PublishRate float64

	// PublishBurst is the rate limiter burst size (default: 50).
	PublishBurst int
}

// Queue publishes redacted turns to the message broker. Publishes are rate
// limited, and a small cache of recently published fingerprints turns
// duplicate deliveries (orchestrator retry racing the sweeper) into local
// no-ops instead of duplicate broker traffic.
type Queue struct {
	brokerURL string
	topic     string
	client    *http.Client
	limiter   *rate.Limiter
	published *ristretto.Cache
}

// publishRequest is the broker wire payload.
type publishRequest struct {
	Topic   string          `json:"topic"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// NewQueue creates the queue adapter.
func NewQueue(config QueueConfig) (*Queue, error) {
	if config.Topic == "" {
		config.Topic = "memory.turns"
	}
	if config.Timeout == 0 {
		config.Timeout = 3 * time.Second
	}
	if config.PublishRate == 0 {
		config.PublishRate = 200
	}
	if config.PublishBurst == 0 {
		config.PublishBurst = 50
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000, // ~10x expected live fingerprints
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: failed to create publish cache: %w", err)
	}

	return &Queue{
		brokerURL: config.BrokerURL,
		topic:     config.Topic,
		client:    &http.Client{Timeout: config.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(config.PublishRate), config.PublishBurst),
		published: cache,
	}, nil
}

// Name implements Adapter.
func (q *Queue) Name() string { return NameQueue }

// Kind implements Adapter.
func (q *Queue) Kind() Kind { return KindQueue }

// Write publishes the turn keyed on its fingerprint. The broker's own
// delivery guarantees are out of scope; this adapter only promises
// at-least-once publish with local dedup of recent re-deliveries.
func (q *Queue) Write(ctx context.Context, turn types.RedactedTurn) types.AdapterResult {
	started := time.Now()

	if _, seen := q.published.Get(turn.Fingerprint); seen {
		// Already published recently; duplicate delivery is a no-op.
		return result(q.Name(), turn.Fingerprint, types.OutcomeSuccess, started, nil)
	}

	if err := q.limiter.Wait(ctx); err != nil {
		return result(q.Name(), turn.Fingerprint, types.OutcomeRetryableFailure, started, err)
	}

	payload, err := json.Marshal(turn)
	if err != nil {
		return result(q.Name(), turn.Fingerprint, types.OutcomePermanentFailure, started,
			fmt.Errorf("failed to encode turn: %w", err))
	}

	body, err := json.Marshal(publishRequest{
		Topic:   q.topic,
		Key:     turn.Fingerprint,
		Payload: payload,
	})
	if err != nil {
		return result(q.Name(), turn.Fingerprint, types.OutcomePermanentFailure, started,
			fmt.Errorf("failed to encode publish request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.brokerURL+"/v1/publish", bytes.NewReader(body))
	if err != nil {
		return result(q.Name(), turn.Fingerprint, types.OutcomePermanentFailure, started,
			fmt.Errorf("failed to build publish request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := q.client.Do(req)
	if err != nil {
		return result(q.Name(), turn.Fingerprint, ClassifyError(err), started,
			fmt.Errorf("publish request failed: %w", err))
	}
	defer httpResp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(httpResp.Body, 512))

	outcome := ClassifyHTTPStatus(httpResp.StatusCode)
	if outcome != types.OutcomeSuccess {
		return result(q.Name(), turn.Fingerprint, outcome, started,
			&httpStatusError{Status: httpResp.StatusCode})
	}

	q.published.Set(turn.Fingerprint, struct{}{}, 1)
	return result(q.Name(), turn.Fingerprint, types.OutcomeSuccess, started, nil)
}

// Close releases the publish cache.
func (q *Queue) Close() {
	q.published.Close()
}
