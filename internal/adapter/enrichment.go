package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kestrelmem/kestrel/internal/storage"
	"github.com/kestrelmem/kestrel/pkg/types"
)

// ErrCircuitOpen is returned when the enrichment circuit breaker is open and
// rejects requests to prevent cascading failures. Classified as retryable:
// the sweeper will come back after the circuit recovers.
var ErrCircuitOpen = errors.New("enrichment circuit breaker is open")

// EnrichmentConfig holds enrichment adapter configuration.
type EnrichmentConfig struct {
	// BaseURL is the base URL of the enrichment SDK endpoint.
	BaseURL string

	// APIKey authenticates against the SDK. Optional.
	APIKey string

	// Timeout is the per-request timeout (default: 5s).
	Timeout time.Duration

	// BreakerMaxFailures is the consecutive-failure count that trips the
	// circuit (default: 3).
	BreakerMaxFailures uint32

	// BreakerTimeout is how long the circuit stays open before allowing a
	// probe request (default: 30s).
	BreakerTimeout time.Duration
}

// Enrichment delivers redacted turns to the external memory SDK. All HTTP
// calls run through a circuit breaker; an open circuit is reported as a
// retryable failure rather than hammering a struggling backend.
//
// On success the SDK returns an embedding reference (and optionally the
// vector), which the adapter records on the canonical record.
type Enrichment struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	store   storage.CanonicalStore
}

// enrichRequest is the wire payload sent to the SDK. Only redacted content
// ever appears here.
type enrichRequest struct {
	Fingerprint string   `json:"fingerprint"`
	UserID      string   `json:"user_id"`
	SessionID   string   `json:"session_id"`
	Role        string   `json:"role"`
	Content     string   `json:"content"`
	Tags        []string `json:"tags,omitempty"`
}

// enrichResponse is the SDK's reply.
type enrichResponse struct {
	EmbeddingRef string    `json:"embedding_ref"`
	Embedding    []float32 `json:"embedding,omitempty"`
}

// NewEnrichment creates the enrichment adapter. The store is used to record
// embedding references once the SDK acknowledges a turn; it may be nil in
// tests that only care about delivery.
func NewEnrichment(config EnrichmentConfig, store storage.CanonicalStore) *Enrichment {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.BreakerMaxFailures == 0 {
		config.BreakerMaxFailures = 3
	}
	if config.BreakerTimeout == 0 {
		config.BreakerTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    "EnrichmentAdapter",
		Timeout: config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerMaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("enrichment: circuit breaker %s -> %s", from, to)
		},
	}

	return &Enrichment{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		client:  &http.Client{Timeout: config.Timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		store:   store,
	}
}

// Name implements Adapter.
func (e *Enrichment) Name() string { return NameEnrichment }

// Kind implements Adapter.
func (e *Enrichment) Kind() Kind { return KindEnrichment }

// Write posts the redacted turn to the SDK. Idempotent: the fingerprint is
// the SDK-side dedup key, so re-delivery of an already-enriched turn is a
// no-op upstream.
func (e *Enrichment) Write(ctx context.Context, turn types.RedactedTurn) types.AdapterResult {
	started := time.Now()

	res, err := e.breaker.Execute(func() (interface{}, error) {
		return e.post(ctx, turn)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return result(e.Name(), turn.Fingerprint, types.OutcomeRetryableFailure, started, ErrCircuitOpen)
		}
		var httpErr *httpStatusError
		if errors.As(err, &httpErr) {
			return result(e.Name(), turn.Fingerprint, ClassifyHTTPStatus(httpErr.Status), started, err)
		}
		return result(e.Name(), turn.Fingerprint, ClassifyError(err), started, err)
	}

	resp := res.(*enrichResponse)
	if resp.EmbeddingRef != "" && e.store != nil {
		if err := e.store.SetEmbedding(ctx, turn.Fingerprint, resp.EmbeddingRef, resp.Embedding); err != nil {
			// The SDK write itself succeeded; losing the embedding ref is
			// recoverable on the next sweep, so log and report success.
			log.Printf("enrichment: failed to record embedding ref for %s: %v", turn.Fingerprint, err)
		}
	}

	return result(e.Name(), turn.Fingerprint, types.OutcomeSuccess, started, nil)
}

// httpStatusError preserves the response status for outcome classification.
type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("enrichment returned status %d: %s", e.Status, e.Body)
}

func (e *Enrichment) post(ctx context.Context, turn types.RedactedTurn) (*enrichResponse, error) {
	tags := make([]string, 0, len(turn.RedactionTags))
	for _, t := range turn.RedactionTags {
		tags = append(tags, string(t))
	}

	body, err := json.Marshal(enrichRequest{
		Fingerprint: turn.Fingerprint,
		UserID:      turn.UserID,
		SessionID:   turn.SessionID,
		Role:        string(turn.Role),
		Content:     turn.Content,
		Tags:        tags,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode enrichment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/memories", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build enrichment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	httpResp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrichment request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, &httpStatusError{Status: httpResp.StatusCode, Body: string(snippet)}
	}

	var resp enrichResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode enrichment response: %w", err)
	}
	return &resp, nil
}
