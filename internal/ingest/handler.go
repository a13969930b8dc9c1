// Package ingest implements the Ingestion Endpoint (spec.md §4.2): an
// HTTP POST /ingest contract that validates, stamps, and atomically
// appends telemetry batches to the Time-Series Store while publishing
// each accepted event on telemetry.raw. Backpressure is enforced with
// a token-bucket high-water mark, grounded on the rate.Limiter wrapper
// in r3e-network-service_layer/infrastructure/ratelimit.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/argus-observability/agentcore/internal/apperr"
	"github.com/argus-observability/agentcore/internal/events"
	"github.com/argus-observability/agentcore/internal/store"
)

var tracer = otel.Tracer("argus/ingest")

// MaxBatchSize is the per-request event cap named in spec.md §4.2.
const MaxBatchSize = 1000

// RetryAfter is the suggested delay returned with a 429 backpressure response.
const RetryAfter = 2 * time.Second

var kindByType = map[string]store.Kind{
	"metric":       store.KindSystemMetric,
	"log":          store.KindLog,
	"sdk_event":    store.KindSDKEvent,
	"span":         store.KindSpan,
	"dependency":   store.KindDependency,
	"sdk_metric":   store.KindSDKMetric,
	"deploy_event": store.KindDeployEvent,
}

// RawEvent is one element of the request body's events array.
type RawEvent struct {
	Type      string         `json:"type"`
	Service   string         `json:"service"`
	Data      map[string]any `json:"data"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

// Request is the POST /ingest body.
type Request struct {
	Events  []RawEvent `json:"events"`
	SDK     string     `json:"sdk,omitempty"`
	Service string     `json:"service,omitempty"`
}

// Rejection describes one event that failed validation.
type Rejection struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Response is the POST /ingest body.
type Response struct {
	Accepted int         `json:"accepted"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// Handler serves POST /ingest.
type Handler struct {
	store   *store.Store
	bus     *events.Bus
	log     *slog.Logger
	limiter *rate.Limiter
}

// NewHandler builds a Handler writing to s and publishing to bus. The
// limiter allows requestsPerSecond sustained admissions with a 2x burst;
// admission attempts are rejected with IngestionBackpressure once the
// limiter is exhausted or the store's own write queue crosses
// store.HighWaterMark (see Saturated).
func NewHandler(s *store.Store, bus *events.Bus, log *slog.Logger, requestsPerSecond float64) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 200
	}
	return &Handler{
		store:   s,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond*2)),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Saturated() {
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", RetryAfter.Seconds()))
		writeError(w, apperr.New(apperr.IngestionBackpressure, "ingestion queue saturated, retry later"))
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.ValidationError, "malformed request body", err))
		return
	}
	if len(req.Events) > MaxBatchSize {
		writeError(w, apperr.New(apperr.ValidationError, fmt.Sprintf("batch exceeds max size %d", MaxBatchSize)))
		return
	}

	resp := h.IngestBatch(r.Context(), r.Header.Get("x-argus-key"), req)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Saturated reports whether the endpoint should currently refuse new
// admissions: either the store's own write queue is over its
// high-water mark, or the request-rate token bucket is exhausted.
func (h *Handler) Saturated() bool {
	return h.store.PendingWrites() >= store.HighWaterMark || !h.limiter.Allow()
}

// IngestBatch validates, stamps, and appends req's events under tenant,
// publishing each accepted row on telemetry.raw. It is shared by the
// HTTP handler and the MQTT bridge so both transports funnel into the
// identical ingest path.
func (h *Handler) IngestBatch(ctx context.Context, tenant string, req Request) Response {
	ctx, span := tracer.Start(ctx, "ingest.IngestBatch", trace.WithAttributes(
		attribute.String("argus.tenant", tenant),
		attribute.Int("argus.batch_size", len(req.Events)),
	))
	defer span.End()

	byKind := make(map[store.Kind][]store.Row)
	order := make(map[store.Kind][]int) // kind -> original indices, for error reporting
	var rejections []Rejection

	for i, raw := range req.Events {
		kind, ok := kindByType[raw.Type]
		if !ok {
			rejections = append(rejections, Rejection{Index: i, Error: fmt.Sprintf("unknown event type %q", raw.Type)})
			continue
		}
		if raw.Service == "" {
			rejections = append(rejections, Rejection{Index: i, Error: "service is required"})
			continue
		}
		ts := time.Now().UTC()
		if raw.Timestamp != nil {
			ts = raw.Timestamp.UTC()
		}
		row := store.Row{
			Timestamp: ts,
			Tenant:    tenant,
			Source:    raw.Service,
			Payload:   raw.Data,
		}
		byKind[kind] = append(byKind[kind], row)
		order[kind] = append(order[kind], i)
	}

	accepted := 0
	for kind, rows := range byKind {
		n, err := h.store.Append(ctx, kind, rows)
		if err != nil {
			h.log.Warn("ingest: append failed", "kind", kind, "error", err)
			for _, idx := range order[kind] {
				rejections = append(rejections, Rejection{Index: idx, Error: "store append failed"})
			}
			continue
		}
		accepted += n
		for j, idx := range order[kind] {
			if j >= n {
				break
			}
			h.bus.Publish(events.Event{
				Topic:  events.TopicTelemetryRaw,
				Source: rows[j].Source,
				Kind:   string(kind),
				Data:   map[string]any{"payload": rows[j].Payload, "timestamp": rows[j].Timestamp, "index": idx},
			})
		}
	}

	return Response{Accepted: accepted, Rejected: rejections}
}

func writeError(w http.ResponseWriter, aerr *apperr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(aerr.Kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"kind": aerr.Kind, "message": aerr.Msg},
	})
}
