// Package pipeline wires the Ingestion Endpoint to the Event
// Classifier to the Alert Engine (spec.md §4.2 -> §4.4 -> §4.5): it
// subscribes to telemetry.raw, classifies each accepted event, and
// forwards the result to alerts.Engine.HandleClassified, publishing
// events.classified for any other subscriber (the log/metrics
// dashboard endpoints query the store directly and don't need this,
// but a future anomaly-scoring consumer would). Grounded on the
// subscribe-goroutine-per-topic shape internal/push.Hub.relay uses for
// bus-driven background work.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/argus-observability/agentcore/internal/alerts"
	"github.com/argus-observability/agentcore/internal/classifier"
	"github.com/argus-observability/agentcore/internal/events"
	"github.com/argus-observability/agentcore/internal/store"
)

// classifierKindByStoreKind maps the Time-Series Store's kind
// vocabulary onto the Event Classifier's. "security-finding" and
// "process" are classifier-only kinds with no ingest-side analog in
// spec.md §4.2's event types — they are reserved for a future
// collector feed, not produced by this pipeline today.
var classifierKindByStoreKind = map[string]string{
	string(store.KindSystemMetric): "metric",
	string(store.KindLog):          "log",
	string(store.KindSDKEvent):     "sdk-event",
}

// Bridge subscribes to telemetry.raw and drives classification/alert
// matching for every accepted ingest event.
type Bridge struct {
	bus        *events.Bus
	classifier *classifier.Classifier
	engine     *alerts.Engine
	logger     *slog.Logger
}

// New constructs a Bridge. Call Run to start consuming telemetry.raw.
func New(bus *events.Bus, c *classifier.Classifier, engine *alerts.Engine, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{bus: bus, classifier: c, engine: engine, logger: logger}
}

// Run blocks consuming telemetry.raw until ctx is cancelled. Intended
// to be started on its own goroutine at process startup.
func (b *Bridge) Run(ctx context.Context) {
	ch := b.bus.Subscribe(events.TopicTelemetryRaw, 512)
	defer b.bus.Unsubscribe(events.TopicTelemetryRaw, ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			b.handle(ctx, e)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, e events.Event) {
	payload, _ := e.Data["payload"].(map[string]any)
	kind, ok := classifierKindByStoreKind[e.Kind]
	if !ok {
		kind = e.Kind
	}

	var payloadJSON string
	if raw, err := json.Marshal(payload); err == nil {
		payloadJSON = string(raw)
	}

	sev := b.classifier.Classify(classifier.Event{
		Kind:        kind,
		Source:      e.Source,
		Payload:     payload,
		PayloadJSON: payloadJSON,
	})

	b.bus.Publish(events.Event{
		Topic:  events.TopicEventsClassified,
		Source: e.Source,
		Kind:   kind,
		Data:   map[string]any{"severity": string(sev), "payload": payload},
	})

	b.engine.HandleClassified(ctx, kind, e.Source, sev, payload)
}
