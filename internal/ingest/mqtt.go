package ingest

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// MQTTConfig configures the optional MQTT ingestion bridge. This
// supplements, not replaces, the HTTP contract: host collectors may
// publish telemetry batches over MQTT instead of POSTing them directly,
// and messages are normalized into the identical ingest path.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string // topic filter collectors publish batches to, e.g. "argus/ingest/+"
}

// MQTTBridge subscribes to Topic and feeds each message's JSON body
// through Handler.IngestBatch, the same path POST /ingest uses.
// Grounded on internal/mqtt.Publisher's connection-manager setup
// (autopaho.ConnectionManager, OnConnectionUp re-subscribe), with the
// publish-loop half dropped since this bridge only ever consumes.
type MQTTBridge struct {
	cfg     MQTTConfig
	handler *Handler
	log     *slog.Logger
	cm      *autopaho.ConnectionManager
}

// NewMQTTBridge builds a bridge that feeds accepted messages into handler.
func NewMQTTBridge(cfg MQTTConfig, handler *Handler, log *slog.Logger) *MQTTBridge {
	if log == nil {
		log = slog.Default()
	}
	return &MQTTBridge{cfg: cfg, handler: handler, log: log}
}

// Start connects to the broker and processes inbound messages until
// ctx is cancelled.
func (b *MQTTBridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker url: %w", err)
	}

	clientID := b.cfg.ClientID
	if clientID == "" {
		clientID = "argusd-ingest"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.log.Info("ingest: mqtt bridge connected", "broker", b.cfg.Broker)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: b.cfg.Topic, QoS: 1}},
			}); err != nil {
				b.log.Error("ingest: mqtt subscribe failed", "topic", b.cfg.Topic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			b.log.Warn("ingest: mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{ClientID: clientID},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		b.handleMessage(ctx, pr.Packet.Payload)
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.log.Warn("ingest: mqtt initial connection timed out, retrying in background", "error", err)
	}

	<-ctx.Done()
	return cm.Disconnect(context.Background())
}

func (b *MQTTBridge) handleMessage(ctx context.Context, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("ingest: mqtt message handler panicked", "panic", r)
		}
	}()

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		b.log.Warn("ingest: mqtt message is not a valid batch", "error", err)
		return
	}
	if len(req.Events) > MaxBatchSize {
		b.log.Warn("ingest: mqtt batch exceeds max size, dropping", "size", len(req.Events))
		return
	}
	if b.handler.Saturated() {
		b.log.Warn("ingest: mqtt batch dropped, endpoint saturated")
		return
	}

	resp := b.handler.IngestBatch(ctx, req.Service, req)
	if len(resp.Rejected) > 0 {
		b.log.Debug("ingest: mqtt batch partially rejected", "accepted", resp.Accepted, "rejected", len(resp.Rejected))
	}
}
