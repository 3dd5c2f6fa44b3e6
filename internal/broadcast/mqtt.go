package broadcast

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/ralph-dispatcher/internal/config"
)

// MQTTPublisher is an Adapter that republishes every Message under
// topic/<type>. Grounded on internal/mqtt.Publisher's autopaho
// connection-management idiom (OnConnectionUp/OnConnectError
// callbacks, TLS auto-detection from the broker scheme, birth/LWT
// availability messages); the Home Assistant discovery and
// sensor-state payloads are replaced with direct message republishing
// since there is no discovery protocol for a task dispatcher's
// consumers to negotiate.
type MQTTPublisher struct {
	cfg    config.MQTTConfig
	logger *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// NewMQTTPublisher creates a publisher but does not connect. Call
// Start to begin connecting.
func NewMQTTPublisher(cfg config.MQTTConfig, logger *slog.Logger) *MQTTPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTPublisher{cfg: cfg, logger: logger}
}

func (p *MQTTPublisher) availabilityTopic() string { return p.cfg.Topic + "/availability" }

// Start connects to the broker. It does not block; connection and
// reconnection happen in the background via autopaho.
func (p *MQTTPublisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("broadcast: parse mqtt broker url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("broadcast: mqtt connected", "broker", p.cfg.BrokerURL)
			publishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Publish(publishCtx, &paho.Publish{
				Topic: p.availabilityTopic(), Payload: []byte("online"), QoS: 1, Retain: true,
			}); err != nil {
				p.logger.Warn("broadcast: mqtt availability publish failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("broadcast: mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{ClientID: "ralphd-broadcast"},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("broadcast: mqtt connect: %w", err)
	}

	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("broadcast: mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Deliver publishes msg to topic/<type> as retained JSON, best-effort.
func (p *MQTTPublisher) Deliver(msg Message) {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.Warn("broadcast: mqtt marshal failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.cfg.Topic + "/" + msg.Type,
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("broadcast: mqtt publish failed", "type", msg.Type, "error", err)
	}
}

// Close publishes an offline availability message and disconnects.
func (p *MQTTPublisher) Close() error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = cm.Publish(ctx, &paho.Publish{
		Topic: p.availabilityTopic(), Payload: []byte("offline"), QoS: 1, Retain: true,
	})
	return cm.Disconnect(ctx)
}
