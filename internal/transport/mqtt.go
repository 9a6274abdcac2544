package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brwyatt/dffmpeg/internal/config"
	"github.com/brwyatt/dffmpeg/internal/db"
)

// NameMQTT is the MQTT transport name used in negotiation.
const NameMQTT = "mqtt"

const mqttPublishTimeout = 5 * time.Second

func init() {
	Register(NameMQTT, newMQTT)
}

// MQTT publishes messages at QoS 1 under a configurable topic prefix.
// Paho owns reconnection; the transport only reports whether the
// connection is currently open.
type MQTT struct {
	client mqtt.Client
	prefix string
	logger *zap.Logger
}

func newMQTT(cfg config.Transports, logger *zap.Logger) (ServerTransport, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTT.BrokerURL).
		SetClientID("dffmpeg-coordinator-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false)
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return &MQTT{
		client: mqtt.NewClient(opts),
		prefix: cfg.MQTT.TopicPrefix,
		logger: logger.Named("mqtt"),
	}, nil
}

func (t *MQTT) Name() string { return NameMQTT }

// Setup starts the connection. Connect retry runs in the background, so a
// broker that is down at startup leaves the transport unhealthy rather
// than failing the coordinator.
func (t *MQTT) Setup(ctx context.Context) error {
	token := t.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			t.logger.Warn("initial connect failed, retrying in background", zap.Error(err))
		}
	}()
	return nil
}

func (t *MQTT) Send(ctx context.Context, msg *db.Message, metadata db.Metadata) (bool, error) {
	if !t.client.IsConnectionOpen() {
		return false, nil
	}

	topic, _ := metadata["topic"].(string)
	if topic == "" {
		return false, errors.New("binding metadata missing topic")
	}
	qos := byte(1)
	switch q := metadata["qos"].(type) {
	case float64:
		qos = byte(q)
	case int:
		qos = byte(q)
	}

	body, err := json.Marshal(Envelope(msg))
	if err != nil {
		return false, fmt.Errorf("encode message: %w", err)
	}

	token := t.client.Publish(topic, qos, false, body)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return false, errors.New("publish timed out")
	}
	if err := token.Error(); err != nil {
		return false, err
	}
	return true, nil
}

func (t *MQTT) Metadata(recipientID, jobID string) db.Metadata {
	topic := t.prefix + "/workers/" + recipientID
	if jobID != "" {
		topic = t.prefix + "/jobs/" + recipientID + "/" + jobID
	}
	return db.Metadata{
		"topic": topic,
		"qos":   1,
	}
}

func (t *MQTT) Healthy(ctx context.Context) error {
	if !t.client.IsConnectionOpen() {
		return errors.New("mqtt: not connected")
	}
	return nil
}

func (t *MQTT) Close(ctx context.Context) error {
	t.client.Disconnect(250)
	return nil
}
