// Package mqttclient wraps the paho MQTT client with the connection,
// subscription and publish policies shared by the bridge and the web
// service.
package mqttclient

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cornellpepper/CuWatch-server/internal/config"
)

// MessageHandler processes one inbound message. A returned error is logged
// and swallowed; it never reaches the paho network loop.
type MessageHandler func(topic string, payload []byte) error

const (
	// How long a publish waits for the broker ack before degrading.
	publishAckTimeout = 3 * time.Second
	// Fixed pause applied when an ack times out, instead of failing.
	publishDegradePause = 250 * time.Millisecond
)

// Will is an optional MQTT last-will registration.
type Will struct {
	Topic   string
	Payload []byte
	Retain  bool
}

type Client struct {
	client mqtt.Client
	config *config.MQTTConfig
	logger *zap.Logger
}

// NewClient connects to the broker, retrying with a fixed backoff for up to
// maxWait. An unreachable broker at startup is fatal for the caller; once
// connected, paho's auto-reconnect owns transient drops.
func NewClient(cfg *config.MQTTConfig, will *Will, maxWait time.Duration, logger *zap.Logger) (*Client, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "cuwatch-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	if will != nil {
		opts.SetBinaryWill(will.Topic, will.Payload, 1, will.Retain)
	}

	client := mqtt.NewClient(opts)

	deadline := time.Now().Add(maxWait)
	for {
		token := client.Connect()
		token.Wait()
		if token.Error() == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, token.Error())
		}
		logger.Warn("MQTT broker not ready, retrying",
			zap.String("broker", cfg.Broker),
			zap.Error(token.Error()),
		)
		time.Sleep(2 * time.Second)
	}

	logger.Info("connected to MQTT broker",
		zap.String("broker", cfg.Broker),
		zap.String("client_id", clientID),
	)

	return &Client{client: client, config: cfg, logger: logger}, nil
}

// Subscribe registers handler for a topic filter. Handler errors are logged
// here so the subscriber loop never desynchronizes.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn("error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Publish sends a message and waits briefly for the broker ack. On ack
// timeout it pauses and carries on rather than failing: delivery past that
// point is the broker's QoS machinery's problem, not ours.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishAckTimeout) {
		c.logger.Warn("publish ack timed out", zap.String("topic", topic))
		time.Sleep(publishDegradePause)
		return nil
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Unsubscribe removes subscriptions for the given topic filters.
func (c *Client) Unsubscribe(topics ...string) error {
	token := c.client.Unsubscribe(topics...)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe: %w", token.Error())
	}
	return nil
}

// Disconnect closes the connection, allowing 250ms for in-flight work.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

// IsConnected reports the current connection state.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}
