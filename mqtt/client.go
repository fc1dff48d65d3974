package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eddielth/gadgetbridge-mqtt/config"
	"github.com/eddielth/gadgetbridge-mqtt/logger"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"

	publishTimeout       = 10 * time.Second
	maxReconnectInterval = 60 * time.Second
)

// ErrNotConnected is returned while the broker connection is down. The
// client keeps reconnecting in the background.
var ErrNotConnected = errors.New("not connected to MQTT broker")

// Publisher publishes one message and waits for the broker to accept it.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

// MessageHandler is the callback function type for handling MQTT messages
type MessageHandler func(topic string, payload []byte)

// Client represents an MQTT client
type Client struct {
	client            mqtt.Client
	config            config.MQTTConfig
	availabilityTopic string
	everConnected     atomic.Bool
}

// DefaultClientID is the client id used when MQTT_CLIENT_ID is empty.
func DefaultClientID(now time.Time) string {
	return fmt.Sprintf("gadgetbridge-mqtt-%d", now.Unix())
}

// NewClient creates a new MQTT client. When availabilityTopic is set the
// client announces "online" on every connect and registers "offline" as its
// last will.
func NewClient(cfg config.MQTTConfig, availabilityTopic string) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(cfg.Broker, cfg.Port))

	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID(time.Now())
	}
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := &Client{
		config:            cfg,
		availabilityTopic: availabilityTopic,
	}

	if availabilityTopic != "" {
		opts.SetWill(availabilityTopic, PayloadOffline, 1, true)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(attemptTimeout(cfg.ConnectTimeout))
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error("MQTT connection lost: %v", err)
	})

	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("trying to reconnect to MQTT broker...")
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// BrokerURL accepts a bare host or a full URL.
func BrokerURL(broker string, port int) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	if port == 0 {
		port = 1883
	}
	return fmt.Sprintf("tcp://%s:%d", broker, port)
}

func attemptTimeout(total time.Duration) time.Duration {
	if total <= 0 || total > 10*time.Second {
		return 10 * time.Second
	}
	return total
}

// onConnect runs in its own goroutine for the first connect and every reconnect.
func (c *Client) onConnect(client mqtt.Client) {
	c.everConnected.Store(true)
	logger.Info("successfully connected to MQTT broker: %s", c.config.Broker)

	if c.availabilityTopic == "" {
		return
	}
	token := client.Publish(c.availabilityTopic, 1, true, PayloadOnline)
	if !token.WaitTimeout(publishTimeout) {
		logger.Warn("timed out announcing availability")
		return
	}
	if err := token.Error(); err != nil {
		logger.Warn("failed to announce availability: %v", err)
	}
}

// Connect connects to the MQTT broker, retrying with exponential backoff
// until ConnectTimeout elapses or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = maxReconnectInterval

	maxElapsed := c.config.ConnectTimeout
	if maxElapsed <= 0 {
		maxElapsed = 30 * time.Second
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		token := c.client.Connect()
		select {
		case <-token.Done():
		case <-ctx.Done():
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if err := token.Error(); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("MQTT connect failed: %v, retrying in %s", err, next)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", c.config.Broker, err)
	}

	// the on-connect handler may not have run yet
	c.everConnected.Store(true)
	return nil
}

// EnsureConnected makes the first connection on demand. Once a connection has
// been established paho reconnects on its own, so a dropped connection is
// reported as ErrNotConnected instead of blocking the caller.
func (c *Client) EnsureConnected(ctx context.Context) error {
	if c.client.IsConnectionOpen() {
		return nil
	}
	if !c.everConnected.Load() {
		return c.Connect(ctx)
	}
	return ErrNotConnected
}

// IsConnected reports whether the connection is currently usable.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Publish implements Publisher.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)

	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("publish to %s timed out", topic)
	}
}

// Subscribe subscribes to the specified topic
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		logger.Debug("received message from topic %s", msg.Topic())
		handler(msg.Topic(), msg.Payload())
	})

	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscription to topic %s timed out", topic)
	}

	if err := token.Error(); err != nil {
		return err
	}

	logger.Info("successfully subscribed to topic: %s", topic)
	return nil
}

// Disconnect announces "offline" and disconnects from the MQTT broker
func (c *Client) Disconnect() {
	if c.availabilityTopic != "" && c.client.IsConnectionOpen() {
		token := c.client.Publish(c.availabilityTopic, 1, true, PayloadOffline)
		if !token.WaitTimeout(2 * time.Second) {
			logger.Warn("timed out announcing offline state")
		}
	}
	c.client.Disconnect(250)
	logger.Info("disconnected from MQTT broker")
}
