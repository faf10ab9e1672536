// Package mqtt is the broker transport. The client owns the node's
// connectivity flag: paho's connect and connection-lost callbacks are the
// only place it changes.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"cloudpico-node/internal/config"
	"cloudpico-node/internal/connectivity"
	"cloudpico-node/internal/metrics"
)

var (
	ErrNotConnected   = errors.New("mqtt client not connected")
	ErrPublishTimeout = errors.New("mqtt publish timeout")
	ErrStopped        = errors.New("mqtt client stopped")
)

type Client struct {
	client  paho.Client
	topic   string
	timeout time.Duration
	state   *connectivity.State
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(cfg config.Config, state *connectivity.State, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		topic:   cfg.MQTTTopic,
		timeout: cfg.MQTTPublishTimeout,
		state:   state,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	c.client = paho.NewClient(clientOptions(cfg, c.onConnect, c.onConnectionLost))
	return c
}

func clientOptions(cfg config.Config, onConnect paho.OnConnectHandler, onLost paho.ConnectionLostHandler) *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)

	// Buffered readings live in the ring queue, not in a broker session.
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(cfg.MQTTReconnectDelay)
	opts.SetMaxReconnectInterval(12 * cfg.MQTTReconnectDelay)

	opts.SetKeepAlive(cfg.MQTTKeepAlive)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(onConnect)
	opts.SetConnectionLostHandler(onLost)
	return opts
}

func (c *Client) onConnect(_ paho.Client) {
	c.setConnected(true)
	c.logger.Info("mqtt connected", "topic", c.topic)
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.setConnected(false)
	c.logger.Warn("mqtt connection lost", "error", err)
}

// Connect starts the session and waits for the first connection. paho keeps
// retrying in the background, so Connect only returns early on ctx or
// Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return ErrStopped
	default:
	}

	if c.IsConnected() {
		return nil
	}

	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for !token.WaitTimeout(poll) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return ErrStopped
		default:
		}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	// paho completes the token before its OnConnect handler has run, so
	// callers would otherwise still see the node as disconnected.
	return c.awaitConnected(ctx)
}

func (c *Client) awaitConnected(ctx context.Context) error {
	const poll = 10 * time.Millisecond
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for !c.IsConnected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return ErrStopped
		case <-ticker.C:
		}
	}
	return nil
}

// Publish sends payload at QoS 1 and waits for the PUBACK. A missing
// acknowledgment within the publish timeout is ErrPublishTimeout.
func (c *Client) Publish(ctx context.Context, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(c.topic, 1, false, payload)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-timer.C:
		return fmt.Errorf("%w: topic %s", ErrPublishTimeout, c.topic)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		c.logger.Error("failed to publish reading", "topic", c.topic, "error", err)
		return fmt.Errorf("mqtt publish: %w", err)
	}

	c.logger.Debug("published reading", "topic", c.topic, "bytes", len(payload))
	return nil
}

func (c *Client) IsConnected() bool {
	return c.state.Connected() && c.client.IsConnected()
}

// Disconnect stops the client and closes the session. It is idempotent, and
// Connect returns ErrStopped afterwards.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	if c.client != nil {
		c.client.Disconnect(250)
	}

	c.setConnected(false)
	c.logger.Info("mqtt disconnected")
}

func (c *Client) setConnected(v bool) {
	if c.state.Set(v) {
		metrics.SetConnected(v)
	}
}
