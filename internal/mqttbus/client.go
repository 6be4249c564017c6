// Package mqttbus connects the recorder to an MQTT broker: a subscription
// feeding the capture pipeline, and a publisher for replay.
package mqttbus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/mqtt-recorder/internal/clock"
	"github.com/tinytelemetry/mqtt-recorder/internal/model"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 30 * time.Second
	disconnectQuiesceMS   = 250
	clientIDPrefix        = "mqtt-recorder-"
)

// ErrClosed is returned when using a closed client.
var ErrClosed = errors.New("mqttbus: client closed")

// Config configures a broker connection.
type Config struct {
	Address  string
	Port     int
	ClientID string // generated when empty
	Username string
	Password string
	TLS      *tls.Config

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// QoS is the subscription QoS.
	QoS byte

	Clock  clock.Clock
	Logger logrus.FieldLogger
}

// Client wraps a paho client. Subscribe and Publish may be used from
// different goroutines.
type Client struct {
	cfg    Config
	client mqtt.Client
	logger logrus.FieldLogger

	mu     sync.RWMutex
	topics map[string]byte
	msgs   chan model.Message
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// BrokerURL renders the paho server URL, using ssl:// when TLS is set.
func BrokerURL(address string, port int, secure bool) string {
	scheme := "tcp"
	if secure {
		scheme = "ssl"
	}
	return scheme + "://" + net.JoinHostPort(address, strconv.Itoa(port))
}

// ClientID returns id, or a random recorder client id when id is empty.
func ClientID(id string) string {
	if id != "" {
		return id
	}
	return clientIDPrefix + uuid.NewString()[:8]
}

// Connect dials the broker and waits until the session is up or ctx ends.
// The client reconnects on its own afterwards and restores subscriptions.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	cfg = withDefaults(cfg)
	c := newClient(cfg, nil)

	opts := mqtt.NewClientOptions().
		AddBroker(BrokerURL(cfg.Address, cfg.Port, cfg.TLS != nil)).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	if cfg.TLS != nil {
		opts.SetTLSConfig(cfg.TLS)
	}
	c.client = mqtt.NewClient(opts)

	c.logger.WithFields(logrus.Fields{
		"broker":    BrokerURL(cfg.Address, cfg.Port, cfg.TLS != nil),
		"client_id": cfg.ClientID,
	}).Info("mqttbus: connecting")

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect waits for the first session. On failure the paho client is
// disconnected so its connect and reconnect goroutines stop.
func (c *Client) connect(ctx context.Context) error {
	if err := wait(ctx, c.client.Connect()); err != nil {
		c.client.Disconnect(0)
		return fmt.Errorf("mqttbus: connect: %w", err)
	}
	return nil
}

func withDefaults(cfg Config) Config {
	cfg.ClientID = ClientID(cfg.ClientID)
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return cfg
}

func newClient(cfg Config, client mqtt.Client) *Client {
	return &Client{
		cfg:    cfg,
		client: client,
		logger: cfg.Logger,
		topics: make(map[string]byte),
		done:   make(chan struct{}),
	}
}

// Subscribe subscribes to every topic filter and returns the channel the
// messages arrive on, stamped with their arrival time. The channel is
// closed by Close. Only one subscription channel exists per client.
func (c *Client) Subscribe(ctx context.Context, filters []string, buffer int) (<-chan model.Message, error) {
	if len(filters) == 0 {
		return nil, errors.New("mqttbus: no topic filters")
	}
	if buffer <= 0 {
		buffer = model.DefaultBuffer
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.msgs != nil {
		c.mu.Unlock()
		return nil, errors.New("mqttbus: already subscribed")
	}
	c.msgs = make(chan model.Message, buffer)
	for _, f := range filters {
		c.topics[f] = c.cfg.QoS
	}
	filterMap := c.subscriptions()
	msgs := c.msgs
	c.mu.Unlock()

	if err := wait(ctx, c.client.SubscribeMultiple(filterMap, c.handle)); err != nil {
		return nil, fmt.Errorf("mqttbus: subscribe: %w", err)
	}
	c.logger.WithField("filters", filters).Info("mqttbus: subscribed")
	return msgs, nil
}

// Publish sends rec with its recorded QoS and retain flag and waits for the
// broker acknowledgement the QoS calls for.
func (c *Client) Publish(ctx context.Context, rec model.Record) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := wait(ctx, c.client.Publish(rec.Topic, rec.QoS, rec.Retained, rec.Payload)); err != nil {
		return fmt.Errorf("mqttbus: publish %s: %w", rec.Topic, err)
	}
	return nil
}

// Close disconnects from the broker and closes the subscription channel.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.client != nil {
			c.client.Disconnect(disconnectQuiesceMS)
		}
		c.mu.Lock()
		c.closed = true
		if c.msgs != nil {
			close(c.msgs)
		}
		c.mu.Unlock()
		c.logger.Debug("mqttbus: disconnected")
	})
}

func (c *Client) handle(_ mqtt.Client, m mqtt.Message) {
	msg := model.Message{
		Topic:    m.Topic(),
		Payload:  append([]byte(nil), m.Payload()...),
		QoS:      m.Qos(),
		Retained: m.Retained(),
		Arrived:  c.cfg.Clock.Now(),
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.msgs == nil {
		return
	}
	select {
	case c.msgs <- msg:
	case <-c.done:
	}
}

func (c *Client) onConnect(client mqtt.Client) {
	c.mu.RLock()
	subs := c.subscriptions()
	c.mu.RUnlock()
	if len(subs) == 0 {
		return
	}
	// Clean sessions drop subscriptions; restore them after a reconnect.
	token := client.SubscribeMultiple(subs, c.handle)
	go func() {
		if token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() != nil {
			c.logger.WithError(token.Error()).Warn("mqttbus: resubscribe failed")
		}
	}()
	c.logger.Info("mqttbus: reconnected")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.WithError(err).Warn("mqttbus: connection lost, reconnecting")
}

// subscriptions copies the topic map. Callers hold c.mu.
func (c *Client) subscriptions() map[string]byte {
	out := make(map[string]byte, len(c.topics))
	for k, v := range c.topics {
		out[k] = v
	}
	return out
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
