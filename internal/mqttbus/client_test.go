package mqttbus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/mqtt-recorder/internal/clock"
	"github.com/tinytelemetry/mqtt-recorder/internal/model"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakePaho implements the parts of mqtt.Client the wrapper uses.
type fakePaho struct {
	mqtt.Client

	mu           sync.Mutex
	published    []published
	subscribed   map[string]byte
	publishErr   error
	publishToken mqtt.Token
	connectToken mqtt.Token
	disconnected bool
}

func (f *fakePaho) Connect() mqtt.Token {
	if f.connectToken != nil {
		return f.connectToken
	}
	return doneToken(nil)
}

func (f *fakePaho) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishToken != nil {
		return f.publishToken
	}
	f.published = append(f.published, published{topic, qos, retained, payload.([]byte)})
	return doneToken(f.publishErr)
}

func (f *fakePaho) SubscribeMultiple(filters map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = filters
	return doneToken(nil)
}

func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

type fakeMessage struct {
	mqtt.Message
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }
func (m fakeMessage) Qos() byte       { return m.qos }
func (m fakeMessage) Retained() bool  { return m.retained }

func newTestClient(t *testing.T, paho *fakePaho, clk clock.Clock) *Client {
	t.Helper()
	logger, _ := test.NewNullLogger()
	c := newClient(withDefaults(Config{QoS: 1, Clock: clk, Logger: logger}), paho)
	t.Cleanup(c.Close)
	return c
}

func TestSubscribe_DeliversStampedMessages(t *testing.T) {
	now := time.Date(2024, 7, 25, 10, 0, 0, 0, time.UTC)
	paho := &fakePaho{}
	c := newTestClient(t, paho, clock.NewManual(now))

	msgs, err := c.Subscribe(context.Background(), []string{"sensor/#", "status"}, 4)
	require.NoError(t, err)
	assert.Equal(t, map[string]byte{"sensor/#": 1, "status": 1}, paho.subscribed)

	payload := []byte(`{"t":1}`)
	c.handle(nil, fakeMessage{topic: "sensor/a", payload: payload, qos: 1, retained: true})
	payload[0] = 'X'

	msg := <-msgs
	assert.Equal(t, model.Message{
		Topic:    "sensor/a",
		Payload:  []byte(`{"t":1}`),
		QoS:      1,
		Retained: true,
		Arrived:  now,
	}, msg)

	_, err = c.Subscribe(context.Background(), []string{"x"}, 1)
	assert.Error(t, err, "one subscription channel per client")
}

func TestSubscribe_RequiresFilters(t *testing.T) {
	c := newTestClient(t, &fakePaho{}, nil)
	_, err := c.Subscribe(context.Background(), nil, 1)
	assert.Error(t, err)
}

func TestClose_ClosesChannelAndUnblocksHandler(t *testing.T) {
	paho := &fakePaho{}
	c := newTestClient(t, paho, nil)
	msgs, err := c.Subscribe(context.Background(), []string{"#"}, 1)
	require.NoError(t, err)

	c.handle(nil, fakeMessage{topic: "a"})
	blocked := make(chan struct{})
	go func() {
		defer close(blocked)
		c.handle(nil, fakeMessage{topic: "b"})
	}()

	c.Close()
	c.Close()
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("handler still blocked after Close")
	}

	var topics []string
	for m := range msgs {
		topics = append(topics, m.Topic)
	}
	assert.Equal(t, []string{"a"}, topics)
	assert.True(t, paho.disconnected)

	c.handle(nil, fakeMessage{topic: "late"})
	assert.ErrorIs(t, c.Publish(context.Background(), model.Record{Topic: "x"}), ErrClosed)
}

func TestPublish(t *testing.T) {
	paho := &fakePaho{}
	c := newTestClient(t, paho, nil)

	require.NoError(t, c.Publish(context.Background(), model.Record{
		Topic: "sensor/a", Payload: []byte("1"), QoS: 2, Retained: true,
	}))
	require.Len(t, paho.published, 1)
	assert.Equal(t, published{"sensor/a", 2, true, []byte("1")}, paho.published[0])

	paho.publishErr = errors.New("not connected")
	err := c.Publish(context.Background(), model.Record{Topic: "sensor/b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sensor/b")
}

func TestPublish_HonorsContext(t *testing.T) {
	paho := &fakePaho{publishToken: &fakeToken{done: make(chan struct{})}}
	c := newTestClient(t, paho, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Publish(ctx, model.Record{Topic: "a"}), context.DeadlineExceeded)
}

func TestBrokerURLAndClientID(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", BrokerURL("localhost", 1883, false))
	assert.Equal(t, "ssl://[::1]:8883", BrokerURL("::1", 8883, true))

	assert.Equal(t, "fixed", ClientID("fixed"))
	id := ClientID("")
	assert.True(t, strings.HasPrefix(id, "mqtt-recorder-"))
	assert.Len(t, id, len("mqtt-recorder-")+8)
	assert.NotEqual(t, id, ClientID(""))
}

func TestConnect_DisconnectsOnFailure(t *testing.T) {
	t.Run("broker refuses", func(t *testing.T) {
		paho := &fakePaho{connectToken: doneToken(errors.New("connection refused"))}
		c := newTestClient(t, paho, nil)

		err := c.connect(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
		assert.True(t, paho.disconnected)
	})

	t.Run("context cancelled while connecting", func(t *testing.T) {
		paho := &fakePaho{connectToken: &fakeToken{done: make(chan struct{})}}
		c := newTestClient(t, paho, nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := c.connect(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, paho.disconnected)
	})

	t.Run("connected", func(t *testing.T) {
		paho := &fakePaho{}
		c := newTestClient(t, paho, nil)

		require.NoError(t, c.connect(context.Background()))
		assert.False(t, paho.disconnected)
	})
}
