// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package pubsub

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken is a pre-resolved mqtt.Token for the in-memory broker fake —
// every call in this fake returns with its work done or handed off, so
// there is nothing to actually wait on.
type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

// fakeMessage implements mqtt.Message over an in-memory publish.
type fakeMessage struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return m.qos }
func (m *fakeMessage) Retained() bool    { return m.retain }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// fakeBroker is a shared in-memory broker: fakeMQTTClient instances
// registered against the same fakeBroker see each other's retained
// publishes and subscriptions, the way a handful of jobs sharing one real
// broker would, without dialing a network connection.
type fakeBroker struct {
	mu        sync.Mutex
	retained  map[string]*fakeMessage
	subs      map[string][]mqtt.MessageHandler
	connected bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{retained: map[string]*fakeMessage{}, subs: map[string][]mqtt.MessageHandler{}}
}

// fakeMQTTClient implements mqtt.Client against a fakeBroker.
type fakeMQTTClient struct {
	broker *fakeBroker
	self   mqtt.Client
}

func newFakeMQTTClient(broker *fakeBroker) *fakeMQTTClient {
	return &fakeMQTTClient{broker: broker}
}

func (c *fakeMQTTClient) IsConnected() bool      { return c.broker.connected }
func (c *fakeMQTTClient) IsConnectionOpen() bool { return c.broker.connected }

func (c *fakeMQTTClient) Connect() mqtt.Token {
	c.broker.mu.Lock()
	c.broker.connected = true
	c.broker.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeMQTTClient) Disconnect(quiesce uint) {
	c.broker.mu.Lock()
	c.broker.connected = false
	c.broker.mu.Unlock()
}

func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body []byte
	switch v := payload.(type) {
	case []byte:
		body = v
	case string:
		body = []byte(v)
	}
	msg := &fakeMessage{topic: topic, payload: body, qos: qos, retain: retained}

	c.broker.mu.Lock()
	if retained {
		c.broker.retained[topic] = msg
	}
	handlers := append([]mqtt.MessageHandler(nil), c.broker.subs[topic]...)
	c.broker.mu.Unlock()

	// A real broker delivers on the subscriber's own connection, not on the
	// publisher's, so each delivery runs on its own goroutine here.
	for _, h := range handlers {
		go h(c.self, msg)
	}
	return &fakeToken{}
}

func (c *fakeMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.broker.mu.Lock()
	c.broker.subs[topic] = append(c.broker.subs[topic], callback)
	retained, ok := c.broker.retained[topic]
	c.broker.mu.Unlock()

	if ok {
		callback(c.self, retained)
	}
	return &fakeToken{}
}

func (c *fakeMQTTClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic := range filters {
		c.Subscribe(topic, filters[topic], callback)
	}
	return &fakeToken{}
}

func (c *fakeMQTTClient) Unsubscribe(topics ...string) mqtt.Token {
	c.broker.mu.Lock()
	for _, topic := range topics {
		delete(c.broker.subs, topic)
	}
	c.broker.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeMQTTClient) AddRoute(topic string, callback mqtt.MessageHandler) {}

func (c *fakeMQTTClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}
