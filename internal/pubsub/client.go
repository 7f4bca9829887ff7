// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package pubsub

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Pioreactor/pioreactor-sub001/pkg/logging"
)

// LostState is the payload a job's last will publishes to its $state topic:
// the cluster can only ever observe a job as "lost" via the broker, never by
// a job setting it on itself.
const LostState = "lost"

// Message is the payload delivered to a subscription callback.
type Message struct {
	Topic   string
	Payload []byte
	Retain  bool
	Qos     QoS
}

// MessageHandler processes an inbound message on a subscribed topic.
type MessageHandler func(Message)

type outboundMessage struct {
	topic   string
	payload []byte
	qos     QoS
	retain  bool
	done    chan error
}

// Client is a job's single broker connection plus a producer-side mailbox:
// subscription callbacks, the timer thread, and the main job loop all call
// Publish safely, and the one drain goroutine is the only thing that
// actually touches the underlying paho client for outbound traffic. This
// replaces the historical two-connection split (broker libraries used to
// forbid publishing from inside a subscription callback) with a single
// connection.
type Client struct {
	unit       string
	experiment string
	clientName string

	logger logging.Logger
	raw    mqtt.Client

	outbound chan outboundMessage
	done     chan struct{}
	wg       sync.WaitGroup

	mu          sync.Mutex
	connected   bool
	onReconnect func()
}

// Options configures a new Client.
type Options struct {
	Unit        string
	Experiment  string
	ClientName  string // e.g. job_name; used to build the MQTT client ID
	BrokerURL   string // host:port
	Username    string
	Password    string
	LastWill    *LastWill
	MailboxSize int // default 256
	Logger      logging.Logger
	OnReconnect func()
}

// LastWill is the message the broker publishes on this client's behalf if
// it disconnects uncleanly — the mechanism that drives a job's state to
// "lost" without the job itself ever setting that state.
type LastWill struct {
	Topic   string
	Payload []byte
	Qos     QoS
	Retain  bool
}

// NewClient creates and connects a Client. The last-will is registered
// before the connect completes; on every successful (re)connect onReconnect
// fires so the caller can republish its retained settings and
// resubscribe.
func NewClient(opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger
	}
	if opts.MailboxSize == 0 {
		opts.MailboxSize = 256
	}

	c := &Client{
		unit:        opts.Unit,
		experiment:  opts.Experiment,
		clientName:  opts.ClientName,
		logger:      opts.Logger,
		onReconnect: opts.OnReconnect,
		outbound:    make(chan outboundMessage, opts.MailboxSize),
		done:        make(chan struct{}),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", opts.BrokerURL)).
		SetClientID(fmt.Sprintf("%s-%s-%s", opts.ClientName, opts.Unit, opts.Experiment)).
		SetKeepAlive(125 * time.Second).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.onDisconnect(err)
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			c.onConnect()
		})
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	if opts.LastWill != nil {
		clientOpts.SetBinaryWill(opts.LastWill.Topic, opts.LastWill.Payload, byte(opts.LastWill.Qos), opts.LastWill.Retain)
	}

	return newClientWithRaw(c, mqtt.NewClient(clientOpts))
}

// newClientWithRaw finishes constructing c against an already-built paho
// client. Split out from NewClient so tests can substitute a fake
// implementing mqtt.Client (an interface in the upstream library) instead
// of dialing a real broker.
func newClientWithRaw(c *Client, raw mqtt.Client) (*Client, error) {
	c.raw = raw
	if tok := c.raw.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("pubsub: connect: %w", tok.Error())
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.drain()

	return c, nil
}

// drain is the single goroutine allowed to call raw.Publish, so a slow or
// reentrant subscription callback can never block on the network.
func (c *Client) drain() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case m := <-c.outbound:
			tok := c.raw.Publish(m.topic, byte(m.qos), m.retain, m.payload)
			tok.Wait()
			if m.done != nil {
				m.done <- tok.Error()
			}
		}
	}
}

// SetOnReconnect installs (or replaces) the reconnect hook after
// construction, for callers that only know what to republish once their
// own setup has finished.
func (c *Client) SetOnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = fn
}

func (c *Client) onConnect() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = true
	c.mu.Unlock()

	if wasConnected {
		c.logger.Info("reconnected to MQTT broker")
		if c.onReconnect != nil {
			c.onReconnect()
		}
	}
}

func (c *Client) onDisconnect(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	if err == nil {
		c.logger.Debug("disconnected cleanly from MQTT")
		return
	}
	c.logger.Warn("lost contact with MQTT broker", "error", err)
}

// Publish enqueues a message for the drain goroutine and waits for the
// publish to complete. Safe to call from a subscription callback.
func (c *Client) Publish(topic string, payload []byte, qos QoS, retain bool) error {
	done := make(chan error, 1)
	select {
	case c.outbound <- outboundMessage{topic: topic, payload: payload, qos: qos, retain: retain, done: done}:
	case <-c.done:
		return fmt.Errorf("pubsub: client closed")
	}
	return <-done
}

// PublishAsync enqueues a message without waiting for broker acknowledgment
// — used by callers (e.g. bulk telemetry) that accept at-least-once,
// fire-and-forget semantics.
func (c *Client) PublishAsync(topic string, payload []byte, qos QoS, retain bool) {
	select {
	case c.outbound <- outboundMessage{topic: topic, payload: payload, qos: qos, retain: retain}:
	case <-c.done:
	}
}

// Subscribe registers handler for topic.
func (c *Client) Subscribe(topic string, qos QoS, handler MessageHandler) error {
	tok := c.raw.Subscribe(topic, byte(qos), func(_ mqtt.Client, m mqtt.Message) {
		handler(Message{
			Topic:   m.Topic(),
			Payload: m.Payload(),
			Retain:  m.Retained(),
			Qos:     QoS(m.Qos()),
		})
	})
	tok.Wait()
	return tok.Error()
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(topic string) error {
	tok := c.raw.Unsubscribe(topic)
	tok.Wait()
	return tok.Error()
}

// IsConnected reports whether the connection currently believes itself
// connected to the broker.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect stops the drain goroutine and closes the connection, allowing
// up to quiesce for in-flight work to finish.
func (c *Client) Disconnect(quiesce time.Duration) {
	close(c.done)
	c.wg.Wait()
	c.raw.Disconnect(uint(quiesce.Milliseconds()))
}
