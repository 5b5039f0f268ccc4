// Package transport wraps the MQTT broker connection device commands and
// telemetry travel over (spec.md §3.1, §7). It owns connect/reconnect with
// its own liveness LWT, bounded-retry publish, and per-device ordered
// delivery of inbound messages to subscribers — generalized from the
// teacher's network-facing adapters, which favor a thin struct wrapping the
// third-party client plus an explicit reconnect/backoff loop rather than
// leaning on the client library's own auto-reconnect.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Topics used on the wire (spec.md §7). Device-scoped topics are templated
// with the device's hardware ID.
const (
	topicCommandFmt   = "autovolt/devices/%s/command"
	topicTelemetryFmt = "autovolt/devices/%s/telemetry"
	topicStateFmt     = "autovolt/devices/%s/state"
	topicHeartbeatFmt = "autovolt/devices/%s/heartbeat"
	topicLWTFmt       = "autovolt/devices/%s/availability"
	serverLWTTopic    = "autovolt/controlplane/availability"
)

// CommandMessage is the wire payload published to a device to change switch
// state (spec.md §7).
type CommandMessage struct {
	CorrelationID string `json:"correlationId"`
	SwitchID      string `json:"switchId"`
	DesiredState  bool   `json:"desiredState"`
	IssuedInstant int64  `json:"issuedInstantMs"`
}

// InboundMessage is a message received from a device, tagged with the
// device's hardware ID extracted from the topic and the kind of payload.
type InboundMessage struct {
	HardwareID string
	Kind       InboundKind
	Payload    []byte
	Received   time.Time
}

type InboundKind string

const (
	InboundTelemetry    InboundKind = "telemetry"
	InboundState        InboundKind = "state"
	InboundAvailability InboundKind = "availability"
	InboundHeartbeat    InboundKind = "heartbeat"
)

// Handler processes one InboundMessage. Handlers are invoked serially per
// device so a slow device never blocks another's delivery, and a device's
// own messages are never reordered (spec.md §4.3: "per-device ordering").
type Handler func(ctx context.Context, msg InboundMessage)

// Client owns a single MQTT broker connection and the per-device mailbox
// fan-out of inbound messages.
type Client struct {
	mqttClient mqtt.Client
	logger     *zap.SugaredLogger

	mu       sync.Mutex
	mailbox  map[string]chan InboundMessage
	handler  Handler
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Options configures a new Client.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Handler   Handler
}

// NewClient connects to the broker, publishing the process's own
// availability LWT so other components can tell when the control plane
// itself drops off the bus (spec.md §7: "controlplane's own liveness is
// advertised the same way a device's is").
func NewClient(opts Options, logger *zap.SugaredLogger) (*Client, error) {
	c := &Client{
		logger:  logger,
		mailbox: make(map[string]chan InboundMessage),
		handler: opts.Handler,
		stopCh:  make(chan struct{}),
	}

	mqttOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(serverLWTTopic, "offline", 1, true).
		SetOnConnectHandler(func(client mqtt.Client) {
			logger.Infow("mqtt connected", "broker", opts.BrokerURL)
			client.Publish(serverLWTTopic, 1, true, "online")
			c.resubscribeAll()
		}).
		SetConnectionLostHandler(func(client mqtt.Client, err error) {
			logger.Warnw("mqtt connection lost", "error", err)
		})

	c.mqttClient = mqtt.NewClient(mqttOpts)
	token := c.mqttClient.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	if err := c.subscribeWildcards(); err != nil {
		c.mqttClient.Disconnect(250)
		return nil, err
	}
	return c, nil
}

func (c *Client) subscribeWildcards() error {
	topics := map[string]byte{
		"autovolt/devices/+/telemetry":    1,
		"autovolt/devices/+/state":        1,
		"autovolt/devices/+/availability": 1,
		"autovolt/devices/+/heartbeat":    1,
	}
	token := c.mqttClient.SubscribeMultiple(topics, c.onMessage)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt subscribe timed out")
	}
	return token.Error()
}

// resubscribeAll re-establishes topic subscriptions after a reconnect; paho
// does not resubscribe automatically unless ResumeSubs is set, and we avoid
// that flag so a broker-side session reset can't silently drop topics we
// think we're still receiving.
func (c *Client) resubscribeAll() {
	if err := c.subscribeWildcards(); err != nil {
		c.logger.Errorw("mqtt resubscribe failed", "error", err)
	}
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	hwID, kind, ok := parseTopic(msg.Topic())
	if !ok {
		c.logger.Warnw("mqtt message on unrecognized topic", "topic", msg.Topic())
		return
	}
	inbound := InboundMessage{
		HardwareID: hwID,
		Kind:       kind,
		Payload:    append([]byte(nil), msg.Payload()...),
		Received:   time.Now(),
	}
	c.dispatch(inbound)
}

// dispatch hands the message to the device's mailbox, starting a dedicated
// per-device worker goroutine on first contact. Mailboxes are bounded so a
// wedged handler can't grow memory without limit; overflow drops the oldest
// pending message rather than blocking the broker callback, since paho
// invokes onMessage on a shared goroutine pool and blocking it stalls every
// other device too.
func (c *Client) dispatch(msg InboundMessage) {
	c.mu.Lock()
	ch, ok := c.mailbox[msg.HardwareID]
	if !ok {
		ch = make(chan InboundMessage, 64)
		c.mailbox[msg.HardwareID] = ch
		go c.runMailbox(msg.HardwareID, ch)
	}
	c.mu.Unlock()

	select {
	case ch <- msg:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- msg:
		default:
		}
		c.logger.Warnw("mqtt mailbox overflow, dropped oldest", "hardwareId", msg.HardwareID)
	}
}

func (c *Client) runMailbox(hwID string, ch chan InboundMessage) {
	for {
		select {
		case msg := <-ch:
			if c.handler != nil {
				c.handler(context.Background(), msg)
			}
		case <-c.stopCh:
			return
		}
	}
}

func parseTopic(topic string) (hwID string, kind InboundKind, ok bool) {
	var suffix string
	switch {
	case matchSuffix(topic, "/telemetry", &hwID, &suffix):
		return hwID, InboundTelemetry, true
	case matchSuffix(topic, "/state", &hwID, &suffix):
		return hwID, InboundState, true
	case matchSuffix(topic, "/availability", &hwID, &suffix):
		return hwID, InboundAvailability, true
	case matchSuffix(topic, "/heartbeat", &hwID, &suffix):
		return hwID, InboundHeartbeat, true
	}
	return "", "", false
}

func matchSuffix(topic, suffix string, hwID, scratch *string) bool {
	const prefix = "autovolt/devices/"
	if len(topic) <= len(prefix)+len(suffix) {
		return false
	}
	if topic[:len(prefix)] != prefix || topic[len(topic)-len(suffix):] != suffix {
		return false
	}
	*hwID = topic[len(prefix) : len(topic)-len(suffix)]
	return true
}

// PublishCommand sends a command to a device's command topic with bounded
// exponential backoff, retrying transient publish failures (broker
// momentarily unreachable) up to a fixed budget before giving up
// (spec.md §7: "publish retried with bounded exponential backoff").
func (c *Client) PublishCommand(ctx context.Context, hardwareID string, cmd CommandMessage) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	topic := fmt.Sprintf(topicCommandFmt, hardwareID)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 15 * time.Second
	bctx := backoff.WithContext(bo, ctx)

	return backoff.Retry(func() error {
		token := c.mqttClient.Publish(topic, 1, false, payload)
		if !token.WaitTimeout(3 * time.Second) {
			return fmt.Errorf("publish timed out")
		}
		return token.Error()
	}, bctx)
}

// Close disconnects from the broker and stops all mailbox workers.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.mqttClient != nil {
			c.mqttClient.Publish(serverLWTTopic, 1, true, "offline")
			c.mqttClient.Disconnect(250)
		}
	})
}
