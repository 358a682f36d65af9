// Package mqttclient wraps the paho client for the two jobs the engine
// needs from the broker: staying subscribed to the gateway upload
// topics across reconnects, and publishing command frames downlink.
package mqttclient

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/snarg/rack-engine/internal/metrics"
)

const (
	publishTimeout  = 5 * time.Second
	disconnectGrace = 1000 // milliseconds paho waits for in-flight work
)

// MessageHandler receives every message arriving on the subscribed
// topics. It runs on paho's delivery goroutines and must not block.
type MessageHandler func(topic string, payload []byte)

// Client holds one broker session. The subscription set is fixed at
// connect time and replayed after every reconnect.
type Client struct {
	conn      mqtt.Client
	filters   map[string]byte // topic filter -> QoS
	topics    []string        // filter keys in config order, for logging
	handler   MessageHandler
	connected atomic.Bool
	log       zerolog.Logger
}

type Options struct {
	BrokerURL       string
	ClientID        string
	Topics          []string
	Username        string
	Password        string
	ConnectTimeout  time.Duration
	ReconnectPeriod time.Duration
	OnMessage       MessageHandler
	Log             zerolog.Logger
}

// Connect dials the broker and blocks until the first attempt
// resolves. OnMessage is bound before the session opens, so no
// delivery can race past an unset handler. A nil OnMessage makes a
// publish-only client.
func Connect(opts Options) (*Client, error) {
	c := &Client{
		filters: make(map[string]byte, len(opts.Topics)),
		handler: opts.OnMessage,
		log:     opts.Log,
	}
	for _, t := range opts.Topics {
		if t == "" {
			continue
		}
		if _, dup := c.filters[t]; dup {
			continue
		}
		c.filters[t] = 0
		c.topics = append(c.topics, t)
	}
	if len(c.filters) == 0 {
		return nil, errors.New("mqtt: no subscribe topics configured")
	}

	retry := opts.ReconnectPeriod
	if retry <= 0 {
		retry = 5 * time.Second
	}

	pahoOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(retry).
		SetMaxReconnectInterval(retry).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)
	if opts.ConnectTimeout > 0 {
		pahoOpts.SetConnectTimeout(opts.ConnectTimeout)
	}
	if opts.Username != "" {
		pahoOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		pahoOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(pahoOpts)
	if token := c.conn.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.BrokerURL, token.Error())
	}
	return c, nil
}

// Publish sends one message and waits for the broker handshake. Used
// by the command translator for the downlink topics.
func (c *Client) Publish(topic string, qos byte, payload []byte) error {
	token := c.conn.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s: timed out after %s", topic, publishTimeout)
	}
	return token.Error()
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	metrics.MQTTConnected.Set(1)

	token := client.SubscribeMultiple(c.filters, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Strs("topics", c.topics).Msg("mqtt subscribe failed")
		return
	}
	c.log.Info().Strs("topics", c.topics).Msg("mqtt connected, subscriptions active")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	metrics.MQTTConnected.Set(0)
	c.log.Warn().Err(err).Msg("mqtt connection lost, reconnecting")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if c.handler == nil {
		return
	}
	c.handler(msg.Topic(), msg.Payload())
}

// IsConnected reports broker connectivity for the health endpoint.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close disconnects after letting in-flight publishes drain.
func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(disconnectGrace)
	c.connected.Store(false)
	metrics.MQTTConnected.Set(0)
}
