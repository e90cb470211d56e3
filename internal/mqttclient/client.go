// Package mqttclient is a small wrapper around the paho MQTT client.
package mqttclient

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler receives the topic and payload of a message.
type Handler func(topic string, payload []byte)

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// ConnectTimeout bounds the initial connection. Zero waits forever.
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

type Client struct {
	raw mqtt.Client
	log *slog.Logger
}

func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt", "broker", opts.BrokerURL)

	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	o.SetUsername(opts.Username)
	o.SetPassword(opts.Password)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	o.SetAutoReconnect(true)
	// Handlers may block until the consumer catches up.
	o.SetOrderMatters(false)
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("connection lost", "error", err)
	})
	o.SetOnConnectHandler(func(mqtt.Client) {
		logger.Debug("connected")
	})
	c := mqtt.NewClient(o)

	token := c.Connect()
	if opts.ConnectTimeout > 0 {
		if !token.WaitTimeout(opts.ConnectTimeout) {
			c.Disconnect(0)
			return nil, fmt.Errorf("mqtt connect %s: timed out after %s", opts.BrokerURL, opts.ConnectTimeout)
		}
	} else {
		token.Wait()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.BrokerURL, err)
	}
	return &Client{raw: c, log: logger}, nil
}

func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	token := c.raw.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

func (c *Client) Subscribe(topic string, qos byte, handler Handler) error {
	token := c.raw.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (c *Client) Unsubscribe(topic string) error {
	token := c.raw.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}

func (c *Client) Close() {
	c.raw.Disconnect(250)
}

func (c *Client) String() string {
	return "MQTTClient"
}
