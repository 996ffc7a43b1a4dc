// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus connects the coordinator to the fleet's MQTT broker.
//
// Publishing is fire-and-forget: the broker's acknowledgement is only
// used to log delivery failures. Subscriptions survive reconnects: the
// client re-subscribes every registered filter whenever a connection is
// (re)established. Messages are delivered concurrently and in no
// particular order.
package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Handler processes one inbound message. A returned error is logged.
type Handler func(ctx context.Context, topic string, payload []byte) error

// Config configures the broker connection.
type Config struct {
	// Address is the broker URL: tcp://host:1883, or tls://, ssl://,
	// mqtts:// for TLS.
	Address  string
	Username string
	Password string

	// ClientIDPrefix is followed by a random UUID to form the client
	// id, so restarted coordinators never collide with their own stale
	// session.
	ClientIDPrefix string

	QoS            byte
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Client is a connected MQTT client. Create with Connect.
type Client struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	logger  *slog.Logger

	// ctx is handed to message handlers and cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	subscriptions map[string]Handler
}

// Connect dials the broker and waits up to ConnectTimeout for the first
// connection. Later connection losses are retried automatically.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, errors.New("bus: Logger is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("bus: invalid QoS %d", cfg.QoS)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	handlerContext, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Client{
		qos:           cfg.QoS,
		timeout:       cfg.ConnectTimeout,
		logger:        cfg.Logger,
		ctx:           handlerContext,
		cancel:        cancel,
		subscriptions: make(map[string]Handler),
	}
	options, err := c.options(cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	c.client = mqtt.NewClient(options)

	token := c.client.Connect()
	if err := waitToken(ctx, token, cfg.ConnectTimeout); err != nil {
		cancel()
		c.client.Disconnect(0)
		return nil, fmt.Errorf("connecting to broker %s: %w", cfg.Address, err)
	}
	return c, nil
}

func (c *Client) options(cfg Config) (*mqtt.ClientOptions, error) {
	if cfg.Address == "" {
		return nil, errors.New("bus: Address is required")
	}
	address, err := url.Parse(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("bus: invalid broker address: %w", err)
	}

	options := mqtt.NewClientOptions()
	options.AddBroker(cfg.Address)
	options.SetClientID(ClientID(cfg.ClientIDPrefix))
	options.SetUsername(cfg.Username)
	options.SetPassword(cfg.Password)
	options.SetConnectTimeout(cfg.ConnectTimeout)
	options.SetAutoReconnect(true)
	options.SetCleanSession(true)
	options.SetOrderMatters(false)
	switch address.Scheme {
	case "tls", "ssl", "mqtts":
		options.SetTLSConfig(&tls.Config{
			ServerName: address.Hostname(),
			MinVersion: tls.VersionTLS12,
		})
	}

	options.SetOnConnectHandler(func(mqtt.Client) {
		c.logger.Info("connected to broker", "address", cfg.Address)
		c.resubscribe()
	})
	options.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("lost broker connection, reconnecting", "address", cfg.Address, "error", err)
	})
	return options, nil
}

// ClientID returns prefix followed by a random UUID.
func ClientID(prefix string) string {
	return prefix + uuid.NewString()
}

// Publish sends payload to topic without waiting for delivery.
func (c *Client) Publish(topic string, payload []byte) {
	token := c.client.Publish(topic, c.qos, false, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			c.logger.Warn("publish failed", "topic", topic, "error", err)
		}
	}()
}

// Subscribe registers handler for filter and subscribes now if the
// client is connected. The subscription is renewed after reconnects.
func (c *Client) Subscribe(filter string, handler Handler) error {
	c.mu.Lock()
	c.subscriptions[filter] = handler
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(filter, handler)
}

func (c *Client) subscribe(filter string, handler Handler) error {
	token := c.client.Subscribe(filter, c.qos, c.deliver(handler))
	if err := waitToken(c.ctx, token, c.timeout); err != nil {
		return fmt.Errorf("subscribing to %s: %w", filter, err)
	}
	c.logger.Info("subscribed", "filter", filter, "qos", c.qos)
	return nil
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	subscriptions := make(map[string]Handler, len(c.subscriptions))
	for filter, handler := range c.subscriptions {
		subscriptions[filter] = handler
	}
	c.mu.Unlock()

	// The connect callback must not block paho's connection goroutine
	// on subscription acknowledgements.
	go func() {
		for filter, handler := range subscriptions {
			if err := c.subscribe(filter, handler); err != nil {
				c.logger.Error("resubscribe failed", "filter", filter, "error", err)
			}
		}
	}()
}

// deliver adapts a Handler to paho's callback, isolating each message's
// failures from the client.
func (c *Client) deliver(handler Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, message mqtt.Message) {
		topic := message.Topic()
		defer func() {
			if recovered := recover(); recovered != nil {
				c.logger.Error("message handler panicked", "topic", topic, "panic", recovered)
			}
		}()
		if err := handler(c.ctx, topic, message.Payload()); err != nil {
			c.logger.Error("handling message failed", "topic", topic, "error", err)
		}
	}
}

// Close disconnects, allowing in-flight work a short quiesce period.
func (c *Client) Close() {
	c.client.Disconnect(250)
	c.cancel()
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
