// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

// Package mqtt5 routes messages to an MQTT v5 broker with QoS 1 publishes.
package mqtt5

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

const connectTimeout = 10 * time.Second

// MQTT v5 reason codes the router reacts to.
const (
	reasonNotAuthorized    byte = 0x87
	reasonTopicNameInvalid byte = 0x90
	reasonQuotaExceeded    byte = 0x97
	reasonFailureThreshold byte = 0x80
)

type Channel struct {
	name      string
	serverURL *url.URL
	topic     string
	logger    *slog.Logger

	mu      sync.Mutex
	cm      *autopaho.ConnectionManager
	onFault func(error)
}

var _ core.FaultNotifier = (*Channel)(nil)

func NewChannel(desc core.EndpointDescriptor, logger *slog.Logger) (core.Channel, error) {
	if desc.Config["topic"] == "" {
		return nil, fmt.Errorf("mqtt5 endpoint %s: topic required", desc.Name)
	}
	u, err := url.Parse(desc.Config["url"])
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("mqtt5 endpoint %s: invalid url %q", desc.Name, desc.Config["url"])
	}
	return &Channel{name: desc.Name, serverURL: u, topic: desc.Config["topic"], logger: logger}, nil
}

func (c *Channel) NotifyFault(fn func(error)) {
	c.mu.Lock()
	c.onFault = fn
	c.mu.Unlock()
}

func (c *Channel) Open(ctx context.Context) error {
	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{c.serverURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			c.logger.Info("mqtt5 connection up", "broker", c.serverURL.String())
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "routing-" + c.name + "-" + uuid.New().String()[:8],
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.fault(fmt.Errorf("server disconnect, reason 0x%02x", d.ReasonCode))
			},
		},
	}

	// The connection manager lives until Close, not until ctx ends.
	cm, err := autopaho.NewConnection(context.WithoutCancel(ctx), cfg)
	if err != nil {
		return core.Communication("mqtt5 connect", err)
	}
	awaitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(awaitCtx); err != nil {
		_ = cm.Disconnect(context.Background())
		if errors.Is(err, context.DeadlineExceeded) {
			return core.Timeout("mqtt5 await connection", err)
		}
		return core.Communication("mqtt5 await connection", err)
	}

	c.mu.Lock()
	c.cm = cm
	c.mu.Unlock()
	return nil
}

func (c *Channel) fault(err error) {
	c.mu.Lock()
	fn := c.onFault
	c.mu.Unlock()
	c.logger.Warn("mqtt5 connection lost", "error", err)
	if fn != nil {
		fn(core.ChannelFaulted("mqtt5", err))
	}
}

func (c *Channel) Send(ctx context.Context, msg *core.Message, _ core.Transaction) (*core.Message, error) {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return nil, core.ChannelFaulted("mqtt5 publish", errors.New("connection closed"))
	}
	resp, err := cm.Publish(ctx, toPublish(c.topic, msg))
	if err == nil && resp != nil && resp.ReasonCode >= reasonFailureThreshold {
		err = fmt.Errorf("publish rejected, reason 0x%02x", resp.ReasonCode)
	}
	if err != nil {
		return nil, classify("mqtt5 publish", resp, err)
	}
	return nil, nil
}

func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.cm = nil
	c.mu.Unlock()
	if cm == nil {
		return nil
	}
	if err := cm.Disconnect(ctx); err != nil {
		return core.Communication("mqtt5 disconnect", err)
	}
	return nil
}

func (c *Channel) Abort() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.Close(ctx)
}

func toPublish(topic string, msg *core.Message) *paho.Publish {
	props := make(paho.UserProperties, 0, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		props = append(props, paho.UserProperty{Key: k, Value: v})
	}
	props = append(props,
		paho.UserProperty{Key: core.ActionKey, Value: msg.Action},
		paho.UserProperty{Key: "x-message-id", Value: msg.ID},
	)
	return &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Payload: msg.Body,
		Properties: &paho.PublishProperties{
			ContentType: "application/octet-stream",
			User:        props,
		},
	}
}

func classify(op string, resp *paho.PublishResponse, err error) error {
	if resp != nil {
		switch resp.ReasonCode {
		case reasonNotAuthorized:
			return core.MessageSecurity(op, err)
		case reasonTopicNameInvalid:
			return core.EndpointNotFound(op, err)
		case reasonQuotaExceeded:
			return core.Communication(op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.Timeout(op, err)
	}
	return core.Communication(op, err)
}
