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

// Package solace routes messages to Solace PubSub+ topics through a direct
// publisher.
package solace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
	"solace.dev/go/messaging"
	"solace.dev/go/messaging/pkg/solace"
	"solace.dev/go/messaging/pkg/solace/config"
	"solace.dev/go/messaging/pkg/solace/resource"
)

const terminateGrace = 5 * time.Second

type Channel struct {
	name     string
	host     string
	vpn      string
	username string
	password string
	topic    string
	logger   *slog.Logger

	mu        sync.Mutex
	service   solace.MessagingService
	publisher solace.DirectMessagePublisher
	onFault   func(error)
}

var _ core.FaultNotifier = (*Channel)(nil)

func NewChannel(desc core.EndpointDescriptor, logger *slog.Logger) (core.Channel, error) {
	cfg := desc.Config
	if cfg["host"] == "" || cfg["topic"] == "" {
		return nil, fmt.Errorf("solace endpoint %s: host and topic required", desc.Name)
	}
	vpn := cfg["vpn"]
	if vpn == "" {
		vpn = "default"
	}
	return &Channel{
		name:     desc.Name,
		host:     cfg["host"],
		vpn:      vpn,
		username: cfg["username"],
		password: cfg["password"],
		topic:    cfg["topic"],
		logger:   logger,
	}, nil
}

func (c *Channel) NotifyFault(fn func(error)) {
	c.mu.Lock()
	c.onFault = fn
	c.mu.Unlock()
}

// Open connects the messaging service and starts the publisher. The
// solace API blocks without a context, so ctx only bounds the caller.
func (c *Channel) Open(context.Context) error {
	service, err := messaging.NewMessagingServiceBuilder().
		FromConfigurationProvider(config.ServicePropertyMap{
			config.TransportLayerPropertyHost:                c.host,
			config.ServicePropertyVPNName:                    c.vpn,
			config.AuthenticationPropertySchemeBasicUserName: c.username,
			config.AuthenticationPropertySchemeBasicPassword: c.password,
		}).Build()
	if err != nil {
		return fmt.Errorf("solace build: %w", err)
	}
	if err := service.Connect(); err != nil {
		return classify("solace connect", err)
	}
	publisher, err := service.CreateDirectMessagePublisherBuilder().Build()
	if err != nil {
		_ = service.Disconnect()
		return classify("solace publisher", err)
	}
	if err := publisher.Start(); err != nil {
		_ = service.Disconnect()
		return classify("solace publisher start", err)
	}
	service.AddServiceInterruptionListener(func(ev solace.ServiceEvent) {
		c.mu.Lock()
		fn := c.onFault
		c.mu.Unlock()
		c.logger.Warn("solace service interrupted", "error", ev.GetCause())
		if fn != nil {
			fn(core.ChannelFaulted("solace", ev.GetCause()))
		}
	})

	c.mu.Lock()
	c.service, c.publisher = service, publisher
	c.mu.Unlock()
	c.logger.Info("solace channel opened", "host", c.host, "topic", c.topic)
	return nil
}

func (c *Channel) Send(_ context.Context, msg *core.Message, _ core.Transaction) (*core.Message, error) {
	c.mu.Lock()
	service, publisher := c.service, c.publisher
	c.mu.Unlock()
	if publisher == nil {
		return nil, core.ChannelFaulted("solace publish", errors.New("publisher terminated"))
	}

	builder := service.MessageBuilder().
		WithApplicationMessageID(msg.ID).
		WithApplicationMessageType(msg.Action)
	for k, v := range msg.Headers {
		builder = builder.WithProperty(config.MessageProperty(k), v)
	}
	out, err := builder.BuildWithByteArrayPayload(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("solace build message: %w", err)
	}
	if err := publisher.Publish(out, resource.TopicOf(c.topic)); err != nil {
		return nil, classify("solace publish", err)
	}
	return nil, nil
}

func (c *Channel) Close(context.Context) error {
	c.mu.Lock()
	service, publisher := c.service, c.publisher
	c.service, c.publisher = nil, nil
	c.mu.Unlock()
	if service == nil {
		return nil
	}

	var errs []error
	if err := publisher.Terminate(terminateGrace); err != nil {
		errs = append(errs, err)
	}
	if err := service.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return core.Communication("solace close", errors.Join(errs...))
	}
	return nil
}

func (c *Channel) Abort() {
	c.mu.Lock()
	service, publisher := c.service, c.publisher
	c.service, c.publisher = nil, nil
	c.mu.Unlock()
	if service == nil {
		return
	}
	_ = publisher.Terminate(0)
	_ = service.Disconnect()
}

func classify(op string, err error) error {
	var (
		authErr    *solace.AuthenticationError
		timeoutErr *solace.TimeoutError
		stateErr   *solace.IllegalStateError
	)
	switch {
	case errors.As(err, &authErr):
		return core.MessageSecurity(op, err)
	case errors.As(err, &timeoutErr):
		return core.Timeout(op, err)
	case errors.As(err, &stateErr):
		return core.ChannelFaulted(op, err)
	}
	return core.Communication(op, err)
}
