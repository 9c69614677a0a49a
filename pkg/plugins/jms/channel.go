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

// Package jms routes messages to AMQP 1.0 brokers (ActiveMQ Artemis, Azure
// Service Bus and other JMS-compatible providers).
package jms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Azure/go-amqp"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

type Channel struct {
	name     string
	url      string
	queue    string
	username string
	password string
	logger   *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Conn
	sess   *amqp.Session
	sender *amqp.Sender
}

func NewChannel(desc core.EndpointDescriptor, logger *slog.Logger) (core.Channel, error) {
	if desc.Config["url"] == "" || desc.Config["queue"] == "" {
		return nil, fmt.Errorf("jms endpoint %s: url and queue required", desc.Name)
	}
	return &Channel{
		name:     desc.Name,
		url:      desc.Config["url"],
		queue:    desc.Config["queue"],
		username: desc.Config["username"],
		password: desc.Config["password"],
		logger:   logger,
	}, nil
}

func (c *Channel) Open(ctx context.Context) error {
	var opts *amqp.ConnOptions
	if c.username != "" {
		opts = &amqp.ConnOptions{SASLType: amqp.SASLTypePlain(c.username, c.password)}
	}
	conn, err := amqp.Dial(ctx, c.url, opts)
	if err != nil {
		return classify("jms dial", err)
	}
	sess, err := conn.NewSession(ctx, nil)
	if err != nil {
		conn.Close()
		return classify("jms session", err)
	}
	sender, err := sess.NewSender(ctx, c.queue, nil)
	if err != nil {
		conn.Close()
		return classify("jms sender", err)
	}

	c.mu.Lock()
	c.conn, c.sess, c.sender = conn, sess, sender
	c.mu.Unlock()
	c.logger.Info("jms channel opened", "queue", c.queue)
	return nil
}

func (c *Channel) Send(ctx context.Context, msg *core.Message, _ core.Transaction) (*core.Message, error) {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return nil, core.ChannelFaulted("jms send", errors.New("sender closed"))
	}
	if err := sender.Send(ctx, toAMQP(msg), nil); err != nil {
		return nil, classify("jms send", err)
	}
	return nil, nil
}

func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	conn, sess, sender := c.conn, c.sess, c.sender
	c.conn, c.sess, c.sender = nil, nil, nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	var errs []error
	if err := sender.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := sess.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := conn.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return classify("jms close", errors.Join(errs...))
	}
	return nil
}

func (c *Channel) Abort() {
	c.mu.Lock()
	conn := c.conn
	c.conn, c.sess, c.sender = nil, nil, nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func toAMQP(msg *core.Message) *amqp.Message {
	props := make(map[string]any, len(msg.Headers))
	for k, v := range msg.Headers {
		props[k] = v
	}
	action := msg.Action
	created := msg.Timestamp
	return &amqp.Message{
		Data: [][]byte{msg.Body},
		Properties: &amqp.MessageProperties{
			MessageID:    msg.ID,
			Subject:      &action,
			CreationTime: &created,
		},
		ApplicationProperties: props,
	}
}

// classify maps remote AMQP conditions onto the routing taxonomy. Detached
// links and closed sessions or connections count as a faulted channel.
func classify(op string, err error) error {
	remote := remoteError(err)
	if remote != nil {
		switch remote.Condition {
		case amqp.ErrCondNotFound:
			return core.EndpointNotFound(op, err)
		case amqp.ErrCondUnauthorizedAccess:
			return core.MessageSecurity(op, err)
		}
	}

	var (
		connErr *amqp.ConnError
		sessErr *amqp.SessionError
		linkErr *amqp.LinkError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return core.Timeout(op, err)
	case errors.As(err, &connErr), errors.As(err, &sessErr), errors.As(err, &linkErr):
		return core.ChannelFaulted(op, err)
	}
	return core.Communication(op, err)
}

func remoteError(err error) *amqp.Error {
	var (
		remote  *amqp.Error
		connErr *amqp.ConnError
		sessErr *amqp.SessionError
		linkErr *amqp.LinkError
	)
	switch {
	case errors.As(err, &remote):
		return remote
	case errors.As(err, &linkErr):
		return linkErr.RemoteErr
	case errors.As(err, &sessErr):
		return sessErr.RemoteErr
	case errors.As(err, &connErr):
		return connErr.RemoteErr
	}
	return nil
}
