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

// Package rabbitmq routes messages to RabbitMQ queues and consumes inbound
// queues on behalf of the router.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

const dialTimeout = 5 * time.Second

// connection is the part of *amqp.Connection a Channel uses.
type connection interface {
	Channel() (*amqp.Channel, error)
	Close() error
}

// Channel publishes to one queue through the default exchange. Sends under
// an enlisting transaction go through a dedicated tx-mode AMQP channel that
// commits or rolls back with the transaction. Closing with transactions
// pending keeps the connection open until the last of them settles.
type Channel struct {
	name   string
	url    string
	queue  string
	logger *slog.Logger

	mu       sync.Mutex
	conn     connection
	draining connection
	pub      *amqp.Channel
	txChans  map[string]*amqp.Channel
	onFault  func(error)
}

var _ core.FaultNotifier = (*Channel)(nil)

func NewChannel(desc core.EndpointDescriptor, logger *slog.Logger) (core.Channel, error) {
	if desc.Config["url"] == "" || desc.Config["queue"] == "" {
		return nil, fmt.Errorf("rabbitmq endpoint %s: url and queue required", desc.Name)
	}
	return &Channel{
		name:    desc.Name,
		url:     desc.Config["url"],
		queue:   desc.Config["queue"],
		logger:  logger,
		txChans: make(map[string]*amqp.Channel),
	}, nil
}

func (c *Channel) NotifyFault(fn func(error)) {
	c.mu.Lock()
	c.onFault = fn
	c.mu.Unlock()
}

func (c *Channel) Open(ctx context.Context) error {
	conn, err := amqp.DialConfig(c.url, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return classify("rabbitmq dial", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return classify("rabbitmq channel", err)
	}
	if _, err := pub.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return classify("rabbitmq queue declare "+c.queue, err)
	}

	closes := pub.NotifyClose(make(chan *amqp.Error, 1))
	go c.watch(closes)

	c.mu.Lock()
	c.conn, c.pub = conn, pub
	c.mu.Unlock()
	c.logger.Info("rabbitmq channel opened", "queue", c.queue)
	return nil
}

// watch reports a broker-initiated close. A graceful Close closes the
// notification channel without an error.
func (c *Channel) watch(closes <-chan *amqp.Error) {
	amqpErr, ok := <-closes
	if !ok || amqpErr == nil {
		return
	}
	c.mu.Lock()
	fn := c.onFault
	c.mu.Unlock()
	c.logger.Warn("rabbitmq channel closed by broker", "code", amqpErr.Code, "reason", amqpErr.Reason)
	if fn != nil {
		fn(core.ChannelFaulted("rabbitmq channel", amqpErr))
	}
}

func (c *Channel) Send(ctx context.Context, msg *core.Message, tx core.Transaction) (*core.Message, error) {
	ch, err := c.channelFor(tx)
	if err != nil {
		return nil, err
	}
	if err := ch.PublishWithContext(ctx, "", c.queue, false, false, toPublishing(msg)); err != nil {
		return nil, classify("rabbitmq publish", err)
	}
	return nil, nil
}

// channelFor returns the AMQP channel a send under tx must use. The first
// send of a transaction opens a tx-mode channel and enlists it.
func (c *Channel) channelFor(tx core.Transaction) (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pub == nil {
		return nil, core.ChannelFaulted("rabbitmq publish", amqp.ErrClosed)
	}
	en, ok := tx.(core.Enlister)
	if !ok {
		return c.pub, nil
	}
	if ch, ok := c.txChans[tx.ID()]; ok {
		return ch, nil
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, classify("rabbitmq tx channel", err)
	}
	if err := ch.Tx(); err != nil {
		ch.Close()
		return nil, classify("rabbitmq tx select", err)
	}
	id := tx.ID()
	err = en.Enlist(core.Enlistment{
		Name: "rabbitmq:" + c.name,
		Commit: func(context.Context) error {
			defer c.forget(id)
			defer ch.Close()
			return ch.TxCommit()
		},
		Rollback: func(context.Context) error {
			defer c.forget(id)
			defer ch.Close()
			return ch.TxRollback()
		},
	})
	if err != nil {
		ch.Close()
		return nil, err
	}
	c.txChans[id] = ch
	return ch, nil
}

// forget drops a settled transaction and closes the connection of a closed
// channel once none remain.
func (c *Channel) forget(id string) {
	c.mu.Lock()
	delete(c.txChans, id)
	var done connection
	if c.draining != nil && len(c.txChans) == 0 {
		done, c.draining = c.draining, nil
	}
	c.mu.Unlock()

	if done != nil {
		if err := done.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Warn("rabbitmq deferred close failed", "error", err)
		}
	}
}

func (c *Channel) Close(context.Context) error {
	c.mu.Lock()
	conn, pub := c.conn, c.pub
	c.conn, c.pub = nil, nil
	pending := len(c.txChans)
	if conn != nil && pending > 0 {
		c.draining = conn
		conn = nil
	}
	c.mu.Unlock()

	var errs []error
	if pub != nil {
		if err := pub.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	} else if pending > 0 {
		c.logger.Debug("rabbitmq connection close deferred", "pending_transactions", pending)
	}
	if len(errs) > 0 {
		return core.Communication("rabbitmq close", errors.Join(errs...))
	}
	return nil
}

// Abort closes the connection at once; pending transactions fail on commit.
func (c *Channel) Abort() {
	c.mu.Lock()
	conns := []connection{c.conn, c.draining}
	c.conn, c.draining, c.pub = nil, nil, nil
	clear(c.txChans)
	c.mu.Unlock()

	for _, conn := range conns {
		if conn != nil {
			_ = conn.Close()
		}
	}
}

func toPublishing(msg *core.Message) amqp.Publishing {
	headers := make(amqp.Table, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         msg.Action,
		Body:         msg.Body,
	}
}

func fromDelivery(d amqp.Delivery) *core.Message {
	msg := core.NewMessage(d.Type, d.Body)
	if d.MessageId != "" {
		msg.ID = d.MessageId
	}
	if !d.Timestamp.IsZero() {
		msg.Timestamp = d.Timestamp
	}
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			msg.Headers[k] = s
		}
	}
	msg.Headers["rabbitmq_routing_key"] = d.RoutingKey
	if msg.Action == "" {
		msg.Action = d.RoutingKey
	}
	return msg
}

func classify(op string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.NotFound:
			return core.EndpointNotFound(op, err)
		case amqp.AccessRefused:
			return core.MessageSecurity(op, err)
		}
		if errors.Is(err, amqp.ErrClosed) {
			return core.ChannelFaulted(op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.Timeout(op, err)
	}
	return core.Communication(op, err)
}
