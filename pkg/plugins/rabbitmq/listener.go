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

package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

// Listener consumes a queue and hands each delivery to the router.
// Deliveries carrying a reply-to address are routed as requests and the
// reply is published back; all others are routed as datagrams.
type Listener struct {
	name     string
	url      string
	queue    string
	delivery core.DeliveryGuarantee
	logger   *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

func NewListener(name string, cfg map[string]string, delivery core.DeliveryGuarantee, logger *slog.Logger) (*Listener, error) {
	if cfg["url"] == "" || cfg["queue"] == "" {
		return nil, fmt.Errorf("rabbitmq entrypoint %s: url and queue required", name)
	}
	return &Listener{
		name:     name,
		url:      cfg["url"],
		queue:    cfg["queue"],
		delivery: delivery,
		logger:   logger,
	}, nil
}

func (l *Listener) Name() string { return l.name }
func (l *Listener) Type() string { return "rabbitmq" }

func (l *Listener) atLeastOnce() bool { return l.delivery == core.DeliveryAtLeastOnce }

func (l *Listener) Start(ctx context.Context, host core.Host) error {
	conn, err := amqp.DialConfig(l.url, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq consumer channel: %w", err)
	}
	if _, err := ch.QueueDeclare(l.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq queue declare %s: %w", l.queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("rabbitmq qos: %w", err)
	}
	deliveries, err := ch.Consume(l.queue, "routing-"+l.name, !l.atLeastOnce(), false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume: %w", err)
	}

	l.logger.Info("rabbitmq entrypoint started", "name", l.name, "queue", l.queue, "delivery", l.delivery.String())

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("rabbitmq entrypoint %s: delivery channel closed", l.name)
			}
			l.handle(ctx, host, ch, d)
		}
	}
}

func (l *Listener) handle(ctx context.Context, host core.Host, ch *amqp.Channel, d amqp.Delivery) {
	msg := fromDelivery(d)
	if d.ReplyTo != "" {
		l.handleRequest(ctx, host, ch, d, msg)
		return
	}

	var ack core.AckHandle
	if l.atLeastOnce() {
		ack = &deliveryAck{d: d}
	}
	if err := host.ProcessDatagram(ctx, msg, ack, nil); err != nil {
		l.logger.Warn("rabbitmq delivery routed with errors", "message_id", msg.ID, "error", err)
	}
}

func (l *Listener) handleRequest(ctx context.Context, host core.Host, ch *amqp.Channel, d amqp.Delivery, msg *core.Message) {
	reply, err := host.ProcessRequest(ctx, msg)
	if err != nil {
		l.logger.Warn("rabbitmq request failed", "message_id", msg.ID, "error", err)
		if l.atLeastOnce() {
			_ = d.Nack(false, false)
		}
		return
	}
	if reply != nil {
		out := toPublishing(reply)
		out.CorrelationId = d.CorrelationId
		if err := ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, out); err != nil {
			l.logger.Warn("rabbitmq reply publish failed", "reply_to", d.ReplyTo, "error", err)
		}
	}
	if l.atLeastOnce() {
		_ = d.Ack(false)
	}
}

func (l *Listener) Stop(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil || l.conn.IsClosed() {
		return nil
	}
	return l.conn.Close()
}

// deliveryAck settles one delivery. Under an enlisting transaction the ack
// is deferred to commit and a rollback requeues the delivery.
type deliveryAck struct {
	d amqp.Delivery
}

func (a *deliveryAck) Complete(_ context.Context, tx core.Transaction) error {
	if en, ok := tx.(core.Enlister); ok {
		return en.Enlist(core.Enlistment{
			Name:     "rabbitmq-ack",
			Commit:   func(context.Context) error { return a.d.Ack(false) },
			Rollback: func(context.Context) error { return a.d.Nack(false, true) },
		})
	}
	return a.d.Ack(false)
}

func (a *deliveryAck) Abandon(context.Context) error {
	return a.d.Nack(false, true)
}
