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

// Package kafka routes messages to Kafka topics and consumes inbound topics
// as datagram sources.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

const dialTimeout = 5 * time.Second

// Channel writes to one topic. Kafka offers no transactional producer here,
// so sends under a transaction are written immediately.
type Channel struct {
	name    string
	brokers []string
	topic   string
	logger  *slog.Logger

	mu     sync.Mutex
	writer *kafka.Writer
}

// NewChannel validates the endpoint configuration. It does no I/O.
func NewChannel(desc core.EndpointDescriptor, logger *slog.Logger) (core.Channel, error) {
	brokers := splitList(desc.Config["brokers"])
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka endpoint %s: brokers required", desc.Name)
	}
	topic := desc.Config["topic"]
	if topic == "" {
		return nil, fmt.Errorf("kafka endpoint %s: topic required", desc.Name)
	}
	return &Channel{name: desc.Name, brokers: brokers, topic: topic, logger: logger}, nil
}

func (c *Channel) Open(ctx context.Context) error {
	if err := probe(ctx, c.brokers); err != nil {
		return err
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(c.brokers...),
		Topic:        c.topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
	c.mu.Lock()
	c.writer = w
	c.mu.Unlock()
	c.logger.Info("kafka channel opened", "brokers", strings.Join(c.brokers, ","), "topic", c.topic)
	return nil
}

func (c *Channel) Send(ctx context.Context, msg *core.Message, _ core.Transaction) (*core.Message, error) {
	c.mu.Lock()
	w := c.writer
	c.mu.Unlock()
	if w == nil {
		return nil, core.ChannelFaulted("kafka write", errors.New("writer closed"))
	}
	if err := w.WriteMessages(ctx, toKafka(msg)); err != nil {
		return nil, classify("kafka write", err)
	}
	return nil, nil
}

func (c *Channel) Close(context.Context) error {
	c.mu.Lock()
	w := c.writer
	c.writer = nil
	c.mu.Unlock()
	if w == nil {
		return nil
	}
	if err := w.Close(); err != nil {
		return core.Communication("kafka close", err)
	}
	return nil
}

func (c *Channel) Abort() {
	_ = c.Close(context.Background())
}

// probe checks that at least one broker accepts connections.
func probe(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var errs []error
	for _, b := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err == nil {
			return conn.Close()
		}
		errs = append(errs, err)
	}
	return classify("kafka dial", errors.Join(errs...))
}

func toKafka(msg *core.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if msg.Action != "" {
		headers = append(headers, kafka.Header{Key: core.ActionKey, Value: []byte(msg.Action)})
	}
	return kafka.Message{
		Key:     []byte(msg.ID),
		Value:   msg.Body,
		Headers: headers,
		Time:    msg.Timestamp,
	}
}

func fromKafka(km kafka.Message) *core.Message {
	msg := core.NewMessage("", km.Value)
	if len(km.Key) > 0 {
		msg.ID = string(km.Key)
	}
	if !km.Time.IsZero() {
		msg.Timestamp = km.Time
	}
	for _, h := range km.Headers {
		if h.Key == core.ActionKey {
			msg.Action = string(h.Value)
			continue
		}
		msg.Headers[strings.ToLower(h.Key)] = string(h.Value)
	}
	msg.Headers["kafka_topic"] = km.Topic
	if msg.Action == "" {
		msg.Action = km.Topic
	}
	return msg
}

// classify maps kafka-go errors onto the routing error taxonomy.
func classify(op string, err error) error {
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if e != nil {
				err = e
				break
			}
		}
	}

	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch kerr {
		case kafka.UnknownTopicOrPartition:
			return core.EndpointNotFound(op, err)
		case kafka.TopicAuthorizationFailed, kafka.ClusterAuthorizationFailed, kafka.SASLAuthenticationFailed:
			return core.MessageSecurity(op, err)
		case kafka.RequestTimedOut:
			return core.Timeout(op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.Timeout(op, err)
	}
	return core.Communication(op, err)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
