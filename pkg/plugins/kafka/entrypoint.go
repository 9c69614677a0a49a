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

package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

const redeliveryBackoff = time.Second

// Entrypoint consumes a topic and routes every record as a datagram. With an
// at-least-once guarantee the offset is committed only when the router
// completes the record's ack; abandoned records are redelivered.
type Entrypoint struct {
	name     string
	brokers  []string
	topic    string
	groupID  string
	delivery core.DeliveryGuarantee
	logger   *slog.Logger

	mu     sync.Mutex
	reader *kafka.Reader
}

func NewEntrypoint(name string, cfg map[string]string, delivery core.DeliveryGuarantee, logger *slog.Logger) (*Entrypoint, error) {
	brokers := splitList(cfg["brokers"])
	if len(brokers) == 0 || cfg["topic"] == "" {
		return nil, fmt.Errorf("kafka entrypoint %s: brokers and topic required", name)
	}
	groupID := cfg["group_id"]
	if groupID == "" {
		groupID = "routing-" + name
	}
	return &Entrypoint{
		name:     name,
		brokers:  brokers,
		topic:    cfg["topic"],
		groupID:  groupID,
		delivery: delivery,
		logger:   logger,
	}, nil
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "kafka" }

func (e *Entrypoint) Start(ctx context.Context, host core.Host) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  e.brokers,
		Topic:    e.topic,
		GroupID:  e.groupID,
		MaxWait:  500 * time.Millisecond,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	e.mu.Lock()
	e.reader = reader
	e.mu.Unlock()
	defer reader.Close()

	e.logger.Info("kafka entrypoint started", "name", e.name, "topic", e.topic, "group_id", e.groupID,
		"delivery", e.delivery.String())

	for {
		km, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		if err := e.route(ctx, host, reader, km); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (e *Entrypoint) route(ctx context.Context, host core.Host, reader *kafka.Reader, km kafka.Message) error {
	commit := func(ctx context.Context) error {
		return reader.CommitMessages(ctx, km)
	}
	if e.delivery == core.DeliveryAtLeastOnce {
		return e.routeWith(ctx, host, km, commit)
	}

	if err := commit(ctx); err != nil {
		return fmt.Errorf("kafka commit: %w", err)
	}
	if err := host.ProcessDatagram(ctx, fromKafka(km), nil, nil); err != nil {
		e.logger.Warn("kafka record dropped", "topic", km.Topic, "offset", km.Offset, "error", err)
	}
	return nil
}

// routeWith delivers km until the router stops abandoning it.
func (e *Entrypoint) routeWith(ctx context.Context, host core.Host, km kafka.Message, commit func(context.Context) error) error {
	for {
		ack := &offsetAck{commit: commit}
		err := host.ProcessDatagram(ctx, fromKafka(km), ack, nil)
		if !ack.isAbandoned() {
			if err != nil {
				e.logger.Warn("kafka record routed with errors", "topic", km.Topic, "offset", km.Offset, "error", err)
			}
			return nil
		}
		e.logger.Warn("kafka record abandoned, redelivering", "topic", km.Topic, "offset", km.Offset, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(redeliveryBackoff):
		}
	}
}

func (e *Entrypoint) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reader == nil {
		return nil
	}
	return e.reader.Close()
}

// offsetAck commits one record's offset. Under a transaction the commit is
// deferred until the transaction commits.
type offsetAck struct {
	commit func(ctx context.Context) error

	mu        sync.Mutex
	abandoned bool
}

func (a *offsetAck) Complete(ctx context.Context, tx core.Transaction) error {
	if en, ok := tx.(core.Enlister); ok {
		return en.Enlist(core.Enlistment{Name: "kafka-offset", Commit: a.commit})
	}
	return a.commit(ctx)
}

func (a *offsetAck) Abandon(context.Context) error {
	a.mu.Lock()
	a.abandoned = true
	a.mu.Unlock()
	return nil
}

func (a *offsetAck) isAbandoned() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.abandoned
}
