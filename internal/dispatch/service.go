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

// Package dispatch sends routed messages to their endpoints. It owns the
// outbound clients, the failover policy and the request/reply and session
// pipelines.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/internal/logging"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/internal/routing"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

const DefaultTimeout = 30 * time.Second

type Options struct {
	Logger         *slog.Logger
	Factory        core.ChannelFactory
	Table          *routing.Table
	Timeout        time.Duration
	RequestTimeout time.Duration
	Impersonator   core.Impersonator
	PacketLog      *logging.PacketLogger
}

// Service is the entry point the host runtime calls into. It is safe for
// concurrent use; each request and session carries its own state.
type Service struct {
	logger         *slog.Logger
	factory        core.ChannelFactory
	impersonator   core.Impersonator
	packetLog      *logging.PacketLogger
	timeout        time.Duration
	requestTimeout time.Duration

	mu         sync.RWMutex
	table      *routing.Table
	generation uint64
}

func NewService(opts Options) (*Service, error) {
	if opts.Factory == nil {
		return nil, errors.New("dispatch: channel factory is required")
	}
	if opts.Table == nil {
		return nil, errors.New("dispatch: filter table is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = timeout
	}
	return &Service{
		logger:         logger.With("component", "dispatch"),
		factory:        opts.Factory,
		impersonator:   opts.Impersonator,
		packetLog:      opts.PacketLog,
		timeout:        timeout,
		requestTimeout: requestTimeout,
		table:          opts.Table,
		generation:     1,
	}, nil
}

// UpdateFilters swaps the filter table. Sessions pick up the new table on
// their next message and drop the channels they opened under the old one.
func (s *Service) UpdateFilters(t *routing.Table) {
	s.mu.Lock()
	s.table = t
	s.generation++
	gen := s.generation
	s.mu.Unlock()
	s.logger.Info("filter table updated", "generation", gen, "filters", t.Len())
}

func (s *Service) filters() (*routing.Table, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table, s.generation
}

func (s *Service) Timeout() time.Duration { return s.timeout }

// NewSession creates a routing session bound to the current filter table.
func (s *Service) NewSession(opts SessionOptions) *RoutingSession {
	return newRoutingSession(s, opts)
}

// ProcessRequest routes a request to exactly one endpoint list and returns
// the reply. The budget is captured once here and covers matching, every
// attempt and the final channel close.
func (s *Service) ProcessRequest(ctx context.Context, msg *core.Message, tx core.Transaction) (*core.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	table, _ := s.filters()
	id := uuid.New().String()
	logger := s.logger.With("request_id", id, "message_id", msg.ID)
	cache := NewChannelCache(logger)

	d := newRequestDispatcher(table, &sender{
		svc:       s,
		cache:     cache,
		sessionID: id,
		logger:    logger,
	}, NewMessageContext(msg, tx, nil))

	reply, err := d.Run(ctx)
	if derr := cache.Drain(ctx); derr != nil {
		logger.Warn("request channel close failed", "error", derr)
	}
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// ProcessDatagramOrSession ingests one one-way message. With a nil session
// the message is its own unit of work: it is sent, its channels closed, its
// acknowledgement completed and its transaction committed before returning,
// and any failure of that unit is returned.
func (s *Service) ProcessDatagramOrSession(
	ctx context.Context,
	sess *RoutingSession,
	msg *core.Message,
	ack core.AckHandle,
	tx core.Transaction,
) error {
	if sess == nil {
		sess = s.NewSession(SessionOptions{AtLeastOnce: ack != nil})
	}
	return sess.Deliver(ctx, msg, ack, tx)
}

// Shutdown ends a session within timeout, or the service default when
// timeout is zero.
func (s *Service) Shutdown(ctx context.Context, sess *RoutingSession, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return sess.Shutdown(ctx)
}
