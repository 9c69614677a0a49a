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

// Package breaker guards outbound channels with a circuit breaker so a
// destination that keeps failing is skipped straight to its backups.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

const (
	defaultMaxFailures = 5
	defaultOpenTimeout = 30 * time.Second
)

type Settings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// New creates a breaker that trips after MaxFailures consecutive
// recoverable failures. Fatal errors say nothing about the destination's
// health and are counted as successes.
func New(name string, s Settings, logger *slog.Logger) *gobreaker.CircuitBreaker {
	if s.MaxFailures == 0 {
		s.MaxFailures = defaultMaxFailures
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = defaultOpenTimeout
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed", "endpoint", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !core.Classify(err).Recoverable()
		},
	})
}

// Channel forwards to an inner channel through a shared breaker.
type Channel struct {
	inner core.Channel
	cb    *gobreaker.CircuitBreaker
}

// Wrap returns ch guarded by cb. Fault notification is forwarded when the
// inner channel supports it.
func Wrap(ch core.Channel, cb *gobreaker.CircuitBreaker) core.Channel {
	c := &Channel{inner: ch, cb: cb}
	if _, ok := ch.(core.FaultNotifier); ok {
		return &notifyingChannel{c}
	}
	return c
}

func (c *Channel) Open(ctx context.Context) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, c.inner.Open(ctx)
	})
	return translate(c.cb.Name(), "open", err)
}

func (c *Channel) Send(ctx context.Context, msg *core.Message, tx core.Transaction) (*core.Message, error) {
	reply, err := c.cb.Execute(func() (any, error) {
		return c.inner.Send(ctx, msg, tx)
	})
	if err != nil {
		return nil, translate(c.cb.Name(), "send", err)
	}
	m, _ := reply.(*core.Message)
	return m, nil
}

func (c *Channel) Close(ctx context.Context) error { return c.inner.Close(ctx) }

func (c *Channel) Abort() { c.inner.Abort() }

func (c *Channel) State() gobreaker.State { return c.cb.State() }

type notifyingChannel struct {
	*Channel
}

func (c *notifyingChannel) NotifyFault(fn func(error)) {
	c.inner.(core.FaultNotifier).NotifyFault(fn)
}

func translate(name, op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return core.Communication(op+" "+name, err)
	}
	return err
}
