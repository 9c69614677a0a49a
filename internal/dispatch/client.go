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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

var ErrClientClosed = errors.New("outbound client closed")

type ClientState int

const (
	StateUnopened ClientState = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
	StateFaulted
)

func (s ClientState) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type sendFunc func(ctx context.Context, msg *core.Message, tx core.Transaction) (*core.Message, error)

// OutboundClient is the single sender for one EndpointKey. The first caller
// to find it unopened performs the open; concurrent callers wait in FIFO
// order and all observe the same outcome.
type OutboundClient struct {
	key     core.EndpointKey
	channel core.Channel
	logger  *slog.Logger
	send    sendFunc

	// evict removes the client from its cache; onFault reports an
	// asynchronous transport fault.
	evict   func(*OutboundClient)
	onFault func(*OutboundClient, error)

	mu      sync.Mutex
	state   ClientState
	openErr error
	waiters waitQueue
}

func newOutboundClient(key core.EndpointKey, ch core.Channel, logger *slog.Logger) *OutboundClient {
	c := &OutboundClient{
		key:     key,
		channel: ch,
		logger:  logger.With("endpoint", key.String()),
	}

	switch key.Shape {
	case core.ShapeRequestReply:
		c.send = c.sendRequest
	case core.ShapeDuplex:
		c.send = c.sendDuplex
	default:
		c.send = c.sendOneWay
	}

	if n, ok := ch.(core.FaultNotifier); ok {
		n.NotifyFault(c.fault)
	}
	return c
}

func (c *OutboundClient) Key() core.EndpointKey { return c.key }

func (c *OutboundClient) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send opens the client if needed and transmits msg. One-way shapes return
// a nil reply.
func (c *OutboundClient) Send(ctx context.Context, msg *core.Message, tx core.Transaction) (*core.Message, error) {
	if err := c.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return c.send(ctx, msg, tx)
}

func (c *OutboundClient) ensureOpen(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return nil
	case StateOpening:
		w := c.waiters.enqueue()
		c.mu.Unlock()
		return w.wait(ctx)
	case StateUnopened:
		c.state = StateOpening
		c.mu.Unlock()
	case StateFaulted:
		err := c.openErr
		c.mu.Unlock()
		if err == nil {
			err = ErrClientClosed
		}
		return core.ChannelFaulted("open "+c.key.String(), err)
	default:
		c.mu.Unlock()
		return core.ChannelFaulted("open "+c.key.String(), ErrClientClosed)
	}

	err := c.channel.Open(ctx)

	// An abort while opening wins over a successful open.
	c.mu.Lock()
	aborted := err == nil && c.state != StateOpening
	switch {
	case err != nil:
		c.state = StateFaulted
		c.openErr = err
	case aborted:
		err = core.ChannelFaulted("open "+c.key.String(), ErrClientClosed)
	default:
		c.state = StateOpen
	}
	c.mu.Unlock()

	c.waiters.releaseAll(err)

	if aborted {
		c.logger.Debug("outbound aborted while opening")
		c.channel.Abort()
		return err
	}
	if err != nil {
		c.logger.Warn("outbound open failed", "error", err)
		c.channel.Abort()
		if c.evict != nil {
			c.evict(c)
		}
		return err
	}
	c.logger.Debug("outbound opened")
	return nil
}

func (c *OutboundClient) sendOneWay(ctx context.Context, msg *core.Message, tx core.Transaction) (*core.Message, error) {
	_, err := c.channel.Send(ctx, msg, tx)
	return nil, err
}

func (c *OutboundClient) sendRequest(ctx context.Context, msg *core.Message, tx core.Transaction) (*core.Message, error) {
	return c.channel.Send(ctx, msg, tx)
}

func (c *OutboundClient) sendDuplex(ctx context.Context, msg *core.Message, tx core.Transaction) (*core.Message, error) {
	out := msg.Clone()
	out.Headers[core.HeaderCallback] = c.key.Callback
	_, err := c.channel.Send(ctx, out, tx)
	return nil, err
}

// Close closes an open client within ctx. A client that never opened is
// simply marked closed. On failure the channel is aborted.
func (c *OutboundClient) Close(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.state = StateClosing
	case StateUnopened:
		c.state = StateClosed
		c.mu.Unlock()
		return nil
	case StateClosed:
		c.mu.Unlock()
		return nil
	case StateFaulted:
		err := c.openErr
		c.mu.Unlock()
		if err == nil {
			err = ErrClientClosed
		}
		return core.ChannelFaulted("close "+c.key.String(), err)
	default:
		c.mu.Unlock()
		c.Abort()
		return core.ChannelFaulted("close "+c.key.String(), ErrClientClosed)
	}
	c.mu.Unlock()

	err := c.channel.Close(ctx)

	c.mu.Lock()
	if err != nil {
		c.state = StateFaulted
		c.openErr = err
	} else {
		c.state = StateClosed
	}
	c.mu.Unlock()

	if err != nil {
		c.channel.Abort()
		return err
	}
	return nil
}

// Abort tears the client down immediately. It never fails.
func (c *OutboundClient) Abort() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if c.state != StateFaulted {
		c.state = StateClosed
	}
	c.mu.Unlock()

	c.channel.Abort()
	c.waiters.releaseAll(core.ChannelFaulted("abort "+c.key.String(), ErrClientClosed))
}

// fault handles an asynchronous transport fault reported by the channel.
func (c *OutboundClient) fault(err error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing || c.state == StateFaulted {
		c.mu.Unlock()
		return
	}
	c.state = StateFaulted
	c.openErr = err
	c.mu.Unlock()

	c.logger.Warn("outbound channel faulted", "error", err)
	c.channel.Abort()
	if c.evict != nil {
		c.evict(c)
	}
	if c.onFault != nil {
		c.onFault(c, err)
	}
}
