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

// Package nats routes messages to NATS subjects, one-way with Publish or as
// request/reply.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

const (
	connectTimeout = 5 * time.Second
	flushTimeout   = 5 * time.Second
)

type Channel struct {
	name    string
	url     string
	subject string
	shape   core.ShapeKind
	logger  *slog.Logger

	mu      sync.Mutex
	conn    *nats.Conn
	closing bool
	onFault func(error)
}

var _ core.FaultNotifier = (*Channel)(nil)

func NewChannel(desc core.EndpointDescriptor, logger *slog.Logger) (core.Channel, error) {
	if desc.Config["subject"] == "" {
		return nil, fmt.Errorf("nats endpoint %s: subject required", desc.Name)
	}
	url := desc.Config["url"]
	if url == "" {
		url = nats.DefaultURL
	}
	return &Channel{
		name:    desc.Name,
		url:     url,
		subject: desc.Config["subject"],
		shape:   desc.Shape,
		logger:  logger,
	}, nil
}

func (c *Channel) NotifyFault(fn func(error)) {
	c.mu.Lock()
	c.onFault = fn
	c.mu.Unlock()
}

func (c *Channel) Open(context.Context) error {
	conn, err := nats.Connect(
		c.url,
		nats.Name("routing-"+c.name),
		nats.Timeout(connectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			c.logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.closed()
		}),
	)
	if err != nil {
		return classify("nats connect", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("nats channel opened", "url", c.url, "subject", c.subject, "shape", c.shape.String())
	return nil
}

// closed runs when the connection is closed for good, either by Close or
// after reconnects are exhausted. Only the latter is a fault.
func (c *Channel) closed() {
	c.mu.Lock()
	closing, fn := c.closing, c.onFault
	c.mu.Unlock()
	if closing || fn == nil {
		return
	}
	c.logger.Warn("nats connection closed unexpectedly", "url", c.url)
	fn(core.ChannelFaulted("nats", nats.ErrConnectionClosed))
}

func (c *Channel) Send(ctx context.Context, msg *core.Message, _ core.Transaction) (*core.Message, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, core.ChannelFaulted("nats send", nats.ErrConnectionClosed)
	}

	out := toNATS(c.subject, msg)
	if c.shape == core.ShapeRequestReply {
		reply, err := conn.RequestMsgWithContext(ctx, out)
		if err != nil {
			return nil, classify("nats request", err)
		}
		return fromNATS(reply), nil
	}

	if err := conn.PublishMsg(out); err != nil {
		return nil, classify("nats publish", err)
	}
	return nil, nil
}

func (c *Channel) Close(context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closing = true
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	defer conn.Close()
	if err := conn.FlushTimeout(flushTimeout); err != nil {
		return classify("nats flush", err)
	}
	return nil
}

func (c *Channel) Abort() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closing = true
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func toNATS(subject string, msg *core.Message) *nats.Msg {
	out := nats.NewMsg(subject)
	out.Data = msg.Body
	for k, v := range msg.Headers {
		out.Header.Set(k, v)
	}
	out.Header.Set(core.ActionKey, msg.Action)
	out.Header.Set(nats.MsgIdHdr, msg.ID)
	return out
}

func fromNATS(in *nats.Msg) *core.Message {
	msg := core.NewMessage(in.Header.Get(core.ActionKey), in.Data)
	if id := in.Header.Get(nats.MsgIdHdr); id != "" {
		msg.ID = id
	}
	for k, vs := range in.Header {
		if len(vs) == 0 || strings.EqualFold(k, core.ActionKey) || strings.EqualFold(k, nats.MsgIdHdr) {
			continue
		}
		msg.Headers[strings.ToLower(k)] = vs[0]
	}
	msg.Headers["nats_subject"] = in.Subject
	return msg
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return core.EndpointNotFound(op, err)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return core.Timeout(op, err)
	case errors.Is(err, nats.ErrAuthorization), errors.Is(err, nats.ErrPermissionViolation):
		return core.MessageSecurity(op, err)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining):
		return core.ChannelFaulted(op, err)
	}
	return core.Communication(op, err)
}
