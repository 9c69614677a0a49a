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

// Package webhook routes messages to HTTP endpoints with POST. Request/reply
// endpoints return the response as the reply; other shapes discard it.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

const (
	defaultTimeout = 30 * time.Second
	maxReplyBody   = 10 << 20
)

type Channel struct {
	name   string
	url    string
	shape  core.ShapeKind
	logger *slog.Logger

	mu     sync.Mutex
	client *http.Client
}

func NewChannel(desc core.EndpointDescriptor, logger *slog.Logger) (core.Channel, error) {
	u := desc.Config["url"]
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return nil, fmt.Errorf("http endpoint %s: invalid url %q", desc.Name, u)
	}
	return &Channel{name: desc.Name, url: u, shape: desc.Shape, logger: logger}, nil
}

// Open prepares a dedicated transport. HTTP has no connection handshake to
// perform up front.
func (c *Channel) Open(context.Context) error {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	c.mu.Lock()
	c.client = &http.Client{Transport: transport, Timeout: defaultTimeout}
	c.mu.Unlock()
	return nil
}

func (c *Channel) Send(ctx context.Context, msg *core.Message, _ core.Transaction) (*core.Message, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, core.ChannelFaulted("http post", errors.New("client closed"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(msg.Body))
	if err != nil {
		return nil, fmt.Errorf("http request %s: %w", c.url, err)
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(core.ActionHeader, msg.Action)
	req.Header.Set("X-Message-ID", msg.ID)
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransport("http post", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxReplyBody))
		return nil, err
	}
	if c.shape.OneWay() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxReplyBody))
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
	if err != nil {
		return nil, core.Communication("http read reply", err)
	}
	return replyFrom(msg, resp, body), nil
}

func (c *Channel) Close(context.Context) error {
	c.Abort()
	return nil
}

func (c *Channel) Abort() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client != nil {
		client.CloseIdleConnections()
	}
}

func replyFrom(req *core.Message, resp *http.Response, body []byte) *core.Message {
	reply := core.NewMessage(resp.Header.Get(core.ActionHeader), body)
	if reply.Action == "" {
		reply.Action = req.Action
	}
	for name, values := range resp.Header {
		if len(values) > 0 {
			reply.Headers[strings.ToLower(name)] = values[0]
		}
	}
	reply.Headers["relates-to"] = req.ID
	return reply
}

// statusError maps a non-2xx status onto the routing taxonomy. Client errors
// other than the ones listed are the caller's fault and are not retried.
func statusError(code int) error {
	if code >= 200 && code < 300 {
		return nil
	}
	cause := fmt.Errorf("status %d %s", code, http.StatusText(code))
	switch {
	case code == http.StatusNotFound, code == http.StatusGone:
		return core.EndpointNotFound("http post", cause)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return core.MessageSecurity("http post", cause)
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return core.Timeout("http post", cause)
	case code == http.StatusTooManyRequests, code >= 500:
		return core.Communication("http post", cause)
	}
	return fmt.Errorf("http post: %w", cause)
}

func classifyTransport(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return core.Timeout(op, err)
	}
	return core.Communication(op, err)
}
