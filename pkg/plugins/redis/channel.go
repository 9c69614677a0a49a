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

// Package redis routes messages to Redis, appending to a stream with XADD or
// fanning out on a pub/sub channel with PUBLISH.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

const (
	modeStream = "stream"
	modePubSub = "pubsub"
)

// Channel writes to one stream or pub/sub channel. Sends under an enlisting
// transaction are queued in a MULTI/EXEC pipeline that executes on commit.
// Closing with transactions pending keeps the client alive until the last
// of them commits or rolls back.
type Channel struct {
	name   string
	opts   *redis.Options
	mode   string
	target string
	maxLen int64
	logger *slog.Logger

	mu       sync.Mutex
	client   *redis.Client
	draining *redis.Client
	txs      map[string]redis.Pipeliner
}

func NewChannel(desc core.EndpointDescriptor, logger *slog.Logger) (core.Channel, error) {
	cfg := desc.Config
	if cfg["addr"] == "" {
		return nil, fmt.Errorf("redis endpoint %s: addr required", desc.Name)
	}
	mode := cfg["mode"]
	if mode == "" {
		mode = modeStream
	}
	var target string
	switch mode {
	case modeStream:
		target = cfg["stream"]
	case modePubSub:
		target = cfg["channel"]
	default:
		return nil, fmt.Errorf("redis endpoint %s: unknown mode %q", desc.Name, mode)
	}
	if target == "" {
		return nil, fmt.Errorf("redis endpoint %s: %s name required", desc.Name, mode)
	}

	db := 0
	if s := cfg["db"]; s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("redis endpoint %s: invalid db %q", desc.Name, s)
		}
		db = n
	}
	var maxLen int64
	if s := cfg["max_len"]; s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis endpoint %s: invalid max_len %q", desc.Name, s)
		}
		maxLen = n
	}

	return &Channel{
		name: desc.Name,
		opts: &redis.Options{
			Addr:     cfg["addr"],
			Password: cfg["password"],
			DB:       db,
		},
		mode:   mode,
		target: target,
		maxLen: maxLen,
		logger: logger,
		txs:    make(map[string]redis.Pipeliner),
	}, nil
}

func (c *Channel) Open(ctx context.Context) error {
	client := redis.NewClient(c.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return classify("redis ping", err)
	}
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	c.logger.Info("redis channel opened", "addr", c.opts.Addr, "mode", c.mode, "target", c.target)
	return nil
}

func (c *Channel) Send(ctx context.Context, msg *core.Message, tx core.Transaction) (*core.Message, error) {
	cmdable, err := c.cmdableFor(tx)
	if err != nil {
		return nil, err
	}

	var cmd redis.Cmder
	switch c.mode {
	case modeStream:
		args := &redis.XAddArgs{Stream: c.target, ID: "*", Values: fields(msg)}
		if c.maxLen > 0 {
			args.MaxLen = c.maxLen
			args.Approx = true
		}
		cmd = cmdable.XAdd(ctx, args)
	default:
		cmd = cmdable.Publish(ctx, c.target, msg.Body)
	}
	if _, queued := cmdable.(redis.Pipeliner); queued {
		return nil, nil
	}
	if err := cmd.Err(); err != nil {
		return nil, classify("redis "+c.mode, err)
	}
	return nil, nil
}

// cmdableFor returns the client, or the transaction's pipeline when tx
// accepts participants.
func (c *Channel) cmdableFor(tx core.Transaction) (redis.Cmdable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, core.ChannelFaulted("redis send", redis.ErrClosed)
	}
	en, ok := tx.(core.Enlister)
	if !ok {
		return c.client, nil
	}
	if pipe, ok := c.txs[tx.ID()]; ok {
		return pipe, nil
	}

	pipe := c.client.TxPipeline()
	id := tx.ID()
	err := en.Enlist(core.Enlistment{
		Name: "redis:" + c.name,
		Commit: func(ctx context.Context) error {
			defer c.forget(id)
			if _, err := pipe.Exec(ctx); err != nil {
				return classify("redis exec", err)
			}
			return nil
		},
		Rollback: func(context.Context) error {
			defer c.forget(id)
			pipe.Discard()
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	c.txs[id] = pipe
	return pipe, nil
}

func (c *Channel) forget(id string) {
	c.mu.Lock()
	delete(c.txs, id)
	var done *redis.Client
	if c.draining != nil && len(c.txs) == 0 {
		done, c.draining = c.draining, nil
	}
	c.mu.Unlock()

	if done != nil {
		if err := done.Close(); err != nil {
			c.logger.Warn("redis deferred close failed", "error", err)
		}
	}
}

func (c *Channel) Close(context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	pending := len(c.txs)
	if client != nil && pending > 0 {
		c.draining = client
		c.mu.Unlock()
		c.logger.Debug("redis close deferred", "pending_transactions", pending)
		return nil
	}
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return core.Communication("redis close", err)
	}
	return nil
}

// Abort closes the client at once; pending transactions fail on commit.
func (c *Channel) Abort() {
	c.mu.Lock()
	clients := []*redis.Client{c.client, c.draining}
	c.client, c.draining = nil, nil
	clear(c.txs)
	c.mu.Unlock()

	for _, client := range clients {
		if client != nil {
			_ = client.Close()
		}
	}
}

func fields(msg *core.Message) map[string]any {
	f := map[string]any{
		"message_id": msg.ID,
		"action":     msg.Action,
		"body":       string(msg.Body),
		"timestamp":  msg.Timestamp.UnixNano(),
	}
	for k, v := range msg.Headers {
		f["header_"+k] = v
	}
	return f
}

func classify(op string, err error) error {
	msg := err.Error()
	switch {
	case errors.Is(err, redis.ErrClosed):
		return core.ChannelFaulted(op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return core.Timeout(op, err)
	case strings.HasPrefix(msg, "NOAUTH"), strings.HasPrefix(msg, "WRONGPASS"), strings.HasPrefix(msg, "NOPERM"):
		return core.MessageSecurity(op, err)
	}
	return core.Communication(op, err)
}
