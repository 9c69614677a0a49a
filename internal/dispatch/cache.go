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
	"slices"
	"sync"

	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

// ChannelCache holds the outbound clients of one routing session, at most
// one per EndpointKey. The lock is never held across I/O.
type ChannelCache struct {
	logger  *slog.Logger
	onFault func(client *OutboundClient, err error)

	mu      sync.Mutex
	entries map[core.EndpointKey]*OutboundClient
	order   []core.EndpointKey
}

func NewChannelCache(logger *slog.Logger) *ChannelCache {
	return &ChannelCache{
		logger:  logger,
		entries: make(map[core.EndpointKey]*OutboundClient),
	}
}

// OnFault registers the hook invoked after a cached client faulted or was
// aborted with a cause, and was evicted.
func (c *ChannelCache) OnFault(fn func(client *OutboundClient, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFault = fn
}

// GetOrCreate returns the cached client for key, creating and registering
// one through factory when absent. Channel construction performs no I/O, so
// it runs under the lock.
func (c *ChannelCache) GetOrCreate(key core.EndpointKey, factory core.ChannelFactory) (*OutboundClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.entries[key]; ok {
		return client, nil
	}

	ch, err := factory.CreateChannel(key)
	if err != nil {
		return nil, fmt.Errorf("create channel %s: %w", key, err)
	}

	client := newOutboundClient(key, ch, c.logger)
	client.evict = c.evict
	client.onFault = c.faulted
	c.entries[key] = client
	c.order = append(c.order, key)
	return client, nil
}

func (c *ChannelCache) Lookup(key core.EndpointKey) (*OutboundClient, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.entries[key]
	return client, ok
}

func (c *ChannelCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the cached keys in insertion order.
func (c *ChannelCache) Keys() []core.EndpointKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.order)
}

// Abort removes and aborts the client for key, if any. A non-nil cause is
// reported through the fault hook like a transport fault.
func (c *ChannelCache) Abort(key core.EndpointKey, cause error) {
	c.mu.Lock()
	client, ok := c.removeLocked(key)
	c.mu.Unlock()

	if ok {
		c.abort(client, cause)
	}
}

func (c *ChannelCache) AbortAll(cause error) {
	c.mu.Lock()
	clients := make([]*OutboundClient, 0, len(c.order))
	for _, key := range c.order {
		clients = append(clients, c.entries[key])
	}
	clear(c.entries)
	c.order = nil
	c.mu.Unlock()

	for _, client := range clients {
		c.abort(client, cause)
	}
}

func (c *ChannelCache) abort(client *OutboundClient, cause error) {
	client.Abort()
	if cause != nil {
		c.faulted(client, cause)
	}
}

// ReleaseOne removes the most recently inserted client and hands it to the
// caller without closing it. It returns nil when the cache is empty.
func (c *ChannelCache) ReleaseOne() *OutboundClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.order) == 0 {
		return nil
	}
	key := c.order[len(c.order)-1]
	c.order = c.order[:len(c.order)-1]
	client := c.entries[key]
	delete(c.entries, key)
	return client
}

// Drain closes every cached client. Close failures are collected rather
// than stopping the drain; once ctx expires the rest are aborted. The cache
// is empty afterwards regardless of the outcome.
func (c *ChannelCache) Drain(ctx context.Context) error {
	var errs []error
	for client := c.ReleaseOne(); client != nil; client = c.ReleaseOne() {
		if ctx.Err() != nil {
			client.Abort()
			errs = append(errs, core.Timeout("close "+client.Key().String(), ctx.Err()))
			continue
		}
		if err := client.Close(ctx); err != nil {
			c.logger.Warn("outbound close failed", "endpoint", client.Key().String(), "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", client.Key(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *ChannelCache) evict(client *OutboundClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[client.key] == client {
		c.removeLocked(client.key)
	}
}

func (c *ChannelCache) faulted(client *OutboundClient, err error) {
	c.mu.Lock()
	fn := c.onFault
	c.mu.Unlock()
	if fn != nil {
		fn(client, err)
	}
}

func (c *ChannelCache) removeLocked(key core.EndpointKey) (*OutboundClient, bool) {
	client, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	delete(c.entries, key)
	if i := slices.Index(c.order, key); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
	return client, true
}
