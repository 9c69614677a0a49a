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

package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/sony/gobreaker"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/config"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/plugins/breaker"
	"golang.org/x/sync/errgroup"
)

// ChannelBuilder constructs the channel for one resolved endpoint. Builders
// validate configuration only; all I/O happens in Channel.Open.
type ChannelBuilder func(desc core.EndpointDescriptor, logger *slog.Logger) (core.Channel, error)

// Registry knows every entrypoint and endpoint of the process. It is the
// core.ChannelFactory handed to the dispatch service.
type Registry struct {
	entrypoints map[string]core.Entrypoint
	builders    map[string]ChannelBuilder
	endpoints   map[string]core.EndpointDescriptor
	breakers    map[string]*gobreaker.CircuitBreaker
	logger      *slog.Logger
	mu          sync.RWMutex
}

var _ core.ChannelFactory = (*Registry)(nil)

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		entrypoints: make(map[string]core.Entrypoint),
		builders:    make(map[string]ChannelBuilder),
		endpoints:   make(map[string]core.EndpointDescriptor),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		logger:      logger,
	}
}

func (r *Registry) RegisterEntrypoint(e core.Entrypoint) {
	r.mu.Lock()
	r.entrypoints[e.Name()] = e
	r.mu.Unlock()
	r.logger.Info("registered entrypoint", "name", e.Name(), "type", e.Type())
}

func (r *Registry) RegisterChannelType(typ string, b ChannelBuilder) {
	r.mu.Lock()
	r.builders[typ] = b
	r.mu.Unlock()
}

// SetEndpoints replaces the endpoint set. Circuit breakers of endpoints that
// survive the update keep their state.
func (r *Registry) SetEndpoints(eps []config.EndpointConfig) error {
	descs := make(map[string]core.EndpointDescriptor, len(eps))
	breakers := make(map[string]*gobreaker.CircuitBreaker)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ep := range eps {
		if _, ok := r.builders[ep.Type]; !ok {
			return fmt.Errorf("endpoint %q: unsupported type %q", ep.Name, ep.Type)
		}
		shape, err := core.ParseShape(ep.Shape)
		if err != nil {
			return fmt.Errorf("endpoint %q: %w", ep.Name, err)
		}
		descs[ep.Name] = core.EndpointDescriptor{
			Name:     ep.Name,
			Type:     ep.Type,
			Shape:    shape,
			Callback: ep.Callback,
			Config:   ep.Config,
		}
		if ep.CircuitBreaker.Enabled {
			cb, ok := r.breakers[ep.Name]
			if !ok {
				cb = breaker.New(ep.Name, breaker.Settings{
					MaxFailures: ep.CircuitBreaker.MaxFailures,
					OpenTimeout: ep.CircuitBreaker.OpenTimeout,
				}, r.logger)
			}
			breakers[ep.Name] = cb
		}
	}

	r.endpoints = descs
	r.breakers = breakers
	r.logger.Info("endpoints registered", "count", len(descs), "breakers", len(breakers))
	return nil
}

// CreateChannel builds the channel for key. The key's shape and callback
// come from the routing table, the transport settings from the endpoint
// descriptor of the same name.
func (r *Registry) CreateChannel(key core.EndpointKey) (core.Channel, error) {
	r.mu.RLock()
	desc, ok := r.endpoints[key.Destination]
	b := r.builders[desc.Type]
	cb := r.breakers[key.Destination]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownEndpoint, key.Destination)
	}
	desc.Shape = key.Shape
	desc.Callback = key.Callback

	ch, err := b(desc, r.logger.With("endpoint", desc.Name, "type", desc.Type))
	if err != nil {
		return nil, fmt.Errorf("build %s channel %s: %w", desc.Type, desc.Name, err)
	}
	if cb != nil {
		ch = breaker.Wrap(ch, cb)
	}
	return ch, nil
}

func (r *Registry) Entrypoints() map[string]core.Entrypoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.entrypoints)
}

func (r *Registry) Endpoints() map[string]core.EndpointDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.endpoints)
}

// StartEntrypoints runs every entrypoint until ctx is done. The first
// entrypoint to fail cancels the others.
func (r *Registry) StartEntrypoints(ctx context.Context, host core.Host) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, ep := range r.Entrypoints() {
		g.Go(func() error {
			if err := ep.Start(ctx, host); err != nil {
				r.logger.Error("entrypoint failed", "name", name, "error", err)
				return fmt.Errorf("entrypoint %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) StopAll(ctx context.Context) {
	for name, ep := range r.Entrypoints() {
		r.logger.Info("stopping entrypoint", "name", name)
		if err := ep.Stop(ctx); err != nil {
			r.logger.Warn("entrypoint stop failed", "name", name, "error", err)
		}
	}
}
