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

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/internal/routing"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Router      RouterConfig       `yaml:"router"`
	Entrypoints []EntrypointConfig `yaml:"entrypoints"`
	Endpoints   []EndpointConfig   `yaml:"endpoints"`
	Filters     []FilterConfig     `yaml:"filters"`
}

type RouterConfig struct {
	MatchHeadersOnly bool          `yaml:"match_headers_only"`
	Timeout          time.Duration `yaml:"timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

type EntrypointConfig struct {
	Name              string            `yaml:"name"`
	Type              string            `yaml:"type"`
	Port              int               `yaml:"port"`
	Mode              string            `yaml:"mode"`
	DeliveryGuarantee string            `yaml:"delivery_guarantee"`
	Config            map[string]string `yaml:"config"`
}

func (ec EntrypointConfig) Delivery() core.DeliveryGuarantee {
	return ParseDeliveryGuarantee(ec.DeliveryGuarantee)
}

type EndpointConfig struct {
	Name           string               `yaml:"name"`
	Type           string               `yaml:"type"`
	Shape          string               `yaml:"shape"`
	Callback       string               `yaml:"callback"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Config         map[string]string    `yaml:"config"`
}

type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// FilterConfig binds one filter to an ordered endpoint list: the first
// endpoint is the primary, the rest are backups. "and" and "or" filters
// take their conditions from Filters; only the type, field, value and
// filters of a nested entry are used.
type FilterConfig struct {
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type"`
	Field     string         `yaml:"field"`
	Value     string         `yaml:"value"`
	Filters   []FilterConfig `yaml:"filters"`
	Priority  int            `yaml:"priority"`
	Endpoints []string       `yaml:"endpoints"`
}

// Filter builds the routing filter, recursing into nested conditions.
func (fc FilterConfig) Filter() (routing.Filter, error) {
	if fc.Type != "and" && fc.Type != "or" {
		if len(fc.Filters) > 0 {
			return nil, fmt.Errorf("filter type %q does not take sub-filters", fc.Type)
		}
		return routing.NewFilter(fc.Type, fc.Field, fc.Value)
	}
	children := make([]routing.Filter, 0, len(fc.Filters))
	for i, sub := range fc.Filters {
		f, err := sub.Filter()
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", fc.Type, i, err)
		}
		children = append(children, f)
	}
	return routing.NewComposite(fc.Type, children)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	endpoints := make(map[string]bool, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.Name == "" {
			errs = append(errs, errors.New("endpoint without a name"))
			continue
		}
		if endpoints[ep.Name] {
			errs = append(errs, fmt.Errorf("duplicate endpoint %q", ep.Name))
		}
		endpoints[ep.Name] = true
		if ep.Type == "" {
			errs = append(errs, fmt.Errorf("endpoint %q has no type", ep.Name))
		}
		shape, err := core.ParseShape(ep.Shape)
		if err != nil {
			errs = append(errs, fmt.Errorf("endpoint %q: %w", ep.Name, err))
		}
		if shape == core.ShapeDuplex && ep.Callback == "" {
			errs = append(errs, fmt.Errorf("duplex endpoint %q needs a callback", ep.Name))
		}
	}

	filters := make(map[string]bool, len(c.Filters))
	for _, f := range c.Filters {
		if filters[f.Name] {
			errs = append(errs, fmt.Errorf("duplicate filter %q", f.Name))
		}
		filters[f.Name] = true
		if len(f.Endpoints) == 0 {
			errs = append(errs, fmt.Errorf("filter %q has no endpoints", f.Name))
		}
		if _, err := f.Filter(); err != nil {
			errs = append(errs, fmt.Errorf("filter %q: %w", f.Name, err))
		}
		for _, name := range f.Endpoints {
			if !endpoints[name] {
				errs = append(errs, fmt.Errorf("filter %q: %w: %s", f.Name, core.ErrUnknownEndpoint, name))
			}
		}
	}
	return errors.Join(errs...)
}

// Descriptors resolves every configured endpoint, keyed by name.
func (c *Config) Descriptors() map[string]core.EndpointDescriptor {
	out := make(map[string]core.EndpointDescriptor, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		shape, _ := core.ParseShape(ep.Shape)
		out[ep.Name] = core.EndpointDescriptor{
			Name:     ep.Name,
			Type:     ep.Type,
			Shape:    shape,
			Callback: ep.Callback,
			Config:   ep.Config,
		}
	}
	return out
}

// BuildTable builds the filter table. Validate must have passed.
func (c *Config) BuildTable() (*routing.Table, error) {
	descs := c.Descriptors()
	entries := make([]*routing.Entry, 0, len(c.Filters))
	for _, fc := range c.Filters {
		filter, err := fc.Filter()
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", fc.Name, err)
		}
		keys := make([]core.EndpointKey, 0, len(fc.Endpoints))
		for _, name := range fc.Endpoints {
			d, ok := descs[name]
			if !ok {
				return nil, fmt.Errorf("filter %q: %w: %s", fc.Name, core.ErrUnknownEndpoint, name)
			}
			keys = append(keys, d.Key())
		}
		entries = append(entries, &routing.Entry{
			Name:      fc.Name,
			Priority:  fc.Priority,
			Filter:    filter,
			Endpoints: keys,
		})
	}

	table := routing.NewTable(c.Router.MatchHeadersOnly)
	if err := table.ReplaceAll(entries); err != nil {
		return nil, err
	}
	return table, nil
}

func ParseDeliveryGuarantee(s string) core.DeliveryGuarantee {
	switch s {
	case "none":
		return core.DeliveryNone
	case "at_most_once":
		return core.DeliveryAtMostOnce
	case "at_least_once":
		return core.DeliveryAtLeastOnce
	default:
		return core.DeliveryAuto
	}
}
