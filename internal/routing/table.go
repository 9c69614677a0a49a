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

// Package routing resolves an inbound message to the endpoint lists it must
// be sent to.
package routing

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

var ErrBodyFilterInHeaderTable = errors.New("filter needs the message body but the table matches on headers only")

// Entry binds a filter to an ordered endpoint list: the first endpoint is
// the primary, the rest are backups tried in order.
type Entry struct {
	Name      string
	Priority  int
	Filter    Filter
	Endpoints []core.EndpointKey
}

// Table is the filter router. Entries are evaluated by descending priority;
// only the highest priority level that produces a match contributes.
type Table struct {
	headersOnly bool

	mu      sync.RWMutex
	entries []*Entry
}

func NewTable(headersOnly bool) *Table {
	return &Table{headersOnly: headersOnly}
}

func (t *Table) HeadersOnly() bool { return t.headersOnly }

func (t *Table) Add(e *Entry) error {
	if err := t.validate(e); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if slices.ContainsFunc(t.entries, func(x *Entry) bool { return x.Name == e.Name }) {
		return fmt.Errorf("filter %q already registered", e.Name)
	}
	t.entries = append(t.entries, e)
	t.sortLocked()
	return nil
}

func (t *Table) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = slices.DeleteFunc(t.entries, func(x *Entry) bool { return x.Name == name })
}

func (t *Table) ReplaceAll(entries []*Entry) error {
	for _, e := range entries {
		if err := t.validate(e); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = slices.Clone(entries)
	t.sortLocked()
	return nil
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Table) validate(e *Entry) error {
	if e == nil || e.Filter == nil {
		return fmt.Errorf("filter entry is missing a filter")
	}
	if len(e.Endpoints) == 0 {
		return fmt.Errorf("filter %q has no endpoints", e.Name)
	}
	if t.headersOnly && needsBody(e.Filter) {
		return fmt.Errorf("%w: %s", ErrBodyFilterInHeaderTable, e.Name)
	}
	return nil
}

func (t *Table) sortLocked() {
	slices.SortStableFunc(t.entries, func(a, b *Entry) int {
		return b.Priority - a.Priority
	})
}

// match returns the endpoint lists of every entry at the highest matching
// priority level.
func (t *Table) match(msg *core.Message) [][]core.EndpointKey {
	t.mu.RLock()
	entries := slices.Clone(t.entries)
	t.mu.RUnlock()

	view := msg
	if t.headersOnly {
		view = msg.HeadersOnly()
	}

	var (
		out      [][]core.EndpointKey
		matchedP int
	)
	for _, e := range entries {
		if len(out) > 0 && e.Priority < matchedP {
			break
		}
		if e.Filter.Match(view) {
			out = append(out, slices.Clone(e.Endpoints))
			matchedP = e.Priority
		}
	}
	return out
}

// MatchOne resolves exactly one endpoint list. Request/reply traffic cannot
// fan out, so more than one matching list is a configuration error.
func (t *Table) MatchOne(msg *core.Message) ([]core.EndpointKey, error) {
	lists := t.match(msg)
	switch len(lists) {
	case 0:
		return nil, fmt.Errorf("%w: action=%s", core.ErrNoMatch, msg.Action)
	case 1:
		return lists[0], nil
	default:
		return nil, fmt.Errorf("%w: action=%s matches=%d", core.ErrMultipleMatches, msg.Action, len(lists))
	}
}

// MatchAll resolves every endpoint list the message belongs to, in priority
// then registration order.
func (t *Table) MatchAll(msg *core.Message) ([][]core.EndpointKey, error) {
	lists := t.match(msg)
	if len(lists) == 0 {
		return nil, fmt.Errorf("%w: action=%s", core.ErrNoMatch, msg.Action)
	}
	return lists, nil
}
