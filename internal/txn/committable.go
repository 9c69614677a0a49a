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

// Package txn provides the committable transaction the router creates for
// itself when a transport offers at-least-once delivery without supplying a
// transaction of its own.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

type State int

const (
	StateActive State = iota
	StateCommitted
	StateRolledBack
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "disposed"
	}
}

var ErrNotActive = errors.New("transaction is not active")

// Committable runs its enlisted participants in enlistment order on commit
// and in reverse order on rollback. A participant commit failure rolls the
// remaining participants back.
type Committable struct {
	id     string
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	participants []core.Enlistment
}

func New(logger *slog.Logger) *Committable {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &Committable{
		id:     id,
		logger: logger.With("txn_id", id),
	}
}

func (c *Committable) ID() string { return c.id }

func (c *Committable) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Committable) Enlist(e core.Enlistment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return fmt.Errorf("%w: enlist %s", ErrNotActive, e.Name)
	}
	c.participants = append(c.participants, e)
	return nil
}

// take moves the transaction out of the active state and hands the
// participants to the caller, so no I/O runs under the lock.
func (c *Committable) take(next State) ([]core.Enlistment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return nil, fmt.Errorf("%w: state=%s", ErrNotActive, c.state)
	}
	c.state = next
	ps := c.participants
	c.participants = nil
	return ps, nil
}

func (c *Committable) Commit(ctx context.Context) error {
	ps, err := c.take(StateCommitted)
	if err != nil {
		return err
	}
	for i, p := range ps {
		if p.Commit == nil {
			continue
		}
		if err := p.Commit(ctx); err != nil {
			c.logger.Error("participant commit failed, rolling back remainder", "participant", p.Name, "error", err)
			c.mu.Lock()
			c.state = StateRolledBack
			c.mu.Unlock()
			rbErr := rollback(ctx, ps[i+1:], c.logger)
			return errors.Join(fmt.Errorf("commit %s: %w", p.Name, err), rbErr)
		}
	}
	c.logger.Debug("transaction committed", "participants", len(ps))
	return nil
}

func (c *Committable) Rollback(ctx context.Context) error {
	ps, err := c.take(StateRolledBack)
	if err != nil {
		return err
	}
	c.logger.Debug("transaction rolled back", "participants", len(ps))
	return rollback(ctx, ps, c.logger)
}

// Dispose rolls back a transaction that is still active and makes it
// unusable. A finished transaction keeps its outcome.
func (c *Committable) Dispose() {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	ps := c.participants
	c.participants = nil
	c.state = StateDisposed
	c.mu.Unlock()
	if len(ps) > 0 {
		_ = rollback(context.Background(), ps, c.logger)
	}
}

func rollback(ctx context.Context, ps []core.Enlistment, logger *slog.Logger) error {
	var errs []error
	for i := len(ps) - 1; i >= 0; i-- {
		p := ps[i]
		if p.Rollback == nil {
			continue
		}
		if err := p.Rollback(ctx); err != nil {
			logger.Warn("participant rollback failed", "participant", p.Name, "error", err)
			errs = append(errs, fmt.Errorf("rollback %s: %w", p.Name, err))
		}
	}
	return errors.Join(errs...)
}
