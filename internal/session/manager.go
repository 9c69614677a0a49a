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

// Package session maps host session handles onto routing sessions.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/internal/dispatch"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

// Manager is the core.Host entrypoints deliver to. A routing session is
// created on the first message of a handle and shut down when the host
// reports the end of that session.
type Manager struct {
	svc      *dispatch.Service
	logger   *slog.Logger
	sessions sync.Map
}

var _ core.Host = (*Manager)(nil)

func NewManager(svc *dispatch.Service, logger *slog.Logger) *Manager {
	return &Manager{
		svc:    svc,
		logger: logger.With("component", "session-manager"),
	}
}

// Deliver routes one message of the session identified by handle. The host
// never calls it concurrently for the same handle.
func (m *Manager) Deliver(ctx context.Context, handle string, msg *core.Message, ack core.AckHandle, tx core.Transaction) error {
	sess := m.lookupOrCreate(handle, ack != nil)
	return m.svc.ProcessDatagramOrSession(ctx, sess, msg, ack, tx)
}

func (m *Manager) lookupOrCreate(handle string, atLeastOnce bool) *dispatch.RoutingSession {
	if val, ok := m.sessions.Load(handle); ok {
		return val.(*dispatch.RoutingSession)
	}
	sess := m.svc.NewSession(dispatch.SessionOptions{
		Handle:      handle,
		Sessionful:  true,
		AtLeastOnce: atLeastOnce,
	})
	actual, loaded := m.sessions.LoadOrStore(handle, sess)
	if !loaded {
		m.logger.Info("session created",
			"session_handle", handle,
			"session_id", sess.ID(),
			"at_least_once", atLeastOnce,
		)
	}
	return actual.(*dispatch.RoutingSession)
}

// EndOfSession shuts the session down and forgets it. The returned error is
// the session-level error, if any message could not be delivered.
func (m *Manager) EndOfSession(ctx context.Context, handle string) error {
	val, ok := m.sessions.LoadAndDelete(handle)
	if !ok {
		return fmt.Errorf("%w: handle=%s", core.ErrSessionNotFound, handle)
	}
	sess := val.(*dispatch.RoutingSession)
	err := m.svc.Shutdown(ctx, sess, 0)
	if err != nil {
		m.logger.Warn("session completed with errors", "session_handle", handle, "session_id", sess.ID(), "error", err)
	} else {
		m.logger.Info("session destroyed", "session_handle", handle, "session_id", sess.ID())
	}
	return err
}

func (m *Manager) ProcessDatagram(ctx context.Context, msg *core.Message, ack core.AckHandle, tx core.Transaction) error {
	return m.svc.ProcessDatagramOrSession(ctx, nil, msg, ack, tx)
}

func (m *Manager) ProcessRequest(ctx context.Context, msg *core.Message) (*core.Message, error) {
	return m.svc.ProcessRequest(ctx, msg, nil)
}

// Abort faults the session without closing its channels gracefully.
func (m *Manager) Abort(ctx context.Context, handle string) error {
	val, ok := m.sessions.LoadAndDelete(handle)
	if !ok {
		return fmt.Errorf("%w: handle=%s", core.ErrSessionNotFound, handle)
	}
	sess := val.(*dispatch.RoutingSession)
	err := sess.Abort(ctx, nil)
	m.logger.Info("session aborted", "session_handle", handle, "session_id", sess.ID())
	return err
}

func (m *Manager) DestroyAll(ctx context.Context) {
	m.sessions.Range(func(key, _ any) bool {
		_ = m.Abort(ctx, key.(string))
		return true
	})
}

func (m *Manager) ActiveCount() int {
	count := 0
	m.sessions.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (m *Manager) Session(handle string) (*dispatch.RoutingSession, bool) {
	val, ok := m.sessions.Load(handle)
	if !ok {
		return nil, false
	}
	return val.(*dispatch.RoutingSession), true
}
