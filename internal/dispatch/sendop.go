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
	"fmt"
	"maps"
	"slices"

	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

// SendOperation is one outbound message bound for one matched endpoint
// list: the primary first, then backups in order.
type SendOperation struct {
	candidates []core.EndpointKey
	cursor     int
	sent       bool
	failures   map[core.EndpointKey]error
	lastErr    error

	// delivered is set once candidates[cursor] accepted the message but the
	// operation still needs a close, an ack or a commit before it counts as
	// sent. via is the client that accepted it.
	delivered bool
	via       *OutboundClient

	sameEndpointRetried bool
	securityRetried     bool
}

// NewSendOperation fails when a transactional message is given backups,
// since failing over inside one transaction cannot be made safe.
func NewSendOperation(candidates []core.EndpointKey, tx core.Transaction) (*SendOperation, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: empty endpoint list", core.ErrNoMatch)
	}
	if tx != nil && len(candidates) > 1 {
		return nil, fmt.Errorf("%w: %d endpoints, transaction=%s", core.ErrBackupInTransaction, len(candidates), tx.ID())
	}
	return &SendOperation{
		candidates: slices.Clone(candidates),
		failures:   make(map[core.EndpointKey]error),
	}, nil
}

// Current is the endpoint in flight or already used. It is the zero key
// once the operation is exhausted.
func (op *SendOperation) Current() core.EndpointKey {
	if op.Exhausted() {
		return core.EndpointKey{}
	}
	return op.candidates[op.cursor]
}

func (op *SendOperation) Candidates() []core.EndpointKey { return slices.Clone(op.candidates) }
func (op *SendOperation) Cursor() int { return op.cursor }
func (op *SendOperation) Sent() bool { return op.sent }
func (op *SendOperation) Delivered() bool { return op.delivered }
func (op *SendOperation) Exhausted() bool { return op.cursor >= len(op.candidates) }
func (op *SendOperation) LastError() error { return op.lastErr }

// HasBackup reports whether another candidate remains after the current one.
func (op *SendOperation) HasBackup() bool {
	return op.cursor+1 < len(op.candidates)
}

func (op *SendOperation) Failures() map[core.EndpointKey]error {
	return maps.Clone(op.failures)
}

func (op *SendOperation) MarkSent() {
	op.sent = true
}

func (op *SendOperation) markDelivered(via *OutboundClient) {
	op.delivered = true
	op.via = via
}

// deliveredVia reports whether the operation is waiting on client.
func (op *SendOperation) deliveredVia(client *OutboundClient) bool {
	return !op.sent && op.delivered && op.via == client
}

// Failover records err against the current candidate and advances the
// cursor. It returns false when no candidate is left.
func (op *SendOperation) Failover(err error) bool {
	if op.Exhausted() {
		return false
	}
	op.failures[op.candidates[op.cursor]] = err
	op.lastErr = err
	op.cursor++
	op.delivered = false
	op.via = nil
	op.sameEndpointRetried = false
	op.securityRetried = false
	return !op.Exhausted()
}
