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
	"fmt"
	"log/slog"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

// sender drives one SendOperation through a channel cache, applying the
// failover policy after every failed attempt.
type sender struct {
	svc        *Service
	cache      *ChannelCache
	sessionID  string
	sessionful bool
	logger     *slog.Logger
}

// send returns nil once the current candidate accepted the message. A
// returned error is terminal: when op.Exhausted() it was eligible for
// failover but no candidate was left, otherwise it was fatal.
func (s *sender) send(ctx context.Context, mc *MessageContext, op *SendOperation, tx core.Transaction) (*core.Message, error) {
	attempt := 0
	for !op.Exhausted() {
		key := op.Current()
		client, err := s.cache.GetOrCreate(key, s.svc.factory)
		if err != nil {
			return nil, err
		}

		attempt++
		retryable := !s.sessionful && tx == nil
		reply, err := s.transmit(ctx, client, mc, mc.payload(op, retryable), tx, attempt)
		if err == nil {
			op.markDelivered(client)
			return reply, nil
		}

		class := core.Classify(err)
		act := Decide(FailureInput{
			Class:           class,
			Sessionful:      s.sessionful,
			InTransaction:   tx != nil,
			SameRetried:     op.sameEndpointRetried,
			SecurityRetried: op.securityRetried,
			HasBackup:       op.HasBackup(),
		})
		s.logger.Warn("outbound send failed",
			"endpoint", key.String(),
			"message_id", mc.Message.ID,
			"attempt", attempt,
			"class", class.String(),
			"decision", act.Decision.String(),
			"error", err,
		)

		if act.Evict {
			s.cache.Abort(key, err)
		}

		switch act.Decision {
		case DecideRetrySame:
			if class == core.ClassMessageSecurity {
				op.securityRetried = true
			} else {
				op.sameEndpointRetried = true
			}
		case DecideFailover:
			op.Failover(err)
		case DecideExhausted:
			op.Failover(err)
			return nil, err
		default:
			return nil, err
		}
	}
	return nil, op.LastError()
}

func (s *sender) transmit(
	ctx context.Context,
	client *OutboundClient,
	mc *MessageContext,
	payload *core.Message,
	tx core.Transaction,
	attempt int,
) (*core.Message, error) {
	if mc.ImpersonationToken != "" && s.svc.impersonator != nil {
		revert, err := s.svc.impersonator.Impersonate(ctx, mc.ImpersonationToken)
		if err != nil {
			return nil, fmt.Errorf("%w: impersonate: %w", core.ErrSessionFatal, err)
		}
		defer revert()
	}

	start := time.Now()
	reply, err := client.Send(ctx, payload, tx)
	if s.svc.packetLog != nil {
		s.svc.packetLog.Send(s.sessionID, mc.Message, client.Key(), attempt, time.Since(start), err)
	}
	return reply, err
}
