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

import "github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"

// MessageContext is one inbound message with everything needed to finish
// it: its ambient transaction, its acknowledgement handle and one
// SendOperation per matched endpoint list.
type MessageContext struct {
	Message            *core.Message
	Tx                 core.Transaction
	Ack                core.AckHandle
	ImpersonationToken string
	Ops                []*SendOperation
}

func NewMessageContext(msg *core.Message, tx core.Transaction, ack core.AckHandle) *MessageContext {
	return &MessageContext{
		Message:            msg,
		Tx:                 tx,
		Ack:                ack,
		ImpersonationToken: msg.ImpersonationToken,
	}
}

// Resolve creates the send operations for the matched endpoint lists, in
// match order. A transactional message with backups is rejected here,
// before anything is sent.
func (mc *MessageContext) Resolve(lists [][]core.EndpointKey) error {
	ops := make([]*SendOperation, 0, len(lists))
	for _, eps := range lists {
		op, err := NewSendOperation(eps, mc.Tx)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}
	mc.Ops = ops
	return nil
}

func (mc *MessageContext) Resolved() bool { return mc.Ops != nil }

func (mc *MessageContext) AllSent() bool {
	for _, op := range mc.Ops {
		if !op.Sent() {
			return false
		}
	}
	return true
}

// payload returns the message to hand to a channel. When the operation may
// be attempted more than once a fresh copy is sent each time so the
// original survives for the next attempt.
func (mc *MessageContext) payload(op *SendOperation, retryable bool) *core.Message {
	if retryable || len(op.candidates) > 1 {
		return mc.Message.Clone()
	}
	return mc.Message
}
