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

package core

import "context"

// Channel is the transport primitive behind one destination. Implementations
// must not perform I/O in their constructors; Open does. Abort must never
// fail and must be safe to call in any state.
type Channel interface {
	Open(ctx context.Context) error
	// Send transmits msg. For request/reply channels the reply is returned;
	// one-way channels return a nil message.
	Send(ctx context.Context, msg *Message, tx Transaction) (*Message, error)
	Close(ctx context.Context) error
	Abort()
}

// FaultNotifier is implemented by channels that can report an asynchronous
// transport fault (connection dropped, broker closed the channel).
type FaultNotifier interface {
	NotifyFault(fn func(error))
}

type ChannelFactory interface {
	CreateChannel(key EndpointKey) (Channel, error)
}

type ChannelFactoryFunc func(key EndpointKey) (Channel, error)

func (f ChannelFactoryFunc) CreateChannel(key EndpointKey) (Channel, error) {
	return f(key)
}

// AckHandle finalizes at-least-once receipt of one inbound message.
type AckHandle interface {
	Complete(ctx context.Context, tx Transaction) error
	Abandon(ctx context.Context) error
}

type Transaction interface {
	ID() string
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Dispose()
}

// Enlistment is a participant in a transaction. Commit runs when the
// transaction commits and Rollback when it rolls back; either may be nil.
type Enlistment struct {
	Name     string
	Commit   func(ctx context.Context) error
	Rollback func(ctx context.Context) error
}

// Enlister is implemented by transactions that accept participants.
type Enlister interface {
	Enlist(e Enlistment) error
}

// Impersonator switches the security identity used for outbound sends.
// The returned revert function must always be called.
type Impersonator interface {
	Impersonate(ctx context.Context, token string) (revert func(), err error)
}

// Host is what entrypoints deliver inbound traffic to.
type Host interface {
	Deliver(ctx context.Context, handle string, msg *Message, ack AckHandle, tx Transaction) error
	EndOfSession(ctx context.Context, handle string) error
	ProcessDatagram(ctx context.Context, msg *Message, ack AckHandle, tx Transaction) error
	ProcessRequest(ctx context.Context, msg *Message) (*Message, error)
}

type Entrypoint interface {
	Name() string
	Type() string
	Start(ctx context.Context, host Host) error
	Stop(ctx context.Context) error
}
