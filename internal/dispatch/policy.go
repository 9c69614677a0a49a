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

type Decision int

const (
	DecideFatal Decision = iota
	// DecideRetrySame sends again through the same endpoint.
	DecideRetrySame
	DecideFailover
	// DecideExhausted means the failure was eligible for failover but no
	// candidate is left.
	DecideExhausted
)

func (d Decision) String() string {
	switch d {
	case DecideRetrySame:
		return "retry_same"
	case DecideFailover:
		return "failover"
	case DecideExhausted:
		return "exhausted"
	default:
		return "fatal"
	}
}

// FailureInput is everything the failure policy looks at.
type FailureInput struct {
	Class           core.ErrorClass
	Sessionful      bool
	InTransaction   bool
	SameRetried     bool
	SecurityRetried bool
	HasBackup       bool
}

type FailureAction struct {
	Decision Decision
	// Evict aborts and removes the cached client before acting.
	Evict bool
}

// Decide is the failover policy shared by the request and session
// dispatchers.
func Decide(in FailureInput) FailureAction {
	if !in.Class.Recoverable() {
		return FailureAction{Decision: DecideFatal}
	}

	failover := func(evict bool) FailureAction {
		if in.HasBackup {
			return FailureAction{Decision: DecideFailover, Evict: evict}
		}
		return FailureAction{Decision: DecideExhausted, Evict: evict}
	}

	switch in.Class {
	case core.ClassCommunication, core.ClassChannelFaulted:
		faulted := in.Class == core.ClassChannelFaulted
		// Channels outside a transport session are shared by unrelated
		// messages, so one fault may not be about this message.
		if !in.Sessionful && !in.InTransaction && !in.SameRetried {
			return FailureAction{Decision: DecideRetrySame, Evict: faulted}
		}
		return failover(faulted)
	case core.ClassEndpointNotFound:
		return failover(true)
	case core.ClassMessageSecurity:
		if in.HasBackup && !in.SecurityRetried {
			return FailureAction{Decision: DecideRetrySame, Evict: true}
		}
		return failover(true)
	default:
		return failover(false)
	}
}
