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

	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/internal/routing"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

type RequestState int

const (
	RequestMatching RequestState = iota
	RequestSending
	RequestCompleted
)

func (s RequestState) String() string {
	switch s {
	case RequestMatching:
		return "matching"
	case RequestSending:
		return "sending"
	case RequestCompleted:
		return "completed"
	default:
		return fmt.Sprintf("request_state(%d)", int(s))
	}
}

// nextRequestState is the request/reply transition function. Any error
// completes the request.
func nextRequestState(cur RequestState, err error) RequestState {
	if err != nil {
		return RequestCompleted
	}
	switch cur {
	case RequestMatching:
		return RequestSending
	default:
		return RequestCompleted
	}
}

// RequestDispatcher drives one two-way message: match a single endpoint
// list, then send with failover until a reply arrives or the candidates run
// out.
type RequestDispatcher struct {
	table *routing.Table
	snd   *sender
	mc    *MessageContext

	state RequestState
	op    *SendOperation
	reply *core.Message
	err   error
}

func newRequestDispatcher(table *routing.Table, snd *sender, mc *MessageContext) *RequestDispatcher {
	return &RequestDispatcher{table: table, snd: snd, mc: mc}
}

func (d *RequestDispatcher) State() RequestState { return d.state }

// Operation is the send operation built while matching, nil before.
func (d *RequestDispatcher) Operation() *SendOperation { return d.op }

func (d *RequestDispatcher) Run(ctx context.Context) (*core.Message, error) {
	for d.state != RequestCompleted {
		var err error
		switch d.state {
		case RequestMatching:
			err = d.match()
		case RequestSending:
			err = d.send(ctx)
		}
		d.err = err
		d.state = nextRequestState(d.state, err)
	}
	return d.reply, d.err
}

func (d *RequestDispatcher) match() error {
	eps, err := d.table.MatchOne(d.mc.Message)
	if err != nil {
		return err
	}
	if err := d.mc.Resolve([][]core.EndpointKey{eps}); err != nil {
		return err
	}
	d.op = d.mc.Ops[0]
	return nil
}

func (d *RequestDispatcher) send(ctx context.Context) error {
	reply, err := d.snd.send(ctx, d.mc, d.op, d.mc.Tx)
	if err != nil {
		return err
	}
	if d.mc.Tx == nil {
		d.op.MarkSent()
	}
	if d.snd.svc.packetLog != nil {
		d.snd.svc.packetLog.Reply(d.mc.Message, reply, d.op.Current())
	}
	d.reply = reply
	return nil
}
