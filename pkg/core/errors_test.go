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

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassFatal},
		{"plain", cause, ClassFatal},
		{"communication", Communication("send", cause), ClassCommunication},
		{"faulted", ChannelFaulted("send", cause), ClassChannelFaulted},
		{"not found", EndpointNotFound("dial", cause), ClassEndpointNotFound},
		{"security", MessageSecurity("send", cause), ClassMessageSecurity},
		{"timeout", Timeout("send", cause), ClassTimeout},
		{"deadline", fmt.Errorf("open: %w", context.DeadlineExceeded), ClassTimeout},
		{"canceled", context.Canceled, ClassFatal},
		{"no match", ErrNoMatch, ClassFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestSubclassesAreCommunicationErrors(t *testing.T) {
	for _, err := range []error{ErrChannelFaulted, ErrEndpointNotFound, ErrMessageSecurity} {
		assert.ErrorIs(t, err, ErrCommunication)
	}
	assert.NotErrorIs(t, ErrTimeout, ErrCommunication)
}

func TestWrappedErrorKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := EndpointNotFound("rabbitmq dial", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "rabbitmq dial")
}

func TestMessageClone(t *testing.T) {
	msg := NewMessage("order.created", []byte("payload"))
	msg.Headers["x-kind"] = "order"

	cp := msg.Clone()
	cp.Body[0] = 'P'
	cp.Headers["x-kind"] = "changed"

	assert.Equal(t, "payload", string(msg.Body))
	assert.Equal(t, "order", msg.Headers["x-kind"])
	assert.Equal(t, msg.ID, cp.ID)
}

func TestHeadersOnlyDropsBody(t *testing.T) {
	msg := NewMessage("a", []byte("body"))
	msg.Headers["k"] = "v"
	view := msg.HeadersOnly()
	assert.Nil(t, view.Body)
	assert.Equal(t, "v", view.Header("k"))
	assert.Equal(t, []byte("body"), msg.Body)
}

func TestParseShape(t *testing.T) {
	for in, want := range map[string]ShapeKind{
		"":              ShapeDatagram,
		"datagram":      ShapeDatagram,
		"session":       ShapeSession,
		"request_reply": ShapeRequestReply,
		"duplex":        ShapeDuplex,
	} {
		got, err := ParseShape(in)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseShape("multicast")
	assert.Error(t, err)
}

func TestEndpointKeyIsComparable(t *testing.T) {
	m := map[EndpointKey]int{}
	m[EndpointKey{Destination: "a", Shape: ShapeDuplex, Callback: "cb1"}] = 1
	m[EndpointKey{Destination: "a", Shape: ShapeDuplex, Callback: "cb2"}] = 2
	m[EndpointKey{Destination: "a", Shape: ShapeDuplex, Callback: "cb1"}] = 3
	assert.Len(t, m, 2)
	assert.Equal(t, "a/duplex#cb1", EndpointKey{Destination: "a", Shape: ShapeDuplex, Callback: "cb1"}.String())
}
