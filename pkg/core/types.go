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
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// HeaderCallback carries the callback identity of a duplex endpoint on the
// outbound copy of a message.
const HeaderCallback = "X-WSO2-Callback-ID"

type DeliveryGuarantee int

const (
	DeliveryAuto DeliveryGuarantee = iota
	DeliveryNone
	DeliveryAtMostOnce
	DeliveryAtLeastOnce
)

func (d DeliveryGuarantee) String() string {
	switch d {
	case DeliveryNone:
		return "none"
	case DeliveryAtMostOnce:
		return "at_most_once"
	case DeliveryAtLeastOnce:
		return "at_least_once"
	default:
		return "auto"
	}
}

// ShapeKind is the contract shape a destination is reached through. It is
// fixed when an outbound client is built and never changes afterwards.
type ShapeKind int

const (
	ShapeDatagram ShapeKind = iota
	ShapeSession
	ShapeRequestReply
	ShapeDuplex
)

func (s ShapeKind) String() string {
	switch s {
	case ShapeDatagram:
		return "datagram"
	case ShapeSession:
		return "session"
	case ShapeRequestReply:
		return "request_reply"
	case ShapeDuplex:
		return "duplex"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// OneWay reports whether sends through this shape never yield a reply.
func (s ShapeKind) OneWay() bool {
	return s != ShapeRequestReply
}

// Sessionful reports whether the shape keeps a transport-level session open
// across sends.
func (s ShapeKind) Sessionful() bool {
	return s == ShapeSession || s == ShapeDuplex
}

func ParseShape(s string) (ShapeKind, error) {
	switch s {
	case "", "datagram":
		return ShapeDatagram, nil
	case "session":
		return ShapeSession, nil
	case "request_reply":
		return ShapeRequestReply, nil
	case "duplex":
		return ShapeDuplex, nil
	default:
		return 0, fmt.Errorf("unknown contract shape %q", s)
	}
}

// EndpointKey identifies one routing destination. It is a comparable value
// and is used directly as a map key by the channel cache.
type EndpointKey struct {
	Destination string
	Shape       ShapeKind
	Callback    string
}

func (k EndpointKey) String() string {
	if k.Callback != "" {
		return fmt.Sprintf("%s/%s#%s", k.Destination, k.Shape, k.Callback)
	}
	return fmt.Sprintf("%s/%s", k.Destination, k.Shape)
}

// EndpointDescriptor is an already-resolved destination as it comes out of
// configuration.
type EndpointDescriptor struct {
	Name     string
	Type     string
	Shape    ShapeKind
	Callback string
	Config   map[string]string
}

func (d EndpointDescriptor) Key() EndpointKey {
	return EndpointKey{Destination: d.Name, Shape: d.Shape, Callback: d.Callback}
}

type Message struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	Headers   map[string]string `json:"headers"`
	Body      []byte            `json:"body"`
	Timestamp time.Time         `json:"timestamp"`

	// ImpersonationToken, when set, is presented to the configured
	// Impersonator around every send of this message.
	ImpersonationToken string `json:"-"`
}

func NewMessage(action string, body []byte) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Action:    action,
		Headers:   make(map[string]string),
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
}

// Clone returns a buffered copy that can be sent without consuming the
// original. Headers and body are copied.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Headers = maps.Clone(m.Headers)
	if cp.Headers == nil {
		cp.Headers = make(map[string]string)
	}
	if m.Body != nil {
		cp.Body = append([]byte(nil), m.Body...)
	}
	return &cp
}

// HeadersOnly returns a copy carrying only the addressing part of the
// message. Filters that run in header-only mode see this view.
func (m *Message) HeadersOnly() *Message {
	cp := *m
	cp.Headers = maps.Clone(m.Headers)
	cp.Body = nil
	return &cp
}

func (m *Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}
