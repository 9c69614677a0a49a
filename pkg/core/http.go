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
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SessionIDHeader = "X-WSO2-Session-ID"
	ActionHeader    = "X-WSO2-Action"
	ClientIDHeader  = "X-WSO2-Client-ID"

	// ClientIDKey is the message header carrying the resolved client id.
	ClientIDKey = "x-client-id"
	// ActionKey carries Message.Action on transports without a native
	// action field.
	ActionKey = "x-action"
)

// SessionHandle returns the routing session handle for an inbound
// connection. Callers may pin it with the session header; otherwise every
// connection gets a fresh handle.
func SessionHandle(r *http.Request) string {
	if h := r.Header.Get(SessionIDHeader); h != "" {
		return h
	}
	return uuid.New().String()
}

func ClientID(r *http.Request) string {
	if clientID := r.Header.Get(ClientIDHeader); clientID != "" {
		return clientID
	}

	remoteAddr := r.RemoteAddr
	if remoteAddr == "" {
		return uuid.New().String()
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	if strings.Contains(host, ":") {
		if ip := net.ParseIP(host); ip != nil {
			host = ip.String()
		}
	}

	hash := sha256.Sum256([]byte(host))
	return hex.EncodeToString(hash[:])[:12]
}

// MessageFromRequest builds a routable message out of an HTTP request and
// its already-read body. Single-valued headers are copied with canonical
// lower-case names.
func MessageFromRequest(r *http.Request, body []byte) *Message {
	msg := &Message{
		ID:        uuid.New().String(),
		Action:    r.Header.Get(ActionHeader),
		Headers:   make(map[string]string, len(r.Header)+1),
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
	for name, values := range r.Header {
		if len(values) > 0 {
			msg.Headers[strings.ToLower(name)] = values[0]
		}
	}
	msg.Headers[ClientIDKey] = ClientID(r)
	if msg.Action == "" {
		msg.Action = r.URL.Path
	}
	return msg
}
