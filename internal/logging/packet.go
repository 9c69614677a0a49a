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

package logging

import (
	"log/slog"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

type PacketLogger struct {
	logger *slog.Logger
}

func NewPacketLogger(logger *slog.Logger) *PacketLogger {
	return &PacketLogger{logger: logger}
}

// Send records one outbound send attempt. Successful attempts are logged at
// debug, failed ones at warn with their failover class.
func (p *PacketLogger) Send(sessionID string, msg *core.Message, key core.EndpointKey, attempt int, latency time.Duration, err error) {
	attrs := []any{
		"session_id", sessionID,
		"message_id", msg.ID,
		"action", msg.Action,
		"client_id", msg.Header(core.ClientIDKey),
		"endpoint", key.Destination,
		"shape", key.Shape.String(),
		"attempt", attempt,
		"payload_size", len(msg.Body),
		"latency", latency,
	}
	if err != nil {
		p.logger.Warn("packet", append(attrs, "class", core.Classify(err).String(), "error", err)...)
		return
	}
	p.logger.Debug("packet", attrs...)
}

// Reply records a reply returned to a request/reply caller.
func (p *PacketLogger) Reply(request, reply *core.Message, key core.EndpointKey) {
	size := 0
	if reply != nil {
		size = len(reply.Body)
	}
	p.logger.Debug("packet",
		"message_id", request.ID,
		"endpoint", key.Destination,
		"direction", "reply",
		"payload_size", size,
	)
}
