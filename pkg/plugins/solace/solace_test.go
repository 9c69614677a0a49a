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

package solace

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

func TestNewChannel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewChannel(core.EndpointDescriptor{Name: "s", Config: map[string]string{"host": "tcp://x:55555"}}, logger)
	assert.Error(t, err)

	ch, err := NewChannel(core.EndpointDescriptor{Name: "s", Config: map[string]string{
		"host": "tcp://x:55555", "topic": "orders/new",
	}}, logger)
	require.NoError(t, err)
	assert.Equal(t, "default", ch.(*Channel).vpn)

	_, err = ch.Send(context.Background(), core.NewMessage("a", nil), nil)
	assert.Equal(t, core.ClassChannelFaulted, core.Classify(err))
	assert.NoError(t, ch.Close(context.Background()))
	ch.Abort()
}

func TestClassifyDefaultsToCommunication(t *testing.T) {
	assert.Equal(t, core.ClassCommunication, core.Classify(classify("op", errors.New("down"))))
}
