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

package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

type stubChannel struct {
	sendErr error
	sends   int
	faultFn func(error)
}

func (s *stubChannel) Open(context.Context) error { return nil }

func (s *stubChannel) Send(context.Context, *core.Message, core.Transaction) (*core.Message, error) {
	s.sends++
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return core.NewMessage("reply", nil), nil
}

func (s *stubChannel) Close(context.Context) error { return nil }
func (s *stubChannel) Abort()                      {}

type notifyingStub struct {
	stubChannel
}

func (s *notifyingStub) NotifyFault(fn func(error)) { s.faultFn = fn }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBreakerTripsOnRecoverableFailures(t *testing.T) {
	inner := &stubChannel{sendErr: core.Communication("send", io.ErrUnexpectedEOF)}
	cb := New("orders", Settings{MaxFailures: 2, OpenTimeout: time.Minute}, testLogger())
	ch := Wrap(inner, cb)
	ctx := context.Background()

	for range 2 {
		_, err := ch.Send(ctx, core.NewMessage("a", nil), nil)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := ch.Send(ctx, core.NewMessage("a", nil), nil)
	require.Error(t, err)
	assert.Equal(t, 2, inner.sends, "open breaker must not reach the transport")
	assert.Equal(t, core.ClassCommunication, core.Classify(err))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestBreakerIgnoresFatalErrors(t *testing.T) {
	inner := &stubChannel{sendErr: errors.New("bad payload")}
	cb := New("orders", Settings{MaxFailures: 1}, testLogger())
	ch := Wrap(inner, cb)

	for range 3 {
		_, err := ch.Send(context.Background(), core.NewMessage("a", nil), nil)
		require.Error(t, err)
		assert.Equal(t, core.ClassFatal, core.Classify(err))
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	assert.Equal(t, 3, inner.sends)
}

func TestBreakerPassesReply(t *testing.T) {
	ch := Wrap(&stubChannel{}, New("orders", Settings{}, testLogger()))
	reply, err := ch.Send(context.Background(), core.NewMessage("a", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, "reply", reply.Action)
}

func TestWrapKeepsFaultNotification(t *testing.T) {
	inner := &notifyingStub{}
	ch := Wrap(inner, New("orders", Settings{}, testLogger()))

	fn, ok := ch.(core.FaultNotifier)
	require.True(t, ok)

	var got error
	fn.NotifyFault(func(err error) { got = err })
	inner.faultFn(io.EOF)
	assert.ErrorIs(t, got, io.EOF)

	_, ok = Wrap(&stubChannel{}, New("plain", Settings{}, testLogger())).(core.FaultNotifier)
	assert.False(t, ok)
}
