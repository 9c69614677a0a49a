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

package httppost

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

type recordingHost struct {
	requests  []*core.Message
	datagrams []*core.Message
	delivered map[string][]*core.Message
	ended     []string
	reply     *core.Message
	err       error
}

func (h *recordingHost) Deliver(_ context.Context, handle string, msg *core.Message, _ core.AckHandle, _ core.Transaction) error {
	if h.delivered == nil {
		h.delivered = make(map[string][]*core.Message)
	}
	h.delivered[handle] = append(h.delivered[handle], msg)
	return h.err
}

func (h *recordingHost) EndOfSession(_ context.Context, handle string) error {
	if _, ok := h.delivered[handle]; !ok {
		return core.ErrSessionNotFound
	}
	h.ended = append(h.ended, handle)
	return nil
}

func (h *recordingHost) ProcessDatagram(_ context.Context, msg *core.Message, _ core.AckHandle, _ core.Transaction) error {
	h.datagrams = append(h.datagrams, msg)
	return h.err
}

func (h *recordingHost) ProcessRequest(_ context.Context, msg *core.Message) (*core.Message, error) {
	h.requests = append(h.requests, msg)
	return h.reply, h.err
}

func newEntrypoint(t *testing.T, mode string) *Entrypoint {
	t.Helper()
	e, err := New("http-in", 0, mode, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return e
}

func post(h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequestReplyMode(t *testing.T) {
	reply := core.NewMessage("orders.created", []byte(`{"id":1}`))
	reply.Headers["content-type"] = "application/json"
	host := &recordingHost{reply: reply}

	rec := post(newEntrypoint(t, "").Handler(host), "order", map[string]string{core.ActionHeader: "orders.create"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"id":1}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Len(t, host.requests, 1)
	assert.Equal(t, "orders.create", host.requests[0].Action)
	assert.Equal(t, []byte("order"), host.requests[0].Body)
}

func TestDatagramMode(t *testing.T) {
	host := &recordingHost{}
	rec := post(newEntrypoint(t, ModeDatagram).Handler(host), "event", nil)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, host.datagrams, 1)
	assert.Equal(t, "/orders", host.datagrams[0].Action)
}

func TestSessionMode(t *testing.T) {
	host := &recordingHost{}
	h := newEntrypoint(t, ModeSession).Handler(host)

	for range 2 {
		rec := post(h, "m", map[string]string{core.SessionIDHeader: "s-1"})
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "s-1", rec.Header().Get(core.SessionIDHeader))
	}
	assert.Len(t, host.delivered["s-1"], 2)

	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	req.Header.Set(core.SessionIDHeader, "s-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"s-1"}, host.ended)

	req = httptest.NewRequest(http.MethodDelete, "/", nil)
	req.Header.Set(core.SessionIDHeader, "unknown")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutingErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrNoMatch, http.StatusNotFound},
		{core.ErrMultipleMatches, http.StatusConflict},
		{core.Timeout("send", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{core.Communication("send", io.EOF), http.StatusBadGateway},
	}
	for _, tt := range tests {
		host := &recordingHost{err: tt.err}
		rec := post(newEntrypoint(t, ModeRequestReply).Handler(host), "x", nil)
		assert.Equal(t, tt.want, rec.Code, "%v", tt.err)
	}
}

func TestMethodAndMode(t *testing.T) {
	_, err := New("bad", 0, "stream", slog.Default())
	assert.Error(t, err)

	rec := httptest.NewRecorder()
	newEntrypoint(t, ModeDatagram).Handler(&recordingHost{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
