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

// Package httppost accepts inbound messages as HTTP POST requests.
package httppost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

const (
	ModeRequestReply = "request_reply"
	ModeDatagram     = "datagram"
	ModeSession      = "session"
)

type Entrypoint struct {
	name    string
	port    int
	mode    string
	server  *http.Server
	logger  *slog.Logger
	maxBody int64
}

func New(name string, port int, mode string, logger *slog.Logger) (*Entrypoint, error) {
	if mode == "" {
		mode = ModeRequestReply
	}
	switch mode {
	case ModeRequestReply, ModeDatagram, ModeSession:
	default:
		return nil, fmt.Errorf("http_post entrypoint %s: unknown mode %q", name, mode)
	}
	return &Entrypoint{
		name:    name,
		port:    port,
		mode:    mode,
		logger:  logger,
		maxBody: 1 << 20,
	}, nil
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "http_post" }

func (e *Entrypoint) Start(ctx context.Context, host core.Host) error {
	mux := http.NewServeMux()
	mux.Handle("/", e.Handler(host))

	e.server = &http.Server{Addr: fmt.Sprintf(":%d", e.port), Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.server.Shutdown(shutdownCtx)
	}()

	e.logger.Info("http_post entrypoint starting", "name", e.name, "port", e.port, "mode", e.mode)
	if err := e.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (e *Entrypoint) Stop(ctx context.Context) error {
	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

// Handler serves the entrypoint's routes against host. In session mode a
// DELETE ends the session named by the session header.
func (e *Entrypoint) Handler(host core.Host) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			e.handlePost(w, r, host)
		case r.Method == http.MethodDelete && e.mode == ModeSession:
			e.handleEndSession(w, r, host)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (e *Entrypoint) handlePost(w http.ResponseWriter, r *http.Request, host core.Host) {
	body, err := io.ReadAll(io.LimitReader(r.Body, e.maxBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	msg := core.MessageFromRequest(r, body)
	ctx := r.Context()

	switch e.mode {
	case ModeRequestReply:
		reply, err := host.ProcessRequest(ctx, msg)
		if err != nil {
			e.fail(w, msg, err)
			return
		}
		writeReply(w, reply)
	case ModeSession:
		handle := core.SessionHandle(r)
		if err := host.Deliver(ctx, handle, msg, nil, nil); err != nil {
			e.fail(w, msg, err)
			return
		}
		w.Header().Set(core.SessionIDHeader, handle)
		accepted(w)
	default:
		if err := host.ProcessDatagram(ctx, msg, nil, nil); err != nil {
			e.fail(w, msg, err)
			return
		}
		accepted(w)
	}
}

func (e *Entrypoint) handleEndSession(w http.ResponseWriter, r *http.Request, host core.Host) {
	handle := r.Header.Get(core.SessionIDHeader)
	if handle == "" {
		http.Error(w, "missing "+core.SessionIDHeader, http.StatusBadRequest)
		return
	}
	if err := host.EndOfSession(r.Context(), handle); err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		e.logger.Warn("http_post session ended with errors", "session", handle, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *Entrypoint) fail(w http.ResponseWriter, msg *core.Message, err error) {
	status := statusFor(err)
	e.logger.Warn("http_post routing failed", "message_id", msg.ID, "status", status, "error", err)
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNoMatch):
		return http.StatusNotFound
	case errors.Is(err, core.ErrMultipleMatches), errors.Is(err, core.ErrBackupInTransaction):
		return http.StatusConflict
	case core.Classify(err) == core.ClassTimeout:
		return http.StatusGatewayTimeout
	case errors.Is(err, core.ErrSessionCompleted):
		return http.StatusGone
	}
	return http.StatusBadGateway
}

func writeReply(w http.ResponseWriter, reply *core.Message) {
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	for k, v := range reply.Headers {
		if strings.EqualFold(k, "content-length") {
			continue
		}
		w.Header().Set(k, v)
	}
	w.Header().Set(core.ActionHeader, reply.Action)
	w.WriteHeader(http.StatusOK)
	w.Write(reply.Body)
}

func accepted(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"accepted"}`))
}
