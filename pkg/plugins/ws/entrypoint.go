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

// Package ws accepts WebSocket connections. Each connection is one routing
// session: every frame is delivered to it and closing the connection ends
// it.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

const endSessionTimeout = 30 * time.Second

type Entrypoint struct {
	name     string
	port     int
	upgrader websocket.Upgrader
	server   *http.Server
	logger   *slog.Logger
	conns    sync.Map
}

func New(name string, port int, logger *slog.Logger) *Entrypoint {
	return &Entrypoint{
		name: name,
		port: port,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "websocket" }

func (e *Entrypoint) Start(ctx context.Context, host core.Host) error {
	mux := http.NewServeMux()
	mux.Handle("/", e.Handler(host))

	e.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", e.port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Stop(shutdownCtx)
	}()

	e.logger.Info("websocket entrypoint starting", "name", e.name, "port", e.port)
	if err := e.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop closes every open connection, which ends their sessions, and shuts
// the server down.
func (e *Entrypoint) Stop(ctx context.Context) error {
	e.conns.Range(func(_, val any) bool {
		val.(*websocket.Conn).Close()
		return true
	})
	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

func (e *Entrypoint) Handler(host core.Host) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.handleConnection(w, r, host)
	})
}

func (e *Entrypoint) handleConnection(w http.ResponseWriter, r *http.Request, host core.Host) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Error("ws upgrade failed", "error", err)
		return
	}

	handle := core.SessionHandle(r)
	clientID := core.ClientID(r)
	e.conns.Store(handle, conn)
	logger := e.logger.With("session", handle, "client_id", clientID)
	logger.Info("ws client connected")

	delivered := false
	defer func() {
		conn.Close()
		e.conns.Delete(handle)
		if delivered {
			e.endSession(host, handle, logger)
		}
		logger.Info("ws client disconnected")
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Error("ws read error", "error", err)
			}
			return
		}

		msg := core.MessageFromRequest(r, payload)
		delivered = true
		if err := host.Deliver(r.Context(), handle, msg, nil, nil); err != nil {
			logger.Warn("ws delivery failed", "message_id", msg.ID, "error", err)
			if werr := writeError(conn, msg.ID, err); werr != nil {
				return
			}
		}
	}
}

// endSession runs after the connection is gone, so it cannot use the
// request context.
func (e *Entrypoint) endSession(host core.Host, handle string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), endSessionTimeout)
	defer cancel()
	if err := host.EndOfSession(ctx, handle); err != nil {
		logger.Warn("ws session ended with errors", "error", err)
	}
}

type errorFrame struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
	Class     string `json:"class"`
}

func writeError(conn *websocket.Conn, messageID string, err error) error {
	data, _ := json.Marshal(errorFrame{
		MessageID: messageID,
		Error:     err.Error(),
		Class:     core.Classify(err).String(),
	})
	return conn.WriteMessage(websocket.TextMessage, data)
}
