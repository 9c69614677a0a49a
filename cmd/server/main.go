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

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/internal/dispatch"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/internal/logging"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/internal/session"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/config"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/plugins"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/plugins/httppost"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/plugins/jms"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/plugins/kafka"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/plugins/mqtt5"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/plugins/nats"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/plugins/rabbitmq"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/plugins/redis"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/plugins/solace"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/plugins/webhook"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/plugins/ws"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(os.Getenv("LOG_LEVEL"))}))

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "/etc/routing/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	registry := plugins.NewRegistry(logger)
	registerChannelTypes(registry)
	if err := registerEntrypoints(cfg, registry, logger); err != nil {
		logger.Error("failed to register entrypoints", "error", err)
		os.Exit(1)
	}
	if err := registry.SetEndpoints(cfg.Endpoints); err != nil {
		logger.Error("failed to register endpoints", "error", err)
		os.Exit(1)
	}

	table, err := cfg.BuildTable()
	if err != nil {
		logger.Error("failed to build filter table", "error", err)
		os.Exit(1)
	}

	svc, err := dispatch.NewService(dispatch.Options{
		Logger:         logger,
		Factory:        registry,
		Table:          table,
		Timeout:        cfg.Router.Timeout,
		RequestTimeout: cfg.Router.RequestTimeout,
		PacketLog:      logging.NewPacketLogger(logger.With("component", "packet")),
	})
	if err != nil {
		logger.Error("failed to create routing service", "error", err)
		os.Exit(1)
	}
	mgr := session.NewManager(svc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Entrypoints are fixed for the life of the process; endpoints and
	// filters follow the file.
	watcher := config.NewWatcher(configPath, func(next *config.Config) error {
		nextTable, err := next.BuildTable()
		if err != nil {
			return err
		}
		if err := registry.SetEndpoints(next.Endpoints); err != nil {
			return err
		}
		svc.UpdateFilters(nextTable)
		return nil
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watcher.Watch(gctx)
		return nil
	})
	g.Go(func() error {
		return registry.StartEntrypoints(gctx, mgr)
	})

	logger.Info("routing engine started", "config", configPath,
		"entrypoints", len(cfg.Entrypoints), "endpoints", len(cfg.Endpoints), "filters", len(cfg.Filters))

	<-gctx.Done()
	logger.Info("shutting down routing engine")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry.StopAll(shutdownCtx)
	mgr.DestroyAll(shutdownCtx)
	if err := g.Wait(); err != nil {
		logger.Error("routing engine stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("routing engine stopped")
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func registerChannelTypes(reg *plugins.Registry) {
	reg.RegisterChannelType("kafka", kafka.NewChannel)
	reg.RegisterChannelType("rabbitmq", rabbitmq.NewChannel)
	reg.RegisterChannelType("jms", jms.NewChannel)
	reg.RegisterChannelType("mqtt5", mqtt5.NewChannel)
	reg.RegisterChannelType("solace", solace.NewChannel)
	reg.RegisterChannelType("nats", nats.NewChannel)
	reg.RegisterChannelType("redis", redis.NewChannel)
	reg.RegisterChannelType("http", webhook.NewChannel)
}

func registerEntrypoints(cfg *config.Config, reg *plugins.Registry, logger *slog.Logger) error {
	for _, e := range cfg.Entrypoints {
		var (
			ep  core.Entrypoint
			err error
		)
		switch e.Type {
		case "websocket":
			ep = ws.New(e.Name, e.Port, logger)
		case "http_post":
			ep, err = httppost.New(e.Name, e.Port, e.Mode, logger)
		case "rabbitmq":
			ep, err = rabbitmq.NewListener(e.Name, e.Config, e.Delivery(), logger)
		case "kafka":
			ep, err = kafka.NewEntrypoint(e.Name, e.Config, e.Delivery(), logger)
		default:
			logger.Warn("unknown entrypoint type", "name", e.Name, "type", e.Type)
			continue
		}
		if err != nil {
			return err
		}
		reg.RegisterEntrypoint(ep)
	}
	return nil
}
