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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hwclimate/climate-bridge/internal/accessory"
	"github.com/hwclimate/climate-bridge/internal/devicestate"
	"github.com/hwclimate/climate-bridge/internal/homewizard"
	"github.com/hwclimate/climate-bridge/internal/logging"
	"github.com/hwclimate/climate-bridge/internal/platform"
	"github.com/hwclimate/climate-bridge/internal/registry"
	"github.com/hwclimate/climate-bridge/internal/session"
	wstransport "github.com/hwclimate/climate-bridge/internal/transport/ws"
	"github.com/hwclimate/climate-bridge/pkg/config"
	"github.com/hwclimate/climate-bridge/pkg/core"
	"github.com/hwclimate/climate-bridge/pkg/plugins"
	"github.com/hwclimate/climate-bridge/pkg/plugins/httpget"
	"github.com/hwclimate/climate-bridge/pkg/plugins/httppost"
	"github.com/hwclimate/climate-bridge/pkg/plugins/jms"
	"github.com/hwclimate/climate-bridge/pkg/plugins/kafka"
	"github.com/hwclimate/climate-bridge/pkg/plugins/mqtt5"
	"github.com/hwclimate/climate-bridge/pkg/plugins/postgres"
	"github.com/hwclimate/climate-bridge/pkg/plugins/rabbitmq"
	"github.com/hwclimate/climate-bridge/pkg/plugins/redis"
	"github.com/hwclimate/climate-bridge/pkg/plugins/sse"
	"github.com/hwclimate/climate-bridge/pkg/plugins/ws"
)

func main() {
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := config.LoadDotEnv(".env"); err != nil {
		bootLogger.Error("failed to load .env", "error", err)
		os.Exit(1)
	}

	configPath := os.Getenv(config.EnvConfigPath)
	if configPath == "" {
		configPath = "/etc/climate-bridge/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Error("invalid config", "path", configPath, "error", err)
		os.Exit(1)
	}

	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.Logging.Level))
	logger := logging.New(os.Stdout, cfg.Logging.Format, level)
	frames := logging.NewFrameLogger(logger.With("component", "frames"), cfg.Logging.Frames)

	account, err := homewizard.NewClient(cfg.Account.Email, cfg.Account.Password,
		logger.With("component", "account"),
		homewizard.WithURLs(cfg.Backend.AuthURL, cfg.Backend.DevicesURL))
	if err != nil {
		logger.Error("failed to create account client", "error", err)
		os.Exit(1)
	}

	engine := session.NewEngine(
		cfg.Backend.WebsocketURL,
		wstransport.NewDialer(logger.With("component", "transport")),
		account,
		logger.With("component", "session"),
		session.WithFrameLogger(frames),
		session.WithClientInfo(session.ClientInfo{
			Version:       cfg.Backend.ClientVersion,
			OS:            cfg.Backend.ClientOS,
			Source:        cfg.Backend.ClientSource,
			Compatibility: cfg.Backend.Compatibility,
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state := devicestate.New(logger.With("component", "devicestate"))
	feed, unsubscribe := engine.SubscribeUnbounded()
	defer unsubscribe()
	go state.Run(ctx, feed)

	table := registry.NewTable()
	discovery := platform.New(account, table, engine, state, logger.With("component", "platform"),
		accessory.WithResubscribeInterval(cfg.Discovery.ResubscribeInterval))

	reg := plugins.NewRegistry(logger)
	history := registerSinks(cfg, reg, logger)
	registerEntrypoints(cfg, reg, table, history, logger)

	connected := reg.ConnectSinks(ctx)
	logger.Info("sinks connected", "healthy", connected, "configured", len(cfg.Sinks))
	reg.Forward(ctx, state)

	if res, err := discovery.Discover(ctx); err != nil {
		logger.Error("initial device discovery failed", "error", err)
	} else {
		logger.Info("device discovery finished",
			"added", res.Added, "restored", res.Restored, "removed", res.Removed, "unsupported", res.Unsupported)
	}
	go discovery.Watch(ctx, cfg.Discovery.Interval)

	watcher := config.NewWatcher(configPath, level, frames, logger)
	go watcher.Watch(ctx)

	reg.StartEntrypoints(ctx, state)

	logger.Info("climate bridge started", "config", configPath, "accessories", len(table.All()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down climate bridge")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	reg.StopAll(shutdownCtx)
	if err := engine.Close(); err != nil {
		logger.Warn("session close failed", "error", err)
	}

	logger.Info("climate bridge stopped")
}

func registerEntrypoints(cfg *config.Config, reg *plugins.Registry, table *registry.Table, history core.HistoryReader, logger *slog.Logger) {
	for _, e := range cfg.Entrypoints {
		switch e.Type {
		case "websocket":
			reg.RegisterEntrypoint(ws.New(e.Name, e.Port, table, logger))
		case "sse":
			reg.RegisterEntrypoint(sse.New(e.Name, e.Port, logger))
		case "http_post":
			reg.RegisterEntrypoint(httppost.New(e.Name, e.Port, table, logger))
		case "http_get":
			var opts []httpget.Option
			if history != nil {
				opts = append(opts, httpget.WithHistory(history))
			}
			reg.RegisterEntrypoint(httpget.New(e.Name, e.Port, logger, opts...))
		default:
			logger.Warn("unknown entrypoint type", "name", e.Name, "type", e.Type)
		}
	}
}

// registerSinks returns the first postgres sink, which also serves field
// history to the http_get entrypoint.
func registerSinks(cfg *config.Config, reg *plugins.Registry, logger *slog.Logger) core.HistoryReader {
	var history core.HistoryReader
	for _, s := range cfg.Sinks {
		switch s.Type {
		case "mqtt5":
			reg.RegisterSink(mqtt5.New(s.Name, s.Config["broker_url"], s.Config["topic_prefix"], logger))
		case "kafka":
			brokers := strings.Split(s.Config["brokers"], ",")
			reg.RegisterSink(kafka.New(s.Name, brokers, s.Config["topic"], logger))
		case "rabbitmq":
			reg.RegisterSink(rabbitmq.New(s.Name, s.Config["url"], s.Config["queue"], logger))
		case "jms":
			reg.RegisterSink(jms.New(s.Name, s.Config["url"], s.Config["address"], logger))
		case "redis":
			db := intOption(s, "db", logger)
			ttl := durationOption(s, "ttl", logger)
			reg.RegisterSink(redis.New(s.Name, s.Config["addr"], s.Config["password"], db, s.Config["key_prefix"], ttl, logger))
		case "postgres":
			migrate := boolOption(s, "migrate", logger)
			sink := postgres.New(s.Name, s.Config["dsn"], migrate, logger)
			reg.RegisterSink(sink)
			if history == nil {
				history = sink
			}
		default:
			logger.Warn("unknown sink type", "name", s.Name, "type", s.Type)
		}
	}
	return history
}

// intOption reads an integer sink setting. A missing or malformed value
// yields 0; malformed values are logged.
func intOption(s config.SinkConfig, key string, logger *slog.Logger) int {
	raw, ok := s.Config[key]
	if !ok || raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid sink setting, using 0", "name", s.Name, "key", key, "value", raw)
		return 0
	}
	return v
}

func boolOption(s config.SinkConfig, key string, logger *slog.Logger) bool {
	raw, ok := s.Config[key]
	if !ok || raw == "" {
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Warn("invalid sink setting, using false", "name", s.Name, "key", key, "value", raw)
		return false
	}
	return v
}

func durationOption(s config.SinkConfig, key string, logger *slog.Logger) time.Duration {
	raw, ok := s.Config[key]
	if !ok || raw == "" {
		return 0
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("invalid sink setting, using 0", "name", s.Name, "key", key, "value", raw)
		return 0
	}
	return v
}
