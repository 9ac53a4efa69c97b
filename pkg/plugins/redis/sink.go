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

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hwclimate/climate-bridge/pkg/core"
)

const (
	defaultKeyPrefix = "climate:device:"
	updatedAtField   = "_updated_at"
)

// Sink keeps the last known value of every field in one hash per device.
// With a TTL, devices that stop reporting age out.
type Sink struct {
	name      string
	addr      string
	password  string
	db        int
	keyPrefix string
	ttl       time.Duration
	client    *redis.Client
	logger    *slog.Logger
}

func New(name, addr, password string, db int, keyPrefix string, ttl time.Duration, logger *slog.Logger) *Sink {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Sink{
		name:      name,
		addr:      addr,
		password:  password,
		db:        db,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger,
	}
}

func (s *Sink) Name() string { return s.name }
func (s *Sink) Type() string { return "redis" }

func (s *Sink) Connect(ctx context.Context) error {
	s.client = redis.NewClient(&redis.Options{
		Addr:     s.addr,
		Password: s.password,
		DB:       s.db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		_ = s.client.Close()
		s.client = nil
		return fmt.Errorf("redis connection failed: %w", err)
	}

	s.logger.Info("redis sink connected", "name", s.name, "addr", s.addr, "ttl", s.ttl)
	return nil
}

func (s *Sink) Disconnect(ctx context.Context) error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *Sink) Publish(ctx context.Context, change core.FieldChange) error {
	if s.client == nil {
		return nil
	}
	values, err := HashValues(change)
	if err != nil {
		return err
	}

	key := s.Key(change.Device)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, values)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store %s/%s: %w", change.Device, change.Field, err)
	}
	return nil
}

func (s *Sink) Key(device string) string {
	return s.keyPrefix + device
}

// HashValues returns the hash fields written for one change: the field's JSON
// value and the change timestamp.
func HashValues(change core.FieldChange) (map[string]any, error) {
	data, err := json.Marshal(change.Value)
	if err != nil {
		return nil, fmt.Errorf("redis encode %s/%s: %w", change.Device, change.Field, err)
	}
	return map[string]any{
		change.Field:   string(data),
		updatedAtField: change.At.UTC().Format(time.RFC3339Nano),
	}, nil
}
