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

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hwclimate/climate-bridge/pkg/core"
)

const createTable = `
CREATE TABLE IF NOT EXISTS device_field_changes (
    id         BIGSERIAL PRIMARY KEY,
    device     TEXT        NOT NULL,
    field      TEXT        NOT NULL,
    value      JSONB       NOT NULL,
    source     TEXT        NOT NULL,
    changed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS device_field_changes_device_idx
    ON device_field_changes (device, field, changed_at DESC);`

const insertChange = `
INSERT INTO device_field_changes (device, field, value, source, changed_at)
VALUES ($1, $2, $3, $4, $5)`

// Sink appends every accepted field change to device_field_changes.
type Sink struct {
	name    string
	dsn     string
	migrate bool
	pool    *pgxpool.Pool
	logger  *slog.Logger
}

func New(name, dsn string, migrate bool, logger *slog.Logger) *Sink {
	return &Sink{
		name:    name,
		dsn:     dsn,
		migrate: migrate,
		logger:  logger,
	}
}

func (s *Sink) Name() string { return s.name }
func (s *Sink) Type() string { return "postgres" }

func (s *Sink) Connect(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("unable to ping database: %w", err)
	}
	if s.migrate {
		if _, err := pool.Exec(ctx, createTable); err != nil {
			pool.Close()
			return fmt.Errorf("create device_field_changes: %w", err)
		}
	}
	s.pool = pool
	s.logger.Info("postgres sink connected", "name", s.name, "migrate", s.migrate)
	return nil
}

func (s *Sink) Disconnect(ctx context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Sink) Publish(ctx context.Context, change core.FieldChange) error {
	if s.pool == nil {
		return nil
	}
	args, err := InsertArgs(change)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, insertChange, args...); err != nil {
		return fmt.Errorf("insert change %s/%s: %w", change.Device, change.Field, err)
	}
	return nil
}

// History returns the most recent changes of one device field, newest first.
func (s *Sink) History(ctx context.Context, device, field string, limit int) ([]core.FieldChange, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres sink %s is not connected", s.name)
	}
	rows, err := s.pool.Query(ctx, `
SELECT device, field, value, source, changed_at
FROM device_field_changes
WHERE device = $1 AND field = $2
ORDER BY changed_at DESC
LIMIT $3`, device, field, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.FieldChange, error) {
		var c core.FieldChange
		var raw []byte
		var source string
		if err := row.Scan(&c.Device, &c.Field, &raw, &source, &c.At); err != nil {
			return c, err
		}
		c.Source = core.ChangeSource(source)
		if err := json.Unmarshal(raw, &c.Value); err != nil {
			return c, err
		}
		return c, nil
	})
}

// InsertArgs returns the positional arguments of insertChange.
func InsertArgs(change core.FieldChange) ([]any, error) {
	value, err := json.Marshal(change.Value)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", change.Device, change.Field, err)
	}
	return []any{change.Device, change.Field, value, string(change.Source), change.At}, nil
}
