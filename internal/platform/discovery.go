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

// Package platform discovers the account's devices and keeps one heater
// accessory per supported device in the registry.
package platform

import (
	"context"
	"log/slog"
	"time"

	"github.com/hwclimate/climate-bridge/internal/accessory"
	"github.com/hwclimate/climate-bridge/internal/registry"
	"github.com/hwclimate/climate-bridge/pkg/core"
)

type DeviceLister interface {
	Devices(ctx context.Context) ([]core.Device, error)
}

// Result summarizes one discovery pass.
type Result struct {
	Added       int
	Restored    int
	Removed     int
	Unsupported int
}

type Platform struct {
	lister     DeviceLister
	table      *registry.Table
	sender     core.Sender
	view       core.StateView
	heaterOpts []accessory.Option
	logger     *slog.Logger
}

func New(lister DeviceLister, table *registry.Table, sender core.Sender, view core.StateView, logger *slog.Logger, opts ...accessory.Option) *Platform {
	return &Platform{
		lister:     lister,
		table:      table,
		sender:     sender,
		view:       view,
		heaterOpts: opts,
		logger:     logger,
	}
}

// Discover lists the account's devices, drops cached accessories that are no
// longer listed and restores or adds a heater accessory for every heater.
// Heaters started here run until ctx is done or their device disappears.
func (p *Platform) Discover(ctx context.Context) (Result, error) {
	var res Result

	devices, err := p.lister.Devices(ctx)
	if err != nil {
		return res, err
	}

	names := make([]string, 0, len(devices))
	listed := make(map[string]bool, len(devices))
	for _, d := range devices {
		names = append(names, d.Name)
		listed[core.AccessoryUUID(d.Identifier)] = true
	}
	p.logger.Debug("received a list of devices", "devices", names)

	for _, a := range p.table.All() {
		if listed[a.UUID] {
			continue
		}
		p.logger.Info("removing existing accessory from cache", "name", a.Device.Name, "uuid", a.UUID)
		if a.Stop != nil {
			a.Stop()
		}
		p.table.Remove(a.UUID)
		res.Removed++
	}

	for _, d := range devices {
		if d.Type != core.DeviceTypeHeater {
			p.logger.Warn("unsupported device type", "name", d.Name, "type", string(d.Type))
			res.Unsupported++
			continue
		}

		id := core.AccessoryUUID(d.Identifier)
		if existing, ok := p.table.Lookup(id); ok {
			p.logger.Info("restoring existing accessory from cache", "name", d.Name, "uuid", id)
			if existing.Heater == nil || existing.Device.Identifier != d.Identifier {
				if existing.Stop != nil {
					existing.Stop()
				}
				p.table.Add(p.start(ctx, id, d))
			} else {
				p.table.Add(&registry.Accessory{UUID: id, Device: d, Heater: existing.Heater, Stop: existing.Stop})
			}
			res.Restored++
			continue
		}

		p.logger.Info("adding new accessory", "name", d.Name, "uuid", id)
		p.table.Add(p.start(ctx, id, d))
		res.Added++
	}

	return res, nil
}

// Watch repeats discovery every interval until ctx is done.
func (p *Platform) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Discover(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("device discovery failed", "error", err)
			}
		}
	}
}

func (p *Platform) start(ctx context.Context, id string, d core.Device) *registry.Accessory {
	heaterCtx, cancel := context.WithCancel(ctx)
	h := accessory.NewHeater(d, p.sender, p.view, p.logger, p.heaterOpts...)
	h.Start(heaterCtx)
	return &registry.Accessory{UUID: id, Device: d, Heater: h, Stop: cancel}
}
