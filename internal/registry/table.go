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

// Package registry is the in-memory accessory cache, keyed by accessory UUID.
package registry

import (
	"sort"
	"sync"

	"github.com/hwclimate/climate-bridge/internal/accessory"
	"github.com/hwclimate/climate-bridge/pkg/core"
)

type Accessory struct {
	UUID   string
	Device core.Device
	Heater *accessory.Heater

	// Stop ends the heater's subscription loop. Nil for entries without a
	// running heater.
	Stop func()
}

type Table struct {
	accessories sync.Map
}

var _ core.ControllerLookup = (*Table)(nil)

func NewTable() *Table {
	return &Table{}
}

func (t *Table) Add(a *Accessory) {
	t.accessories.Store(a.UUID, a)
}

func (t *Table) Remove(uuid string) {
	t.accessories.Delete(uuid)
}

func (t *Table) Lookup(uuid string) (*Accessory, bool) {
	v, ok := t.accessories.Load(uuid)
	if !ok {
		return nil, false
	}
	return v.(*Accessory), true
}

func (t *Table) ReplaceAll(accessories []*Accessory) {
	t.accessories.Range(func(key, _ any) bool {
		t.accessories.Delete(key)
		return true
	})
	for _, a := range accessories {
		t.accessories.Store(a.UUID, a)
	}
}

// All returns the cached accessories ordered by UUID.
func (t *Table) All() []*Accessory {
	var out []*Accessory
	t.accessories.Range(func(_, v any) bool {
		out = append(out, v.(*Accessory))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// Controller resolves a vendor device id to its heater, if one is registered.
func (t *Table) Controller(deviceID string) (core.Controller, bool) {
	a, ok := t.Lookup(core.AccessoryUUID(deviceID))
	if !ok || a.Heater == nil {
		return nil, false
	}
	return a.Heater, true
}
