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

// Package devicestate keeps the last known state of every device seen on the
// session feed and notifies subscribers of field changes.
package devicestate

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hwclimate/climate-bridge/pkg/core"
)

const (
	statePrefix             = "/state/"
	defaultSubscriberBuffer = 64
)

type deviceEntry struct {
	meta      core.DeviceMetadata
	fields    map[string]any
	updatedAt time.Time
}

// Synchronizer is the only writer of device state. Readers get copies.
type Synchronizer struct {
	mu      sync.RWMutex
	devices map[string]*deviceEntry

	subMu   sync.Mutex
	subs    map[int]chan core.FieldChange
	nextSub int

	now    func() time.Time
	logger *slog.Logger
}

func New(logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		devices: make(map[string]*deviceEntry),
		subs:    make(map[int]chan core.FieldChange),
		now:     time.Now,
		logger:  logger,
	}
}

// Run applies every message from feed until the feed closes or ctx is done.
func (s *Synchronizer) Run(ctx context.Context, feed <-chan core.Incoming) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-feed:
			if !ok {
				s.logger.Debug("session feed closed")
				return
			}
			s.Apply(msg)
		}
	}
}

// Apply folds one inbound message into the device table and returns the
// accepted field changes, which are also delivered to subscribers.
func (s *Synchronizer) Apply(msg core.Incoming) []core.FieldChange {
	var changes []core.FieldChange
	switch msg.Kind {
	case core.KindState:
		changes = s.applyState(msg.State)
	case core.KindPatch:
		changes = s.applyPatch(msg.Patch)
	default:
		return nil
	}

	for _, c := range changes {
		s.notify(c)
	}
	return changes
}

func (s *Synchronizer) applyState(push *core.StatePush) []core.FieldChange {
	if push == nil || push.Device == "" {
		return nil
	}
	now := s.now()

	fields := make(map[string]any, len(push.State))
	for k, v := range push.State {
		fields[k] = v
	}

	s.mu.Lock()
	s.devices[push.Device] = &deviceEntry{meta: push.DeviceMetadata, fields: fields, updatedAt: now}
	s.mu.Unlock()

	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	changes := make([]core.FieldChange, 0, len(names))
	for _, k := range names {
		changes = append(changes, core.FieldChange{
			Device: push.Device,
			Field:  k,
			Value:  fields[k],
			Source: core.ChangeSourceState,
			At:     now,
		})
	}
	s.logger.Debug("device state replaced", "device", push.Device, "fields", len(fields), "online", push.Online)
	return changes
}

func (s *Synchronizer) applyPatch(push *core.PatchPush) []core.FieldChange {
	if push == nil || push.Device == "" {
		return nil
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.devices[push.Device]
	if !ok {
		s.logger.Debug("patch before first state push dropped", "device", push.Device, "operations", len(push.Patch))
		return nil
	}

	var changes []core.FieldChange
	for _, op := range push.Patch {
		field, ok := stateField(op)
		if !ok {
			s.logger.Debug("patch operation ignored", "device", push.Device, "op", op.Op, "path", op.Path)
			continue
		}
		entry.fields[field] = op.Value
		changes = append(changes, core.FieldChange{
			Device: push.Device,
			Field:  field,
			Value:  op.Value,
			Source: core.ChangeSourcePatch,
			At:     now,
		})
	}
	if len(changes) > 0 {
		entry.updatedAt = now
	}
	return changes
}

// stateField returns the field addressed by a replace on /state/<field>.
// Nested pointers and other operations are not ours to interpret.
func stateField(op core.PatchOperation) (string, bool) {
	if op.Op != core.OpReplace || !strings.HasPrefix(op.Path, statePrefix) {
		return "", false
	}
	token := strings.TrimPrefix(op.Path, statePrefix)
	if token == "" || strings.Contains(token, "/") {
		return "", false
	}
	// RFC 6901: ~1 before ~0.
	token = strings.ReplaceAll(token, "~1", "/")
	token = strings.ReplaceAll(token, "~0", "~")
	return token, true
}

func (s *Synchronizer) Value(device, field string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.devices[device]
	if !ok {
		return nil, false
	}
	v, ok := entry.fields[field]
	return v, ok
}

func (s *Synchronizer) Snapshot(device string) (core.DeviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.devices[device]
	if !ok {
		return core.DeviceState{}, false
	}
	fields := make(map[string]any, len(entry.fields))
	for k, v := range entry.fields {
		fields[k] = v
	}
	return core.DeviceState{DeviceMetadata: entry.meta, Fields: fields, UpdatedAt: entry.updatedAt}, true
}

func (s *Synchronizer) Devices() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Subscribe registers a change listener. A listener that falls behind loses
// changes rather than stalling the feed.
func (s *Synchronizer) Subscribe(buffer int) (<-chan core.FieldChange, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan core.FieldChange, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Synchronizer) notify(c core.FieldChange) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- c:
		default:
			s.logger.Warn("field change dropped for slow subscriber", "subscriber", id, "device", c.Device, "field", c.Field)
		}
	}
}
