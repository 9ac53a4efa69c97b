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

package plugins

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hwclimate/climate-bridge/pkg/core"
)

const sinkBuffer = 256

type Registry struct {
	entrypoints map[string]core.Entrypoint
	sinks       map[string]core.Sink
	healthy     map[string]bool
	logger      *slog.Logger
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		entrypoints: make(map[string]core.Entrypoint),
		sinks:       make(map[string]core.Sink),
		healthy:     make(map[string]bool),
		logger:      logger,
	}
}

func (r *Registry) RegisterEntrypoint(e core.Entrypoint) {
	r.mu.Lock()
	r.entrypoints[e.Name()] = e
	r.mu.Unlock()
	r.logger.Info("registered entrypoint", "name", e.Name(), "type", e.Type())
}

func (r *Registry) RegisterSink(s core.Sink) {
	r.mu.Lock()
	r.sinks[s.Name()] = s
	r.mu.Unlock()
	r.logger.Info("registered sink", "name", s.Name(), "type", s.Type())
}

func (r *Registry) Entrypoints() map[string]core.Entrypoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]core.Entrypoint, len(r.entrypoints))
	for k, v := range r.entrypoints {
		cp[k] = v
	}
	return cp
}

func (r *Registry) Sinks() map[string]core.Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]core.Sink, len(r.sinks))
	for k, v := range r.sinks {
		cp[k] = v
	}
	return cp
}

func (r *Registry) Sink(name string) (core.Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[name]
	if !ok {
		return nil, core.ErrSinkNotFound
	}
	return s, nil
}

// ConnectSinks connects every sink and returns how many succeeded. A sink
// that fails to connect is skipped by Forward.
func (r *Registry) ConnectSinks(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	connected := 0
	for name, s := range r.sinks {
		if err := s.Connect(ctx); err != nil {
			r.logger.Error("sink connect failed", "name", name, "error", err)
			r.healthy[name] = false
		} else {
			r.healthy[name] = true
			connected++
		}
	}
	return connected
}

func (r *Registry) IsSinkHealthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy[name]
}

// Forward republishes every change from view to the healthy sinks until ctx
// is done. Each sink has its own queue, so a slow sink only delays itself.
func (r *Registry) Forward(ctx context.Context, view core.StateView) {
	changes, cancel := view.Subscribe(sinkBuffer)

	queues := make(map[string]chan core.FieldChange)
	for name, s := range r.Sinks() {
		if !r.IsSinkHealthy(name) {
			continue
		}
		q := make(chan core.FieldChange, sinkBuffer)
		queues[name] = q
		r.wg.Add(1)
		go r.drain(ctx, s, q)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			cancel()
			for _, q := range queues {
				close(q)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-changes:
				if !ok {
					return
				}
				for name, q := range queues {
					select {
					case q <- c:
					default:
						r.logger.Warn("sink queue full, change dropped", "sink", name, "device", c.Device, "field", c.Field)
					}
				}
			}
		}
	}()
}

func (r *Registry) drain(ctx context.Context, s core.Sink, q <-chan core.FieldChange) {
	defer r.wg.Done()
	for c := range q {
		if err := s.Publish(ctx, c); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("sink publish failed", "sink", s.Name(), "device", c.Device, "field", c.Field, "error", err)
		}
	}
}

func (r *Registry) StartEntrypoints(ctx context.Context, view core.StateView) {
	for name, ep := range r.Entrypoints() {
		go func(n string, e core.Entrypoint) {
			if err := e.Start(ctx, view); err != nil {
				r.logger.Error("entrypoint failed", "name", n, "error", err)
			}
		}(name, ep)
	}
}

// StopAll stops entrypoints, waits for the forwarders to finish and then
// disconnects the sinks.
func (r *Registry) StopAll(ctx context.Context) {
	for name, ep := range r.Entrypoints() {
		r.logger.Info("stopping entrypoint", "name", name)
		if err := ep.Stop(ctx); err != nil {
			r.logger.Warn("entrypoint stop failed", "name", name, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("sink forwarders did not finish before shutdown deadline")
	}

	for name, s := range r.Sinks() {
		r.logger.Info("stopping sink", "name", name)
		if err := s.Disconnect(ctx); err != nil {
			r.logger.Warn("sink disconnect failed", "name", name, "error", err)
		}
	}
}
