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

package session

import (
	"sync"
	"time"

	"github.com/hwclimate/climate-bridge/pkg/core"
)

type result struct {
	resp core.Response
	err  error
}

// pendingRequest is one request waiting for its correlated response. done is
// buffered so that completion never blocks the completer.
type pendingRequest struct {
	id        int64
	kind      core.MessageType
	createdAt time.Time
	done      chan result
}

// pendingTable maps correlation ids to waiters for a single connection. Every
// entry is removed exactly once: by a response, a timeout or cancellation, or
// by failAll when the connection goes away.
type pendingTable struct {
	mu     sync.Mutex
	items  map[int64]*pendingRequest
	closed error
}

func newPendingTable() *pendingTable {
	return &pendingTable{items: make(map[int64]*pendingRequest)}
}

func (t *pendingTable) add(id int64, kind core.MessageType) (*pendingRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return nil, t.closed
	}
	p := &pendingRequest{
		id:        id,
		kind:      kind,
		createdAt: time.Now(),
		done:      make(chan result, 1),
	}
	t.items[id] = p
	return p, nil
}

// complete resolves and removes the entry for id. It reports false when no
// entry exists, which happens for unknown ids and for entries already resolved.
func (t *pendingTable) complete(id int64, res result) bool {
	t.mu.Lock()
	p, ok := t.items[id]
	if ok {
		delete(t.items, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.done <- res
	return true
}

// failAll resolves every entry with err and rejects later additions.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	items := t.items
	t.items = make(map[int64]*pendingRequest)
	if t.closed == nil {
		t.closed = err
	}
	t.mu.Unlock()
	for _, p := range items {
		p.done <- result{err: err}
	}
	return len(items)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
