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

	"github.com/hwclimate/climate-bridge/pkg/core"
)

// subscriber is one registered feed. A bounded subscriber drops what does not
// fit its buffer. A queued subscriber never drops: messages wait in an
// unbounded FIFO that a pump goroutine drains, so dispatch never blocks on it.
type subscriber struct {
	out     chan core.Incoming
	bounded bool

	mu    sync.Mutex
	queue []core.Incoming
	wake  chan struct{}
	stop  chan struct{}
	once  sync.Once
}

func newBoundedSubscriber(buffer int) *subscriber {
	return &subscriber{out: make(chan core.Incoming, buffer), bounded: true}
}

func newQueuedSubscriber() *subscriber {
	s := &subscriber{
		out:  make(chan core.Incoming),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go s.pump()
	return s
}

// deliver hands msg to the subscriber and reports false if it was dropped.
func (s *subscriber) deliver(msg core.Incoming) bool {
	if s.bounded {
		select {
		case s.out <- msg:
			return true
		default:
			return false
		}
	}

	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		for _, msg := range batch {
			select {
			case s.out <- msg:
			case <-s.stop:
				return
			}
		}
	}
}

// close ends the feed. Queued messages not yet taken are discarded.
func (s *subscriber) close() {
	s.once.Do(func() {
		if s.bounded {
			close(s.out)
			return
		}
		close(s.stop)
	})
}
