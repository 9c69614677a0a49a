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

package dispatch

import (
	"context"
	"sync"
)

// waiter is one caller parked behind an in-flight open.
type waiter struct {
	position int
	released int
	done     chan error
}

// waitQueue releases parked callers in the order they arrived.
type waitQueue struct {
	mu       sync.Mutex
	waiters  []*waiter
	enqueued int
	released int
}

func (q *waitQueue) enqueue() *waiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	w := &waiter{position: q.enqueued, done: make(chan error, 1)}
	q.enqueued++
	q.waiters = append(q.waiters, w)
	return w
}

// releaseAll hands err to every parked waiter, oldest first.
func (q *waitQueue) releaseAll(err error) []*waiter {
	q.mu.Lock()
	ws := q.waiters
	q.waiters = nil
	for _, w := range ws {
		w.released = q.released
		q.released++
	}
	q.mu.Unlock()

	for _, w := range ws {
		w.done <- err
	}
	return ws
}

func (q *waitQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

func (w *waiter) wait(ctx context.Context) error {
	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
