// Copyright 2025 The Courier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"log"
	"sync"

	"github.com/courierlabs/courier/internal/tenant"
)

// Executor runs orchestration steps asynchronously with at most one
// in-flight drive loop per thread id.  A second enqueue for a thread
// already in flight is dropped: the running loop will observe any
// state the enqueuer just persisted, so steps never interleave.
type Executor struct {
	orc      *Orchestrator
	registry *tenant.Registry

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

func NewExecutor(orc *Orchestrator, registry *tenant.Registry) *Executor {
	return &Executor{
		orc:      orc,
		registry: registry,
		inflight: make(map[string]bool),
	}
}

// Enqueue schedules the drive loop for (uid, threadID).  It never
// blocks and never propagates step failures to the caller; it reports
// whether a new loop was started.
func (e *Executor) Enqueue(uid, threadID, traceID string) bool {
	key := uid + "/" + threadID

	e.mu.Lock()
	if e.inflight[key] {
		e.mu.Unlock()
		return false
	}
	e.inflight[key] = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.inflight, key)
			e.mu.Unlock()
		}()
		e.drive(uid, threadID, traceID)
	}()
	return true
}

// drive repeats RunStep until the thread stops continuing.  Failures
// are logged, not rethrown; the orchestrator has already recorded the
// failed-thread transition where one applies.
func (e *Executor) drive(uid, threadID, traceID string) {
	ctx := context.Background()
	repos, err := e.registry.Repos(ctx, uid)
	if err != nil {
		log.Printf("executor: tenant %s thread %s: %v", uid, threadID, err)
		return
	}
	for {
		res, err := e.orc.RunStep(ctx, repos, threadID, traceID)
		if err != nil {
			log.Printf("executor: tenant %s thread %s step failed: %v", uid, threadID, err)
			return
		}
		if !res.ShouldContinue {
			return
		}
	}
}

// Wait blocks until every in-flight drive loop finishes.
func (e *Executor) Wait() {
	e.wg.Wait()
}
