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

// Package ingest turns fetched mail into director conversation
// threads: it routes each envelope through the filter engine, creates
// one thread per distinct matched director, and hands the threads to
// the orchestration executor without blocking on them.
package ingest

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/courierlabs/courier/internal/filter"
	"github.com/courierlabs/courier/internal/message"
	"github.com/courierlabs/courier/internal/model"
	"github.com/courierlabs/courier/internal/store"
	"github.com/courierlabs/courier/internal/tenant"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Scheduler hands a freshly created thread to the asynchronous
// orchestration executor.
type Scheduler interface {
	Enqueue(uid, threadID, traceID string) bool
}

// Result reports the threads one envelope produced.
type Result struct {
	Created []string
}

// Processor is the email processor for all tenants.
type Processor struct {
	registry *tenant.Registry
	sched    Scheduler

	now   func() time.Time
	newID func() string
}

func New(registry *tenant.Registry, sched Scheduler) *Processor {
	return &Processor{
		registry: registry,
		sched:    sched,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

func (p *Processor) logEvent(ctx context.Context, repos *tenant.Repos, threadID, traceID, event, detail string) {
	rec := model.OrchestrationRecord{
		ID:       p.newID(),
		ThreadID: threadID,
		TraceID:  traceID,
		Event:    event,
		Detail:   detail,
		When:     p.now(),
	}
	if err := repos.AppendOrchestrationRecord(ctx, rec); err != nil {
		log.Printf("tenant %s: appending orchestration record: %v", repos.UID(), err)
	}
}

// renderEnvelope is the user-visible form of the email seeded into a
// new director thread.
func renderEnvelope(env message.Envelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", env.Subject)
	fmt.Fprintf(&b, "From: %s\n", env.From)
	if env.To != "" {
		fmt.Fprintf(&b, "To: %s\n", env.To)
	}
	if !env.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", env.Date.Format(time.RFC1123Z))
	}
	b.WriteString("\n")
	switch {
	case env.BodyPlain != "":
		b.WriteString(env.BodyPlain)
	case env.Snippet != "":
		b.WriteString(env.Snippet)
	default:
		b.WriteString(env.BodyHTML)
	}
	return b.String()
}

// ProcessEmail routes one envelope for one tenant.  Zero filter
// matches is a successful no-op.  A match whose director or API config
// cannot be resolved is skipped with a logged validation failure;
// processing continues for the other matches.  Orchestration is
// scheduled asynchronously and its failures never reach this caller.
func (p *Processor) ProcessEmail(ctx context.Context, uid string, env message.Envelope, traceID string) (Result, error) {
	repos, err := p.registry.Repos(ctx, uid)
	if err != nil {
		return Result{}, err
	}

	filters, err := repos.Filters(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "loading filters")
	}
	routes := filter.Match(env, filters)
	if len(routes) == 0 {
		return Result{}, nil
	}

	settings, err := repos.Settings(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "loading settings")
	}

	var created []string
	for _, route := range routes {
		director, err := repos.Director(ctx, route.DirectorID)
		if errors.Cause(err) == store.ErrNotFound {
			p.logEvent(ctx, repos, "", traceID, "director-missing", route.DirectorID)
			continue
		}
		if err != nil {
			return Result{Created: created}, errors.Wrapf(err, "loading director %s", route.DirectorID)
		}
		if director.APIConfigID == "" {
			p.logEvent(ctx, repos, "", traceID, "config-missing",
				fmt.Sprintf("director %s has no api config", director.ID))
			continue
		}
		if _, ok := settings.APIConfig(director.APIConfigID); !ok {
			p.logEvent(ctx, repos, "", traceID, "config-missing",
				fmt.Sprintf("director %s names unknown api config %s",
					director.ID, director.APIConfigID))
			continue
		}

		now := p.now()
		envCopy := env
		th := model.ConversationThread{
			ID:           p.newID(),
			Kind:         model.KindDirector,
			DirectorID:   director.ID,
			Status:       model.StatusOngoing,
			StartedAt:    now,
			LastActiveAt: now,
			Email:        &envCopy,
		}
		if prompt, err := repos.Prompt(ctx, director.PromptID); err == nil {
			th.Messages = append(th.Messages, model.ChatMessage{
				Role: model.RoleSystem, Content: prompt.Text})
		}
		th.Messages = append(th.Messages, model.ChatMessage{
			Role: model.RoleUser, Content: renderEnvelope(env)})

		if err := repos.PutThread(ctx, th); err != nil {
			return Result{Created: created}, errors.Wrapf(err, "persisting thread for director %s", director.ID)
		}
		p.logEvent(ctx, repos, th.ID, traceID, "thread-created",
			fmt.Sprintf("director=%s filter=%s message=%s", director.ID, route.FilterID, env.ID))

		created = append(created, th.ID)
		p.sched.Enqueue(uid, th.ID, traceID)
	}
	return Result{Created: created}, nil
}
