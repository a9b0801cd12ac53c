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

// Package orchestrator advances director and agent conversation
// threads.  Each step sends the thread's accumulated messages to the
// language-model capability, appends the reply, and decides whether
// the thread is terminal.  Model failures become failed-thread
// transitions, never crashes of the tenant's processing loop.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/courierlabs/courier/internal/model"
	"github.com/courierlabs/courier/internal/tenant"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Completer is the language-model capability.
type Completer interface {
	Complete(ctx context.Context, cfg model.APIConfig, msgs []model.ChatMessage) (string, error)
}

// Directives a model reply may carry, checked per line.
//
// A line starting with CompleteMarker ends the thread successfully; a
// line starting with AbortMarker fails it.  A delegate directive on a
// director thread runs the named agent to completion before the
// director's next turn.
const (
	CompleteMarker = "COMPLETE:"
	AbortMarker    = "ABORT:"

	// DefaultMaxTurns bounds assistant turns per thread when the
	// tenant settings do not override it.
	DefaultMaxTurns = 16
)

var delegateDirective = regexp.MustCompile(`(?m)^DELEGATE\s+([A-Za-z0-9_-]+):\s*(.+)$`)

// StepResult is the outcome of one orchestration step.
type StepResult struct {
	Success        bool
	ShouldContinue bool
	Thread         model.ConversationThread
}

// Orchestrator drives thread state machines.  It never retries a
// failed step; retry policy belongs to the caller.
type Orchestrator struct {
	completer Completer
	maxTurns  int

	now   func() time.Time
	newID func() string
}

func New(completer Completer, maxTurns int) *Orchestrator {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Orchestrator{
		completer: completer,
		maxTurns:  maxTurns,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

func hasDirective(reply, prefix string) bool {
	for _, line := range strings.Split(reply, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), prefix) {
			return true
		}
	}
	return false
}

func assistantTurns(msgs []model.ChatMessage) int {
	n := 0
	for _, m := range msgs {
		if m.Role == model.RoleAssistant {
			n++
		}
	}
	return n
}

func (o *Orchestrator) logEvent(ctx context.Context, repos *tenant.Repos, threadID, traceID, event, detail string) {
	rec := model.OrchestrationRecord{
		ID:       o.newID(),
		ThreadID: threadID,
		TraceID:  traceID,
		Event:    event,
		Detail:   detail,
		When:     o.now(),
	}
	if err := repos.AppendOrchestrationRecord(ctx, rec); err != nil {
		log.Printf("tenant %s: appending orchestration record: %v", repos.UID(), err)
	}
}

// roleConfig resolves the thread's prompt owner (director or agent)
// to its API config.  ok is false when the config cannot be resolved.
func (o *Orchestrator) roleConfig(ctx context.Context, repos *tenant.Repos, th model.ConversationThread) (model.APIConfig, bool, error) {
	settings, err := repos.Settings(ctx)
	if err != nil {
		return model.APIConfig{}, false, err
	}
	var cfgID string
	switch th.Kind {
	case model.KindAgent:
		a, err := repos.Agent(ctx, th.AgentID)
		if err != nil {
			return model.APIConfig{}, false, nil
		}
		cfgID = a.APIConfigID
	default:
		d, err := repos.Director(ctx, th.DirectorID)
		if err != nil {
			return model.APIConfig{}, false, nil
		}
		cfgID = d.APIConfigID
	}
	if cfgID == "" {
		return model.APIConfig{}, false, nil
	}
	cfg, ok := settings.APIConfig(cfgID)
	return cfg, ok, nil
}

func (o *Orchestrator) tenantMaxTurns(ctx context.Context, repos *tenant.Repos) int {
	settings, err := repos.Settings(ctx)
	if err == nil && settings.MaxTurns > 0 {
		return settings.MaxTurns
	}
	return o.maxTurns
}

// RunStep advances the thread by one director/agent turn.
//
// A completed, failed or finalized thread is left untouched and the
// step reports success with no continuation; callers may re-enter
// freely.  An unresolvable API config reports a non-fatal failure with
// the thread unchanged.  A model error fails the thread.  The updated
// thread is persisted before return.
func (o *Orchestrator) RunStep(ctx context.Context, repos *tenant.Repos, threadID, traceID string) (StepResult, error) {
	th, err := repos.Thread(ctx, threadID)
	if err != nil {
		return StepResult{}, errors.Wrapf(err, "loading thread %s", threadID)
	}
	if th.Terminal() {
		return StepResult{Success: true, ShouldContinue: false, Thread: th}, nil
	}

	cfg, ok, err := o.roleConfig(ctx, repos, th)
	if err != nil {
		return StepResult{}, err
	}
	if !ok {
		o.logEvent(ctx, repos, th.ID, traceID, "config-missing",
			fmt.Sprintf("kind=%s director=%s agent=%s", th.Kind, th.DirectorID, th.AgentID))
		return StepResult{Success: false, ShouldContinue: false, Thread: th}, nil
	}

	now := o.now()
	reply, err := o.completer.Complete(ctx, cfg, th.Messages)
	if err != nil {
		th.Status = model.StatusFailed
		th.LastActiveAt = now
		th.EndedAt = &now
		o.logEvent(ctx, repos, th.ID, traceID, "model-error", err.Error())
		if perr := repos.PutThread(ctx, th); perr != nil {
			return StepResult{Success: false, ShouldContinue: false, Thread: th},
				errors.Wrapf(perr, "persisting failed thread %s", th.ID)
		}
		return StepResult{Success: false, ShouldContinue: false, Thread: th}, nil
	}

	th.Messages = append(th.Messages, model.ChatMessage{
		Role: model.RoleAssistant, Content: reply})
	th.LastActiveAt = now

	if th.Kind == model.KindDirector {
		if m := delegateDirective.FindStringSubmatch(reply); m != nil {
			th = o.delegate(ctx, repos, th, traceID, m[1], m[2])
		}
	}

	maxTurns := o.tenantMaxTurns(ctx, repos)
	switch {
	case hasDirective(reply, AbortMarker):
		th.Status = model.StatusFailed
	case hasDirective(reply, CompleteMarker):
		th.Status = model.StatusCompleted
	case assistantTurns(th.Messages) >= maxTurns:
		o.logEvent(ctx, repos, th.ID, traceID, "max-turns",
			fmt.Sprintf("turns=%d", maxTurns))
		th.Status = model.StatusCompleted
	}
	if th.Status != model.StatusOngoing {
		ended := o.now()
		th.EndedAt = &ended
		if th.Kind == model.KindDirector && th.Status == model.StatusCompleted {
			// Completion closes the director's workspace.
			th.Finalized = true
		}
	}

	if err := repos.PutThread(ctx, th); err != nil {
		return StepResult{Success: false, ShouldContinue: false, Thread: th},
			errors.Wrapf(err, "persisting thread %s", th.ID)
	}

	return StepResult{
		Success:        true,
		ShouldContinue: th.Status == model.StatusOngoing,
		Thread:         th,
	}, nil
}

// delegate creates an agent thread for the director, runs it to
// completion synchronously, and folds its final output back into the
// director thread as a message.
func (o *Orchestrator) delegate(ctx context.Context, repos *tenant.Repos, director model.ConversationThread, traceID, agentID, task string) model.ConversationThread {
	fold := func(content string) model.ConversationThread {
		director.Messages = append(director.Messages, model.ChatMessage{
			Role: model.RoleUser, Content: content})
		return director
	}

	agent, err := repos.Agent(ctx, agentID)
	if err != nil {
		o.logEvent(ctx, repos, director.ID, traceID, "agent-missing", agentID)
		return fold(fmt.Sprintf("Delegation failed: agent %q is not configured.", agentID))
	}

	now := o.now()
	at := model.ConversationThread{
		ID:           o.newID(),
		Kind:         model.KindAgent,
		DirectorID:   director.DirectorID,
		AgentID:      agent.ID,
		ParentID:     director.ID,
		Status:       model.StatusOngoing,
		StartedAt:    now,
		LastActiveAt: now,
	}
	if p, err := repos.Prompt(ctx, agent.PromptID); err == nil {
		at.Messages = append(at.Messages, model.ChatMessage{
			Role: model.RoleSystem, Content: p.Text})
	}
	at.Messages = append(at.Messages, model.ChatMessage{
		Role: model.RoleUser, Content: task})

	if err := repos.PutThread(ctx, at); err != nil {
		o.logEvent(ctx, repos, director.ID, traceID, "agent-create-failed", err.Error())
		return fold(fmt.Sprintf("Delegation to agent %q failed before it started.", agent.Name))
	}
	o.logEvent(ctx, repos, at.ID, traceID, "agent-started",
		fmt.Sprintf("parent=%s agent=%s", director.ID, agent.ID))

	final := at
	for {
		res, err := o.RunStep(ctx, repos, at.ID, traceID)
		if err != nil {
			o.logEvent(ctx, repos, at.ID, traceID, "agent-step-error", err.Error())
			return fold(fmt.Sprintf("Agent %q failed: %v", agent.Name, err))
		}
		final = res.Thread
		if !res.ShouldContinue {
			if !res.Success || final.Status == model.StatusFailed {
				return fold(fmt.Sprintf("Agent %q failed.", agent.Name))
			}
			break
		}
	}

	output := ""
	for i := len(final.Messages) - 1; i >= 0; i-- {
		if final.Messages[i].Role == model.RoleAssistant {
			output = final.Messages[i].Content
			break
		}
	}
	return fold(fmt.Sprintf("Agent %q result:\n%s", agent.Name, output))
}
