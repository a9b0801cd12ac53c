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

// Package model provides the persisted data objects shared by the rest
// of the program.
package model

import (
	"fmt"
	"time"

	"github.com/courierlabs/courier/internal/message"
)

// Providers understood by the fetcher and account layer.
const (
	ProviderGmail   = "gmail"
	ProviderOutlook = "outlook"
)

// OAuthTokens are the stored credentials for one connected mailbox.
type OAuthTokens struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	Expiry       time.Time `json:"expiry"`
}

// Account is a connected mailbox owned by one tenant.
type Account struct {
	ID       string      `json:"id"`
	Provider string      `json:"provider"`
	Email    string      `json:"email"`
	Tokens   OAuthTokens `json:"tokens"`
}

// APIConfig names a language-model endpoint and the credentials to
// reach it.
type APIConfig struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // "openai" or "anthropic"
	Model    string `json:"model"`
	APIKey   string `json:"apiKey"`

	// BaseURL overrides the provider default, for OpenAI-compatible
	// endpoints.
	BaseURL string `json:"baseUrl,omitempty"`

	MaxTokens int64 `json:"maxTokens,omitempty"`
}

// Settings is the per-tenant settings document.  It is replaced
// wholesale on write (last writer wins).
type Settings struct {
	APIConfigs            []APIConfig `json:"apiConfigs"`
	FetcherAutoStart      bool        `json:"fetcherAutoStart"`
	SessionTimeoutMinutes int         `json:"sessionTimeoutMinutes"`
	PollIntervalMinutes   int         `json:"pollIntervalMinutes"`
	MaxTurns              int         `json:"maxTurns"`
}

// APIConfig returns the config with the given id, or false.
func (s Settings) APIConfig(id string) (APIConfig, bool) {
	for _, c := range s.APIConfigs {
		if c.ID == id {
			return c, true
		}
	}
	return APIConfig{}, false
}

// Filter routes matching mail to a director.  The per-tenant filter
// list is ordered; order defines suppression priority.
type Filter struct {
	ID               string `json:"id"`
	Field            string `json:"field"`
	Pattern          string `json:"pattern"`
	DirectorID       string `json:"directorId"`
	DuplicateAllowed bool   `json:"duplicateAllowed"`
	Order            int    `json:"order"`
}

// Director owns top-level conversation threads created from matched
// mail.
type Director struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PromptID    string `json:"promptId"`
	APIConfigID string `json:"apiConfigId"`
}

// Agent is invoked by a director for a bounded sub-task.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PromptID    string `json:"promptId"`
	APIConfigID string `json:"apiConfigId"`
}

// Prompt is a named prompt text referenced by directors and agents.
type Prompt struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Text string `json:"text"`
}

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn in a conversation thread.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Thread kinds.
const (
	KindDirector = "director"
	KindAgent    = "agent"
)

// Thread statuses.
const (
	StatusOngoing   = "ongoing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ConversationThread is one director or agent conversation.  Agent
// threads carry ParentID referencing the originating director thread.
//
// Finalized is monotonic: once true it is never unset, and a finalized
// director thread accepts no further workspace mutations.
type ConversationThread struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	DirectorID string `json:"directorId"`
	AgentID    string `json:"agentId,omitempty"`
	ParentID   string `json:"parentId,omitempty"`

	Status    string `json:"status"`
	Finalized bool   `json:"finalized"`

	Messages []ChatMessage `json:"messages"`

	StartedAt    time.Time  `json:"startedAt"`
	LastActiveAt time.Time  `json:"lastActiveAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`

	Email *message.Envelope `json:"email,omitempty"`
}

// Terminal reports whether the thread accepts further orchestration
// steps.
func (t ConversationThread) Terminal() bool {
	return t.Finalized || t.Status != StatusOngoing
}

// Workspace item encodings.
const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"
	EncodingBinary = "binary"
)

// Provenance records which actor produced a workspace item.
type Provenance struct {
	By      string `json:"by"`
	AgentID string `json:"agentId,omitempty"`
	Tool    string `json:"tool,omitempty"`
}

// WorkspaceItem is one revisioned artifact scoped to a director
// thread's workspace.  Revision starts at 1 and increments by exactly
// one on every accepted mutation.
type WorkspaceItem struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`

	Label       string   `json:"label,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	MimeType    string   `json:"mimeType,omitempty"`
	Encoding    string   `json:"encoding"`
	Data        string   `json:"data"`

	Revision   int        `json:"revision"`
	Provenance Provenance `json:"provenance"`

	Created   time.Time  `json:"created"`
	Updated   time.Time  `json:"updated"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// FetchRecord is one fetcher log entry.
type FetchRecord struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	When      time.Time `json:"when"`
	Fetched   int       `json:"fetched"`
	Created   int       `json:"created"`
	Error     string    `json:"error,omitempty"`
}

// OrchestrationRecord is one orchestration log entry.
type OrchestrationRecord struct {
	ID       string    `json:"id"`
	ThreadID string    `json:"threadId"`
	TraceID  string    `json:"traceId,omitempty"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail,omitempty"`
	When     time.Time `json:"when"`
}

// ProviderEvent is one mail- or model-provider log entry.
type ProviderEvent struct {
	ID       string    `json:"id"`
	Provider string    `json:"provider"`
	Kind     string    `json:"kind"`
	Detail   string    `json:"detail,omitempty"`
	When     time.Time `json:"when"`
}

// Trace is a request trace record, retained only until cleanup.
type Trace struct {
	ID      string    `json:"id"`
	Started time.Time `json:"started"`
	Detail  string    `json:"detail,omitempty"`
}

// ValidationError reports bad caller input.  It is surfaced to the
// caller and is never fatal to the process.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Reason)
}
