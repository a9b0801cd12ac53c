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

package tenant

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/courierlabs/courier/internal/filter"
	"github.com/courierlabs/courier/internal/model"
	"github.com/courierlabs/courier/internal/store"

	"github.com/pkg/errors"
)

// Collection names persisted per tenant.
const (
	ColAccounts      = "accounts"
	ColSettings      = "settings"
	ColDirectors     = "directors"
	ColAgents        = "agents"
	ColFilters       = "filters"
	ColPrompts       = "prompts"
	ColConversations = "conversations"
	ColWorkspace     = "workspaceItems"
	ColFetcherLog    = "fetcherLog"
	ColOrchLog       = "orchestrationLog"
	ColProviderLog   = "providerEvents"
	ColTraces        = "traces"
)

// LogCollections are the collections consumed only by the cleanup
// service.
var LogCollections = []string{ColFetcherLog, ColOrchLog, ColProviderLog, ColTraces}

const settingsDocID = "settings"

// Repos is one tenant's repository handle.  All collection reads and
// writes for the tenant go through it; it never resolves a path
// outside the tenant root the registry vetted.
type Repos struct {
	uid string
	dir string
	db  *store.DB
}

// UID returns the owning tenant id.
func (r *Repos) UID() string { return r.uid }

// Dir returns the tenant's on-disk root.
func (r *Repos) Dir() string { return r.dir }

func listInto[T any](ctx context.Context, db *store.DB, col string) ([]T, error) {
	var out []T
	err := db.List(ctx, col, func(id string, body []byte) error {
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return errors.Wrapf(err, "decoding %s/%s", col, id)
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

// Settings returns the tenant settings document, or zero-value
// defaults when none has been written yet.
func (r *Repos) Settings(ctx context.Context) (model.Settings, error) {
	var s model.Settings
	err := r.db.Get(ctx, ColSettings, settingsDocID, &s)
	if errors.Cause(err) == store.ErrNotFound {
		return model.Settings{}, nil
	}
	return s, err
}

func (r *Repos) PutSettings(ctx context.Context, s model.Settings) error {
	return r.db.Put(ctx, ColSettings, settingsDocID, s)
}

func (r *Repos) Accounts(ctx context.Context) ([]model.Account, error) {
	return listInto[model.Account](ctx, r.db, ColAccounts)
}

func (r *Repos) PutAccount(ctx context.Context, a model.Account) error {
	return r.db.Put(ctx, ColAccounts, a.ID, a)
}

func (r *Repos) DeleteAccount(ctx context.Context, id string) error {
	return r.db.Delete(ctx, ColAccounts, id)
}

func (r *Repos) Directors(ctx context.Context) ([]model.Director, error) {
	return listInto[model.Director](ctx, r.db, ColDirectors)
}

func (r *Repos) Director(ctx context.Context, id string) (model.Director, error) {
	var d model.Director
	err := r.db.Get(ctx, ColDirectors, id, &d)
	return d, err
}

func (r *Repos) PutDirector(ctx context.Context, d model.Director) error {
	return r.db.Put(ctx, ColDirectors, d.ID, d)
}

func (r *Repos) DeleteDirector(ctx context.Context, id string) error {
	return r.db.Delete(ctx, ColDirectors, id)
}

func (r *Repos) Agents(ctx context.Context) ([]model.Agent, error) {
	return listInto[model.Agent](ctx, r.db, ColAgents)
}

func (r *Repos) Agent(ctx context.Context, id string) (model.Agent, error) {
	var a model.Agent
	err := r.db.Get(ctx, ColAgents, id, &a)
	return a, err
}

func (r *Repos) PutAgent(ctx context.Context, a model.Agent) error {
	return r.db.Put(ctx, ColAgents, a.ID, a)
}

func (r *Repos) Prompts(ctx context.Context) ([]model.Prompt, error) {
	return listInto[model.Prompt](ctx, r.db, ColPrompts)
}

func (r *Repos) Prompt(ctx context.Context, id string) (model.Prompt, error) {
	var p model.Prompt
	err := r.db.Get(ctx, ColPrompts, id, &p)
	return p, err
}

func (r *Repos) PutPrompt(ctx context.Context, p model.Prompt) error {
	return r.db.Put(ctx, ColPrompts, p.ID, p)
}

// Filters returns the tenant's filters in stored order.
func (r *Repos) Filters(ctx context.Context) ([]model.Filter, error) {
	fs, err := listInto[model.Filter](ctx, r.db, ColFilters)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(fs, func(i, j int) bool { return fs[i].Order < fs[j].Order })
	return fs, nil
}

// PutFilter validates and stores a filter.  Invalid filters (bad field
// name, pattern that does not compile) are rejected and never stored.
func (r *Repos) PutFilter(ctx context.Context, f model.Filter) error {
	if err := filter.Validate(f); err != nil {
		return err
	}
	return r.db.Put(ctx, ColFilters, f.ID, f)
}

func (r *Repos) DeleteFilter(ctx context.Context, id string) error {
	return r.db.Delete(ctx, ColFilters, id)
}

// ReorderFilters rewrites the order field of every named filter to its
// position in ids.  Filters not named keep their order and sort after
// the renumbered ones on ties.
func (r *Repos) ReorderFilters(ctx context.Context, ids []string) error {
	fs, err := r.Filters(ctx)
	if err != nil {
		return err
	}
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	for _, f := range fs {
		p, ok := pos[f.ID]
		if !ok {
			continue
		}
		f.Order = p
		if err := r.db.Put(ctx, ColFilters, f.ID, f); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repos) Thread(ctx context.Context, id string) (model.ConversationThread, error) {
	var t model.ConversationThread
	err := r.db.Get(ctx, ColConversations, id, &t)
	return t, err
}

func (r *Repos) PutThread(ctx context.Context, t model.ConversationThread) error {
	return r.db.Put(ctx, ColConversations, t.ID, t)
}

func (r *Repos) Threads(ctx context.Context) ([]model.ConversationThread, error) {
	return listInto[model.ConversationThread](ctx, r.db, ColConversations)
}

// DeleteThreads removes the named threads in one transaction.
func (r *Repos) DeleteThreads(ctx context.Context, ids []string) (int64, error) {
	return r.db.DeleteMany(ctx, ColConversations, ids)
}

// DeleteThreadsAndWorkspace removes the named threads and workspace
// items together in one transaction, so a crash can never leave
// workspace items whose owning thread is gone.
func (r *Repos) DeleteThreadsAndWorkspace(ctx context.Context, threadIDs, itemIDs []string) (int64, error) {
	dels := make([]store.Deletion, 0, len(threadIDs)+len(itemIDs))
	for _, id := range threadIDs {
		dels = append(dels, store.Deletion{Collection: ColConversations, ID: id})
	}
	for _, id := range itemIDs {
		dels = append(dels, store.Deletion{Collection: ColWorkspace, ID: id})
	}
	return r.db.DeleteBatch(ctx, dels)
}

func (r *Repos) WorkspaceItem(ctx context.Context, id string) (model.WorkspaceItem, error) {
	var it model.WorkspaceItem
	err := r.db.Get(ctx, ColWorkspace, id, &it)
	return it, err
}

func (r *Repos) PutWorkspaceItem(ctx context.Context, it model.WorkspaceItem) error {
	return r.db.Put(ctx, ColWorkspace, it.ID, it)
}

func (r *Repos) WorkspaceItems(ctx context.Context) ([]model.WorkspaceItem, error) {
	return listInto[model.WorkspaceItem](ctx, r.db, ColWorkspace)
}

func (r *Repos) DeleteWorkspaceItem(ctx context.Context, id string) error {
	return r.db.Delete(ctx, ColWorkspace, id)
}

// DeleteWorkspaceItems removes the named items in one transaction.
func (r *Repos) DeleteWorkspaceItems(ctx context.Context, ids []string) (int64, error) {
	return r.db.DeleteMany(ctx, ColWorkspace, ids)
}

// UpdateWorkspaceItem runs fn on the stored item inside one store
// transaction.  fn's error (e.g. a revision conflict) aborts the write
// and is returned unchanged.  A missing id yields store.ErrNotFound.
func (r *Repos) UpdateWorkspaceItem(ctx context.Context, id string, fn func(model.WorkspaceItem) (model.WorkspaceItem, error)) error {
	return r.db.Update(ctx, ColWorkspace, id, func(body []byte) ([]byte, error) {
		if body == nil {
			return nil, errors.Wrapf(store.ErrNotFound, "%s/%s", ColWorkspace, id)
		}
		var cur model.WorkspaceItem
		if err := json.Unmarshal(body, &cur); err != nil {
			return nil, errors.Wrapf(err, "decoding %s/%s", ColWorkspace, id)
		}
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		return json.Marshal(next)
	})
}

func (r *Repos) AppendFetchRecord(ctx context.Context, rec model.FetchRecord) error {
	return r.db.Put(ctx, ColFetcherLog, rec.ID, rec)
}

func (r *Repos) AppendOrchestrationRecord(ctx context.Context, rec model.OrchestrationRecord) error {
	return r.db.Put(ctx, ColOrchLog, rec.ID, rec)
}

func (r *Repos) AppendProviderEvent(ctx context.Context, ev model.ProviderEvent) error {
	return r.db.Put(ctx, ColProviderLog, ev.ID, ev)
}

func (r *Repos) AppendTrace(ctx context.Context, tr model.Trace) error {
	return r.db.Put(ctx, ColTraces, tr.ID, tr)
}

func (r *Repos) FetchRecords(ctx context.Context) ([]model.FetchRecord, error) {
	return listInto[model.FetchRecord](ctx, r.db, ColFetcherLog)
}

func (r *Repos) OrchestrationRecords(ctx context.Context) ([]model.OrchestrationRecord, error) {
	return listInto[model.OrchestrationRecord](ctx, r.db, ColOrchLog)
}

// Count returns the document count of one collection.
func (r *Repos) Count(ctx context.Context, collection string) (int64, error) {
	return r.db.Count(ctx, collection)
}

// PurgeCollection removes every document in one collection.
func (r *Repos) PurgeCollection(ctx context.Context, collection string) (int64, error) {
	return r.db.DeleteAll(ctx, collection)
}
