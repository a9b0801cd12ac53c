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

// Package cleanup removes tenant conversation data.  Purging a
// director thread always takes its descendant agent threads and its
// workspace items with it, so no orphan rows survive.
package cleanup

import (
	"context"

	"github.com/courierlabs/courier/internal/model"
	"github.com/courierlabs/courier/internal/tenant"

	"github.com/pkg/errors"
)

// Stats counts the purgeable document classes of one tenant.
type Stats struct {
	Conversations        int64
	WorkspaceItems       int64
	FetchRecords         int64
	OrchestrationRecords int64
	ProviderEvents       int64
	Traces               int64
}

type Service struct {
	registry *tenant.Registry
}

func New(registry *tenant.Registry) *Service {
	return &Service{registry: registry}
}

// closure expands the requested thread ids to every transitive child.
// Threads reference parents by id only, so one pass over the full set
// per depth level suffices.
func closure(threads []model.ConversationThread, ids []string) map[string]bool {
	children := make(map[string][]string)
	for _, th := range threads {
		if th.ParentID != "" {
			children[th.ParentID] = append(children[th.ParentID], th.ID)
		}
	}
	doomed := make(map[string]bool)
	queue := append([]string(nil), ids...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if doomed[id] {
			continue
		}
		doomed[id] = true
		queue = append(queue, children[id]...)
	}
	return doomed
}

// PurgeConversations deletes the named threads, their descendant agent
// threads, and the workspace items of every deleted thread, all in one
// transaction.  It returns the number of threads removed.  Unknown ids
// are ignored.
func (s *Service) PurgeConversations(ctx context.Context, uid string, ids ...string) (int64, error) {
	repos, err := s.registry.Repos(ctx, uid)
	if err != nil {
		return 0, err
	}
	threads, err := repos.Threads(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "loading threads")
	}

	doomed := closure(threads, ids)

	var threadIDs []string
	for _, th := range threads {
		if doomed[th.ID] {
			threadIDs = append(threadIDs, th.ID)
		}
	}
	if len(threadIDs) == 0 {
		return 0, nil
	}

	items, err := repos.WorkspaceItems(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "loading workspace items")
	}
	var itemIDs []string
	for _, it := range items {
		if doomed[it.WorkspaceID] {
			itemIDs = append(itemIDs, it.ID)
		}
	}

	if _, err := repos.DeleteThreadsAndWorkspace(ctx, threadIDs, itemIDs); err != nil {
		return 0, errors.Wrap(err, "purging threads")
	}
	return int64(len(threadIDs)), nil
}

// PurgeAll removes every conversation, workspace item, and log record
// of the tenant.  Configuration documents (accounts, settings,
// directors, agents, filters, prompts) are untouched.
func (s *Service) PurgeAll(ctx context.Context, uid string) (Stats, error) {
	repos, err := s.registry.Repos(ctx, uid)
	if err != nil {
		return Stats{}, err
	}
	stats, err := s.stats(ctx, repos)
	if err != nil {
		return Stats{}, err
	}
	cols := append([]string{tenant.ColConversations, tenant.ColWorkspace}, tenant.LogCollections...)
	for _, col := range cols {
		if _, err := repos.PurgeCollection(ctx, col); err != nil {
			return stats, errors.Wrapf(err, "purging %s", col)
		}
	}
	return stats, nil
}

// Stats reports how much purgeable data the tenant holds.
func (s *Service) Stats(ctx context.Context, uid string) (Stats, error) {
	repos, err := s.registry.Repos(ctx, uid)
	if err != nil {
		return Stats{}, err
	}
	return s.stats(ctx, repos)
}

func (s *Service) stats(ctx context.Context, repos *tenant.Repos) (Stats, error) {
	var stats Stats
	for _, c := range []struct {
		col string
		dst *int64
	}{
		{tenant.ColConversations, &stats.Conversations},
		{tenant.ColWorkspace, &stats.WorkspaceItems},
		{tenant.ColFetcherLog, &stats.FetchRecords},
		{tenant.ColOrchLog, &stats.OrchestrationRecords},
		{tenant.ColProviderLog, &stats.ProviderEvents},
		{tenant.ColTraces, &stats.Traces},
	} {
		n, err := repos.Count(ctx, c.col)
		if err != nil {
			return stats, errors.Wrapf(err, "counting %s", c.col)
		}
		*c.dst = n
	}
	return stats, nil
}
