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

// Package workspace implements the revisioned artifact store scoped to
// a director thread's workspace.  Mutations are optimistic: every
// write names the revision it expects, and a mismatch is rejected
// without touching stored state.
package workspace

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/courierlabs/courier/internal/model"
	"github.com/courierlabs/courier/internal/store"
	"github.com/courierlabs/courier/internal/tenant"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ConflictError reports a revision mismatch.  Callers must re-fetch
// and retry with the current revision.
type ConflictError struct {
	ID       string
	Expected int
	Current  int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("workspace item %s: revision conflict: expected %d, current %d",
		e.ID, e.Expected, e.Current)
}

// FinalizedError reports a mutation attempted on a finalized
// workspace.  It is not retryable.
type FinalizedError struct {
	ThreadID string
}

func (e *FinalizedError) Error() string {
	return fmt.Sprintf("workspace of thread %s is finalized", e.ThreadID)
}

// Patch holds the fields Update may change.  Nil fields are left
// untouched.
type Patch struct {
	Label       *string
	Description *string
	Tags        *[]string
	MimeType    *string
	Encoding    *string
	Data        *string
	Provenance  *model.Provenance
}

// Store provides workspace item access for one tenant.
type Store struct {
	repos *tenant.Repos
	now   func() time.Time
	newID func() string
}

func New(repos *tenant.Repos) *Store {
	return &Store{
		repos: repos,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// checkWritable rejects mutations once the owning director thread is
// finalized.  An unknown workspace id is allowed: items may be staged
// before their thread is first persisted.
func (s *Store) checkWritable(ctx context.Context, workspaceID string) error {
	th, err := s.repos.Thread(ctx, workspaceID)
	if errors.Cause(err) == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if th.Finalized {
		return &FinalizedError{ThreadID: workspaceID}
	}
	return nil
}

// Add stores a new item at revision 1.
func (s *Store) Add(ctx context.Context, it model.WorkspaceItem) (model.WorkspaceItem, error) {
	if it.WorkspaceID == "" {
		return model.WorkspaceItem{}, &model.ValidationError{
			Field: "workspaceId", Reason: "missing"}
	}
	if err := s.checkWritable(ctx, it.WorkspaceID); err != nil {
		return model.WorkspaceItem{}, err
	}
	if it.ID == "" {
		it.ID = s.newID()
	}
	if it.Encoding == "" {
		it.Encoding = model.EncodingUTF8
	}
	now := s.now()
	it.Revision = 1
	it.Created = now
	it.Updated = now
	it.DeletedAt = nil
	if err := s.repos.PutWorkspaceItem(ctx, it); err != nil {
		return model.WorkspaceItem{}, err
	}
	return it, nil
}

// Get returns one item, soft-deleted or not.
func (s *Store) Get(ctx context.Context, id string) (model.WorkspaceItem, error) {
	return s.repos.WorkspaceItem(ctx, id)
}

// List returns the items of one workspace, ordered by creation time.
// Soft-deleted items are excluded unless includeDeleted is set.
func (s *Store) List(ctx context.Context, workspaceID string, includeDeleted bool) ([]model.WorkspaceItem, error) {
	all, err := s.repos.WorkspaceItems(ctx)
	if err != nil {
		return nil, err
	}
	var items []model.WorkspaceItem
	for _, it := range all {
		if it.WorkspaceID != workspaceID {
			continue
		}
		if it.DeletedAt != nil && !includeDeleted {
			continue
		}
		items = append(items, it)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Created.Before(items[j].Created)
	})
	return items, nil
}

// Update applies patch to the item if and only if expectedRevision
// matches the stored revision; on match the revision increments by
// one.  The read-check-write runs in a single store transaction, so
// of two concurrent updates naming the same revision exactly one
// succeeds.
func (s *Store) Update(ctx context.Context, id string, expectedRevision int, p Patch) (model.WorkspaceItem, error) {
	var updated model.WorkspaceItem
	err := s.repos.UpdateWorkspaceItem(ctx, id, func(cur model.WorkspaceItem) (model.WorkspaceItem, error) {
		if err := s.checkWritable(ctx, cur.WorkspaceID); err != nil {
			return model.WorkspaceItem{}, err
		}
		if cur.Revision != expectedRevision {
			return model.WorkspaceItem{}, &ConflictError{
				ID: id, Expected: expectedRevision, Current: cur.Revision}
		}
		if p.Label != nil {
			cur.Label = *p.Label
		}
		if p.Description != nil {
			cur.Description = *p.Description
		}
		if p.Tags != nil {
			cur.Tags = *p.Tags
		}
		if p.MimeType != nil {
			cur.MimeType = *p.MimeType
		}
		if p.Encoding != nil {
			cur.Encoding = *p.Encoding
		}
		if p.Data != nil {
			cur.Data = *p.Data
		}
		if p.Provenance != nil {
			cur.Provenance = *p.Provenance
		}
		cur.Revision++
		cur.Updated = s.now()
		updated = cur
		return cur, nil
	})
	if err != nil {
		return model.WorkspaceItem{}, err
	}
	return updated, nil
}

// Delete soft-deletes the item, or removes it irrecoverably when hard
// is set.  Soft delete is idempotent; the original DeletedAt is kept.
func (s *Store) Delete(ctx context.Context, id string, hard bool) error {
	if hard {
		it, err := s.repos.WorkspaceItem(ctx, id)
		if err != nil {
			return err
		}
		if err := s.checkWritable(ctx, it.WorkspaceID); err != nil {
			return err
		}
		return s.repos.DeleteWorkspaceItem(ctx, id)
	}
	return s.repos.UpdateWorkspaceItem(ctx, id, func(cur model.WorkspaceItem) (model.WorkspaceItem, error) {
		if err := s.checkWritable(ctx, cur.WorkspaceID); err != nil {
			return model.WorkspaceItem{}, err
		}
		if cur.DeletedAt == nil {
			now := s.now()
			cur.DeletedAt = &now
			cur.Updated = now
		}
		return cur, nil
	})
}
