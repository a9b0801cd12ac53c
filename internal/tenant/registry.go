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

// Package tenant implements the per-user repository registry.  Each
// tenant's collections live in an isolated on-disk root; registry
// entries are opened lazily and evicted when idle or when the live
// entry count exceeds its cap.
package tenant

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/courierlabs/courier/internal/store"

	"github.com/pkg/errors"
)

const (
	// Owner-only: tenant data must not be readable by other users
	// on the host.
	dirFileMode = 0700

	dbFileName = "courier.db"
)

var uidPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// InvalidTenantError reports a uid failing the format invariant.  It
// is raised before any repository access.
type InvalidTenantError struct {
	UID string
}

func (e *InvalidTenantError) Error() string {
	return fmt.Sprintf("invalid tenant id %q", e.UID)
}

// ValidUID reports whether uid satisfies the tenant id format
// invariant: 1-64 characters, alphanumeric, underscore or hyphen.
func ValidUID(uid string) bool {
	return uidPattern.MatchString(uid)
}

// Options configure a Registry.
type Options struct {
	// TTL is how long an entry may stay idle before eviction.
	TTL time.Duration

	// MaxEntries caps live entries; past it, the least recently
	// accessed entries are evicted regardless of TTL.
	MaxEntries int
}

type entry struct {
	repos        *Repos
	lastAccessed time.Time
}

// Registry owns every live tenant store.  It is the only shared
// mutable resource in the process; each Repos handle it returns is
// exclusive to one tenant.
type Registry struct {
	root    string
	ttl     time.Duration
	maxLive int

	mu      sync.Mutex
	entries map[string]*entry
	onEvict []func(uid string)

	now func() time.Time
}

// NewRegistry creates a registry rooted at root, creating the root
// directory with owner-only permissions if needed.
func NewRegistry(root string, opts Options) (*Registry, error) {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 128
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving registry root %q", root)
	}
	if err := os.MkdirAll(abs, dirFileMode); err != nil {
		return nil, errors.Wrapf(err, "creating registry root %q", abs)
	}
	r := &Registry{
		root:    abs,
		ttl:     opts.TTL,
		maxLive: opts.MaxEntries,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	return r, nil
}

// OnEvict registers a hook invoked whenever a tenant entry is evicted
// or closed.  Hooks run with the registry lock held and must not call
// back into the registry.  The fetcher manager uses this to tie its
// per-tenant loop lifecycle to registry eviction.
func (r *Registry) OnEvict(fn func(uid string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = append(r.onEvict, fn)
}

// tenantRoot resolves and vets the on-disk root for uid.  It refuses
// any path that escapes the registry root and refuses a symlinked
// tenant directory, so a handle for one tenant can never resolve into
// another's data.
func (r *Registry) tenantRoot(uid string) (string, error) {
	dir := filepath.Join(r.root, uid)
	if !strings.HasPrefix(dir, r.root+string(filepath.Separator)) {
		return "", errors.Errorf("tenant path %q escapes registry root", dir)
	}
	if fi, err := os.Lstat(dir); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			return "", errors.Errorf("tenant path %q is a symlink", dir)
		}
		if !fi.IsDir() {
			return "", errors.Errorf("tenant path %q is not a directory", dir)
		}
		return dir, nil
	} else if !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "stat tenant path %q", dir)
	}
	if err := os.Mkdir(dir, dirFileMode); err != nil && !os.IsExist(err) {
		return "", errors.Wrapf(err, "creating tenant path %q", dir)
	}
	return dir, nil
}

// Repos returns the repository handle for uid, opening the tenant
// store on first use.  Every call refreshes the entry's last-accessed
// time and runs idle eviction first.
func (r *Registry) Repos(ctx context.Context, uid string) (*Repos, error) {
	if !ValidUID(uid) {
		return nil, &InvalidTenantError{UID: uid}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.entries[uid]; ok {
		r.evictLocked(now, uid, r.maxLive)
		e.lastAccessed = now
		return e.repos, nil
	}

	// Make room for the entry about to be inserted, so the live
	// count never exceeds the cap, not even transiently.
	r.evictLocked(now, uid, r.maxLive-1)

	dir, err := r.tenantRoot(uid)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(ctx, filepath.Join(dir, dbFileName))
	if err != nil {
		return nil, errors.Wrapf(err, "opening store for tenant %s", uid)
	}
	repos := &Repos{uid: uid, dir: dir, db: db}
	r.entries[uid] = &entry{repos: repos, lastAccessed: now}
	return repos, nil
}

// EvictIdle removes entries idle beyond the TTL, then evicts the
// least recently accessed entries until the live count is within the
// configured maximum.
func (r *Registry) EvictIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked(r.now(), "", r.maxLive)
}

// evictLocked implements eviction.  keep, when non-empty, names an
// entry exempt because the caller is about to touch it.  max is the
// number of entries allowed to remain; a caller about to insert passes
// maxLive-1 so the insert lands within the cap.
func (r *Registry) evictLocked(now time.Time, keep string, max int) {
	for uid, e := range r.entries {
		if uid == keep {
			continue
		}
		if now.Sub(e.lastAccessed) > r.ttl {
			r.dropLocked(uid, e)
		}
	}
	if len(r.entries) <= max {
		return
	}

	type aged struct {
		uid string
		at  time.Time
	}
	order := make([]aged, 0, len(r.entries))
	for uid, e := range r.entries {
		order = append(order, aged{uid, e.lastAccessed})
	}
	sort.Slice(order, func(i, j int) bool { return order[i].at.Before(order[j].at) })
	for _, a := range order {
		if len(r.entries) <= max {
			break
		}
		if a.uid == keep {
			continue
		}
		r.dropLocked(a.uid, r.entries[a.uid])
	}
}

func (r *Registry) dropLocked(uid string, e *entry) {
	if err := e.repos.db.Close(); err != nil {
		log.Printf("tenant %s: closing store on eviction: %v", uid, err)
	}
	delete(r.entries, uid)
	for _, fn := range r.onEvict {
		fn(uid)
	}
}

// Live returns the number of live registry entries.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// TenantIDs lists every tenant with an on-disk root, live or not.
// Directory entries not matching the uid format are ignored.
func (r *Registry) TenantIDs() ([]string, error) {
	dirents, err := os.ReadDir(r.root)
	if err != nil {
		return nil, errors.Wrapf(err, "reading registry root %q", r.root)
	}
	var uids []string
	for _, de := range dirents {
		if de.IsDir() && ValidUID(de.Name()) {
			uids = append(uids, de.Name())
		}
	}
	return uids, nil
}

// Close evicts every live entry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, e := range r.entries {
		r.dropLocked(uid, e)
	}
}
