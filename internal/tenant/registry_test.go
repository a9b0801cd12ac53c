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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func testRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	r, err := NewRegistry(filepath.Join(t.TempDir(), "tenants"), opts)
	if err != nil {
		t.Fatalf("NewRegistry() = %v, want nil", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestValidUID(t *testing.T) {
	cases := []struct {
		uid  string
		want bool
	}{
		{"alice", true},
		{"user_01", true},
		{"a-b-c", true},
		{strings.Repeat("x", 64), true},
		{"", false},
		{strings.Repeat("x", 65), false},
		{"has space", false},
		{"dot.dot", false},
		{"../escape", false},
		{"sub/dir", false},
	}
	for _, tc := range cases {
		if got := ValidUID(tc.uid); got != tc.want {
			t.Errorf("ValidUID(%q) = %v, want %v", tc.uid, got, tc.want)
		}
	}
}

func TestReposRejectsInvalidUID(t *testing.T) {
	r := testRegistry(t, Options{})
	_, err := r.Repos(context.Background(), "../etc")
	if _, ok := err.(*InvalidTenantError); !ok {
		t.Errorf("Repos(bad uid) = %v, want *InvalidTenantError", err)
	}
}

func TestReposIsolation(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t, Options{})

	a, err := r.Repos(ctx, "alice")
	if err != nil {
		t.Fatalf("Repos(alice) = %v, want nil", err)
	}
	b, err := r.Repos(ctx, "bob")
	if err != nil {
		t.Fatalf("Repos(bob) = %v, want nil", err)
	}
	if a.Dir() == b.Dir() {
		t.Errorf("tenants share a directory: %q", a.Dir())
	}

	if err := a.PutPrompt(ctx, samplePrompt("p1")); err != nil {
		t.Fatalf("PutPrompt() = %v, want nil", err)
	}
	if _, err := b.Prompt(ctx, "p1"); err == nil {
		t.Errorf("Prompt(p1) visible from another tenant, want not found")
	}
}

func TestReposIsCached(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t, Options{})

	first, err := r.Repos(ctx, "alice")
	if err != nil {
		t.Fatalf("Repos() = %v, want nil", err)
	}
	second, err := r.Repos(ctx, "alice")
	if err != nil {
		t.Fatalf("Repos() = %v, want nil", err)
	}
	if first != second {
		t.Errorf("Repos() returned distinct handles for one live tenant")
	}
	if got := r.Live(); got != 1 {
		t.Errorf("Live() = %d, want 1", got)
	}
}

func TestReposRefusesSymlinkedTenantDir(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t, Options{})

	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(r.root, "mallory")); err != nil {
		t.Fatalf("Symlink() = %v, want nil", err)
	}
	if _, err := r.Repos(ctx, "mallory"); err == nil {
		t.Errorf("Repos(symlinked dir) = nil error, want refusal")
	}
}

func TestEvictIdleTTL(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t, Options{TTL: 10 * time.Minute})

	clock := time.Now()
	r.now = func() time.Time { return clock }

	var evicted []string
	r.OnEvict(func(uid string) { evicted = append(evicted, uid) })

	if _, err := r.Repos(ctx, "alice"); err != nil {
		t.Fatalf("Repos() = %v, want nil", err)
	}

	clock = clock.Add(5 * time.Minute)
	r.EvictIdle()
	if got := r.Live(); got != 1 {
		t.Errorf("Live() after 5m = %d, want 1", got)
	}

	clock = clock.Add(6 * time.Minute)
	r.EvictIdle()
	if got := r.Live(); got != 0 {
		t.Errorf("Live() after TTL = %d, want 0", got)
	}
	if len(evicted) != 1 || evicted[0] != "alice" {
		t.Errorf("evicted = %v, want [alice]", evicted)
	}
}

func TestAccessRefreshesIdleTime(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t, Options{TTL: 10 * time.Minute})

	clock := time.Now()
	r.now = func() time.Time { return clock }

	if _, err := r.Repos(ctx, "alice"); err != nil {
		t.Fatalf("Repos() = %v, want nil", err)
	}
	clock = clock.Add(8 * time.Minute)
	if _, err := r.Repos(ctx, "alice"); err != nil {
		t.Fatalf("Repos() = %v, want nil", err)
	}
	clock = clock.Add(8 * time.Minute)
	r.EvictIdle()
	if got := r.Live(); got != 1 {
		t.Errorf("Live() = %d, want 1: access should have reset the idle clock", got)
	}
}

func TestEvictLRUOverCap(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t, Options{TTL: time.Hour, MaxEntries: 2})

	clock := time.Now()
	r.now = func() time.Time { return clock }

	for _, uid := range []string{"a", "b", "c"} {
		clock = clock.Add(time.Minute)
		if _, err := r.Repos(ctx, uid); err != nil {
			t.Fatalf("Repos(%q) = %v, want nil", uid, err)
		}
		// The cap holds at every step, including the step that
		// opened a new entry.
		if got := r.Live(); got > 2 {
			t.Errorf("Live() = %d after opening %q, want at most 2", got, uid)
		}
	}
	if got := r.Live(); got != 2 {
		t.Errorf("Live() = %d, want 2", got)
	}

	// "a" was least recently accessed, so it must be the one gone.
	r.mu.Lock()
	_, aLive := r.entries["a"]
	_, cLive := r.entries["c"]
	r.mu.Unlock()
	if aLive {
		t.Errorf("entry a still live, want evicted as least recently used")
	}
	if !cLive {
		t.Errorf("entry c evicted, want live")
	}
}

func TestTenantIDs(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t, Options{})

	for _, uid := range []string{"alice", "bob"} {
		if _, err := r.Repos(ctx, uid); err != nil {
			t.Fatalf("Repos(%q) = %v, want nil", uid, err)
		}
	}
	// Stray directory entries that are not valid uids are skipped.
	if err := os.Mkdir(filepath.Join(r.root, "not a uid"), 0700); err != nil {
		t.Fatalf("Mkdir() = %v, want nil", err)
	}

	uids, err := r.TenantIDs()
	if err != nil {
		t.Fatalf("TenantIDs() = %v, want nil", err)
	}
	if len(uids) != 2 {
		t.Errorf("TenantIDs() = %v, want [alice bob]", uids)
	}
}
