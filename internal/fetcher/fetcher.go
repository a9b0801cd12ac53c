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

// Package fetcher manages the per-tenant mail fetch loops.  Each
// tenant's loop is an explicit scheduler object in a tenant-keyed map;
// stopping a loop cancels its schedule but never an in-flight poll.
package fetcher

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/courierlabs/courier/internal/ingest"
	"github.com/courierlabs/courier/internal/message"
	"github.com/courierlabs/courier/internal/model"
	"github.com/courierlabs/courier/internal/tenant"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// MailSource is the mail-ingestion capability for one provider.
type MailSource interface {
	FetchUnread(ctx context.Context, acct model.Account, opts message.FetchOptions) ([]message.Envelope, error)
	EnsureValidAccessToken(ctx context.Context, acct model.Account) (message.TokenUpdate, error)
}

// Sink consumes fetched envelopes.
type Sink interface {
	ProcessEmail(ctx context.Context, uid string, env message.Envelope, traceID string) (ingest.Result, error)
}

// Status is one tenant's fetcher state.  It is in-memory only and
// rebuilt at process start from the persisted fetcherAutoStart
// setting.
type Status struct {
	Active       bool
	LastRun      *time.Time
	NextRun      *time.Time
	AccountCount int
}

const fetchBatchMax = 25

type state struct {
	active       bool
	interval     time.Duration
	lastRun      *time.Time
	nextRun      *time.Time
	accountCount int

	stop chan struct{}
	done chan struct{}
}

// Manager owns every tenant's fetch loop.
type Manager struct {
	registry *tenant.Registry
	sink     Sink
	sources  map[string]MailSource
	interval time.Duration

	mu       sync.Mutex
	states   map[string]*state
	draining []chan struct{}

	now   func() time.Time
	newID func() string
}

func NewManager(registry *tenant.Registry, sink Sink, sources map[string]MailSource, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Manager{
		registry: registry,
		sink:     sink,
		sources:  sources,
		interval: interval,
		states:   make(map[string]*state),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

func (m *Manager) tenantInterval(ctx context.Context, uid string) time.Duration {
	repos, err := m.registry.Repos(ctx, uid)
	if err != nil {
		return m.interval
	}
	settings, err := repos.Settings(ctx)
	if err != nil || settings.PollIntervalMinutes <= 0 {
		return m.interval
	}
	return time.Duration(settings.PollIntervalMinutes) * time.Minute
}

// Start begins the recurring poll for uid.  Starting an already
// active fetcher is a no-op.
func (m *Manager) Start(ctx context.Context, uid string) error {
	if !tenant.ValidUID(uid) {
		return &tenant.InvalidTenantError{UID: uid}
	}

	// Resolve the interval before taking the manager lock: the
	// registry's eviction hook calls Stop, so the manager lock must
	// never be held across a registry call.
	interval := m.tenantInterval(ctx, uid)

	m.mu.Lock()
	st := m.states[uid]
	if st != nil && st.active {
		m.mu.Unlock()
		return nil
	}
	if st == nil {
		st = &state{}
		m.states[uid] = st
	}
	st.active = true
	st.interval = interval
	stop := make(chan struct{})
	done := make(chan struct{})
	if st.done != nil {
		// The previous generation's loop may still be draining an
		// in-flight poll; remember its done channel so StopAll can
		// wait for it.  Channels of loops already gone are pruned.
		keep := m.draining[:0]
		for _, ch := range m.draining {
			select {
			case <-ch:
			default:
				keep = append(keep, ch)
			}
		}
		m.draining = append(keep, st.done)
	}
	st.stop = stop
	st.done = done
	next := m.now().Add(interval)
	st.nextRun = &next
	m.mu.Unlock()

	go m.loop(uid, st, interval, stop, done)
	return nil
}

// loop owns the stop and done channels of its generation.  They are
// parameters rather than reads of the shared state because a restart
// while a poll is in flight replaces the state's channels; an old loop
// must keep honoring the stop signal it was started with.
func (m *Manager) loop(uid string, st *state, interval time.Duration, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First poll happens immediately; the ticker covers the rest.
	m.runCycle(uid, st)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.runCycle(uid, st)
		}
	}
}

// Stop cancels the recurring poll.  In-flight polls and any
// orchestration they triggered run to completion independently.
// Stopping a stopped fetcher is a no-op.
func (m *Manager) Stop(uid string) {
	m.mu.Lock()
	st := m.states[uid]
	if st == nil || !st.active {
		m.mu.Unlock()
		return
	}
	st.active = false
	st.nextRun = nil
	close(st.stop)
	m.mu.Unlock()
}

// StatusOf reports the tenant's fetcher state without side effects.
func (m *Manager) StatusOf(uid string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[uid]
	if st == nil {
		return Status{}
	}
	return Status{
		Active:       st.active,
		LastRun:      st.lastRun,
		NextRun:      st.nextRun,
		AccountCount: st.accountCount,
	}
}

// Run performs one poll cycle immediately, regardless of whether the
// recurring schedule is active, and updates lastRun.
func (m *Manager) Run(ctx context.Context, uid string) error {
	if !tenant.ValidUID(uid) {
		return &tenant.InvalidTenantError{UID: uid}
	}
	m.mu.Lock()
	st := m.states[uid]
	if st == nil {
		st = &state{}
		m.states[uid] = st
	}
	m.mu.Unlock()
	return m.cycle(ctx, uid, st)
}

// runCycle is the recurring-schedule entry point; it never lets a
// cycle failure kill the loop.
func (m *Manager) runCycle(uid string, st *state) {
	// The cycle context is deliberately independent of the loop's
	// stop signal: stopping the fetcher must not cancel an
	// in-flight poll.
	if err := m.cycle(context.Background(), uid, st); err != nil {
		log.Printf("fetcher: tenant %s poll failed: %v", uid, err)
	}
	m.mu.Lock()
	if st.active {
		next := m.now().Add(st.interval)
		st.nextRun = &next
	}
	m.mu.Unlock()
}

func (m *Manager) cycle(ctx context.Context, uid string, st *state) error {
	repos, err := m.registry.Repos(ctx, uid)
	if err != nil {
		return err
	}
	accounts, err := repos.Accounts(ctx)
	if err != nil {
		return errors.Wrap(err, "loading accounts")
	}

	now := m.now()
	m.mu.Lock()
	st.lastRun = &now
	st.accountCount = len(accounts)
	m.mu.Unlock()

	traceID := m.newID()
	if err := repos.AppendTrace(ctx, model.Trace{
		ID: traceID, Started: now, Detail: "fetch cycle"}); err != nil {
		log.Printf("fetcher: tenant %s: appending trace: %v", uid, err)
	}

	grp, gctx := errgroup.WithContext(ctx)
	for _, acct := range accounts {
		acct := acct
		grp.Go(func() error {
			// One bad account never aborts the others; errors
			// are recorded in the fetch log instead.
			m.fetchAccount(gctx, repos, uid, acct, traceID)
			return nil
		})
	}
	return grp.Wait()
}

func (m *Manager) fetchAccount(ctx context.Context, repos *tenant.Repos, uid string, acct model.Account, traceID string) {
	rec := model.FetchRecord{
		ID:        m.newID(),
		AccountID: acct.ID,
		When:      m.now(),
	}
	defer func() {
		if err := repos.AppendFetchRecord(ctx, rec); err != nil {
			log.Printf("fetcher: tenant %s: appending fetch record: %v", uid, err)
		}
	}()

	src, ok := m.sources[acct.Provider]
	if !ok {
		rec.Error = "unsupported provider " + acct.Provider
		return
	}

	upd, err := src.EnsureValidAccessToken(ctx, acct)
	if err != nil {
		rec.Error = err.Error()
		return
	}
	if upd.Updated {
		acct.Tokens.AccessToken = upd.AccessToken
		if upd.RefreshToken != "" {
			acct.Tokens.RefreshToken = upd.RefreshToken
		}
		acct.Tokens.Expiry = upd.Expiry
		if err := repos.PutAccount(ctx, acct); err != nil {
			log.Printf("fetcher: tenant %s: persisting refreshed tokens for account %s: %v",
				uid, acct.ID, err)
		}
	}

	envs, err := src.FetchUnread(ctx, acct, message.FetchOptions{
		Max: fetchBatchMax, UnreadOnly: true})
	if err != nil {
		rec.Error = err.Error()
		return
	}
	rec.Fetched = len(envs)

	for _, env := range envs {
		res, err := m.sink.ProcessEmail(ctx, uid, env, traceID)
		if err != nil {
			log.Printf("fetcher: tenant %s: processing message %s: %v", uid, env.ID, err)
			continue
		}
		rec.Created += len(res.Created)
	}
}

// AutoStart starts the fetch loop of every tenant whose persisted
// settings request it.  Called once at process initialization.
func (m *Manager) AutoStart(ctx context.Context) error {
	uids, err := m.registry.TenantIDs()
	if err != nil {
		return err
	}
	for _, uid := range uids {
		repos, err := m.registry.Repos(ctx, uid)
		if err != nil {
			log.Printf("fetcher: autostart: tenant %s: %v", uid, err)
			continue
		}
		settings, err := repos.Settings(ctx)
		if err != nil {
			log.Printf("fetcher: autostart: tenant %s: %v", uid, err)
			continue
		}
		if !settings.FetcherAutoStart {
			continue
		}
		if err := m.Start(ctx, uid); err != nil {
			log.Printf("fetcher: autostart: tenant %s: %v", uid, err)
		}
	}
	return nil
}

// StopAll stops every active loop and waits for the loop goroutines
// (not their in-flight polls' downstream orchestration) to exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	var done []chan struct{}
	for _, st := range m.states {
		if st.active {
			st.active = false
			st.nextRun = nil
			close(st.stop)
		}
		if st.done != nil {
			done = append(done, st.done)
		}
	}
	done = append(done, m.draining...)
	m.draining = nil
	m.mu.Unlock()
	for _, ch := range done {
		<-ch
	}
}
