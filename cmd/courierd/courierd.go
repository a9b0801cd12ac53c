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

// The courierd command runs the multi-tenant mail orchestration
// daemon: it polls each tenant's mailboxes, routes new mail through
// the tenant's filters, and drives the resulting director and agent
// conversations until they complete.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/courierlabs/courier/internal/cleanup"
	"github.com/courierlabs/courier/internal/config"
	"github.com/courierlabs/courier/internal/fetcher"
	"github.com/courierlabs/courier/internal/gmail"
	"github.com/courierlabs/courier/internal/ingest"
	"github.com/courierlabs/courier/internal/llm"
	"github.com/courierlabs/courier/internal/model"
	"github.com/courierlabs/courier/internal/orchestrator"
	"github.com/courierlabs/courier/internal/outlook"
	"github.com/courierlabs/courier/internal/tenant"
	"github.com/courierlabs/courier/internal/tracehttp"

	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagConfig = flag.String("config", "", "path to the YAML config file")
	flagTrace  = flag.Bool("T", false, "request debug tracing")
	flagPurge  = flag.String("purge", "", "purge the named tenant's conversation data and exit")
)

// evictInterval is how often the registry sweeps idle tenant entries.
const evictInterval = time.Minute

func run() error {
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return errors.Wrap(err, "unable to load configuration")
	}
	if *flagTrace || cfg.Trace {
		tracehttp.WrapDefaultTransport()
	}

	registry, err := tenant.NewRegistry(cfg.DataRoot, tenant.Options{
		TTL:        time.Duration(cfg.RegistryTTLMinutes) * time.Minute,
		MaxEntries: cfg.RegistryMaxEntries,
	})
	if err != nil {
		return errors.Wrap(err, "unable to initialize tenant registry")
	}
	defer registry.Close()

	if *flagPurge != "" {
		return purge(registry, *flagPurge)
	}

	orc := orchestrator.New(llm.New(), cfg.MaxTurns)
	exec := orchestrator.NewExecutor(orc, registry)
	proc := ingest.New(registry, exec)

	sources := map[string]fetcher.MailSource{
		model.ProviderGmail:   gmail.New(cfg.Google.ClientID, cfg.Google.ClientSecret),
		model.ProviderOutlook: outlook.New(cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret),
	}
	mgr := fetcher.NewManager(registry, proc, sources,
		time.Duration(cfg.PollIntervalMinutes)*time.Minute)

	// A tenant evicted from the registry loses its fetch loop too;
	// the loop restarts on the next explicit Start or AutoStart.
	registry.OnEvict(mgr.Stop)

	ctx := context.Background()
	if err := mgr.AutoStart(ctx); err != nil {
		return errors.Wrap(err, "unable to autostart fetchers")
	}

	sweeper := time.NewTicker(evictInterval)
	defer sweeper.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sweeper.C:
			registry.EvictIdle()
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			mgr.StopAll()
			exec.Wait()
			return nil
		}
	}
}

// purge removes every conversation, workspace item and log record of
// one tenant, reporting what was dropped.
func purge(registry *tenant.Registry, uid string) error {
	svc := cleanup.New(registry)
	stats, err := svc.PurgeAll(context.Background(), uid)
	if err != nil {
		return errors.Wrapf(err, "unable to purge tenant %s", uid)
	}
	log.Printf("tenant %s: purged %d conversations, %d workspace items, %d fetch records, %d orchestration records, %d provider events, %d traces",
		uid, stats.Conversations, stats.WorkspaceItems, stats.FetchRecords,
		stats.OrchestrationRecords, stats.ProviderEvents, stats.Traces)
	return nil
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		log.Fatalf("Failed: %v\n", err)
	}
	os.Exit(0)
}
