// Command verdict-admin runs operational tasks against the decision ledger:
// applying migrations, purging a phase, verifying that a phase's audit trail
// replays to its committed state, and backfilling the search indexes.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"verdict/core/internal/config"
	"verdict/core/internal/engine"
	"verdict/core/internal/search"
	"verdict/core/internal/statscache"
	"verdict/core/internal/store"
)

func main() {
	var (
		migrate      = flag.Bool("migrate", false, "apply pending database migrations and exit")
		purgePhase   = flag.String("purge-phase", "", "phase ID to purge (destructive; audit trail is retained)")
		verifyPhase  = flag.String("verify-phase", "", "phase ID whose audit trail to replay and verify")
		reindexPhase = flag.String("reindex-phase", "", "phase ID whose search indexes to backfill (requires MEILI_URL)")
		actor        = flag.String("actor", "admin", "actor recorded on audit entries written by this run")
	)
	flag.Parse()

	if !*migrate && *purgePhase == "" && *verifyPhase == "" && *reindexPhase == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if *migrate {
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		log.Println("migrations applied")
	}

	dataStore := store.NewPostgresStore(db)

	var searchService *search.Service
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		searchService = search.NewService(meiliClient, search.NewPgSearch(db))
	}

	if *purgePhase != "" {
		var opts []engine.Option
		if strings.TrimSpace(cfg.RedisURL) != "" {
			cache, err := statscache.New(cfg.RedisURL, cfg.StatsCacheTTL)
			if err != nil {
				log.Fatalf("redis connection failed: %v", err)
			}
			defer cache.Close()
			opts = append(opts, engine.WithStatsCache(cache))
		}
		if searchService != nil {
			opts = append(opts, engine.WithIndexer(searchService))
		}
		eng := engine.New(dataStore, opts...)
		if err := eng.PurgePhase(ctx, *purgePhase, *actor); err != nil {
			log.Fatalf("purge phase %s: %v", *purgePhase, err)
		}
		log.Printf("phase %s purged", *purgePhase)
	}

	if *reindexPhase != "" {
		if searchService == nil {
			log.Fatal("reindex requires MEILI_URL to be set")
		}
		entries, items, err := searchService.ReindexPhase(ctx, dataStore, *reindexPhase)
		if err != nil {
			log.Fatalf("reindex phase %s: %v", *reindexPhase, err)
		}
		log.Printf("phase %s reindexed: %d audit entries, %d decision items", *reindexPhase, entries, items)
	}

	if *verifyPhase != "" {
		if err := verify(ctx, dataStore, *verifyPhase); err != nil {
			log.Fatalf("verify phase %s: %v", *verifyPhase, err)
		}
		log.Printf("phase %s verified: audit trail matches committed state", *verifyPhase)
	}
}

// verify replays the phase's audit trail and diffs the result against the
// committed rows. Any mismatch means history and state have diverged.
func verify(ctx context.Context, st store.Store, phaseID string) error {
	entries, err := st.ListAuditTrail(ctx, phaseID, store.AuditFilter{})
	if err != nil {
		return fmt.Errorf("load audit trail: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no audit entries for phase")
	}

	replayed, err := engine.ReplayPhase(entries)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	committed, err := engine.CurrentPhaseState(ctx, st, phaseID)
	if err != nil {
		return fmt.Errorf("read committed state: %w", err)
	}

	var problems []string
	for id, v := range committed.Versions {
		rv, ok := replayed.Versions[id]
		if !ok {
			problems = append(problems, fmt.Sprintf("version %s committed but absent from replay", id))
			continue
		}
		if !sameJSON(v, rv) {
			problems = append(problems, fmt.Sprintf("version %s differs between replay and store", id))
		}
	}
	for id := range replayed.Versions {
		if _, ok := committed.Versions[id]; !ok {
			problems = append(problems, fmt.Sprintf("version %s replayed but not committed", id))
		}
	}

	for versionID, byRef := range committed.Items {
		for ref, item := range byRef {
			ritem, ok := replayed.Items[versionID][ref]
			if !ok {
				problems = append(problems, fmt.Sprintf("item %s/%s committed but absent from replay", versionID, ref))
				continue
			}
			if !sameJSON(item, ritem) {
				problems = append(problems, fmt.Sprintf("item %s/%s differs between replay and store", versionID, ref))
			}
		}
	}
	for versionID, byRef := range replayed.Items {
		for ref := range byRef {
			if _, ok := committed.Items[versionID][ref]; !ok {
				problems = append(problems, fmt.Sprintf("item %s/%s replayed but not committed", versionID, ref))
			}
		}
	}

	if len(problems) > 0 {
		for _, p := range problems {
			log.Printf("mismatch: %s", p)
		}
		return fmt.Errorf("%d mismatches", len(problems))
	}
	return nil
}

// sameJSON compares two values by their JSON encoding. Timestamps survive a
// database read and an audit-snapshot round trip with different in-memory
// representations, so structural comparison would report false mismatches.
func sameJSON(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
