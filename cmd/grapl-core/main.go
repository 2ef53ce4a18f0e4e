// Package main provides grapl-core's CLI entry point.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/grapl-security/grapl-core/pkg/config"
	"github.com/grapl-security/grapl-core/pkg/historydb"
	"github.com/grapl-security/grapl-core/pkg/identity"
	"github.com/grapl-security/grapl-core/pkg/mutation"
	"github.com/grapl-security/grapl-core/pkg/query"
	"github.com/grapl-security/grapl-core/pkg/reverseedge"
	"github.com/grapl-security/grapl-core/pkg/server"
	"github.com/grapl-security/grapl-core/pkg/store"
	"github.com/grapl-security/grapl-core/pkg/uidalloc"
	"github.com/grapl-security/grapl-core/pkg/writedropper"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "grapl-core",
		Short: "grapl-core - graph identity and mutation core",
		Long: `grapl-core is the graph identity and mutation core: a uid allocator,
reverse-edge resolver, write dropper, asset/session identifier, wide-column
store, mutation engine, and structural query engine, wired behind a thin
HTTP/JSON API.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("grapl-core v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the grapl-core server",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate-history",
		Short: "Apply the history store's schema and exit",
		RunE:  runMigrateHistory,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMigrateHistory(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := historydb.Open(ctx, cfg.HistoryDB.Driver, cfg.HistoryDB.DSN)
	if err != nil {
		return fmt.Errorf("migrate-history: %w", err)
	}
	defer db.Close()

	fmt.Println("history store schema applied")
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("serve: invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.New(log.Writer(), "[grapl-core] ", log.LstdFlags|log.Lmicroseconds)
	logger.Printf("starting grapl-core v%s", version)
	logger.Printf("config: %s", cfg.String())

	historyDB, err := historydb.Open(ctx, cfg.HistoryDB.Driver, cfg.HistoryDB.DSN)
	if err != nil {
		return fmt.Errorf("serve: opening history store: %w", err)
	}
	defer historyDB.Close()

	nodeStore, err := store.Open(store.Options{
		DataDir:    cfg.Store.DataDir,
		InMemory:   cfg.Store.InMemory,
		SyncWrites: cfg.Store.SyncWrites,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("serve: opening store: %w", err)
	}
	defer nodeStore.Close()

	allocator := uidalloc.NewClient(uidalloc.Config{
		Endpoint:   cfg.Allocator.Endpoint,
		RangeSize:  cfg.Allocator.RangeSize,
		HTTPClient: &http.Client{Timeout: cfg.Allocator.Timeout},
		Logger:     logger,
	})

	resolver, err := reverseedge.NewResolver(reverseedge.Config{
		Endpoint:      cfg.SchemaService.Endpoint,
		CacheCapacity: 10000,
		HTTPClient:    &http.Client{Timeout: cfg.SchemaService.Timeout},
	})
	if err != nil {
		return fmt.Errorf("serve: constructing reverse-edge resolver: %w", err)
	}

	dropper, err := writedropper.New(cfg.WriteDropper.Capacity)
	if err != nil {
		return fmt.Errorf("serve: constructing write dropper: %w", err)
	}

	mutationEngine := mutation.New(nodeStore, allocator, resolver, dropper, logger)
	queryEngine := query.New(nodeStore)

	identifier := identity.New(historyDB, identity.Config{
		Pepper:        cfg.Identity.Pepper,
		CacheCapacity: cfg.Identity.CacheCapacity,
		CacheTTL:      cfg.Identity.CacheTTL,
		DefaultMode:   cfg.Identity.DefaultMode,
		GuessTTL:      cfg.Identity.GuessTTL,
		Logger:        logger,
	})
	srv := server.New(identifier, mutationEngine, queryEngine, server.Config{
		Address: cfg.Server.Address,
		Port:    cfg.Server.Port,
		Logger:  logger,
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("serve: starting server: %w", err)
	}

	<-ctx.Done()
	logger.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("serve: stopping server: %w", err)
	}
	logger.Println("stopped")
	return nil
}
