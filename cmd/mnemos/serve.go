// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mnemos-ai/mnemos/internal/config"
	"github.com/mnemos-ai/mnemos/internal/embed"
	"github.com/mnemos-ai/mnemos/internal/graph"
	"github.com/mnemos-ai/mnemos/internal/index"
	"github.com/mnemos-ai/mnemos/internal/rpc"
	"github.com/mnemos-ai/mnemos/internal/search"
	"github.com/mnemos-ai/mnemos/internal/server"
	msync "github.com/mnemos-ai/mnemos/internal/sync"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the mnemos server",
		Long:  "Load configuration, restore the graph snapshot, resync the vector index, and serve the tool protocol.",
		RunE:  runServe,
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")
	_ = viper.BindPFlag("server.listen", cmd.Flags().Lookup("listen"))

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// First run without any config file: materialize the defaults so
	// operators have a file to edit. The running process keeps its
	// in-memory defaults either way.
	if viper.ConfigFileUsed() == "" {
		config.BootstrapConfig()
	}

	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return err
	}
	logger := setupLogger(viper.GetBool("verbose"))

	// Graph store, restored from the snapshot when one is configured.
	store, err := graph.New(graph.Options{
		SnapshotPath: cfg.Storage.SnapshotPath,
		Logger:       logger.With("component", "graph"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// Embedding pipeline: provider behind a batching, caching service.
	provider, err := embed.NewProvider(cfg.Embedding, cfg.Vector.Dimensions)
	if err != nil {
		return err
	}

	var cache *embed.Cache
	if cfg.Performance.CacheEnabled {
		cache, err = embed.NewCache(0, cfg.Performance.CacheTTL)
		if err != nil {
			return err
		}
		defer cache.Close()
	}

	embedSvc := embed.NewService(provider, embed.ServiceOptions{
		BatchSize:     cfg.Performance.BatchSize,
		BatchWindow:   cfg.Performance.BatchWindow,
		MaxConcurrent: cfg.Performance.MaxConcurrent,
		MaxRetries:    cfg.Performance.MaxRetries,
		Cache:         cache,
		Model:         cfg.Embedding.Model,
		Logger:        logger.With("component", "embed"),
	})
	defer embedSvc.Close()

	// Vector index backend.
	idx, err := index.New(cfg.Vector)
	if err != nil {
		return err
	}
	defer func() { _ = idx.Close() }()

	// Sync manager ties the store to the index.
	manager := msync.NewManager(store, embedSvc, idx, msync.Options{
		Workers:        cfg.Performance.SyncWorkers,
		ResyncInterval: cfg.Performance.ResyncInterval,
		Logger:         logger.With("component", "sync"),
	})
	defer manager.Close()
	store.SetSink(manager)

	// A restored snapshot may be ahead of the index (fresh index file,
	// crash before flush); re-drive every entity through the pipeline.
	store.ResyncAll()

	searcher := search.NewService(store, embedSvc, idx, search.Options{
		DefaultLimit: cfg.Performance.SearchLimit,
		Threshold:    cfg.Performance.SimilarityThreshold,
		Logger:       logger.With("component", "search"),
	})

	dispatcher := rpc.NewDispatcher(
		rpc.NewToolset(store, searcher, manager, idx),
		rpc.DispatcherOptions{
			ServerName:    cfg.Protocol.ServerName,
			ServerVersion: cfg.Protocol.ServerVersion,
			CallTimeout:   cfg.Protocol.CallTimeout,
			MaxInflight:   cfg.Protocol.MaxInflight,
			QueueBound:    cfg.Protocol.QueueBound,
			Logger:        logger.With("component", "rpc"),
		},
	)

	srv, err := server.New(server.Config{
		ListenAddr:  cfg.Server.Listen,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, dispatcher, manager, logger.With("component", "server"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting mnemos",
		"listen", cfg.Server.Listen,
		"vector_backend", cfg.Vector.Backend,
		"embedding_provider", cfg.Embedding.Provider)

	return srv.Start(ctx)
}
