// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Command ui runs the prompts of a prompts file against the generation
// agent and serves the operator surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/olivere/genqueue"
	"github.com/olivere/genqueue/config"
	"github.com/olivere/genqueue/csvstore"
	"github.com/olivere/genqueue/mongodb"
	"github.com/olivere/genqueue/mysql"
	"github.com/olivere/genqueue/sqlite"
	"github.com/olivere/genqueue/ui/server"
	"github.com/olivere/genqueue/wsbridge"
)

func main() {
	var (
		configFile = flag.String("config", "config.txt", "configuration file")
		addr       = flag.String("addr", "", "HTTP bind address (overrides ui_addr)")
		publicDir  = flag.String("public", "public", "directory of the web client")
		dbdebug    = flag.Bool("dbdebug", false, "Enabled debug output for DB store")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if errors.Is(err, config.ErrCreated) {
		fmt.Printf("Created %s. Please fill in the settings and restart.\n", *configFile)
		os.Exit(0)
	}
	if err != nil {
		log.Fatal(err)
	}
	if *addr != "" {
		cfg.UIAddr = *addr
	}

	// Log to stdout and the log file
	out := io.Writer(os.Stdout)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		out = io.MultiWriter(os.Stdout, f)
	}
	logger := log.New(out, "", log.LstdFlags|log.Lshortfile)
	log.SetOutput(out)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if err := run(cfg, logger, *publicDir, *dbdebug); err != nil {
		logger.Printf("exit with error %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *log.Logger, publicDir string, dbdebug bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reg := genqueue.DefaultRegistry()
	if cfg.MarkersFile != "" {
		var err error
		if reg, err = genqueue.LoadRegistryFile(cfg.MarkersFile); err != nil {
			return err
		}
	}
	logger.Printf("markers version %s", reg.Version)
	category, err := cfg.Category(reg)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg, dbdebug)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := wsbridge.Dial(ctx, cfg.BridgeURL, wsbridge.SetPeer(cfg.BotName), wsbridge.SetLogger(logger))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.BridgeURL, err)
	}
	defer client.Close()

	srv := server.New(server.SetPublicDir(publicDir))
	options := append(cfg.Options(),
		genqueue.SetLogger(logger),
		genqueue.SetStore(store),
		genqueue.SetTransport(client),
		genqueue.SetRegistry(reg),
		genqueue.SetDefaultCategory(category),
		genqueue.SetObserver(srv.Notify),
		genqueue.SetRetryPolicy(newConsolePolicy(os.Stdin, os.Stdout)),
	)
	m := genqueue.New(options...)

	if err := addPrompts(ctx, m, cfg.PromptsFile, category, logger); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(client.Run(ctx))
	})
	g.Go(func() error {
		logger.Printf("web server listening on %v", cfg.UIAddr)
		return srv.Serve(ctx, cfg.UIAddr, m)
	})
	g.Go(func() error {
		defer cancel()
		err := m.Run(ctx)
		if errors.Is(err, genqueue.ErrAborted) {
			logger.Print("run aborted by operator")
			return nil
		}
		return ignoreCanceled(err)
	})
	err = g.Wait()

	stats, serr := m.Stats(context.Background())
	if serr == nil {
		logger.Printf("Pending=%d Completed=%d Error=%d Timeout=%d Skipped=%d",
			stats.Pending, stats.Completed, stats.Error, stats.Timeout, stats.Skipped)
	}
	for _, path := range m.UnknownArtifacts() {
		logger.Printf("unattributed result saved as %s", path)
	}
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openStore initializes the store selected by the configuration.
func openStore(cfg *config.Config, dbdebug bool) (genqueue.Store, func(), error) {
	nop := func() {}
	switch cfg.Store {
	case "csv":
		st, err := csvstore.NewStore(cfg.TableFile)
		return st, nop, err
	case "sqlite":
		path := cfg.StoreURL
		if path == "" {
			path = "genqueue.db"
		}
		st, err := sqlite.NewStore(path, sqlite.SetDebug(dbdebug))
		if err != nil {
			return nil, nop, err
		}
		return st, func() { st.Close() }, nil
	case "mysql":
		st, err := mysql.NewStore(cfg.StoreURL, mysql.SetDebug(dbdebug))
		if err != nil {
			return nil, nop, err
		}
		return st, func() { st.Close() }, nil
	case "mongodb":
		st, err := mongodb.NewStore(cfg.StoreURL)
		if err != nil {
			return nil, nop, err
		}
		return st, func() { st.Close() }, nil
	case "memory":
		return genqueue.NewInMemoryStore(), nop, nil
	}
	return nil, nop, fmt.Errorf("unsupported store %q", cfg.Store)
}

// addPrompts adds the prompts of the prompts file. Prompts already in the
// store keep their status.
func addPrompts(ctx context.Context, m *genqueue.Manager, path, category string, logger *log.Logger) error {
	prompts, err := csvstore.ReadPromptsFile(path, category)
	if errors.Is(err, os.ErrNotExist) {
		logger.Printf("no prompts file %s; running the jobs of the store", path)
		return nil
	}
	if err != nil {
		return err
	}
	for _, p := range prompts {
		if _, ok := m.Registry().Category(p.Category); !ok {
			logger.Printf("unknown category %q; using %q", p.Category, category)
			p.Category = category
		}
		if err := m.Add(ctx, genqueue.NewJob(p.Text, p.Category)); err != nil {
			return err
		}
	}
	logger.Printf("loaded %d prompt(s) from %s", len(prompts), path)
	return nil
}
