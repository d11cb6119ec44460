// Package main provides the entry point for the botswitch proxy engine.
// The server accepts one OneBot v11 client per configured connection and
// fans its traffic out to a set of downstream bot framework targets,
// translating for those speaking the Sakoya dialect.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/botswitch/botswitch/internal/buildinfo"
	"github.com/botswitch/botswitch/internal/command"
	"github.com/botswitch/botswitch/internal/config"
	"github.com/botswitch/botswitch/internal/logging"
	"github.com/botswitch/botswitch/internal/server"
	"github.com/botswitch/botswitch/internal/store"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	fmt.Printf("botswitch version: %s, commit: %s, built at: %s\n",
		buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		return
	}

	// optional .env for BOTSWITCH_LOG_LEVEL and friends
	if err := godotenv.Load(); err == nil {
		log.Debug("loaded environment from .env")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	logging.ConfigureFileOutput(cfg.LogDir, cfg.Debug)

	var st *store.Store
	if cfg.DatabasePath != "" {
		st, err = store.New(cfg.DatabasePath)
		if err != nil {
			log.Fatalf("open database %s: %v", cfg.DatabasePath, err)
		}
		defer st.Close()
	} else {
		log.Warn("no database-path configured, messages and auth state will not persist")
	}

	auth := command.NewAuthManager(cfg.Security, st)
	commands := command.NewHandler(auth)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(cfg, st, commands)
	srv.Start(ctx)

	go func() {
		if err := config.Watch(ctx, configPath, func(newCfg *config.Config) {
			logging.ConfigureFileOutput(newCfg.LogDir, newCfg.Debug)
			srv.Reload(newCfg)
		}); err != nil {
			log.Errorf("config watcher stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received %s, shutting down", sig)

	cancel()
	srv.Stop()
}
