package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"txstore/internal/config"
	"txstore/internal/logutil"
	"txstore/internal/node"
)

type serveFlags struct {
	id        string
	listen    string
	peers     string
	groups    string
	httpAddr  string
	logLevel  string
	broadcast string
}

func newServeCommand() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a replica and serve until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.id, "id", "", "replica ID")
	flags.StringVar(&f.listen, "listen", "", "gRPC listen address")
	flags.StringVar(&f.peers, "peers", "", "peer addresses (id1=addr1,id2=addr2)")
	flags.StringVar(&f.groups, "groups", "", "group roster (g0=r1,r2;g1=r3)")
	flags.StringVar(&f.httpAddr, "http", "", "HTTP listen address")
	flags.StringVar(&f.logLevel, "log-level", "", "log level")
	flags.StringVar(&f.broadcast, "broadcast", "", "broadcast mode (raft or local)")
	return cmd
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(cmd *cobra.Command, f serveFlags) (*config.Config, error) {
	var cfg config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	} else {
		cfg = config.Default()
	}

	flags := cmd.Flags()
	if flags.Changed("id") {
		cfg.Replica.ID = f.id
	}
	if flags.Changed("listen") {
		cfg.Replica.Listen = f.listen
	}
	if flags.Changed("peers") {
		peers, err := config.ParsePeers(f.peers)
		if err != nil {
			return nil, err
		}
		cfg.Peers = peers
	}
	if flags.Changed("groups") {
		groups, err := config.ParseGroups(f.groups)
		if err != nil {
			return nil, err
		}
		cfg.Groups = groups
	}
	if flags.Changed("http") {
		cfg.HTTP.Listen = f.httpAddr
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if flags.Changed("broadcast") {
		cfg.Broadcast.Mode = f.broadcast
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logutil.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Broadcast.Mode != config.BroadcastRaft {
		return errors.Errorf("serve needs broadcast mode %q, got %q", config.BroadcastRaft, cfg.Broadcast.Mode)
	}

	replica, err := node.NewReplica(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := replica.Start(ctx); err != nil {
		return errors.Wrap(err, "start replica")
	}
	logger.Info("replica started",
		zap.String("id", cfg.Replica.ID),
		zap.String("listen", cfg.Replica.Listen),
		zap.String("http", cfg.HTTP.Listen),
		zap.Int("groups", len(cfg.Groups)))

	<-ctx.Done()
	logger.Info("shutting down", zap.String("id", cfg.Replica.ID))
	return replica.Stop()
}
