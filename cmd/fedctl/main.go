package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blackmichael/diaspora-node/internal/config"
	"github.com/blackmichael/diaspora-node/internal/discovery"
	"github.com/blackmichael/diaspora-node/internal/media"
	"github.com/blackmichael/diaspora-node/internal/sqlite"
)

var (
	dbPath  string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fedctl",
		Short: "Administer a diaspora federation node",
		Long: `Manage local users and keys, look up remote identities, send
messages and drain the inbound queue of a node.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (default $DATABASE_PATH)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		keygenCmd(),
		addUserCmd(),
		resolveCmd(),
		sendCmd(),
		drainCmd(),
		watchCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// node holds what commands that touch the local database share.
type node struct {
	cfg      *config.Config
	repo     *sqlite.Repository
	fetcher  *media.Fetcher
	resolver *discovery.Resolver
	logger   *slog.Logger
}

func openNode(ctx context.Context) (*node, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}

	logger := setupLogger(verbose)
	repo, err := sqlite.NewRepository(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	fetcher := media.NewFetcher(nil)
	return &node{
		cfg:     cfg,
		repo:    repo,
		fetcher: fetcher,
		resolver: discovery.NewResolver(repo, fetcher, logger, discovery.Options{
			Timeout: cfg.DiscoveryTimeout,
			Scheme:  cfg.Scheme,
		}),
		logger: logger,
	}, nil
}

func (n *node) Close() error {
	return n.repo.Close()
}

// localHandle turns a bare username into a handle on this node.
func (n *node) localHandle(name string) string {
	if strings.Contains(name, "@") {
		return name
	}
	return name + "@" + n.cfg.Hostname
}
