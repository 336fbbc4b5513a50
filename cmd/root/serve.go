package root

import (
	"cmp"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/membank/membank/pkg/config"
	"github.com/membank/membank/pkg/memory"
	"github.com/membank/membank/pkg/server"
)

// inMemoryDatabasePath selects the non-persistent store instead of SQLite.
const inMemoryDatabasePath = ":memory-store:"

type serveFlags struct {
	listenAddr string
	dbPath     string
	configPath string
	inMemory   bool
}

func newServeCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the membank API server",
		Long:    `Start the HTTP server that exposes agent memory over a JSON API`,
		GroupID: "server",
		Args:    cobra.NoArgs,
		RunE:    flags.runServeCommand,
	}

	cmd.Flags().StringVarP(&flags.listenAddr, "listen", "l", "", "Address to listen on (default :8283)")
	cmd.Flags().StringVar(&flags.dbPath, "db", "", "Path to the memory database (default ~/.membank/membank.db)")
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML config file")
	cmd.Flags().BoolVar(&flags.inMemory, "in-memory", false, "Keep all memory in process, without persistence")

	return cmd
}

func (f *serveFlags) runServeCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}

	// Flags override the config file.
	cfg.ListenAddr = cmp.Or(f.listenAddr, cfg.ListenAddr)
	cfg.DatabasePath = cmp.Or(f.dbPath, cfg.DatabasePath)
	if f.inMemory {
		cfg.DatabasePath = inMemoryDatabasePath
	}

	var store memory.Store
	if cfg.DatabasePath == inMemoryDatabasePath {
		slog.Info("Using in-memory store")
		store = memory.NewInMemoryStore()
	} else {
		sqliteStore, err := memory.NewSQLiteStore(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("creating memory store: %w", err)
		}
		defer sqliteStore.Close()
		store = sqliteStore
	}

	var opts []server.Option
	if cfg.APIKey != "" {
		opts = append(opts, server.WithAPIKey(cfg.APIKey))
	}

	s, err := server.New(store, opts...)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	ln, err := server.Listen(ctx, cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Listening on "+ln.Addr().String())
	slog.Debug("Starting server", "addr", ln.Addr().String(), "db", cfg.DatabasePath)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.Serve(ctx, ln)
	})
	eg.Go(func() error {
		<-ctx.Done()
		_ = ln.Close()
		return nil
	})

	return eg.Wait()
}
