package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ericbjones/clean-invaders/catalog"
	"github.com/ericbjones/clean-invaders/domain"
	"github.com/ericbjones/clean-invaders/storage"
)

func newRootCmd(cfg *config) *cobra.Command {
	root := &cobra.Command{
		Use:   "clean-invaders",
		Short: "Shared cleaning dashboard with live sync between clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *cfg)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cfg.bindFlags(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Reconcile the catalog and serve the dashboard API",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), *cfg)
			},
		},
		&cobra.Command{
			Use:   "check-config",
			Short: "Load and validate the room catalog",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return checkConfig(cmd.OutOrStdout(), *cfg)
			},
		},
		&cobra.Command{
			Use:   "reconcile",
			Short: "Create missing task rows for the catalog and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd.Context(), *cfg, func(ctx context.Context, store catalogWriter, cat *catalog.Catalog) error {
					if err := store.Reconcile(ctx, cat.Keys()); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "reconciled %d tasks\n", len(cat.Keys()))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Zero all progress and assignments, keeping hidden rooms hidden",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd.Context(), *cfg, func(ctx context.Context, store catalogWriter, cat *catalog.Catalog) error {
					if err := store.ResetAll(ctx, cat.Keys()); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "reset %d tasks\n", len(cat.Keys()))
					return nil
				})
			},
		},
	)
	return root
}

// catalogWriter is the part of the store the one-shot commands write to.
type catalogWriter interface {
	Reconcile(ctx context.Context, keys []domain.Key) error
	ResetAll(ctx context.Context, keys []domain.Key) error
}

// withStore loads the catalog and opens the store for a one-shot command.
// With Redis configured the writes go through the snapshot cache so a
// running server stops serving its cached copy.
func withStore(ctx context.Context, cfg config, fn func(context.Context, catalogWriter, *catalog.Catalog) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cat, err := cfg.loader().Load()
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.DBPath, log.StandardLogger())
	if err != nil {
		return err
	}
	defer store.Close()
	if cfg.RedisURL == "" {
		return fn(ctx, store, cat)
	}
	rc := redis.NewClient(redisOptions(cfg.RedisURL))
	defer rc.Close()
	return fn(ctx, storage.NewCache(store, rc, cachePrefix, cfg.CacheTTL), cat)
}

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	okColor     = color.New(color.FgGreen)
	errColor    = color.New(color.FgRed, color.Bold)
	dimColor    = color.New(color.FgHiBlack)
)

func checkConfig(w io.Writer, cfg config) error {
	cat, err := cfg.loader().Load()
	if err != nil {
		errColor.Fprintf(w, "✗ %v\n", err)
		return err
	}

	total := 0
	for _, floor := range cat.Floors() {
		rooms := cat.Rooms(floor)
		headerColor.Fprintf(w, "%s (%d rooms)\n", floor, len(rooms))
		for _, r := range rooms {
			fmt.Fprintf(w, "  %s ", r.Name)
			dimColor.Fprintf(w, "[%s] ", r.Key)
			fmt.Fprintf(w, "%d tasks\n", len(r.Tasks))
			total += len(r.Tasks)
		}
	}

	colors := cat.Colors()
	if len(colors) > 0 {
		labels := make([]string, 0, len(colors))
		for k := range colors {
			labels = append(labels, k)
		}
		sort.Strings(labels)
		headerColor.Fprintf(w, "colors (%d)\n", len(labels))
		for _, k := range labels {
			fmt.Fprintf(w, "  %s %s\n", k, colors[k].Hex)
		}
	}
	okColor.Fprintf(w, "✓ %d floors, %d tasks\n", len(cat.Floors()), total)
	return nil
}
