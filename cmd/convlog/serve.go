package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"convlog/internal/logging"
	"convlog/internal/mcpserver"
	"convlog/internal/watch"
)

func newIndexCmd(g *globalFlags) *cobra.Command {
	var stats bool

	cmd := &cobra.Command{
		Use:   "index [project]",
		Short: "Refresh the session catalog and bring the search index up to date",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project := ""
			if len(args) == 1 {
				project = args[0]
			}

			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			res, warnings, err := a.Reindex(cmd.Context(), project)
			printWarnings(cmd.ErrOrStderr(), warnings)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sessions: %d (%d derived, %d reused, %d removed)\n", //nolint:errcheck
				len(res.Catalog.Entries), res.Catalog.Derived, res.Catalog.Reused, res.Catalog.Pruned)
			fmt.Fprintf(out, "segments: %d rebuilt, %d reused, %d pruned\n", //nolint:errcheck
				res.Index.Rebuilt, res.Index.Reused, res.Pruned)
			if stats {
				s := a.IndexStats()
				fmt.Fprintf(out, "index: %d segments, %d documents, %d terms\n", s.Segments, s.Docs, s.Terms) //nolint:errcheck
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&stats, "stats", false, "print index size after updating")
	return cmd
}

func newWatchCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the catalog and search index current as sessions change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			ctx := cmd.Context()
			_, warnings, err := a.Reindex(ctx, "")
			printWarnings(cmd.ErrOrStderr(), warnings)
			if err != nil {
				return err
			}

			cfg := a.Config()
			w, err := watch.New(a, watch.Options{
				Root:          cfg.ProjectsDir,
				Debounce:      time.Duration(cfg.Watch.DebounceMillis) * time.Millisecond,
				RatePerSecond: cfg.Watch.RatePerSecond,
				Logger:        logging.For(logging.CompWatch),
			})
			if err != nil {
				return err
			}
			defer w.Close() //nolint:errcheck

			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s (Ctrl-C to stop)\n", cfg.ProjectsDir) //nolint:errcheck
			return w.Run(ctx)
		},
	}
	return cmd
}

func newMCPCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the archive as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			return mcpserver.New(a, version).Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	return cmd
}
