// Package main provides the convlog CLI for browsing and searching Claude
// Code conversation logs.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"convlog/internal/archive"
	"convlog/internal/config"
	"convlog/internal/format"
	"convlog/internal/logging"
	"convlog/internal/model"
	"convlog/internal/search"
	"convlog/internal/store"
	"convlog/internal/usage"
	"convlog/internal/view"
)

var version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath  string
	projectsDir string
	cacheDir    string
	logLevel    string
	workers     int
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "convlog",
		Short:         "Browse, search, and analyze Claude Code conversation logs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file (default: $XDG_CONFIG_HOME/convlog/config.yaml)")
	pf.StringVar(&g.projectsDir, "projects-dir", "", "override the projects directory (env: CONVLOG_PROJECTS_DIR)")
	pf.StringVar(&g.cacheDir, "cache-dir", "", "override the cache directory (env: CONVLOG_CACHE_DIR)")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, or error (env: CONVLOG_LOG_LEVEL)")
	pf.IntVar(&g.workers, "workers", 0, "number of parallel workers (0 means one per CPU)")

	root.AddCommand(
		newProjectsCmd(g),
		newListCmd(g),
		newShowCmd(g),
		newInfoCmd(g),
		newSearchCmd(g),
		newStatsCmd(g),
		newAliasCmd(g),
		newIndexCmd(g),
		newWatchCmd(g),
		newMCPCmd(g),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "convlog: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode distinguishes lookup failures from other errors.
func exitCode(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrAmbiguous):
		return 2
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}

// loadConfig layers flags over the config file and environment.
func (g *globalFlags) loadConfig(errOut io.Writer) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.projectsDir != "" {
		cfg.ProjectsDir = g.projectsDir
	}
	if g.cacheDir != "" {
		cfg.CacheDir = g.cacheDir
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.workers > 0 {
		cfg.Workers = g.workers
	}
	if err := logging.Setup(errOut, cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (g *globalFlags) open(cmd *cobra.Command) (*archive.Archive, error) {
	cfg, err := g.loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return archive.Open(cfg)
}

func printWarnings(w io.Writer, warnings []error) {
	for _, warn := range warnings {
		fmt.Fprintf(w, "warning: %v\n", warn) //nolint:errcheck
	}
}

func newProjectsCmd(g *globalFlags) *cobra.Command {
	var (
		formatFlag string
		noHeader   bool
	)

	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List projects with session counts and last activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			projects, err := a.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			return format.WriteProjects(cmd.OutOrStdout(), projects, !noHeader, formatFlag)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&formatFlag, "format", "table", "output format: table, plain, json, or jsonl")
	flags.BoolVar(&noHeader, "no-header", false, "omit header row for plain output")
	return cmd
}

func newListCmd(g *globalFlags) *cobra.Command {
	var (
		cwd        string
		here       bool
		afterStr   string
		beforeStr  string
		limit      int
		formatFlag string
		noHeader   bool
	)

	cmd := &cobra.Command{
		Use:   "list [project]",
		Short: "List sessions in reverse chronological order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if here && cwd != "" {
				return errors.New("--here cannot be used with --cwd")
			}

			opts := store.ListOptions{Limit: limit, CWD: cwd}
			if len(args) == 1 {
				opts.Project = args[0]
			}
			if here {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("determine current directory: %w", err)
				}
				opts.CWD = wd
				opts.ExactCWD = true
			}

			var err error
			if opts.After, err = parseTimeFlag("--after", afterStr, time.Now()); err != nil {
				return err
			}
			if opts.Before, err = parseTimeFlag("--before", beforeStr, time.Now()); err != nil {
				return err
			}

			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			entries, warnings, err := a.ListSessions(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printWarnings(cmd.ErrOrStderr(), warnings)
			return format.WriteSessions(cmd.OutOrStdout(), entries, !noHeader, formatFlag)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cwd, "cwd", "", "only sessions whose cwd is inside the provided path")
	flags.BoolVar(&here, "here", false, "only sessions started in the current directory")
	flags.StringVar(&afterStr, "after", "", "include sessions starting on/after an RFC3339 timestamp or age such as 7d")
	flags.StringVar(&beforeStr, "before", "", "include sessions starting on/before an RFC3339 timestamp or age such as 7d")
	flags.IntVar(&limit, "limit", 0, "limit number of sessions returned (0 means no limit)")
	flags.StringVar(&formatFlag, "format", "table", "output format: table, plain, json, or jsonl")
	flags.BoolVar(&noHeader, "no-header", false, "omit header row for plain output")
	return cmd
}

func newShowCmd(g *globalFlags) *cobra.Command {
	var (
		kindArg      string
		raw          bool
		wrap         int
		maxEvents    int
		formatFlag   string
		thinking     bool
		tools        bool
		sidechains   bool
		forceColor   bool
		forceNoColor bool
		noPager      bool
	)

	cmd := &cobra.Command{
		Use:     "show <session-id-alias-or-path>",
		Aliases: []string{"view"},
		Short:   "Render a session transcript",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if forceColor && forceNoColor {
				return errors.New("--color and --no-color cannot be used together")
			}

			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			sess, err := a.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if sess.Discontinuity != nil {
				printWarnings(cmd.ErrOrStderr(), []error{sess.Discontinuity})
			}

			out := cmd.OutOrStdout()
			outFile, _ := out.(*os.File)
			return view.Run(view.Options{
				Graph:        sess.Graph,
				Format:       formatFlag,
				Wrap:         wrap,
				MaxEvents:    maxEvents,
				KindArg:      kindArg,
				Thinking:     thinking,
				Tools:        tools,
				Sidechains:   sidechains,
				ForceColor:   forceColor,
				ForceNoColor: forceNoColor,
				RawFile:      raw,
				NoPager:      noPager,
				Out:          out,
				OutFile:      outFile,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&kindArg, "kind", "k", "", "comma-separated record kinds: user, assistant, system, summary, or all (default: user,assistant)")
	flags.BoolVar(&raw, "raw", false, "output the session file without formatting")
	flags.IntVar(&wrap, "wrap", 0, "wrap message body at the given column width")
	flags.IntVar(&maxEvents, "max", 0, "show only the most recent N records (0 means no limit)")
	flags.StringVar(&formatFlag, "format", "text", "output format: text, chat, or raw")
	flags.BoolVar(&thinking, "thinking", false, "include assistant thinking")
	flags.BoolVar(&tools, "tools", false, "include tool calls and their results")
	flags.BoolVar(&sidechains, "sidechains", false, "include side-chain (sub-agent) records")
	flags.BoolVar(&forceColor, "color", false, "force-enable ANSI colors even when stdout is not a TTY")
	flags.BoolVar(&forceNoColor, "no-color", false, "disable ANSI colors regardless of terminal detection")
	flags.BoolVar(&noPager, "no-pager", false, "do not pipe chat output through $PAGER")
	return cmd
}

func newInfoCmd(g *globalFlags) *cobra.Command {
	var formatFlag string

	cmd := &cobra.Command{
		Use:   "info <session-id-alias-or-path>",
		Short: "Show session metadata and file details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			sess, err := a.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if sess.Discontinuity != nil {
				printWarnings(cmd.ErrOrStderr(), []error{sess.Discontinuity})
			}
			entry := sess.Entry
			entry.Meta = sess.Metadata
			return format.WriteSessionInfo(cmd.OutOrStdout(), entry, formatFlag)
		},
	}

	cmd.Flags().StringVar(&formatFlag, "format", "table", "output format: table, plain, json, or jsonl")
	return cmd
}

func newSearchCmd(g *globalFlags) *cobra.Command {
	var (
		project    string
		fieldsArg  string
		sinceStr   string
		limit      int
		noBuild    bool
		formatFlag string
		noHeader   bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search across sessions; quote phrases to match them exactly",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := search.Query{Text: strings.Join(args, " "), Project: project, Limit: limit}
			if limit <= 0 {
				q.Limit = search.NoLimit
			}
			if fieldsArg != "" {
				for _, name := range strings.Split(fieldsArg, ",") {
					f, err := search.ParseField(strings.TrimSpace(name))
					if err != nil {
						return err
					}
					q.Fields = append(q.Fields, f)
				}
			}
			since, err := parseTimeFlag("--since", sinceStr, time.Now())
			if err != nil {
				return err
			}
			if since != nil {
				q.Since = *since
			}

			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			matches, warnings, err := a.Search(cmd.Context(), q, archive.SearchOptions{BuildIfStale: !noBuild})
			printWarnings(cmd.ErrOrStderr(), warnings)
			if err != nil {
				return err
			}
			return format.WriteMatches(cmd.OutOrStdout(), matches, !noHeader, formatFlag)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&project, "project", "", "restrict the search to one project")
	flags.StringVar(&fieldsArg, "fields", "", "comma-separated fields: text, thinking, tool_result, tool_input (default from config)")
	flags.StringVar(&sinceStr, "since", "", "only records on/after an RFC3339 timestamp or age such as 7d")
	flags.IntVar(&limit, "limit", 20, "maximum number of matches (0 means no limit)")
	flags.BoolVar(&noBuild, "no-build", false, "query the existing index without refreshing it")
	flags.StringVar(&formatFlag, "format", "table", "output format: table, plain, json, or jsonl")
	flags.BoolVar(&noHeader, "no-header", false, "omit header row for plain output")
	return cmd
}

func newStatsCmd(g *globalFlags) *cobra.Command {
	var (
		windowArg  string
		project    string
		formatFlag string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise token usage, cost, tools, and models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			window, err := usage.ParseWindow(windowArg)
			if err != nil {
				return err
			}

			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			stats, warnings, err := a.Stats(cmd.Context(), project, window)
			if err != nil {
				return err
			}
			printWarnings(cmd.ErrOrStderr(), warnings)
			return format.WriteStats(cmd.OutOrStdout(), stats, formatFlag)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&windowArg, "window", "all", "time window: day, week, month, or all")
	flags.StringVar(&project, "project", "", "restrict statistics to one project")
	flags.StringVar(&formatFlag, "format", "table", "output format: table, plain, json, or jsonl")
	return cmd
}

func newAliasCmd(g *globalFlags) *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "alias <session> [name]",
		Short: "Name a session so it can be referenced by alias",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remove == (len(args) == 2) {
				return errors.New("provide either a name or --remove")
			}

			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			out := cmd.OutOrStdout()
			if remove {
				entry, err := a.RemoveAlias(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "removed alias from %s\n", entry.ID) //nolint:errcheck
				return nil
			}
			entry, err := a.SetAlias(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s -> %s\n", entry.Alias, entry.ID) //nolint:errcheck
			return nil
		},
	}

	cmd.Flags().BoolVar(&remove, "remove", false, "remove the alias of the session")
	return cmd
}

// parseTimeFlag accepts RFC3339 timestamps, Go durations such as 36h, or a
// day count such as 7d; the latter two are ages relative to now.
func parseTimeFlag(name, value string, now time.Time) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	if days, ok := strings.CutSuffix(value, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil && n >= 0 {
			t := now.AddDate(0, 0, -n)
			return &t, nil
		}
	}
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		t := now.Add(-d)
		return &t, nil
	}
	return nil, fmt.Errorf("invalid %s value %q: want RFC3339, a duration, or Nd", name, value)
}
