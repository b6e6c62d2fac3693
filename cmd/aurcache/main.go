package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"github.com/huyhandes/aurcache/internal/aur"
	"github.com/huyhandes/aurcache/internal/cache"
	"github.com/huyhandes/aurcache/internal/config"
	"github.com/huyhandes/aurcache/internal/logger"
	"github.com/huyhandes/aurcache/internal/planner"
	"github.com/huyhandes/aurcache/internal/server"
	"github.com/huyhandes/aurcache/internal/snapshot"
	"github.com/huyhandes/aurcache/internal/storage"
)

const version = "1.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// app carries the loaded configuration and flag values shared by every
// command.
type app struct {
	stdout io.Writer
	stderr io.Writer

	cfg     *config.Config
	records *cache.RecordCache
	client  *aur.Client
	planner *planner.Planner

	// persistent flags
	ttlMinutes   float64
	refresh      bool
	debug        bool
	noCache      bool
	cacheBackend string
	cachePath    string
	aurURL       string

	// command flags
	by           string
	intersect    bool
	fullInfo     bool
	lastPackager bool
	jsonOutput   bool
	dir          string
	git          bool
	pull         bool
	dryRun       bool
	port         string

	// failed is set when some requested package could not be resolved.
	failed   bool
	reported map[string]struct{}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr, reported: make(map[string]struct{})}
	defer a.close()

	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	if a.failed {
		return 1
	}
	return 0
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aurcache",
		Short:         "Cached, batching client for the AUR RPC interface",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.Float64Var(&a.ttlMinutes, "ttl", 0, "cache time-to-live in minutes (default from AURCACHE_TTL)")
	flags.BoolVar(&a.refresh, "refresh", false, "ignore cached entries and fetch again")
	flags.BoolVar(&a.debug, "debug", false, "log debugging information")
	flags.BoolVar(&a.noCache, "no-cache", false, "keep the cache in memory for this run only")
	flags.StringVar(&a.cacheBackend, "cache-backend", "", "cache backend: bolt, sqlite, local, s3 or memory")
	flags.StringVar(&a.cachePath, "cache-path", "", "location of the cache")
	flags.StringVar(&a.aurURL, "aur-url", "", "base URL of the AUR")

	root.AddCommand(
		a.infoCmd(),
		a.searchCmd(),
		a.msearchCmd(),
		a.downloadCmd(),
		a.purgeCmd(),
		a.serveCmd(),
	)
	return root
}

// setup loads the configuration, applies flag overrides and opens the
// cache for the command about to run.
func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.Load()

	if cmd.Flags().Changed("ttl") {
		if a.ttlMinutes < 0 {
			a.ttlMinutes = 0
		}
		cfg.TTL = time.Duration(a.ttlMinutes * float64(time.Minute))
	}
	if a.aurURL != "" {
		cfg.AURURL = trimSlash(a.aurURL)
		cfg.RPCURL = cfg.AURURL + "/rpc"
	}
	if a.cacheBackend != "" {
		cfg.CacheBackend = a.cacheBackend
		if a.cachePath == "" {
			cfg.CachePath = config.DefaultCachePath(cfg.CacheBackend)
		}
	}
	if a.cachePath != "" {
		cfg.CachePath = a.cachePath
	}
	if a.noCache {
		cfg.CacheBackend = config.BackendMemory
	}
	if a.debug {
		cfg.LogLevel = "DEBUG"
	}

	logger.Init(logger.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Color:  cfg.LogColor,
		Writer: a.stderr,
	})

	log.Debug().
		Str("version", version).
		Str("rpc_url", cfg.RPCURL).
		Str("cache_backend", cfg.CacheBackend).
		Str("cache_path", cfg.CachePath).
		Dur("ttl", cfg.TTL).
		Msg("Configuration loaded")

	a.cfg = cfg
	a.records = cache.Open(cfg)
	a.client = aur.NewClient(cfg)
	a.planner = planner.New(a.client, a.records, planner.OptionsFromConfig(cfg))
	return nil
}

func (a *app) close() {
	if a.records == nil {
		return
	}
	if err := a.records.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close cache")
	}
}

func (a *app) infoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <package>...",
		Short: "Show the complete records of packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := planner.Info(args...)
			q.Refresh = a.refresh
			q.LastPackager = a.lastPackager

			records, err := a.collect(cmd.Context(), q)
			if err != nil {
				return err
			}
			a.reportMissing(args, records, "was not found")
			return a.print(records, true)
		},
	}
	cmd.Flags().BoolVar(&a.lastPackager, "last-packager", false, "look up the last packager on the package page")
	cmd.Flags().BoolVar(&a.jsonOutput, "json", false, "print records as JSON")
	return cmd
}

func (a *app) searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <term>...",
		Short: "Search packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			field, err := aur.ParseField(a.by)
			if err != nil {
				return err
			}
			q := planner.Search(field, args...)
			q.Intersect = a.intersect
			q.Full = a.fullInfo
			q.Refresh = a.refresh

			records, err := a.collect(cmd.Context(), q)
			if err != nil {
				return err
			}
			return a.print(records, a.fullInfo)
		},
	}
	cmd.Flags().StringVar(&a.by, "by", string(aur.DefaultField), "search field: name, name-desc or maintainer")
	cmd.Flags().BoolVar(&a.intersect, "intersect", false, "only show packages matching every term")
	cmd.Flags().BoolVar(&a.fullInfo, "full-info", false, "show complete records")
	cmd.Flags().BoolVar(&a.jsonOutput, "json", false, "print records as JSON")
	return cmd
}

func (a *app) msearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "msearch [maintainer]",
		Short: "List packages of a maintainer, or orphans when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			maintainer := ""
			if len(args) == 1 {
				maintainer = args[0]
			}
			q := planner.MSearch(maintainer)
			q.Full = a.fullInfo
			q.Refresh = a.refresh

			records, err := a.collect(cmd.Context(), q)
			if err != nil {
				return err
			}
			return a.print(records, a.fullInfo)
		},
	}
	cmd.Flags().BoolVar(&a.fullInfo, "full-info", false, "show complete records")
	cmd.Flags().BoolVar(&a.jsonOutput, "json", false, "print records as JSON")
	return cmd
}

func (a *app) downloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <package>...",
		Short: "Download and extract the build files of packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.pull && !a.git {
				return errors.New("--pull requires --git")
			}

			q := planner.Info(args...)
			q.Refresh = a.refresh
			resolved := a.planner.Resolve(cmd.Context(), q)

			var seq iter.Seq2[aur.Record, error]
			if a.git {
				seq = snapshot.NewGitMirror(a.cfg.AURURL, a.pull).Download(cmd.Context(), a.dir, resolved)
			} else {
				var archive storage.Storage
				if a.cfg.ArchivePath != "" {
					archiveDir, err := storage.OpenDir(a.cfg.ArchivePath)
					if err != nil {
						log.Warn().Err(err).Str("path", a.cfg.ArchivePath).Msg("Snapshot archive unavailable")
					} else {
						archive = archiveDir
						defer archiveDir.Close()
					}
				}
				seq = snapshot.NewDownloader(a.client, archive).Download(cmd.Context(), a.dir, resolved)
			}

			var extracted []aur.Record
			for record, err := range seq {
				if err != nil {
					if !a.itemFailed(err) {
						return err
					}
					continue
				}
				extracted = append(extracted, record)
				_, _ = fmt.Fprintf(a.stdout, ":: %s %s\n", record.Name, record.Version)
			}
			a.reportMissing(args, extracted, "was not downloaded")
			return nil
		},
	}
	cmd.Flags().StringVarP(&a.dir, "dir", "d", ".", "directory to extract into")
	cmd.Flags().BoolVar(&a.git, "git", false, "clone the package git repositories instead of extracting snapshots")
	cmd.Flags().BoolVar(&a.pull, "pull", false, "with --git, pull existing clones instead of only fetching")
	return cmd
}

func (a *app) purgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete cache entries older than the TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.dryRun {
				return a.listExpired(cmd.Context())
			}
			removed, err := a.records.PurgeExpired(cmd.Context(), a.cfg.TTL)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.stdout, "removed %d expired entries\n", removed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&a.dryRun, "dry-run", false, "list expired entries without deleting them")
	return cmd
}

// listExpired prints the entries purge would delete. Entries that no longer
// decode are not listed.
func (a *app) listExpired(ctx context.Context) error {
	now := time.Now()
	count := 0
	err := a.records.ForEach(ctx, func(e *cache.Entry) error {
		if cache.Fresh(e.FetchedAt, now, a.cfg.TTL) {
			return nil
		}
		count++
		_, err := fmt.Fprintf(a.stdout, "%s\t%s\n", e.Key, e.FetchedAt.Format(time.RFC3339))
		return err
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(a.stdout, "would remove %d expired entries\n", count)
	return nil
}

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the RPC interface from the cache over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			port := a.cfg.Port
			if a.port != "" {
				port = a.port
			}

			log.Info().
				Str("version", version).
				Str("rpc_url", a.cfg.RPCURL).
				Str("cache_backend", a.cfg.CacheBackend).
				Bool("cache_enabled", !a.records.Disabled()).
				Dur("ttl", a.cfg.TTL).
				Str("port", port).
				Msg("🚀 Starting aurcache server")

			srv := server.New(a.cfg, a.planner)
			return srv.ListenAndServe(cmd.Context(), ":"+port, 5*time.Second)
		},
	}
	cmd.Flags().StringVarP(&a.port, "port", "p", "", "listen port (default from PORT)")
	return cmd
}

// collect drains q, reporting per-package failures on stderr.
func (a *app) collect(ctx context.Context, q planner.Query) ([]aur.Record, error) {
	var records []aur.Record
	for record, err := range a.planner.Resolve(ctx, q) {
		if err != nil {
			if !a.itemFailed(err) {
				return records, err
			}
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// itemFailed reports err if it concerns a single package.
func (a *app) itemFailed(err error) bool {
	itemErr, ok := asItemError(err)
	if !ok {
		return false
	}
	a.failed = true
	a.reported[itemErr.Name] = struct{}{}
	_, _ = fmt.Fprintf(a.stderr, "error: package '%s': %v\n", itemErr.Name, itemErr.Err)
	return true
}

// reportMissing flags requested packages absent from got that were not
// already reported.
func (a *app) reportMissing(requested []string, got []aur.Record, reason string) {
	found := make(map[string]struct{}, len(got))
	for _, r := range got {
		found[r.Name] = struct{}{}
	}
	for _, arg := range requested {
		if name, _, err := aur.ParseDependency(arg); err == nil {
			if _, ok := found[name]; ok {
				continue
			}
		}
		if _, done := a.reported[arg]; done {
			continue
		}
		a.reported[arg] = struct{}{}
		a.failed = true
		_, _ = fmt.Fprintf(a.stderr, "error: package '%s' %s\n", arg, reason)
	}
}

func (a *app) print(records []aur.Record, full bool) error {
	if a.jsonOutput {
		return writeJSON(a.stdout, records)
	}
	if full {
		writeInfo(a.stdout, records, a.cfg.AURURL)
	} else {
		writeSearch(a.stdout, records)
	}
	return nil
}
