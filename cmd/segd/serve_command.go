package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"segd/internal/annotate"
	"segd/internal/catalog"
	"segd/internal/common/fsutil"
	"segd/internal/config"
	"segd/internal/httpapi"
	"segd/internal/maskstore"
	"segd/internal/process"
	"segd/internal/supervisor"
	"segd/internal/worker"
)

const shutdownTimeout = 15 * time.Second

type serveOptions struct {
	addr        string
	videosDir   string
	storePath   string
	noStore     bool
	preload     bool
	inProcess   bool
	corsOrigins string
	frames      int
	size        int
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and supervise the inference worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			applyServeFlags(cmd, &cfg, opts)
			log := stderrLogger(cfg.LogLevel)

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(runCtx, cfg, opts, log)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "HTTP listen address, e.g. :8080")
	cmd.Flags().StringVar(&opts.videosDir, "videos-dir", "", "Directory scanned for video files")
	cmd.Flags().StringVar(&opts.storePath, "store", "", "Path of the SQLite mask store")
	cmd.Flags().BoolVar(&opts.noStore, "no-store", false, "Disable the mask store")
	cmd.Flags().BoolVar(&opts.preload, "preload", false, "Start the worker and load the model at startup")
	cmd.Flags().BoolVar(&opts.inProcess, "inprocess", false, "Run the synthetic worker inside the daemon instead of a child process")
	cmd.Flags().StringVar(&opts.corsOrigins, "cors-origins", "", "Comma separated CORS origins; enables CORS when set")
	cmd.Flags().IntVar(&opts.frames, "synthetic-frames", 120, "Frames per video reported by the built-in synthetic worker")
	cmd.Flags().IntVar(&opts.size, "synthetic-size", 256, "Frame height and width of the built-in synthetic worker")
	return cmd
}

// applyServeFlags lets explicitly set flags win over the config file.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config, opts serveOptions) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = opts.addr
	}
	if flags.Changed("videos-dir") {
		cfg.VideosDir = opts.videosDir
	}
	if flags.Changed("store") {
		cfg.StorePath = opts.storePath
	}
	if flags.Changed("preload") {
		cfg.Preload = opts.preload
	}
	if origins := splitCSV(opts.corsOrigins); len(origins) > 0 {
		cfg.CORS.Enabled = true
		cfg.CORS.AllowedOrigins = origins
	}
}

func runServer(ctx context.Context, cfg config.Config, opts serveOptions, log zerolog.Logger) error {
	if !fsutil.IsDir(cfg.VideosDir) {
		if err := os.MkdirAll(cfg.VideosDir, 0o755); err != nil {
			return fmt.Errorf("videos dir: %w", err)
		}
		log.Warn().Str("dir", cfg.VideosDir).Msg("videos dir did not exist; created empty")
	}
	cat, err := catalog.New(cfg.VideosDir)
	if err != nil {
		return fmt.Errorf("scan videos: %w", err)
	}
	log.Info().Str("dir", cat.Dir()).Int("videos", len(cat.List())).Msg("video catalog loaded")

	launcher, err := workerLauncher(cfg, opts, log)
	if err != nil {
		return err
	}
	sup := supervisor.New(supervisorConfig(cfg, launcher, log))

	var ann httpapi.Annotator
	if !opts.noStore {
		store, err := maskstore.Open(cfg.StorePath)
		if err != nil {
			return fmt.Errorf("open mask store: %w", err)
		}
		defer store.Close()
		ann = annotate.New(sup, store, &log)
		log.Info().Str("path", store.Path()).Msg("mask store opened")
	}

	httpapi.SetLogger(log)
	httpapi.SetRequestLogLevel(cfg.LogLevel)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders)
	httpapi.SetBaseContext(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(sup, cat, ann),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("segd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown")
		}
		if err := sup.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("worker shutdown")
		}
		log.Info().Msg("segd stopped")
		return nil
	})

	if cfg.Preload {
		if err := sup.StartLoading(gctx); err != nil {
			log.Error().Err(err).Msg("preload failed")
		}
	}
	return g.Wait()
}

func supervisorConfig(cfg config.Config, launcher supervisor.Launcher, log zerolog.Logger) supervisor.Config {
	t := cfg.Timeouts
	return supervisor.Config{
		Launcher: launcher,
		Timeouts: supervisor.Timeouts{
			FirstInit: t.FirstInit.D(),
			Init:      t.Init.D(),
			Prompt:    t.Prompt.D(),
			Propagate: t.Propagate.D(),
			Reset:     t.Reset.D(),
			Close:     t.Close.D(),
			Default:   t.Default.D(),
		},
		ShutdownGrace: cfg.Worker.ShutdownGrace.D(),
		KillGrace:     cfg.Worker.KillGrace.D(),
		LockPath:      cfg.Worker.LockPath,
		Logger:        &log,
		Publisher:     supervisor.NewLogPublisher(log),
	}
}

// workerLauncher picks how the worker runs. Without a configured command the
// daemon re-executes itself with the worker subcommand.
func workerLauncher(cfg config.Config, opts serveOptions, log zerolog.Logger) (supervisor.Launcher, error) {
	if opts.inProcess {
		wlog := log.With().Str("component", "worker").Logger()
		return supervisor.LauncherFunc(func(ctx context.Context) (supervisor.Worker, error) {
			w, err := worker.StartInProcess(ctx, &worker.Synthetic{Frames: opts.frames, Height: opts.size, Width: opts.size}, wlog)
			if err != nil {
				return nil, err
			}
			return w, nil
		}), nil
	}
	command, args := cfg.Worker.Command, cfg.Worker.Args
	if command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		command = exe
		args = []string{"worker", "--log-level", cfg.LogLevel,
			"--frames", strconv.Itoa(opts.frames), "--size", strconv.Itoa(opts.size)}
	}
	return supervisor.ProcessLauncher{Launcher: process.Launcher{
		Command: command,
		Args:    args,
		Env:     envList(cfg.Worker.Env),
		Dir:     cfg.Worker.Dir,
		Logger:  log,
	}}, nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
