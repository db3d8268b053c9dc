package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/feedbackd/internal/config"
	"github.com/roach88/feedbackd/internal/engine"
	"github.com/roach88/feedbackd/internal/globalctx"
	"github.com/roach88/feedbackd/internal/inputs/httpinput"
	"github.com/roach88/feedbackd/internal/journal"
	"github.com/roach88/feedbackd/internal/sinks/timed"
	"github.com/roach88/feedbackd/internal/transform"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Listen  string
	Journal string
	NoWatch bool

	// Tokens overrides the request token generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	Tokens engine.TokenGenerator

	// onListen is called with the bound address once the HTTP input
	// accepts connections.
	onListen func(net.Addr)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <config>",
		Short: "Start the feedback daemon",
		Long: `Start the feedbackd daemon with a CUE configuration file or directory.

The daemon registers one timed sink per configured sink, serves the HTTP
input, records every request in the SQLite journal (when configured) and
reloads events on config changes.

Examples:
  feedbackd run ./configs
  feedbackd run ./configs --listen 127.0.0.1:9000 --journal /tmp/feedbackd.db
  feedbackd run ./feedbackd.cue --no-watch --verbose`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides daemon.listen)")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "SQLite journal path (overrides daemon.journal)")
	cmd.Flags().BoolVar(&opts.NoWatch, "no-watch", false, "do not reload the config on change")

	return cmd
}

func runDaemon(parent context.Context, opts *RunOptions, path string, cmd *cobra.Command) error {
	if parent == nil {
		parent = context.Background()
	}

	slog.Info("loading config", "path", path)
	cfg, errs := config.Load(path, config.LoadModeFailFast)
	if len(errs) > 0 {
		return WrapExitError(ExitCommandError, "failed to load config", errs[0])
	}
	slog.Info("config loaded", "events", len(cfg.Events), "sinks", len(cfg.Sinks.List), "files", cfg.FileCount)

	listen := cfg.Daemon.Listen
	if opts.Listen != "" {
		listen = opts.Listen
	}
	journalPath := cfg.Daemon.Journal
	if opts.Journal != "" {
		journalPath = opts.Journal
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tokens := opts.Tokens
	if tokens == nil {
		tokens = engine.UUIDv7Generator{}
	}
	gctx := globalctx.New(cfg.Context)
	engineOpts := []engine.Option{
		engine.WithEvents(cfg.Registry()),
		engine.WithContext(gctx),
		engine.WithMetrics(engine.NewMetrics(reg)),
		engine.WithTokenGenerator(tokens),
	}

	if journalPath != "" {
		slog.Info("opening journal", "path", journalPath)
		st, err := journal.Open(journalPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("error closing journal", "error", closeErr)
			}
		}()
		// Sequence numbers continue where the previous run stopped.
		last, err := st.LastSeq(parent)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read journal", err)
		}
		// Writes happen off the engine loop; Close flushes before the store closes.
		w := journal.NewAsyncWriter(st, journal.DefaultBuffer)
		defer w.Close()
		engineOpts = append(engineOpts, engine.WithRecorder(w), engine.WithClock(engine.NewClockAt(last)))
	}

	eng := engine.New(engineOpts...)

	for _, s := range timed.FromConfig(cfg.Sinks) {
		if _, err := eng.Sinks().Register(s); err != nil {
			return WrapExitError(ExitCommandError, "failed to register sink", err)
		}
	}
	if len(cfg.Sinks.Order) > 0 {
		if err := eng.Sinks().SetOrder(cfg.Sinks.Order); err != nil {
			return WrapExitError(ExitCommandError, "invalid sink order", err)
		}
	}

	tr := transform.New(gctx, cfg.Transform)
	tr.Attach(eng.Hooks(), 0)

	var srvOpts []httpinput.Option
	if cfg.Daemon.Metrics {
		srvOpts = append(srvOpts, httpinput.WithMetrics(reg))
	}
	if cfg.Daemon.RateLimit > 0 {
		srvOpts = append(srvOpts, httpinput.WithRateLimit(cfg.Daemon.RateLimit, time.Minute))
	}
	srv := httpinput.New(srvOpts...)
	if err := eng.Inputs().Register(srv); err != nil {
		return WrapExitError(ExitCommandError, "failed to register input", err)
	}

	if err := eng.Initialize(); err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize engine", err)
	}
	defer eng.Shutdown()

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	var watcher *config.Watcher
	if !opts.NoWatch {
		w, err := config.NewWatcher(path, 0, func(next *config.Config) {
			eng.ReplaceEvents(next.Registry())
			tr.SetMapping(next.Transform)
		})
		if err != nil {
			_ = ln.Close()
			return WrapExitError(ExitCommandError, "failed to watch config", err)
		}
		watcher = w
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctxRun := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := eng.Run(gctxRun); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("engine: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctxRun.Done()
		// Clients blocked on an outcome are released before the HTTP
		// server waits for their handlers.
		srv.Shutdown()
		return nil
	})
	g.Go(func() error {
		return srv.Serve(gctxRun, ln)
	})
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctxRun)
		})
	}

	slog.Info("daemon started", "listen", ln.Addr().String(), "journal", journalPath, "watch", watcher != nil)
	fmt.Fprintf(cmd.OutOrStdout(), "feedbackd listening on %s\n", ln.Addr())
	if opts.onListen != nil {
		opts.onListen(ln.Addr())
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "daemon error", err)
	}
	slog.Info("daemon stopped gracefully")
	return nil
}
