package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/neuroutine/internal/config"
	"github.com/danielpatrickdp/neuroutine/internal/logging"
	"github.com/danielpatrickdp/neuroutine/internal/orchestrator"
	"github.com/danielpatrickdp/neuroutine/internal/runner"
	"github.com/danielpatrickdp/neuroutine/internal/state"
	"github.com/danielpatrickdp/neuroutine/internal/telemetry"
)

// #region main

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// #endregion main

// #region root

// app carries the state shared by every subcommand.
type app struct {
	out        io.Writer
	configPath string
	global     *config.Flags
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:   "neuroutine",
		Short: "Gate a small draft model against a large verifier and learn the gate online",
		Long: `neuroutine drives two local runner processes, a small draft model and a
large verify model, and decides per token whether the draft can be trusted.
Verified tokens become training labels for the gate, which is retrained and
hot-swapped while the loop runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "settings file (.toml, .yaml or .yml)")
	a.global = config.NewFlags(root.PersistentFlags()).Global()

	root.AddCommand(
		a.loopCmd(),
		a.collectCmd(),
		a.trainCmd(),
		a.evalCmd(),
		a.replayCmd(),
		a.inspectCmd(),
		a.rollbackCmd(),
		a.pipelineCmd(),
	)
	return root
}

// #endregion root

// #region session

// session is one command invocation: resolved settings, the diagnostic
// logger and lazily opened runners and store.
type session struct {
	cfg   config.Config
	out   io.Writer
	reg   *prometheus.Registry
	tel   *telemetry.Metrics
	pair  *runner.Pair
	store *state.Store

	closers []io.Closer
}

// prepare resolves settings with precedence flag > env > file > default,
// installs the diagnostic logger and starts the metrics endpoint when one
// is configured.
func (a *app) prepare(ctx context.Context, local *config.Flags) (*session, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	a.global.Apply(&cfg)
	if local != nil {
		local.Apply(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closer, err := logging.New(cfg.Logging())
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s := &session{
		cfg:     cfg,
		out:     a.out,
		reg:     reg,
		tel:     telemetry.New(reg),
		closers: []io.Closer{closer},
	}
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := telemetry.Serve(ctx, cfg.Metrics.Addr, reg); err != nil {
				slog.Error("metrics endpoint stopped", "err", err)
			}
		}()
	}
	return s, nil
}

// runners starts the draft and verify runners on first use.
func (s *session) runners(ctx context.Context) (*runner.Pair, error) {
	if s.pair != nil {
		return s.pair, nil
	}
	draft, verify := s.cfg.Runners()
	slog.Info("starting runners", "executable", draft.Executable, "draft", draft.Model, "verify", verify.Model)
	pair, err := runner.StartPair(ctx, draft, verify, s.cfg.RestartPolicy())
	if err != nil {
		return nil, err
	}
	pair.Draft.OnRestart = s.tel.Restart
	pair.Verify.OnRestart = s.tel.Restart
	s.pair = pair
	return pair, nil
}

// openStore opens the version store on first use. It returns nil when no
// database is configured.
func (s *session) openStore() (*state.Store, error) {
	if s.store != nil || s.cfg.Paths.DB == "" {
		return s.store, nil
	}
	path := s.cfg.Path(s.cfg.Paths.DB)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	store, err := state.NewStore(path)
	if err != nil {
		return nil, err
	}
	s.store = store
	return store, nil
}

// deps wires a runner pair into orchestrator collaborators.
func (s *session) deps(p *runner.Pair) orchestrator.Deps {
	return orchestrator.Deps{
		Draft:     p.Draft,
		Metrics:   p.Draft,
		Verify:    p.Verify,
		Telemetry: s.tel,
		Out:       s.out,
	}
}

// Close releases runners, the store and the log file, in that order.
func (s *session) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if s.pair != nil {
		keep(s.pair.Close())
	}
	if s.store != nil {
		keep(s.store.Close())
	}
	for _, c := range s.closers {
		keep(c.Close())
	}
	return first
}

// #endregion session
