package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/hnm/internal/config"
	"github.com/fyrsmithlabs/hnm/internal/hnm"
	httpserver "github.com/fyrsmithlabs/hnm/internal/http"
	"github.com/fyrsmithlabs/hnm/internal/logging"
	"github.com/fyrsmithlabs/hnm/internal/loop"
	"github.com/fyrsmithlabs/hnm/internal/publish"
	"github.com/fyrsmithlabs/hnm/internal/signals"
	"github.com/fyrsmithlabs/hnm/internal/telemetry"
	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

func newRunCmd(load loadFunc, path func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the memory hierarchy",
		Long: `Run builds the hierarchy, connects the signal source and publisher, and
ticks until SIGINT or SIGTERM. The HTTP API serves /health, /metrics,
/api/v1/state and /api/v1/learning.

Changes to runtime.learning in the config file are applied without a restart;
every other change requires one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, path())
		},
	}
}

// run starts the daemon and blocks until ctx is cancelled.
//
// Startup order:
//  1. Logger and telemetry
//  2. Backend, hierarchy and its OTEL instruments
//  3. Signal source and publisher
//  4. Tick loop, HTTP server and config watcher under one errgroup
func run(ctx context.Context, cfg *config.Config, configPath string) error {
	logger, tel, err := initObservability(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "telemetry shutdown failed", zap.Error(err))
		}
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting hnm",
		zap.String("version", version),
		zap.Strings("order", cfg.Order()),
		zap.String("signals", cfg.Signals.Kind),
		zap.Bool("publish", cfg.Publish.Enabled),
		zap.Int("port", cfg.Server.Port),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	l, learning, err := buildLoop(cfg, logger, tel, loop.NewMetrics(reg))
	if err != nil {
		return err
	}

	srv, err := httpserver.NewServer(l, logger.Underlying().Named("http"),
		&httpserver.Config{Host: "", Port: cfg.Server.Port},
		httpserver.WithGatherer(reg),
		httpserver.WithRegisterer(reg),
		httpserver.WithTelemetryHealth(tel.Health),
	)
	if err != nil {
		_ = l.Close()
		return fmt.Errorf("creating http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	watcher, err := newReloadWatcher(configPath, cfg, l, learning, logger)
	if err != nil {
		logger.Warn(ctx, "config hot reload disabled", zap.Error(err))
	} else if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info(context.WithoutCancel(ctx), "hnm stopped", zap.Uint64("ticks", l.Snapshot().Tick))
	return err
}

// initObservability creates the logger and telemetry. Logs go to stdout
// unless out is set.
func initObservability(ctx context.Context, cfg *config.Config, out io.Writer) (*logging.Logger, *telemetry.Telemetry, error) {
	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("logging config: %w", err)
	}
	if out != nil {
		logCfg.Output.Writer = out
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), logger.Underlying())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if cfg.Logging.OTEL {
		logger, err = logging.NewLogger(logCfg, tel.LoggerProvider())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize otel logger: %w", err)
		}
	}
	return logger, tel, nil
}

// learningState tracks the parameters last applied so a partial override
// keeps the other value.
type learningState struct {
	mu     sync.Mutex
	lr, wd float64
}

// merge returns the parameters o asks for and records them.
func (s *learningState) merge(o config.LearningConfig) (lr, wd float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.LearningRate != nil {
		s.lr = *o.LearningRate
	}
	if o.WeightDecay != nil {
		s.wd = *o.WeightDecay
	}
	return s.lr, s.wd
}

// buildSystem creates the backend and the hierarchy, applying any startup
// learning override.
func buildSystem(cfg *config.Config, logger *logging.Logger, tel *telemetry.Telemetry) (*tensor.Backend, *hnm.System, *learningState, error) {
	metrics, err := hnm.NewMetrics(tel.Meter(hnm.InstrumentationName))
	if err != nil {
		logger.Warn(context.Background(), "hnm instruments unavailable", zap.Error(err))
		metrics = nil
	}

	b := tensor.NewBackend(tensor.WithSeed(cfg.Hierarchy.Seed))
	sys, err := hnm.NewSystem(b, cfg.Hierarchy.Levels, hnm.Options{
		Verbose: cfg.Hierarchy.Verbose,
		Logger:  logger.Underlying().Named("hnm"),
		Metrics: metrics,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building hierarchy: %w", err)
	}

	first, _ := sys.Level(sys.Order()[0])
	state := &learningState{}
	state.lr, state.wd = first.LearningParams()
	if cfg.Runtime.Learning.Set() {
		lr, wd := state.merge(cfg.Runtime.Learning)
		if err := sys.SetLearningParameters(lr, wd); err != nil {
			sys.Dispose()
			return nil, nil, nil, fmt.Errorf("runtime.learning: %w", err)
		}
	}
	return b, sys, state, nil
}

// buildLoop wires the hierarchy, the configured source and publisher into a
// loop. The loop owns everything it is given.
func buildLoop(cfg *config.Config, logger *logging.Logger, tel *telemetry.Telemetry, metrics *loop.Metrics) (*loop.Loop, *learningState, error) {
	b, sys, learning, err := buildSystem(cfg, logger, tel)
	if err != nil {
		return nil, nil, err
	}

	src, err := signals.FromConfig(cfg.Signals, cfg.Hierarchy.Levels, cfg.Hierarchy.Seed, logger.Underlying().Named("signals"))
	if err != nil {
		sys.Dispose()
		return nil, nil, fmt.Errorf("opening signal source: %w", err)
	}

	pub, err := newPublisher(cfg.Publish, logger)
	if err != nil {
		_ = src.Close()
		sys.Dispose()
		return nil, nil, err
	}

	l, err := loop.New(b, sys, src, pub, loop.Options{
		ResonantLevel: cfg.Runtime.ResonantLevel,
		TickRateHz:    cfg.Runtime.TickRateHz,
		Detach:        cfg.Runtime.DetachStates,
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        tel.Tracer(loop.InstrumentationName),
	})
	if err != nil {
		_ = pub.Close()
		_ = src.Close()
		sys.Dispose()
		return nil, nil, err
	}
	return l, learning, nil
}

func newPublisher(cfg config.PublishConfig, logger *logging.Logger) (publish.Publisher, error) {
	if !cfg.Enabled {
		return publish.Nop{}, nil
	}
	zl := logger.Underlying().Named("publish")
	nc, err := signals.Connect(cfg.NATS, "hnm-publisher", zl)
	if err != nil {
		return nil, fmt.Errorf("connecting publisher: %w", err)
	}
	p, err := publish.NewNATSPublisher(nc, cfg.Subject, zl)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return p.OwnConnection(), nil
}

// newReloadWatcher watches the config file and forwards learning overrides to
// the loop. It returns nil when there is no file to watch.
func newReloadWatcher(configPath string, current *config.Config, l *loop.Loop, learning *learningState, logger *logging.Logger) (*config.Watcher, error) {
	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		configPath = p
	}

	levels := current.Hierarchy.Levels
	onReload := func(next *config.Config) {
		ctx := logging.WithRunID(context.Background(), l.RunID())
		if !reflect.DeepEqual(levels, next.Hierarchy.Levels) {
			logger.Warn(ctx, "hierarchy changes require a restart")
		}
		if !next.Runtime.Learning.Set() {
			return
		}
		lr, wd := learning.merge(next.Runtime.Learning)
		if err := l.RequestLearningParams(lr, wd); err != nil {
			logger.Error(ctx, "learning override rejected", zap.Error(err))
		}
	}

	return config.NewWatcher(configPath, onReload,
		config.WithWatcherLogger(logger.Underlying().Named("config")),
		config.WithDebounce(config.DefaultDebounce),
	)
}
