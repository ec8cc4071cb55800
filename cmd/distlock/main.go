package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-distlock/v1/config"
	lockerrors "github.com/mirkobrombin/go-distlock/v1/errors"
	"github.com/mirkobrombin/go-distlock/v1/lock"
	"github.com/mirkobrombin/go-distlock/v1/logging"
	"github.com/mirkobrombin/go-distlock/v1/metrics"
	"github.com/mirkobrombin/go-distlock/v1/presets"
)

var (
	configPath  = flag.String("config", "", "Path to the YAML configuration")
	subject     = flag.String("subject", "", "Name of the resource to lock")
	noBlock     = flag.Bool("noblock", false, "Fail immediately if the lock is taken")
	hold        = flag.Duration("hold", 0, "How long to hold the lock when no command is given")
	metricsAddr = flag.String("metrics-addr", "", "Expose Prometheus metrics on this address")
	withTrace   = flag.Bool("trace", false, "Print trace spans to stderr")
	contenders  = flag.Int("contenders", 0, "Run this many handles against the subject concurrently")
	busKind     = flag.String("bus", "", "Publish lock events on redis, nats or kafka")
	busAddr     = flag.String("bus-addr", "", "Address of the event bus, comma separated brokers for kafka")
	logLevel    = flag.String("log-level", "info", "Log level")
	pretty      = flag.Bool("pretty", false, "Human readable logs")
)

func main() {
	flag.Parse()

	logger := logging.New("distlock", *logLevel)
	if *pretty {
		logger = logging.NewPretty("distlock", *logLevel)
	}
	if *subject == "" {
		logger.Fatal().Msg("-subject is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, logger, flag.Args())
	stop()
	lock.CloseConnections()
	if err != nil {
		logger.Error().Err(err).Int("code", lockerrors.Code(err)).Msg("distlock failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, logger zerolog.Logger, args []string) error {
	if *withTrace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	if *metricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterLockMetrics(reg)
		srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger.Debug().EmbedObject(cfg).Msg("configuration loaded")

	bus, closeBus, err := openBus(*busKind, *busAddr, cfg)
	if err != nil {
		return err
	}
	defer closeBus()

	factory, err := presets.NewFactory(cfg, presets.Options{Logger: logger, Bus: bus})
	if err != nil {
		return err
	}

	mode := lock.Exclusive
	if *noBlock {
		mode |= lock.NoBlock
	}

	if *contenders > 0 {
		return contend(ctx, logger, factory, mode, *contenders)
	}

	l, err := factory.Create(ctx, *subject, mode)
	if err != nil {
		return err
	}
	defer dispose(l)
	return lock.With(ctx, l, mode, func(ctx context.Context) error {
		logger.Info().Str("subject", *subject).Int("priority", l.Priority()).Msg("lock acquired")
		defer logger.Info().Str("subject", *subject).Msg("releasing lock")
		if len(args) > 0 {
			cmd := exec.CommandContext(ctx, args[0], args[1:]...)
			cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
			return cmd.Run()
		}
		return sleep(ctx, *hold)
	})
}

// contend runs n handles on the subject and reports how many of them got
// the lock. Losing a non-blocking or timed-out race is not a failure.
func contend(ctx context.Context, logger zerolog.Logger, factory *lock.Factory, mode lock.Capability, n int) error {
	var won, lost atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			l, err := factory.Create(ctx, *subject, mode)
			if err != nil {
				return err
			}
			defer dispose(l)
			err = lock.With(ctx, l, mode, func(ctx context.Context) error {
				won.Add(1)
				logger.Debug().Int("contender", i).Msg("lock acquired")
				return sleep(ctx, *hold)
			})
			if errors.Is(err, lockerrors.ErrWouldBlock) || errors.Is(err, lockerrors.ErrAcquireTimeout) {
				lost.Add(1)
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	logger.Info().Int64("won", won.Load()).Int64("lost", lost.Load()).Msg("contention finished")
	return err
}

// dispose releases l and closes the connection it owns, if any.
func dispose(l lock.Strategy) {
	if c, ok := l.(interface{ Close(context.Context) error }); ok {
		_ = c.Close(context.Background())
		return
	}
	l.Destroy(context.Background())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
