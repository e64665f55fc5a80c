// Package main provides the stackprobe-demo binary.
//
// The demo runs a handful of CPU-bound worker goroutines, samples their
// stacks with the engine, and exports what it collected as a pprof profile
// or over the drain endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stackprobe-dev/stackprobe-go/gohost"
	"github.com/stackprobe-dev/stackprobe-go/internal/drainhttp"
	"github.com/stackprobe-dev/stackprobe-go/internal/spool"
	"github.com/stackprobe-dev/stackprobe-go/report"
	"github.com/stackprobe-dev/stackprobe-go/stackprobe"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	interval   time.Duration
	duration   time.Duration
	workers    int
	pprofPath  string
	drainAddr  string
	drainToken string
}

func newRootCmd() *cobra.Command {
	var (
		opts     options
		logLevel string
	)

	cmd := &cobra.Command{
		Use:           "stackprobe-demo",
		Short:         "Run sampled CPU workers and export their stack profiles",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), newLogger(logLevel), opts)
		},
	}

	cmd.Flags().DurationVar(&opts.interval, "interval", time.Millisecond, "Sampling interval")
	cmd.Flags().DurationVar(&opts.duration, "duration", 3*time.Second, "How long the workers run")
	cmd.Flags().IntVar(&opts.workers, "workers", 4, "Number of worker goroutines")
	cmd.Flags().StringVar(&opts.pprofPath, "pprof", "", "Write a pprof profile to this path")
	cmd.Flags().StringVar(&opts.drainAddr, "drain", "", "Serve the drain endpoint on this address, e.g. localhost:7071")
	cmd.Flags().StringVar(&opts.drainToken, "drain-token", "", "Bearer token required by the drain endpoint")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

func newLogger(logLevel string) zerolog.Logger {
	level := zerolog.InfoLevel
	switch logLevel {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

func run(ctx context.Context, logger zerolog.Logger, opts options) error {
	if opts.workers < 1 {
		return errors.New("need at least one worker")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := gohost.New()
	engine, err := stackprobe.New(rt,
		stackprobe.WithInterval(opts.interval),
		stackprobe.WithErrorLogger(func(err error) {
			logger.Warn().Err(err).Msg("sampling error")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to configure engine: %w", err)
	}
	if err := engine.Install(); err != nil {
		return fmt.Errorf("failed to install engine: %w", err)
	}
	defer func() {
		if err := engine.Uninstall(); err != nil {
			logger.Warn().Err(err).Msg("uninstall failed")
		}
	}()
	if err := engine.Start(); err != nil {
		return err
	}

	agg := report.NewAggregator(rt)

	var sp *spool.Spool[report.Batch]
	if opts.drainAddr != "" {
		sp = spool.New[report.Batch](64)
		drainSrv := drainhttp.NewServer(drainhttp.Config{
			Addr:  opts.drainAddr,
			Token: opts.drainToken,
			Spool: sp,
			ErrorLogger: func(err error) {
				logger.Warn().Err(err).Msg("drain server error")
			},
		})
		if err := drainSrv.Start(); err != nil {
			return err
		}
		defer drainSrv.Close()
		logger.Info().Str("addr", drainSrv.Addr()).Msg("serving drain endpoint")
	}

	logger.Info().
		Int("workers", opts.workers).
		Dur("interval", opts.interval).
		Dur("duration", opts.duration).
		Msg("sampling workers")

	deadline := time.Now().Add(opts.duration)
	wg := &sync.WaitGroup{}
	for i := 0; i < opts.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorker(ctx, logger, rt, engine, agg, deadline)
		}()
	}

	// Flush the aggregator on a fixed cadence while the workers run, and
	// once more after they stop.
	flushStop := make(chan struct{})
	flushed := make(chan []report.Batch, 1)
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		var batches []report.Batch
		flush := func() {
			batch := agg.Flush()
			if len(batch.Stacks) == 0 {
				return
			}
			batches = append(batches, batch)
			if sp != nil {
				sp.Push(batch)
			}
			logger.Debug().
				Str("batch", batch.ID.String()).
				Int("stacks", len(batch.Stacks)).
				Msg("flushed batch")
		}
		for {
			select {
			case <-ticker.C:
				flush()
			case <-flushStop:
				flush()
				flushed <- batches
				return
			}
		}
	}()

	wg.Wait()
	close(flushStop)
	batches := <-flushed

	if err := engine.Stop(); err != nil {
		return err
	}
	stats := engine.Stats()
	logger.Info().
		Uint64("broadcasts", stats.Broadcasts).
		Uint64("signals", stats.SignalsSent).
		Uint64("unreachable", stats.Unreachable).
		Int("batches", len(batches)).
		Msg("sampling finished")

	if opts.pprofPath != "" {
		if err := writeProfile(opts.pprofPath, opts.interval, batches); err != nil {
			return err
		}
		logger.Info().Str("path", opts.pprofPath).Msg("wrote pprof profile")
	}

	if opts.drainAddr != "" && ctx.Err() == nil {
		logger.Info().Msg("workers finished; drain endpoint stays up until interrupted")
		<-ctx.Done()
	}
	return nil
}

// runWorker burns CPU until the deadline, polling for sample requests
// between rounds and handing extracted snapshots to the aggregator.
func runWorker(ctx context.Context, logger zerolog.Logger, rt *gohost.Runtime, engine *stackprobe.Engine, agg *report.Aggregator, deadline time.Time) {
	th := rt.Attach()
	defer th.Detach()
	if !engine.RegisterThread() {
		logger.Warn().Msg("thread already registered")
		return
	}
	defer engine.DeregisterThread()
	engine.StartSampling()

	var acc uint64
	for ctx.Err() == nil && time.Now().Before(deadline) {
		acc = spin(acc)
		th.Poll()
		if snaps, ok := engine.ExtractFrames(); ok && len(snaps) > 0 {
			agg.Add(th.ID(), snaps)
		}
	}

	stats, _ := engine.SamplingStats()
	logger.Debug().
		Uint64("thread", uint64(th.ID())).
		Uint64("skipped_signal", stats.SkippedSignal).
		Uint64("skipped_capacity", stats.SkippedCapacity).
		Uint64("sink", acc).
		Msg("worker finished")
}

func spin(seed uint64) uint64 {
	acc := seed
	for i := 0; i < 1<<15; i++ {
		acc = mix(acc, uint64(i))
	}
	return acc
}

func mix(a, b uint64) uint64 {
	a ^= b + 0x9e3779b97f4a7c15
	a ^= a >> 33
	a *= 0xff51afd7ed558ccd
	return a ^ a>>29
}

func writeProfile(path string, period time.Duration, batches []report.Batch) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create profile file: %w", err)
	}
	if err := report.WritePprof(f, period, batches); err != nil {
		f.Close()
		return fmt.Errorf("failed to write profile: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close profile file: %w", err)
	}
	return nil
}
