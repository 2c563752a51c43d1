package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"arcmount/internal/archive"
	"arcmount/internal/config"
	"arcmount/internal/fs"
	"arcmount/internal/logging"
	"arcmount/internal/watch"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var (
	logger = logging.GetLogger()
)

func main() {
	flags := pflag.NewFlagSet("arcmount", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "config file (default $XDG_CONFIG_HOME/arcmount/config.yaml)")
	verbose := flags.BoolP("verbose", "v", false, "enable verbose logging")
	printConfig := flags.Bool("print-config", false, "print the effective configuration and exit")
	config.RegisterFlags(flags)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: arcmount [flags] ARCHIVE\n\nMounts ARCHIVE read-only and prints the mount directory.\n\nFlags:\n")
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	if flags.NArg() > 1 {
		flags.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, flags, *verbose, *printConfig); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func run(configPath string, flags *pflag.FlagSet, verbose, printConfig bool) error {
	cfg, err := config.Load(configPath, flags, flags.Arg(0))
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	if verbose && level < logging.LevelDebug {
		level = logging.LevelDebug
	}
	logger.SetLevel(level)

	if printConfig {
		data, err := config.Dump(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	logger.Info("Starting arcmount...")
	logger.Debug("Archive: %s", cfg.Archive.Path)

	engineOpts, err := cfg.Archive.EngineOptions()
	if err != nil {
		return err
	}
	engine, err := archive.Open(cfg.Archive.Path, engineOpts)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := fs.New(ctx, engine, fs.Options{
		TempDir:  cfg.Mount.TempDir,
		Password: cfg.Archive.Password,
	})
	if err != nil {
		return errors.Join(fmt.Errorf("mounting archive: %w", err), engine.Close())
	}

	fmt.Println(session.MountDir())
	logger.Info("Filesystem mounted and ready")

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Watch.Enabled {
		watcher, err := watch.New(cfg.Archive.Path, cfg.Watch.Debounce)
		if err != nil {
			logger.Warn("Archive changes will not be picked up: %v", err)
		} else {
			g.Go(func() error {
				return watcher.Run(gctx, func(ctx context.Context) {
					if err := session.Reconcile(ctx); err != nil {
						logger.Warn("Reconcile failed: %v", err)
					}
				})
			})
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		return nil
	})

	waitErr := g.Wait()
	if lastErr := session.LastError(); lastErr != nil {
		logger.Debug("Last asynchronous error: %v", lastErr)
	}
	if err := session.Close(); err != nil {
		return errors.Join(waitErr, fmt.Errorf("cleaning up: %w", err))
	}
	logger.Info("Clean shutdown complete")
	return waitErr
}
