package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/perfnum-platform/perfnum/internal/logging"
	"github.com/perfnum-platform/perfnum/internal/shm"
	"github.com/perfnum-platform/perfnum/internal/xcmd"
	"github.com/perfnum-platform/perfnum/manage"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to an optional configuration file.
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "manage <p|m|s> <limit> [nprocs]",
	Short: "Perfect-number search coordinator",
	Long: `Coordinates a perfect-number search over [1, limit] using one of three
methods: "p" pre-partitions the range among piped workers, "m" publishes a
shared-memory region workers pull from, "s" hands out ranges over TCP.`,
	Args: cobra.RangeArgs(2, 3),
	Run: func(rawCmd *cobra.Command, args []string) {
		if err := run(cmd, args); err != nil {
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) || errors.Is(err, context.Canceled) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd, args []string) error {
	cfg := manage.DefaultConfig()
	if cmd.ConfigPath != "" {
		var err error
		if cfg, err = manage.LoadConfig(cmd.ConfigPath); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	log, err := logging.Init(&cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	limit, err := parseLimit(args[1])
	if err != nil {
		return err
	}

	var coordinator interface {
		Run(ctx context.Context) error
	}

	switch method := args[0]; method {
	case "p":
		if len(args) != 3 {
			return errors.New("the pipes method requires a worker count")
		}
		nprocs, err := strconv.ParseInt(args[2], 10, 32)
		if err != nil || nprocs < 1 || nprocs > shm.NProcs {
			return fmt.Errorf("worker count must be between 1 and %d, got %q", shm.NProcs, args[2])
		}
		coordinator = manage.NewPipesManager(limit, int32(nprocs), cfg, manage.WithLog(log))

	case "m":
		if len(args) != 2 {
			return errors.New("the shared-memory method takes no worker count")
		}
		coordinator = manage.NewShmManager(limit, cfg, manage.WithLog(log))

	case "s":
		if len(args) != 2 {
			return errors.New("the socket method takes no worker count")
		}
		coordinator = manage.NewSocketManager(limit, cfg, manage.WithLog(log))

	default:
		return fmt.Errorf("unrecognized method %q (want p, m or s)", method)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		// Unblock the signal watcher once the coordinator is done.
		defer cancel()
		return coordinator.Run(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

func parseLimit(arg string) (int32, error) {
	limit, err := strconv.ParseInt(arg, 10, 32)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", arg)
	}
	return int32(limit), nil
}
