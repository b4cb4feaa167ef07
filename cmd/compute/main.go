package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/perfnum-platform/perfnum/compute"
	"github.com/perfnum-platform/perfnum/internal/logging"
	"github.com/perfnum-platform/perfnum/internal/shm"
	"github.com/perfnum-platform/perfnum/internal/xcmd"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to an optional configuration file.
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "compute <p|m|s> [args]",
	Short: "Perfect-number search worker",
	Long: `Tests candidates for perfection. "compute p <start> <end>" is launched by
the pipes coordinator with its output pre-wired to the shared pipe;
"compute m" attaches to the shared region; "compute s <server-ip>" requests
ranges from the socket coordinator.`,
	Args: cobra.RangeArgs(1, 3),
	Run: func(rawCmd *cobra.Command, args []string) {
		if err := run(cmd, args); err != nil {
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) || errors.Is(err, context.Canceled) {
				return
			}

			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd, args []string) error {
	cfg := compute.DefaultConfig()
	if cmd.ConfigPath != "" {
		var err error
		if cfg, err = compute.LoadConfig(cmd.ConfigPath); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	log, err := logging.Init(&cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	var worker interface {
		Run(ctx context.Context) error
	}

	switch method := args[0]; method {
	case "p":
		if len(args) != 3 {
			return errors.New("the pipes method requires a start and an end")
		}
		start, err := parseBound(args[1])
		if err != nil {
			return err
		}
		end, err := parseBound(args[2])
		if err != nil {
			return err
		}
		worker = compute.NewPipeWorker(start, end, os.Stdout, compute.WithLog(log))

	case "m":
		if len(args) != 1 {
			return errors.New("the shared-memory method takes no arguments")
		}
		region, err := shm.Mount(cfg.SharedMemory.Path, shm.WithLog(log))
		if err != nil {
			return fmt.Errorf("failed to mount the shared region: %w", err)
		}
		defer region.Close()
		worker = compute.NewShmWorker(region, compute.WithLog(log))

	case "s":
		if len(args) != 2 {
			return errors.New("the socket method requires the server address")
		}
		worker = compute.NewSocketWorker(args[1], cfg.Socket, compute.WithLog(log))

	default:
		return fmt.Errorf("unrecognized method %q (want p, m or s)", method)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		// Unblock the signal watcher once the worker is done.
		defer cancel()
		return worker.Run(ctx)
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

func parseBound(arg string) (int32, error) {
	bound, err := strconv.ParseInt(arg, 10, 32)
	if err != nil || bound < 1 {
		return 0, fmt.Errorf("range bound must be a positive integer, got %q", arg)
	}
	return int32(bound), nil
}
