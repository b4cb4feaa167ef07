package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/perfnum-platform/perfnum/internal/logging"
	"github.com/perfnum-platform/perfnum/internal/xcmd"
	"github.com/perfnum-platform/perfnum/report"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to an optional configuration file.
	ConfigPath string
	// Kill requests coordinator shutdown instead of displaying results.
	Kill bool
}

var rootCmd = &cobra.Command{
	Use:   "report <p|m|s> [server-ip]",
	Short: "Perfect-number search reporter",
	Long: `Observes a running search. Without -k the reporter displays results;
with -k it asks the coordinator to shut down.`,
	Args: cobra.RangeArgs(1, 2),
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
	rootCmd.Flags().BoolVarP(&cmd.Kill, "kill", "k", false, "Request coordinator shutdown")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd, args []string) error {
	cfg := report.DefaultConfig()
	if cmd.ConfigPath != "" {
		var err error
		if cfg, err = report.LoadConfig(cmd.ConfigPath); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	log, err := logging.Init(&cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	switch method := args[0]; method {
	case "m":
		if len(args) != 1 {
			return errors.New("the shared-memory method takes no server address")
		}
		r := report.NewShmReporter(cfg, report.WithLog(log))
		if cmd.Kill {
			return r.Kill()
		}
		return r.Display()

	case "p":
		if len(args) != 1 {
			return errors.New("the pipes method takes no server address")
		}
		r := report.NewPipesReporter(cfg, report.WithLog(log))
		if cmd.Kill {
			return r.Kill()
		}
		return interruptible(log, r.Display)

	case "s":
		if len(args) != 2 {
			return errors.New("the socket method requires the server address")
		}
		r := report.NewSocketReporter(args[1], cfg, report.WithLog(log))
		if cmd.Kill {
			return interruptible(log, r.Kill)
		}
		return interruptible(log, r.Display)

	default:
		return fmt.Errorf("unrecognized method %q (want p, m or s)", method)
	}
}

// interruptible runs a blocking reporter operation alongside the signal
// watcher so a shutdown signal unblocks it.
func interruptible(log *zap.SugaredLogger, f func(context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		// Unblock the signal watcher once the operation is done.
		defer cancel()
		return f(ctx)
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
