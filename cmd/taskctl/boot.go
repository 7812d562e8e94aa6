package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskos/pkg/kernel"
	"taskos/pkg/process"
)

func newBootCmd(g *globals) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Boot the kernel and run init",
		Long: `Boot the kernel, run the init program until every user process has
finished and print the console output.

Interrupting taskctl kills every user process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			k, err := kernel.Boot(kernel.Options{Config: cfg, Console: cmd.OutOrStdout()})
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = k.Shutdown(ctx)
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			status, err := k.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if code, ok := process.StatusExited(status); ok {
				if code != 0 {
					return fmt.Errorf("init exited with code %d", code)
				}
				return nil
			}
			if sig, ok := process.StatusSignaled(status); ok {
				return fmt.Errorf("init killed by %s", sig)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Kill every user process after this long (0 waits forever)")
	return cmd
}
