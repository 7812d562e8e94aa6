package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"taskos/pkg/kernel"
)

func newPsCmd(g *globals) *cobra.Command {
	var (
		output string
		after  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "Show the process table",
		Long: `Boot the kernel, let init run for a moment and print a snapshot of every
live process. The kernel is stopped afterwards.

Examples:
  taskctl ps                     # Table
  taskctl ps -o yaml --after 5ms # Snapshot earlier in the boot scenario`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch output {
			case "table", "json", "yaml":
			default:
				return fmt.Errorf("unknown output format %q (want table, json or yaml)", output)
			}
			cfg, err := g.load()
			if err != nil {
				return err
			}
			k, err := kernel.Boot(kernel.Options{Config: cfg})
			if err != nil {
				return err
			}
			defer k.Shutdown(context.Background())

			ctx, cancel := context.WithCancel(cmd.Context())
			done := make(chan error, 1)
			go func() {
				_, err := k.Run(ctx)
				done <- err
			}()
			time.Sleep(after)
			snap := k.Snapshot()
			cancel()
			<-done

			return printSnapshot(cmd.OutOrStdout(), output, snap)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")
	cmd.Flags().DurationVar(&after, "after", 50*time.Millisecond, "How long init runs before the snapshot")
	return cmd
}

func printSnapshot(w io.Writer, format string, snap kernel.Snapshot) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return err
		}
		return enc.Close()
	}

	fmt.Fprintf(w, "boot %s  up %s  frames %d/%d  cpus %d\n",
		snap.BootID, snap.Uptime, snap.Memory.Used, snap.Memory.Frames, snap.Scheduler.CPUs)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tPPID\tPGID\tSID\tSTATE\tWAIT\tFILES\tNAME")
	for _, p := range snap.Processes {
		state := p.State
		if p.Stopped {
			state += "+stopped"
		}
		wait := p.Blocker
		if wait == "" {
			wait = "-"
		}
		name := p.Name
		if p.Kernel {
			name = "[" + name + "]"
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\t%s\t%d\t%s\n",
			p.PID, p.PPID, p.PGID, p.SID, strings.ToLower(state), wait, p.Files, name)
	}
	return tw.Flush()
}
