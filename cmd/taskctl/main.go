// taskctl boots the taskos kernel and inspects it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"taskos/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// globals holds the persistent flags.
type globals struct {
	configPath string
	logLevel   string
}

// load reads the configuration and applies flag overrides.
func (g *globals) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "taskctl",
		Short: "Boot and inspect the taskos kernel",
		Long: `taskctl boots the taskos process subsystem in memory and runs its init
program.

Examples:
  taskctl boot                   # Run the boot scenario and print the console
  taskctl ps -o yaml             # Show the process table while init runs
  taskctl config dump            # Print the effective configuration as TOML`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to a config file (TOML, YAML or JSON)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override log.level")

	root.AddCommand(newBootCmd(g))
	root.AddCommand(newPsCmd(g))
	root.AddCommand(newConfigCmd(g))
	root.AddCommand(newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}
