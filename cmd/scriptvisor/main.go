package main

import (
	"fmt"
	"os"
	"time"

	"github.com/loykin/scriptvisor/pkg/client"
	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with every subcommand attached
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := &command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(cmd),
		createServeCommand(cmd),
		createRestoreCommand(cmd),
		createStatusCommand(cmd),
		createKillCommand(cmd),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "scriptvisor",
		Short: "Run interpreter scripts with editor-style output and hotkey guarding",
		Long: `Scriptvisor runs scripts through a configured interpreter, formats their
output into shared and per-run sinks, and disables the interpreter's own
hotkeys while any run is active.

Examples:
  scriptvisor run ./hello.au3
  scriptvisor serve --config scriptvisor.toml
  scriptvisor status --api-url=http://127.0.0.1:8089
  scriptvisor restore                # put back hotkey files after a crash`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON; optional)")
	return root
}

func createRunCommand(c *command) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Run a script and stream its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), cmd.OutOrStdout(), args[0], *f)
		},
	}
	cmd.Flags().BoolVar(&f.NoReuse, "no-reuse", false, "always allocate a new run id")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "kill the run after this long (0 = no limit)")
	return cmd
}

func createServeCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP run API",
		Long: `Start the HTTP API (server.addr) for starting, listing and killing runs.
Prometheus metrics are exposed at /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context())
		},
	}
}

func createRestoreCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Restore hotkey files left disabled by a crashed session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restore(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createStatusCommand(c *command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "status [handle]",
		Short: "Show runs of a running daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle := ""
			if len(args) == 1 {
				handle = args[0]
			}
			return c.Status(cmd.Context(), cmd.OutOrStdout(), f.client(), handle)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createKillCommand(c *command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "kill <handle>",
		Short: "Kill a run of a running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Kill(cmd.Context(), f.client(), args[0])
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func (f *APIFlags) client() *client.Client {
	return client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8089)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}
