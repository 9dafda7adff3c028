package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/janus/pkg/client"
)

func main() {
	root := buildRoot(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath  string
	APIUrl      string
	APIToken    string
	APITimeout  time.Duration
	APIInsecure bool
}

// buildRoot creates the command tree writing to out and errOut.
func buildRoot(out, errOut io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := &command{flags: globalFlags, out: out, errOut: errOut}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.SetErr(errOut)
	root.AddCommand(
		createRunCommand(c),
		createStartCommand(c),
		createStopCommand(c),
		createRestartCommand(c),
		createStatusCommand(c),
		createEventsCommand(c),
		createStartOneCommand(c),
		createStopOneCommand(c),
		createRestartOneCommand(c),
		createSignalCommand(c),
		createValidateCommand(c),
		createHashTokenCommand(c),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "janus",
		Short: "Multi-process supervisor for containers",
		Long: `Janus runs as the foreground process of a container and supervises a fixed
set of child processes declared in a TOML file: it starts them, restarts them
according to their policy, reaps every zombie and shuts everything down
gracefully on SIGTERM.

Examples:
  janus run --config /etc/janus/janus.toml   # foreground supervisor (container entrypoint)
  janus status                               # query a running supervisor
  janus restart-one web
  janus signal nginx HUP`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default ./janus.toml or /etc/janus/janus.toml)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "control API URL (default derived from [control] in the config, else "+client.DefaultBaseURL+")")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 60*time.Second, "request timeout for control API calls")
	root.PersistentFlags().StringVar(&flags.APIToken, "api-token", os.Getenv("JANUS_API_TOKEN"), "bearer token for the control API (default $JANUS_API_TOKEN)")
	root.PersistentFlags().BoolVar(&flags.APIInsecure, "api-insecure", false, "skip certificate verification for an https control API")
	return root
}

func createRunCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor in the foreground",
		Long: `Load the configuration, start every declared process and supervise them
until SIGTERM, SIGINT or SIGQUIT. A second termination signal kills whatever
is still running. SIGHUP, SIGUSR1 and SIGUSR2 are forwarded to all processes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Run(cmd.Context())
		},
	}
}

func createStartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start all processes",
		Long: `Ask a running supervisor to start every process that is not alive. When no
supervisor is reachable, this behaves like 'janus run'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Start(cmd.Context())
		},
	}
}

func createStopCommand(c *command) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop all processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Stop(cmd.Context(), *f)
		},
	}
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "kill processes still running after this long (default: shutdown grace)")
	return cmd
}

func createRestartCommand(c *command) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop then start all processes, resetting restart counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Restart(cmd.Context(), *f)
		},
	}
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "kill processes still running after this long (default: shutdown grace)")
	return cmd
}

func createStatusCommand(c *command) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status [NAME]",
		Short: "Show process status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.Name = args[0]
			}
			return c.Status(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of a table")
	return cmd
}

func createEventsCommand(c *command) *cobra.Command {
	f := &EventsFlags{}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent state changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Events(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 50, "number of events (0 = all retained)")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of a table")
	return cmd
}

func createStartOneCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start-one NAME",
		Short: "Start a single process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StartOne(cmd.Context(), args[0])
		},
	}
}

func createStopOneCommand(c *command) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop-one NAME",
		Short: "Gracefully stop a single process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StopOne(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "kill the process if still running after this long")
	return cmd
}

func createRestartOneCommand(c *command) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "restart-one NAME",
		Short: "Restart a single process and reset its restart counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RestartOne(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "kill the process if still running after this long")
	return cmd
}

func createSignalCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "signal NAME SIGNAL",
		Short: "Send a signal to a process group",
		Long: `Send SIGNAL (e.g. HUP, SIGUSR1, 15) to the process group of NAME.

Examples:
  janus signal nginx HUP`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Signal(cmd.Context(), args[0], args[1])
		},
	}
}

func createValidateCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config.toml]",
		Short: "Check a configuration file without starting anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := c.flags.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			return c.Validate(path)
		},
	}
}

func createHashTokenCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [TOKEN]",
		Short: "Print the bcrypt hash of a control API token",
		Long: `Print a bcrypt hash suitable for [control.auth] tokens. The token is read
from the argument or, when omitted, from the first line of stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 {
				token = args[0]
			}
			return c.HashToken(cmd.InOrStdin(), token)
		},
	}
}
