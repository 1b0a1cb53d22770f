package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot()
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	startFlags := &StartFlags{}
	stopFlags := &StopFlags{}
	statusFlags := &StatusFlags{}
	execFlags := &ExecFlags{}
	historyFlags := &HistoryFlags{}

	root := createRootCommand(globalFlags)
	bind := func(cmd *cobra.Command) command {
		return command{
			global: globalFlags,
			in:     cmd.InOrStdin(),
			out:    cmd.OutOrStdout(),
			errOut: cmd.ErrOrStderr(),
		}
	}

	root.AddCommand(
		createStartCommand(bind, startFlags),
		createStopCommand(bind, stopFlags),
		createStatusCommand(bind, statusFlags),
		createTouchCommand(bind),
		createExecCommand(bind, execFlags),
		createHistoryCommand(bind, historyFlags),
		createWatchdogCommand(bind),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "browsertools",
		Short: "Browser automation session lifecycle",
		Long: `browsertools starts a Chromium-family browser with remote debugging for
automation tools, optionally behind an SSH SOCKS proxy, and tears it down
again. A detached watchdog stops the session once no tool has touched the
heartbeat for the idle timeout.

Examples:
  browsertools start                    # headless, through the proxy
  browsertools start --profile --no-proxy
  browsertools exec -- ./scrape.sh      # keep the session alive while it runs
  browsertools stop`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "log format: text or json")

	return root
}

func createStartCommand(bind func(*cobra.Command) command, flags *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a browser session",
		Long: `Start the browser with remote debugging enabled.

Any previous session is cleaned up first. Headless mode uses an incognito
window on the automation profile; --profile opens a visible window instead.
The session ends after the idle timeout unless tools keep touching it.

Examples:
  browsertools start
  browsertools start --profile --reset
  browsertools start --no-proxy --timeout=10m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return bind(cmd).Start(cmd.Context(), *flags)
		},
	}

	cmd.Flags().BoolVar(&flags.Profile, "profile", false, "visible browser on the persistent profile")
	cmd.Flags().BoolVar(&flags.Reset, "reset", false, "wipe the profile before starting (with --profile)")
	cmd.Flags().BoolVar(&flags.NoProxy, "no-proxy", false, "do not start the SSH SOCKS proxy")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "idle timeout (default from config, 30m)")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the result as JSON")
	return cmd
}

func createStopCommand(bind func(*cobra.Command) command, flags *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the browser session",
		Long: `Close every tab, terminate the browser and the SSH proxy, stop the
watchdog and remove the heartbeat. Safe to run when nothing is running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return bind(cmd).Stop(cmd.Context(), *flags)
		},
	}

	cmd.Flags().BoolVar(&flags.Watchdog, "watchdog", false, "invoked by the watchdog after a timeout")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the report as JSON")
	_ = cmd.Flags().MarkHidden("watchdog")
	return cmd
}

func createStatusCommand(bind func(*cobra.Command) command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return bind(cmd).Status(cmd.Context(), *flags)
		},
	}

	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print status as JSON")
	cmd.Flags().BoolVar(&flags.Processes, "processes", false, "sample CPU and memory of the watchdog and proxy")
	return cmd
}

func createTouchCommand(bind func(*cobra.Command) command) *cobra.Command {
	return &cobra.Command{
		Use:   "touch",
		Short: "Refresh the session heartbeat once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return bind(cmd).Touch(cmd.Context())
		},
	}
}

func createExecCommand(bind func(*cobra.Command) command, flags *ExecFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec -- command [args...]",
		Short: "Run a command while keeping the session alive",
		Long: `Run a command and refresh the heartbeat every interval until it exits.

Examples:
  browsertools exec -- node scrape.js
  browsertools exec --interval=500ms -- ./pipeline.sh`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return bind(cmd).Exec(cmd.Context(), *flags, args)
		},
	}

	cmd.Flags().DurationVar(&flags.Interval, "interval", 0, "heartbeat interval (default from config, 1s)")
	return cmd
}

func createHistoryCommand(bind func(*cobra.Command) command, flags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded session events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return bind(cmd).History(cmd.Context(), *flags)
		},
	}

	cmd.Flags().StringVar(&flags.DSN, "dsn", "", "history DSN (default from config)")
	cmd.Flags().IntVar(&flags.Limit, "limit", 20, "maximum number of events, 0 for all")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print events as JSON")
	return cmd
}

func createWatchdogCommand(bind func(*cobra.Command) command) *cobra.Command {
	return &cobra.Command{
		Use:    "watchdog",
		Short:  "Run the session watchdog (started by start)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return bind(cmd).Watchdog(cmd.Context())
		},
	}
}
