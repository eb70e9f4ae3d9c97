package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/procwatch/internal/auth"
	"github.com/loykin/procwatch/internal/logger"
	"github.com/loykin/procwatch/internal/manager"
	"github.com/loykin/procwatch/pkg/client"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildRoot().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// buildRoot assembles the command tree.
func buildRoot() *cobra.Command {
	g := &GlobalFlags{}
	root := createRootCommand(g)
	root.AddCommand(
		createServeCommand(g),
		createRunCommand(),
		createStatusCommand(g),
		createStartCommand(g),
		createStopCommand(g),
		createRegisterCommand(g),
		createUnregisterCommand(g),
		createResetCommand(g),
		createNotifyTestCommand(g),
		createStatsCommand(g),
		createHistoryCommand(g),
		createSystemCommand(g),
		createEventsCommand(g),
		createLoginCommand(g),
		createLogoutCommand(),
		createHashPasswordCommand(),
	)
	return root
}

func createRootCommand(g *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "procwatch",
		Short: "Supervise executables and keep them running",
		Long: `procwatch starts executables, restarts them when they crash, samples
their CPU and memory usage and reports state changes.

Examples:
  procwatch serve procwatch.toml              # run the daemon
  procwatch run ./worker.sh -- --verbose      # supervise in the foreground
  procwatch status                            # list targets of a running daemon
  procwatch status --api-url=http://remote:8080/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.ConfigPath, "config", "", "path to config file (toml, yaml or json)")
	root.PersistentFlags().StringVar(&g.APIUrl, "api-url", "", "daemon API URL (default derived from --config or "+client.DefaultBaseURL+")")
	root.PersistentFlags().DurationVar(&g.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().StringVarP(&g.Output, "output", "o", "table", "output format: table, json or yaml")
	root.PersistentFlags().StringVar(&g.CAFile, "ca-file", "", "PEM file with the CA to trust for an https daemon")
	root.PersistentFlags().BoolVar(&g.Insecure, "insecure", false, "skip TLS certificate verification")
	root.PersistentFlags().StringVar(&g.Token, "token", "", "bearer token (default $PROCWATCH_TOKEN or the saved login)")
	return root
}

func createServeCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config]",
		Short: "Start the procwatch daemon",
		Long: `Start the daemon. Targets, the HTTP API, history sinks and notifications
are configured from the config file; edits to the file are applied live.

Examples:
  procwatch serve                        # uses --config, or defaults and PROCWATCH_* env
  procwatch serve /etc/procwatch.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			return runServe(cmd.Context(), path, manager.Options{})
		},
	}
}

func createRunCommand() *cobra.Command {
	f := &RunFlags{}
	var level string
	cmd := &cobra.Command{
		Use:   "run <path> [-- args...]",
		Short: "Supervise one executable in the foreground",
		Long: `Supervise a single executable without a daemon. Events are printed until
interrupted or until the restart budget is exhausted.

Examples:
  procwatch run ./server.py --interpreter python3 --max-restarts 3
  procwatch run ./job.sh --every 1h --capture-output`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.target(args[0], args[1:])
			if err != nil {
				return err
			}
			lc := logger.DefaultConfig()
			lc.Slog.Level = logger.Level(level)
			return runForeground(cmd.Context(), cmd.OutOrStdout(), cfg, manager.Options{Logger: lc.NewSlogger()})
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "target name (default: file name without extension)")
	cmd.Flags().StringVar(&f.Interpreter, "interpreter", "", "interpreter to run the file with, e.g. python3")
	cmd.Flags().StringVar(&f.WorkDir, "work-dir", "", "working directory")
	cmd.Flags().StringArrayVar(&f.Env, "env", nil, "extra environment KEY=VALUE (repeatable)")
	cmd.Flags().IntVar(&f.MaxRestarts, "max-restarts", 0, "crash restarts before giving up (default 5)")
	cmd.Flags().IntVar(&f.CheckInterval, "check-interval", 0, "seconds between liveness checks (default 10)")
	cmd.Flags().DurationVar(&f.Every, "every", 0, "force a restart at this interval, e.g. 30m")
	cmd.Flags().BoolVar(&f.CaptureOutput, "capture-output", false, "forward stdout/stderr lines as log events")
	cmd.Flags().StringVar(&f.TelegramToken, "telegram-token", "", "telegram bot token for crash alerts")
	cmd.Flags().StringVar(&f.TelegramChat, "telegram-chat", "", "telegram chat id for crash alerts")
	cmd.Flags().StringVar(&level, "log-level", "info", "supervisor log level")
	return cmd
}

// clientRun wraps a client command body with flag resolution.
func clientRun(g *GlobalFlags, fn func(cmd *cobra.Command, c command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := newCommand(*g, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		return fn(cmd, c, args)
	}
}

func createStatusCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]",
		Short: "Show targets and their runtime state",
		Args:  cobra.MaximumNArgs(1),
		RunE: clientRun(g, func(cmd *cobra.Command, c command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.Status(cmd.Context(), name)
		}),
	}
}

func createStartCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>",
		Short: "Start supervising a registered target",
		Args:  cobra.ExactArgs(1),
		RunE: clientRun(g, func(cmd *cobra.Command, c command, args []string) error {
			return c.Start(cmd.Context(), args[0])
		}),
	}
}

func createStopCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop supervising a target and terminate its process",
		Args:  cobra.ExactArgs(1),
		RunE: clientRun(g, func(cmd *cobra.Command, c command, args []string) error {
			return c.Stop(cmd.Context(), args[0])
		}),
	}
}

func createRegisterCommand(g *GlobalFlags) *cobra.Command {
	f := &RegisterFlags{}
	cmd := &cobra.Command{
		Use:   "register [path] [-- args...]",
		Short: "Register a target with the daemon",
		Long: `Register a target from flags or from a JSON/YAML file keyed like the API.
Flags override values read from --file.

Examples:
  procwatch register ./api --name api --max-restarts 10 --start
  procwatch register --file ./worker.yaml
  procwatch register ./report.py --interpreter python3 --every 6h -- --full`,
		RunE: clientRun(g, func(cmd *cobra.Command, c command, args []string) error {
			if len(args) > 0 {
				f.Path = args[0]
				f.Args = args[1:]
			}
			return c.Register(cmd.Context(), *f)
		}),
	}
	cmd.Flags().StringVar(&f.File, "file", "", "read the target from a JSON or YAML file")
	cmd.Flags().StringVar(&f.Name, "name", "", "target name (default: file name without extension)")
	cmd.Flags().StringVar(&f.Interpreter, "interpreter", "", "interpreter to run the file with, e.g. python3")
	cmd.Flags().StringVar(&f.WorkDir, "work-dir", "", "working directory")
	cmd.Flags().StringArrayVar(&f.Env, "env", nil, "extra environment KEY=VALUE (repeatable)")
	cmd.Flags().IntVar(&f.MaxRestarts, "max-restarts", 0, "crash restarts before giving up (default 5)")
	cmd.Flags().IntVar(&f.CheckInterval, "check-interval", 0, "seconds between liveness checks (default 10)")
	cmd.Flags().DurationVar(&f.Every, "every", 0, "force a restart at this interval, e.g. 30m")
	cmd.Flags().StringVar(&f.TelegramToken, "telegram-token", "", "telegram bot token for crash alerts")
	cmd.Flags().StringVar(&f.TelegramChat, "telegram-chat", "", "telegram chat id for crash alerts")
	cmd.Flags().BoolVar(&f.CaptureOutput, "capture-output", false, "forward stdout/stderr lines as log events")
	cmd.Flags().BoolVar(&f.AutoStart, "autostart", false, "start when the daemon starts")
	cmd.Flags().StringVar(&f.LogDir, "log-dir", "", "write stdout/stderr to rotated files in this directory")
	cmd.Flags().BoolVar(&f.Start, "start", false, "start supervision right after registering")
	return cmd
}

func createUnregisterCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <name>",
		Short: "Stop and forget a target",
		Args:  cobra.ExactArgs(1),
		RunE: clientRun(g, func(cmd *cobra.Command, c command, args []string) error {
			return c.Unregister(cmd.Context(), args[0])
		}),
	}
}

func createResetCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <name>",
		Short: "Reset the restart counter of a target",
		Args:  cobra.ExactArgs(1),
		RunE: clientRun(g, func(cmd *cobra.Command, c command, args []string) error {
			return c.Reset(cmd.Context(), args[0])
		}),
	}
}

func createNotifyTestCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "notify-test <name>",
		Short: "Send a test notification through the target's channel",
		Args:  cobra.ExactArgs(1),
		RunE: clientRun(g, func(cmd *cobra.Command, c command, args []string) error {
			return c.NotifyTest(cmd.Context(), args[0])
		}),
	}
}

func createStatsCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <name>",
		Short: "Show recent resource samples of a target",
		Args:  cobra.ExactArgs(1),
		RunE: clientRun(g, func(cmd *cobra.Command, c command, args []string) error {
			return c.Stats(cmd.Context(), args[0])
		}),
	}
}

func createHistoryCommand(g *GlobalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <name>",
		Short: "Show recorded events of a target",
		Args:  cobra.ExactArgs(1),
		RunE: clientRun(g, func(cmd *cobra.Command, c command, args []string) error {
			return c.History(cmd.Context(), args[0], limit)
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records (default 100)")
	return cmd
}

func createSystemCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "system",
		Short: "Show host CPU and memory usage",
		Args:  cobra.NoArgs,
		RunE: clientRun(g, func(cmd *cobra.Command, c command, _ []string) error {
			return c.System(cmd.Context())
		}),
	}
}

func createEventsCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "events [name]",
		Short: "Stream live events until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: clientRun(g, func(cmd *cobra.Command, c command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.Events(cmd.Context(), name)
		}),
	}
}

func createLoginCommand(g *GlobalFlags) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to a daemon with auth enabled and save the token",
		Long: `Exchange a username and password for a token. The token is saved to
~/.procwatch/session.json (or $PROCWATCH_SESSION) and used by later commands
against the same API URL. Without --password the password is read from stdin.`,
		Args: cobra.NoArgs,
		RunE: clientRun(g, func(cmd *cobra.Command, c command, _ []string) error {
			if password == "" {
				p, err := readSecret(cmd.InOrStdin())
				if err != nil {
					return err
				}
				password = p
			}
			return c.Login(cmd.Context(), username, password)
		}),
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "user name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (default: read from stdin)")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func createLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newSessionStore().clear()
		},
	}
}

func createHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for [[server.auth.users]] password_hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pw string
			if len(args) == 1 {
				pw = args[0]
			} else {
				p, err := readSecret(cmd.InOrStdin())
				if err != nil {
					return err
				}
				pw = p
			}
			h, err := auth.HashPassword(pw)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h)
			return err
		},
	}
}

// readSecret reads one line, without the trailing newline.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no password given")
	}
	return line, nil
}
