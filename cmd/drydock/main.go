package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zpdzap/drydock/internal/api"
	"github.com/zpdzap/drydock/internal/config"
	"github.com/zpdzap/drydock/internal/cron"
	"github.com/zpdzap/drydock/internal/daemon"
	"github.com/zpdzap/drydock/internal/egress"
	"github.com/zpdzap/drydock/internal/toolproxy"
	"github.com/zpdzap/drydock/internal/tui"
)

func main() {
	root := &cobra.Command{
		Use:           "drydock",
		Short:         "drydock: run AI coding agents headless in disposable containers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDashboard,
	}
	root.Flags().String("api", "", "command API address (defaults to api.listen from settings)")

	root.AddCommand(serveCmd(), initCmd(), buildCmd(), egressCmd(), toolCallCmd(), cronCmd())

	if err := root.Execute(); err != nil {
		var exit exitCode
		if errors.As(err, &exit) {
			os.Exit(int(exit))
		}
		fmt.Fprintln(os.Stderr, "drydock:", err)
		os.Exit(1)
	}
}

// exitCode ends the process with a specific status and no message.
type exitCode int

func (e exitCode) Error() string { return "exit status " + strconv.Itoa(int(e)) }

// loadSettings resolves the data directory, loads its .env and reads the
// settings file.
func loadSettings() (*config.Settings, error) {
	home, err := config.Home()
	if err != nil {
		return nil, err
	}
	if err := config.LoadEnv(home); err != nil {
		return nil, err
	}
	return config.LoadSettings(home)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runDashboard(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("api")
	if addr == "" {
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		addr = settings.API.Listen
	}
	ctx, cancel := signalContext()
	defer cancel()
	return tui.Run(ctx, &api.Client{BaseURL: "http://" + addr})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: command API, tool bridge and cron scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(settings.Home, 0o755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}
			logger := settings.Log.NewLogger(os.Stderr)

			d, err := daemon.New(settings, daemon.Options{Logger: logger, PersistSettings: true})
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return d.Run(ctx)
		},
	}
}

func egressCmd() *cobra.Command {
	var (
		listen string
		admin  string
		allow  []string
	)
	cmd := &cobra.Command{
		Use:    "egress",
		Short:  "Run the shared egress proxy (inside its container)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			logger := config.LogConfig{Level: "info", Format: "json"}.NewLogger(os.Stderr)
			return egress.Serve(ctx, egress.ServerConfig{
				ProxyAddr:     listen,
				AdminAddr:     admin,
				AdminToken:    os.Getenv(egress.EnvAdminToken),
				AlwaysAllowed: allow,
				Logger:        logger,
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":3128", "proxy listen address")
	cmd.Flags().StringVar(&admin, "admin", ":3129", "admin API listen address")
	cmd.Flags().StringSliceVar(&allow, "allow", nil, "hosts every sandbox may reach")
	return cmd
}

func toolCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "tool-call <tool> [args...]",
		Short:              "Run a proxied host tool (inside a sandbox)",
		Hidden:             true,
		DisableFlagParsing: true,
		Args:               cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := toolproxy.ClientFromEnv()
			if err != nil {
				return err
			}
			dir, err := os.Getwd()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			code, err := client.Call(ctx, toolproxy.Request{Tool: args[0], Args: args[1:], Dir: dir}, os.Stdout, os.Stderr)
			if err != nil {
				var remote *toolproxy.RemoteError
				if errors.As(err, &remote) && remote.NotAvailable() {
					fmt.Fprintf(os.Stderr, "drydock: %s is not available in this sandbox\n", args[0])
					return exitCode(127)
				}
				if code < 0 {
					return err
				}
				fmt.Fprintln(os.Stderr, "drydock:", err)
			}
			if code != 0 {
				return exitCode(code)
			}
			return nil
		},
	}
}

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Cron schedule helpers",
	}
	var count int
	next := &cobra.Command{
		Use:   "next <expression>",
		Short: "Print the next fire times of a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schedule, err := cron.Parse(args[0])
			if err != nil {
				return err
			}
			t := time.Now()
			for range count {
				t = schedule.Next(t)
				if t.IsZero() {
					break
				}
				fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC1123))
			}
			return nil
		},
	}
	next.Flags().IntVarP(&count, "count", "n", 5, "number of fire times to print")
	cmd.AddCommand(next)
	return cmd
}
