package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/nploy/pkg/client"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	api := &APIFlags{}
	cmd := &command{api: api}

	root := createRootCommand(globalFlags, api)

	root.AddCommand(
		createServeCommand(globalFlags),
		createStartCommand(cmd),
		createStopCommand(cmd),
		createStatusCommand(cmd),
		createRoutesCommand(cmd),
		createKillCommand(cmd),
		createPortsCommand(cmd),
		createLoginCommand(cmd),
		createHashPasswordCommand(cmd),
	)
	return root
}

func createRootCommand(flags *GlobalFlags, api *APIFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "nploy",
		Short: "Start web apps on demand behind a hostname router",
		Long: `nploy proxies HTTP requests by hostname to local applications,
starting each one on first use and stopping it once it goes idle.

Examples:
  nploy serve --config nploy.toml
  nploy serve --dir ./sites --port 8080
  nploy status
  nploy kill --key blog.local`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&api.URL, "api-url", client.DefaultConfig().BaseURL, "admin API URL of a running server")
	root.PersistentFlags().DurationVar(&api.Timeout, "api-timeout", 2*time.Minute, "request timeout")
	root.PersistentFlags().StringVar(&api.Token, "api-token", os.Getenv("NPLOY_API_TOKEN"), "bearer token for the admin API")
	root.PersistentFlags().StringVar(&api.User, "api-user", "", "admin API user (basic auth)")
	root.PersistentFlags().StringVar(&api.Password, "api-password", os.Getenv("NPLOY_API_PASSWORD"), "admin API password")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the proxy",
		Long: `Run the proxy in the foreground until SIGINT or SIGTERM.
Flags override the matching config values.

Examples:
  nploy serve
  nploy serve nploy.toml --pidfile /run/nploy.pid
  nploy serve --mode app --admin 127.0.0.1:7999`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				f.ConfigPath = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *f, cmd.Flags().Changed, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the server pid to this file")
	cmd.Flags().StringVar(&f.Host, "host", "", "proxy listen host")
	cmd.Flags().IntVarP(&f.Port, "port", "p", 0, "proxy listen port")
	cmd.Flags().StringVarP(&f.Dir, "dir", "d", "", "directory scripts are resolved against")
	cmd.Flags().StringVar(&f.Mode, "mode", "", "routing mode: hostname or app")
	cmd.Flags().StringVar(&f.Admin, "admin", "", "admin API listen address; empty disables it")
	return cmd
}

func createStartCommand(c *command) *cobra.Command {
	f := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an application and print its port",
		Long: `Start (or attach to) a supervised application through the admin API.

Examples:
  nploy start --name api --script /srv/api/server.js
  nploy start --name py --command "python3 -m http.server" --watch script`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "application name (required)")
	cmd.Flags().StringVar(&f.Script, "script", "", "script to run")
	cmd.Flags().StringVar(&f.Command, "command", "", "command line; the script is appended")
	cmd.Flags().StringSliceVar(&f.Args, "arg", nil, "extra argument (repeatable)")
	cmd.Flags().StringSliceVar(&f.Env, "env", nil, "KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&f.WorkDir, "workdir", "", "working directory")
	cmd.Flags().StringVar(&f.Watch, "watch", "", `file to watch for restarts ("script" for the script)`)
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "start timeout")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop an application, or all of them",
		Long: `Stop one application by name; without --name every application is stopped.

Examples:
  nploy stop --name api
  nploy stop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "application name")
	return cmd
}

func createStatusCommand(c *command) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show application status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "application name (optional)")
	return cmd
}

func createRoutesCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "List or change routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Routes(cmd.Context())
		},
	}

	f := &RouteAddFlags{}
	add := &cobra.Command{
		Use:   "add KEY SCRIPT [ARGS...]",
		Short: "Add or replace a route",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Key, f.Script, f.Args = args[0], args[1], args[2:]
			return c.AddRoute(cmd.Context(), *f)
		},
	}
	add.Flags().StringVar(&f.Command, "command", "", "command line; the script is appended")
	add.Flags().BoolVar(&f.Replace, "replace", false, "drop all other routes first")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every route; running children keep running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ClearRoutes(cmd.Context())
		},
	}

	cmd.AddCommand(add, clearCmd)
	return cmd
}

func createKillCommand(c *command) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Stop the application behind a route",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Kill(cmd.Context(), key)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "route key (required)")
	if err := cmd.MarkFlagRequired("key"); err != nil {
		panic(err)
	}
	return cmd
}

func createPortsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "Show claimed ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Ports(cmd.Context())
		},
	}
}

func createLoginCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Exchange --api-user/--api-password for a bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Login(cmd.Context())
		},
	}
}

func createHashPasswordCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password PASSWORD",
		Short: "Print the bcrypt hash for a [[server.auth.users]] entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.HashPassword(args[0])
		},
	}
}
