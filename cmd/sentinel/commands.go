package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jrsteele09/sentinel-auth/internal/config"
	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/jrsteele09/sentinel-auth/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var (
		envFile     string
		logLevel    string
		metricsFile string
		a           *app
	)

	root := &cobra.Command{
		Use:           "sentinel",
		Short:         "Sign in to Sentinel and manage the stored session",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("log-level") {
				logLevel = cfg.GetLogLevel()
			}
			setupLogger(logLevel)
			a, err = newApp(cfg)
			return err
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment from this file (default ./.env when present)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error (env LOG_LEVEL)")
	root.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "write session metrics in Prometheus text format to this file on exit (env METRICS_FILE)")

	appFn := func() *app { return a }
	root.AddCommand(
		newLoginCmd(appFn),
		newLogoutCmd(appFn),
		newStatusCmd(appFn),
		newTokenCmd(appFn),
		newMeCmd(appFn),
		newProvidersCmd(appFn),
	)

	// Metrics are written after failed commands too.
	for _, sub := range root.Commands() {
		run := sub.RunE
		sub.RunE = func(cmd *cobra.Command, args []string) error {
			err := run(cmd, args)
			path := metricsFile
			if path == "" {
				path = config.GetEnv("METRICS_FILE", "")
			}
			if werr := a.writeMetrics(path); werr != nil {
				log.Warn().Err(werr).Msg("could not write metrics")
			}
			return err
		}
	}

	return root
}

func errorHint(err error) string {
	switch {
	case errors.Is(err, errors.ErrUnsupportedRedirect):
		return "the CLI needs a loopback redirect: set AUTH_SCHEME=http and register http://" + config.GetEnv("AUTH_REDIRECT_HOST", "127.0.0.1:8765") + "/" + config.GetEnv("AUTH_PATH", "auth") + " with the provider"
	case errors.Is(err, errors.ErrProviderDisabled):
		return "the provider is missing its client id or redirect scheme"
	case errors.Is(err, errors.ErrNotAuthenticated):
		return "run `sentinel login` first"
	case errors.Is(err, errors.ErrProviderUnavailable):
		return "the identity provider could not be reached; your session is kept, try again later"
	case errors.Is(err, errors.ErrStorageUnavailable):
		return "the credential store is unavailable (keyring locked? try CREDENTIAL_BACKEND=file)"
	}
	return ""
}

// signalContext is cancelled on Ctrl-C so an interactive login ends as cancelled.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newLoginCmd(a func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login [provider]",
		Short: "Sign in through the browser",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			displayAppname(a().cfg.GetAppName())
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			var err error
			if len(args) == 1 {
				_, err = a().manager.Login(ctx, args[0])
			} else {
				_, err = a().manager.LoginActive(ctx)
			}
			if err != nil {
				return err
			}
			printState(cmd, a().manager.State())
			return nil
		},
	}
}

func newLogoutCmd(a func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and remove the stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a().manager.Logout(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("Signed out.")
			return nil
		},
	}
}

func newStatusCmd(a func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session state, refreshing the token when due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := a().manager.EnsureValidSession(cmd.Context())
			printState(cmd, a().manager.State())
			return err
		},
	}
}

func newTokenCmd(a func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a valid access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a().manager.EnsureValidSession(cmd.Context())
			if err != nil {
				return err
			}
			if r == nil {
				return errors.Wrapf(errors.ErrNotAuthenticated, "[token]")
			}
			fmt.Fprintln(cmd.OutOrStdout(), r.AccessToken)
			return nil
		},
	}
}

func newMeCmd(a func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the profile the Sentinel API holds for you",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := a().api.Me(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(u)
		},
	}
}

func newProvidersCmd(a func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List configured identity providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, id := range a().registry.IDs() {
				p, cfg, err := a().registry.Resolve(id)
				status := "enabled"
				if err != nil {
					status = "disabled"
				}
				active := " "
				if id == a().registry.Active() {
					active = "*"
				}
				cmd.Printf("%s %-8s %-9s %s\n", active, p.ID(), status, cfg.RedirectURL())
			}
			return nil
		},
	}
}

func printState(cmd *cobra.Command, s session.State) {
	cmd.Printf("Status: %s\n", s.Status)
	if s.User != nil {
		cmd.Printf("User:   %s <%s> (%s)\n", s.User.Name, s.User.Email, s.User.Role())
	}
	if s.Token != nil {
		cmd.Printf("Token:  %s via %s, expires %s\n", s.Token.Key(), s.Token.Provider, s.Token.Expiry.Local().Format("2006-01-02 15:04:05"))
	}
	if s.Err != nil {
		cmd.Printf("Error:  %v\n", s.Err)
	}
}
