package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"postbot/internal/app"
	"postbot/internal/browser"
	"postbot/internal/config"
	logx "postbot/pkg/logx"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "postbot",
		Short:         "Queue-driven browser automation for posting to chat channels",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")

	root.AddCommand(
		serveCmd(&cfgPath),
		loginCmd(&cfgPath),
		logoutCmd(&cfgPath),
		sessionCmd(&cfgPath),
		queueCmd(&cfgPath),
		historyCmd(&cfgPath),
		installCmd(),
		configCmd(&cfgPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	return config.NewManager(path).Load()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue, HTTP API and schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				}
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			return a.Err()
		},
	}
}

func loginCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open a browser, sign in manually and save the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			if err := app.NewSession(cfg, logx.NewConsole(cfg.Logging.Level)).Login(ctx); err != nil {
				return err
			}
			fmt.Println("session saved to", cfg.Browser.StatePath)
			return nil
		},
	}
}

func logoutCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Delete the saved session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			return app.NewSession(cfg, logx.NewConsole(cfg.Logging.Level)).Logout()
		},
	}
}

func sessionCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Report whether a saved session exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if app.NewSession(cfg, logx.Nop()).Exists() {
				fmt.Println("logged in:", cfg.Browser.StatePath)
				return nil
			}
			fmt.Println("not logged in")
			return nil
		},
	}
}

func queueCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List persisted jobs, head first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cfg, logx.Nop())
			if err != nil {
				return err
			}
			defer store.Close()

			jobs, err := store.LoadQueue(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to load queue: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Println("queue is empty")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tADDED\tSTATUS\tTYPE\tFILES")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", j.ID, j.AddedAt.Local().Format(time.DateTime), j.Status, j.PostType, len(j.Attachments))
			}
			return tw.Flush()
		},
	}
}

func historyCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent job outcomes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cfg, logx.Nop())
			if err != nil {
				return err
			}
			defer store.Close()

			outs, err := store.RecentOutcomes(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tJOB\tTYPE\tOK\tFAILED\tSKIPPED\tTOOK\tERROR")
			for _, o := range outs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
					o.StartedAt.Local().Format(time.DateTime), o.JobID, o.PostType,
					o.Success, o.Failed, o.Skipped, (time.Duration(o.TookMS) * time.Millisecond).String(), o.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "number of outcomes")
	return cmd
}

func installCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Download the browser used for posting",
		RunE: func(cmd *cobra.Command, args []string) error {
			return browser.Install()
		},
	}
}

func configCmd(cfgPath *string) *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with every default filled in",
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(*cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", *cfgPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			cfg := &config.Config{}
			config.ApplyDefaults(cfg)
			if err := config.Write(*cfgPath, cfg); err != nil {
				return err
			}
			fmt.Println("wrote", *cfgPath)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "overwrite an existing file")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Parse and validate the config (environment overrides included)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(*cfgPath); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}

	c.AddCommand(initCmd, checkCmd)
	return c
}
