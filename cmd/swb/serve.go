package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/dashboard"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/relay"
	discordadapter "github.com/zulandar/switchboard/internal/relay/discord"
	slackadapter "github.com/zulandar/switchboard/internal/relay/slack"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Switchboard daemon",
		Long:  "Connects to the configured chat platform and relays case traffic until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}

	daemon, err := relay.NewDaemon(relay.DaemonOpts{
		DB:      gormDB,
		Config:  cfg,
		Adapter: adapter,
		Out:     cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if cfg.Dashboard.Enabled {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				DB:   gormDB,
				Port: cfg.Dashboard.Port,
				Out:  cmd.OutOrStdout(),
			})
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "dashboard: %v\n", err)
			}
		}()
	}

	return daemon.Run(ctx)
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (relay.Adapter, error) {
	switch cfg.Platform {
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:     cfg.Discord.BotToken,
			ModChannelID: cfg.Discord.ModChannel,
		})
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken: cfg.Slack.AppToken,
			BotToken: cfg.Slack.BotToken,
		})
	default:
		return nil, fmt.Errorf("serve: unsupported platform %q", cfg.Platform)
	}
}
