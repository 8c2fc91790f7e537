package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matheus3301/farmchat/internal/client"
	"github.com/matheus3301/farmchat/internal/config"
	"github.com/matheus3301/farmchat/internal/session"
)

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(statusCmd, sessionsCmd, configCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("Session: %s\n", resp.Session)
			fmt.Printf("Uptime:  %dms\n", resp.UptimeMs)
			if resp.Authenticated {
				fmt.Printf("Auth:    signed in as %s\n", valueOrDefault(resp.UserID, "(unknown user)"))
			} else {
				fmt.Println("Auth:    no token, working from cache")
			}
			fmt.Printf("Inbox:   %s\n", resp.Inbox)
			fmt.Printf("Open:    %s\n", valueOrDefault(strings.Join(resp.Open, ", "), "(none)"))
			return nil
		})
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect session directories",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := session.List()
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(sessions)
			return nil
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		for _, s := range sessions {
			state := "stopped"
			if s.Running {
				state = fmt.Sprintf("running, pid %d", s.PID)
			}
			fmt.Printf("%-20s %s (%s)\n", s.Name, s.Path, state)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage ~/.farmchat/config.toml",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := session.ConfigPath()
		if _, err := config.Load(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		cfg := config.Default()
		cfg.DefaultSession = session.DefaultSessionName
		if err := config.Save(path, cfg); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
