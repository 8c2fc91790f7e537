package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/farmchat/internal/client"
	"github.com/matheus3301/farmchat/internal/config"
	"github.com/matheus3301/farmchat/internal/session"
)

var (
	sessionFlag string
	jsonOutput  bool
)

var rootCmd = &cobra.Command{
	Use:           "chatctl",
	Short:         "Control a farmchat session daemon",
	Long:          "chatctl talks to chatd over the session socket: list conversations, open one, send text and watch events.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// sessionName resolves --session against the config file.
func sessionName() (string, error) {
	configured := ""
	if cfg, err := config.Load(session.ConfigPath()); err == nil {
		configured = cfg.DefaultSession
	}
	name := session.Resolve(sessionFlag, configured)
	if err := session.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// dial connects to the daemon of the active session.
func dial() (*client.Client, error) {
	name, err := sessionName()
	if err != nil {
		return nil, err
	}
	c, err := client.New(session.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	return c, nil
}

// withClient runs fn with a connected client and a request timeout.
func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return fn(ctx, c)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
