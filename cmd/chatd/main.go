package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/farmchat/internal/config"
	"github.com/matheus3301/farmchat/internal/daemon"
	"github.com/matheus3301/farmchat/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	levelFlag := flag.String("log-level", "info", "minimum log level")
	flag.Parse()

	cfg, err := config.Resolve(session.ConfigPath(), ".env", session.EnvPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	sessionName := session.Resolve(*sessionFlag, cfg.DefaultSession)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, Config: cfg, LogLevel: *levelFlag}),
	)

	app.Run()
}
