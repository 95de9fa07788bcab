package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"shellmux/internal/config"
	"shellmux/internal/events"
	"shellmux/internal/logstream"
	"shellmux/internal/realtime"
	"shellmux/internal/session"
)

func main() {
	var (
		configPath string
		port       int
		staticDir  string
	)

	root := &cobra.Command{
		Use:   "shellmux",
		Short: "Wrap an interactive remote shell CLI as a concurrent execution service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("static-dir") {
				cfg.Server.StaticDir = staticDir
			}
			return run(cfg, configPath)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "shellmux.yaml", "path to config file")
	root.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	root.Flags().StringVar(&staticDir, "static-dir", "", "static asset directory (overrides config)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string) error {
	policy, err := session.NewPolicy(cfg.Completion)
	if err != nil {
		return err
	}

	bus := events.NewBus(cfg.Server.HistorySize)
	sess := session.New(cfg.CLI, policy, bus)

	streams := logstream.NewManager(cfg.CLI, cfg.Logs, bus, func() bool {
		return sess.State() == session.StateConnected
	})
	sess.OnClose(func() {
		streams.StopAll(logstream.ReasonDisconnected)
	})

	// Completion tuning can change without a restart.
	reloader, err := config.WatchFile(configPath, func(next *config.Config) {
		p, perr := session.NewPolicy(next.Completion)
		if perr != nil {
			log.Printf("config reload: invalid completion policy: %v", perr)
			return
		}
		sess.SetPolicy(p)
		log.Printf("config reload: completion policy updated")
	})
	if err != nil {
		log.Printf("config watch disabled: %v", err)
	} else {
		defer reloader.Close()
	}

	rtServer := realtime.New(sess, streams, bus, cfg.Server.StaticDir)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: rtServer.Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		streams.StopAll(logstream.ReasonStopped)
		sess.Close()
		bus.Close()
		httpServer.Close()
	}()

	log.Printf("shellmux listening on http://localhost:%d (cli: %s)", cfg.Server.Port, cfg.CLI.Command)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
