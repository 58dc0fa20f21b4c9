// Command doip-gateway runs a configurable DoIP gateway server for bench
// testing diagnostic tooling without real vehicle hardware.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Alonso07/doip-server/internal/config"
	"github.com/Alonso07/doip-server/internal/doipsrv"
	"github.com/Alonso07/doip-server/internal/gateway"
	"github.com/spf13/cobra"
)

// Exit codes, per the gateway's error handling design: 0 clean shutdown,
// 1 configuration error, 2 bind/listen error, 3 unexpected runtime error.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitBindError    = 2
	exitRuntimeError = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		gatewayConfig string
		host          string
		port          uint16
		debug         bool
		announce      bool
	)

	cmd := &cobra.Command{
		Use:   "doip-gateway",
		Short: "Serve DoIP diagnostic requests against a configured virtual vehicle",
	}
	cmd.Flags().StringVar(&gatewayConfig, "gateway-config", "config/gateway.yaml", "path to the gateway configuration document")
	cmd.Flags().StringVar(&host, "host", "", "override the configured bind host")
	cmd.Flags().Uint16Var(&port, "port", 0, "override the configured bind port")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().BoolVar(&announce, "announce", false, "broadcast a vehicle announcement on startup")

	exitCode := exitOK
	cmd.RunE = func(*cobra.Command, []string) error {
		log := gateway.NewLogger(debug)

		gw, err := config.Load(gatewayConfig, log)
		if err != nil {
			log.Errorf("configuration error: %v", err)
			exitCode = exitConfigError
			return err
		}
		if host != "" {
			gw.Host = host
		}
		if port != 0 {
			gw.Port = port
		}

		srv := doipsrv.NewServer(gw, log)
		srv.AnnounceOnStart = announce

		serveErr := make(chan error, 1)
		go func() { serveErr <- srv.ListenAndServe() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serveErr:
			if err != nil {
				log.Errorf("listen error: %v", err)
				exitCode = exitBindError
				return err
			}
			return nil
		case <-sigCh:
			log.Info("shutdown signal received")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Errorf("shutdown error: %v", err)
				exitCode = exitRuntimeError
				return err
			}
			return nil
		}
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == exitOK {
			exitCode = exitRuntimeError
		}
	}
	return exitCode
}
