package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/obd-dash/internal/ecu"
	"github.com/shaunagostinho/obd-dash/internal/server"
)

func newRunCmd() *cobra.Command {
	var listenFlag string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the configured PIDs and serve the telemetry stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listenFlag != "" {
				cfg.Stream.ListenAddr = listenFlag
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVarP(&listenFlag, "listen", "l", "", "Override listen address (e.g. :8080)")
	return cmd
}

func run(cfg *server.Config) error {
	log.Info().Str("component", "main").Str("version", version).Msg("obddash starting")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	prov := ecu.NewSTN1110(cfg.Adapter, cfg.PIDs)
	defer prov.Close()

	// The stream starts immediately; readings appear once the adapter is up.
	go supervise(ctx, prov, 10)

	srv := server.New(cfg, prov)
	err := srv.Run(ctx)
	log.Info().Str("component", "main").Msg("shutting down")
	return err
}

// connectable is satisfied by ecu.Provider.
type connectable interface {
	Connect() error
	IsConnected() bool
}

// supervise keeps the provider connected: it connects with backoff, then
// watches for the adapter dropping off and starts over.
func supervise(ctx context.Context, c connectable, maxAttempts int) {
	for {
		if !connectWithRetry(ctx, c, maxAttempts) {
			return
		}
		ticker := time.NewTicker(time.Second)
		for c.IsConnected() {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
			}
		}
		ticker.Stop()
		log.Warn().Str("component", "main").Msg("adapter disconnected, reconnecting")
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. It returns false only when
// ctx is cancelled.
func connectWithRetry(ctx context.Context, c connectable, maxAttempts int) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		err := c.Connect()
		if err == nil {
			log.Info().Str("component", "main").Int("attempt", attempt+1).Msg("adapter connected")
			return true
		}

		attempt++
		ev := log.Warn().Str("component", "main").Err(err).Int("attempt", attempt).Dur("retry_in", delay)
		if attempt <= maxAttempts {
			ev = ev.Int("max_attempts", maxAttempts)
		}
		ev.Msg("connect failed")

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
