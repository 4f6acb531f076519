package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shaunagostinho/obd-dash/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFlag   string
	portFlag     string
	baudFlag     int
	demoFlag     bool
	logLevelFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "obddash",
		Short: "Poll OBD-II PIDs through an STN1110/ELM327 adapter",
		Long: `obddash talks to an STN1110 or ELM327 OBD-II adapter over a serial line.

It resets the adapter, polls a configurable set of PIDs on independent
periods and streams the latest readings to WebSocket clients as JSON or CBOR.
One-shot commands are available for talking to the adapter directly.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", server.DefaultConfigPath, "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "Serial port (overrides config)")
	rootCmd.PersistentFlags().IntVarP(&baudFlag, "baud", "b", 0, "Baud rate (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&demoFlag, "demo", false, "Use a simulated adapter")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "trace, debug, info, warn or error")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("obddash %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(newRunCmd(), newQueryCmd(), newReadCmd(), newSampleCmd(), newListCmd(), versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the persistent flags.
func loadConfig() (*server.Config, error) {
	cfg := server.LoadConfig(configFlag)
	if demoFlag {
		cfg.Adapter.Type = "demo"
	}
	if portFlag != "" {
		cfg.Adapter.PortPath = portFlag
		if cfg.Adapter.Type == "demo" && !demoFlag {
			cfg.Adapter.Type = "stn1110"
		}
	}
	if baudFlag != 0 {
		cfg.Adapter.BaudRate = baudFlag
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	setupLogging(cfg.Log)
	return cfg, cfg.Validate()
}

// setupLogging configures the global logger: human-readable on a terminal,
// JSON otherwise.
func setupLogging(c server.LogConfig) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	console := c.Format == "console" || (c.Format != "json" && term.IsTerminal(int(os.Stderr.Fd())))
	if console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
