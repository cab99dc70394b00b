package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/melonDS-emu/melonDS-sub010/internal/lan"
	"github.com/melonDS-emu/melonDS-sub010/internal/logging"
	"github.com/melonDS-emu/melonDS-sub010/internal/xcmd"
)

var discoverCmdArgs struct {
	ConfigPath string
	Duration   time.Duration
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Listen for discovery beacons and print sessions found on the LAN",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDiscover(); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	discoverCmd.Flags().StringVarP(&discoverCmdArgs.ConfigPath, "config", "c", "", "Path to the configuration file")
	discoverCmd.Flags().DurationVarP(&discoverCmdArgs.Duration, "duration", "d", 5*time.Second, "How long to listen before printing results")
}

func runDiscover() error {
	cfg, err := LoadConfig(discoverCmdArgs.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), discoverCmdArgs.Duration)
	defer cancel()

	disco, err := lan.StartDiscovery(ctx, cfg.Session.DiscoPort, log)
	if err != nil {
		return fmt.Errorf("failed to start discovery listener: %w", err)
	}
	defer disco.Close()

	log.Infow("listening for sessions", "port", cfg.Session.DiscoPort, "duration", discoverCmdArgs.Duration)
	<-ctx.Done()

	sessions := disco.List()
	if len(sessions) == 0 {
		fmt.Println("no sessions found")
		return nil
	}
	for addr, rec := range sessions {
		fmt.Printf("%-21s %-20s %d/%d players\n", addr, rec.SessionName, rec.NumPlayers, rec.MaxPlayers)
	}
	return nil
}
