package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/melonDS-emu/melonDS-sub010/internal/emucore"
	"github.com/melonDS-emu/melonDS-sub010/internal/lan"
	"github.com/melonDS-emu/melonDS-sub010/internal/logging"
	"github.com/melonDS-emu/melonDS-sub010/internal/session"
	"github.com/melonDS-emu/melonDS-sub010/internal/xcmd"
)

var hostCmdArgs struct {
	ConfigPath string
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Host a new session and wait for players to join",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runHost(); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	hostCmd.Flags().StringVarP(&hostCmdArgs.ConfigPath, "config", "c", "", "Path to the configuration file")
}

func runHost() error {
	cfg, err := LoadConfig(hostCmdArgs.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	sessCfg := session.Config{
		Mode:       session.ModeLAN,
		Name:       cfg.Session.Name,
		MaxPlayers: cfg.Session.MaxPlayers,
		Settings:   cfg.Session.Settings,
		LAN: lan.Config{
			SessionPort:     cfg.Session.SessionPort,
			ListenPort:      cfg.Session.ListenPort,
			DiscoPort:       cfg.Session.DiscoPort,
			BroadcastSubnet: cfg.Session.broadcastSubnet(),
		},
	}

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	sess, err := session.StartHost(ctx, sessCfg, nil, log)
	if err != nil {
		return fmt.Errorf("failed to start host session: %w", err)
	}
	defer sess.EndSession()

	log.Infow("hosting session",
		"name", cfg.Session.Name,
		"max_players", cfg.Session.MaxPlayers,
		"session_port", sessCfg.LAN.SessionPort,
		"disco_port", sessCfg.LAN.DiscoPort,
	)

	wg.Go(func() error {
		return runHostUntilFull(ctx, sess, cfg.Session.MaxPlayers, log)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

// runHostUntilFull logs every PlayerList change until the session reaches
// capacity, then starts the game against a headless emucore.Fake so the
// blob distribution and settings broadcast can be exercised without a real
// frontend attached (spec.md §4.5.3).
func runHostUntilFull(ctx context.Context, sess *session.Session, maxPlayers uint8, log *zap.SugaredLogger) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	seen := -1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		players := sess.PlayerList()
		if len(players) != seen {
			seen = len(players)
			log.Infow("player list changed", "count", seen)
		}
		if len(players) >= int(maxPlayers) {
			core := emucore.NewFake()
			return sess.StartGame(ctx, core)
		}
	}
}
