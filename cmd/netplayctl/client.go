package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/melonDS-emu/melonDS-sub010/internal/emucore"
	"github.com/melonDS-emu/melonDS-sub010/internal/lan"
	"github.com/melonDS-emu/melonDS-sub010/internal/logging"
	"github.com/melonDS-emu/melonDS-sub010/internal/session"
	"github.com/melonDS-emu/melonDS-sub010/internal/xcmd"
)

var clientCmdArgs struct {
	ConfigPath string
	HostAddr   string
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Join a hosted session",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runClient(); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	clientCmd.Flags().StringVarP(&clientCmdArgs.ConfigPath, "config", "c", "", "Path to the configuration file")
	clientCmd.Flags().StringVarP(&clientCmdArgs.HostAddr, "host", "H", "", "Host address to join, e.g. 192.168.1.10:7064 (required)")
	clientCmd.MarkFlagRequired("host")
}

func runClient() error {
	cfg, err := LoadConfig(clientCmdArgs.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	sessCfg := session.Config{
		Mode:     session.ModeLAN,
		Name:     cfg.Session.Name,
		HostAddr: clientCmdArgs.HostAddr,
		LAN: lan.Config{
			SessionPort: cfg.Session.SessionPort,
			ListenPort:  cfg.Session.ListenPort,
		},
	}

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	sess, err := session.StartClient(ctx, sessCfg, log)
	if err != nil {
		return fmt.Errorf("failed to join session at %s: %w", clientCmdArgs.HostAddr, err)
	}
	defer sess.EndSession()

	log.Infow("joined session", "host", clientCmdArgs.HostAddr)

	wg.Go(func() error {
		if err := sess.AwaitGameStart(ctx); err != nil {
			return fmt.Errorf("failed waiting for game start: %w", err)
		}
		core := emucore.NewFake()
		if err := sess.ReceiveInitialState(ctx, core); err != nil {
			return fmt.Errorf("failed receiving initial state: %w", err)
		}
		log.Infow("received initial state", "frames", core.NumFrames())
		return nil
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}
