package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Meet/internal/audio"
	"github.com/dkeye/Meet/internal/chat"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/console"
	"github.com/dkeye/Meet/internal/files"
	"github.com/dkeye/Meet/internal/hub"
	"github.com/dkeye/Meet/internal/netutil"
	"github.com/dkeye/Meet/internal/participants"
	"github.com/dkeye/Meet/internal/screen"
	"github.com/dkeye/Meet/internal/video"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "meetd",
		Short: "LAN meeting relay hub",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start all relay services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	feed := console.NewFeed()

	// Console output for the terminal, plus a copy of every line to the
	// operator event stream.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stderr},
		feed,
	))
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}

	h := hub.New(
		chat.NewServer(cfg.Host, cfg.ChatPort),
		files.NewServer(cfg.Host, cfg.FilePort, cfg.StoragePath, cfg.MaxFileSize, cfg.ChunkSize),
		video.NewServer(cfg.Host, cfg.VideoPort, cfg.ClientTimeout, cfg.SweepInterval, cfg.MaxDatagram),
		audio.NewServer(cfg.Host, cfg.AudioPort, cfg.ClientTimeout, cfg.SweepInterval, cfg.MaxDatagram),
		screen.NewServer(cfg.Host, cfg.ScreenPort, cfg.MaxScreenFrame),
		participants.NewServer(cfg.Host, cfg.ParticipantsPort, cfg.ReadTimeout),
	)
	h.SetStatusFunc(func(name string, state hub.State) {
		feed.PublishStatus(name, string(state))
	})

	ui := console.NewServer(cfg, h, feed)
	if err := ui.Start(); err != nil {
		log.Error().Err(err).Msg("console failed to start")
		return err
	}

	if err := h.StartAll(); err != nil {
		log.Error().Err(err).Msg("startup failed, nothing left running")
		ui.Stop()
		return err
	}

	log.Info().Str("ip", netutil.PrimaryIPv4()).Msg("server reachable on LAN")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	h.StopAll()
	ui.Stop()
	return nil
}
