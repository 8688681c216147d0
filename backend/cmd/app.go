package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/webrtc-chat/backend/config"
	"github.com/adwski/webrtc-chat/backend/relay"
	httpServer "github.com/adwski/webrtc-chat/backend/server/http"
	websocketServer "github.com/adwski/webrtc-chat/backend/server/websocket"
	"github.com/adwski/webrtc-chat/backend/service"
	store "github.com/adwski/webrtc-chat/backend/storage/memory"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		cfgPath  = fs.StringP("config", "c", "", "path to yaml config file")
		logLevel = fs.StringP("log-level", "l", "", "log level override")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	svc := service.NewService(service.Config{
		Registry:   store.NewRegistry(),
		MessageLog: store.NewMessageLog(),
		Relay:      relay.New(&logger),
		Logger:     &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		HistoryService: svc,
		ListenAddr:     cfg.APIListenAddr,
		DefaultRoom:    cfg.DefaultRoom,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:       &logger,
		Service:      svc,
		ListenAddr:   cfg.WSListenAddr,
		ReadLimit:    cfg.ReadLimit,
		PingInterval: cfg.PingInterval,
		PongWait:     cfg.PongWait,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
