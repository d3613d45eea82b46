package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"wavelink/internal/broker"
	"wavelink/internal/config"
	"wavelink/internal/fanout"
	"wavelink/internal/logging"
	"wavelink/internal/otelutil"
	"wavelink/internal/publish"
	"wavelink/internal/registry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if err := otelutil.Init(); err != nil {
		logging.Debug().Err(err).Msg("tracing disabled")
	}
	defer otelutil.Flush()

	brokerURL := cfg.Broker.URL
	if cfg.Broker.Embedded {
		embedded, err := broker.StartEmbedded(cfg.Broker.EmbeddedPort)
		if err != nil {
			logging.Error().Err(err).Msg("embedded broker failed to start")
			os.Exit(1)
		}
		defer embedded.Shutdown()
		brokerURL = embedded.ClientURL()
		logging.Info().Str("url", brokerURL).Msg("embedded broker started")
	}

	nc, err := nats.Connect(brokerURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("broker disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("broker reconnected")
		}),
	)
	if err != nil {
		logging.Error().Err(err).Str("url", brokerURL).Msg("broker connect failed")
		os.Exit(1)
	}
	defer nc.Close()

	reg := registry.New(cfg.Server.PingInterval)
	bridge := fanout.New(nc, reg)
	if err := bridge.Start(); err != nil {
		logging.Error().Err(err).Msg("fanout bridge failed to start")
		os.Exit(1)
	}
	pub := publish.New(nc)

	srv := NewServer(cfg, reg, bridge, pub)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.router,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logging.Info().Msg("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop broker intake before draining connections so nothing writes
		// to a closed send queue. Stop blocks until the drain completes.
		if err := bridge.Stop(ctx); err != nil {
			logging.Warn().Err(err).Msg("bridge stop failed")
		}
		if err := pub.Flush(); err != nil {
			logging.Warn().Err(err).Msg("broker flush failed")
		}
		srv.Shutdown()

		if err := httpServer.Shutdown(ctx); err != nil {
			logging.Warn().Err(err).Msg("forced http shutdown")
		}
	}()

	logging.Info().Str("addr", cfg.Server.Addr).Msg("wavelink push server listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}
