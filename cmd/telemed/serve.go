package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/paulomaciel91/cactosaude-sub003/internal/handlers"
	"github.com/paulomaciel91/cactosaude-sub003/internal/rtc"
	"github.com/paulomaciel91/cactosaude-sub003/internal/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var memory bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session control API.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), root, memory)
		},
	}
	cmd.Flags().BoolVar(&memory, "memory", false, "keep signaling and presence in process instead of Redis")
	return cmd
}

func serve(parent context.Context, root *rootOptions, memory bool) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	cfg := root.cfg

	b, err := openBackends(ctx, cfg, memory)
	if err != nil {
		return err
	}
	defer b.close()

	api, err := rtc.NewAPI(rtc.Options{
		UDPPortMin: cfg.WebRTC.UDPPortMin,
		UDPPortMax: cfg.WebRTC.UDPPortMax,
		Logger:     log.Logger,
	})
	if err != nil {
		return err
	}

	sessions := handlers.NewSessions(func(userID string, cb session.Callbacks) *session.Manager {
		return session.NewManager(session.Deps{
			Config:   cfg,
			API:      api,
			Signals:  b.signals,
			Presence: b.presence,
			Rooms:    b.rooms,
			Devices:  newDevices(cfg),
			UserID:   userID,
			Logger:   log.Logger,
		}, cb)
	}, log.Logger)
	rooms := handlers.NewRooms(b.rooms, b.presence, cfg.Presence.TTL, log.Logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handlers.NewRouter(cfg, sessions, rooms),
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("environment", cfg.Environment).Msg("Telemedicine server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		sessions.Shutdown()
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	sessions.Shutdown()
	log.Info().Msg("Server exited gracefully")
	return nil
}
