package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/paulomaciel91/cactosaude-sub003/config"
	"github.com/paulomaciel91/cactosaude-sub003/internal/media"
	"github.com/paulomaciel91/cactosaude-sub003/internal/presence"
	"github.com/paulomaciel91/cactosaude-sub003/internal/redis"
	"github.com/paulomaciel91/cactosaude-sub003/internal/session"
	"github.com/paulomaciel91/cactosaude-sub003/internal/signaling"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "telemed",
		Short: "Peer-to-peer video consultations between a doctor and a patient.",
		Long: `telemed runs one-to-one WebRTC consultations. Signaling goes through a
shared Redis log, media flows directly between the two participants.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			setupLogger(cfg)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML), environment variables use the TELEMED_ prefix")

	root.AddCommand(newServeCmd(opts), newJoinCmd(opts), newCtlCmd())
	return root
}

// setupLogger configures the global zerolog logger: console output while
// developing, JSON in production.
func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.IsProduction() {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// backends holds the shared state stores a manager is built from.
type backends struct {
	signals  signaling.Backend
	presence presence.Store
	rooms    session.RoomStore
	close    func()
}

// openBackends connects to Redis, or keeps everything in process when
// memory is set (both participants must then live in this process).
func openBackends(ctx context.Context, cfg *config.Config, memory bool) (*backends, error) {
	if memory {
		log.Warn().Msg("Using in-memory signaling, only sessions of this process can meet")
		return &backends{
			signals:  signaling.NewMemoryBackend(cfg.Signaling.LogCap),
			presence: presence.NewMemoryStore(),
			rooms:    session.NewMemoryRoomStore(cfg.PublicBaseURL),
			close:    func() {},
		}, nil
	}

	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", fmt.Sprintf("%s:%s", cfg.Redis.Host, cfg.Redis.Port)).Msg("Redis connection established")

	return &backends{
		signals: &signaling.RedisBackend{
			Client: client,
			Cap:    cfg.Signaling.LogCap,
			TTL:    session.RoomTTL,
			Logger: log.Logger,
		},
		presence: presence.NewRedisStore(client, session.RoomTTL),
		rooms:    session.NewRedisRoomStore(client, cfg.PublicBaseURL),
		close: func() {
			if err := redis.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close Redis")
			}
		},
	}, nil
}

func newDevices(cfg *config.Config) media.Devices {
	return media.NewSyntheticDevices(cfg.Media.FrameInterval, log.Logger)
}
