package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/paulomaciel91/cactosaude-sub003/internal/media"
	"github.com/paulomaciel91/cactosaude-sub003/internal/monitor"
	"github.com/paulomaciel91/cactosaude-sub003/internal/negotiator"
	"github.com/paulomaciel91/cactosaude-sub003/internal/rtc"
	"github.com/paulomaciel91/cactosaude-sub003/internal/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type joinOptions struct {
	user   string
	legacy bool
	muted  bool
}

func newJoinCmd(root *rootOptions) *cobra.Command {
	opts := &joinOptions{}
	cmd := &cobra.Command{
		Use:   "join [room id or code]",
		Short: "Take part in a consultation from the terminal with synthetic media.",
		Long: `join starts a room, or joins one when an id or code is given, and stays
in it until interrupted. Capture devices are synthetic, which makes it
useful as a test peer for the web client.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var roomID string
			if len(args) == 1 {
				roomID = args[0]
			}
			return join(cmd.Context(), root, opts, roomID)
		},
	}
	cmd.Flags().StringVar(&opts.user, "user", "terminal", "user id recorded as room creator")
	cmd.Flags().BoolVar(&opts.legacy, "legacy-offer", false, "offer as soon as a peer is present, for clients without the lowest-id rule")
	cmd.Flags().BoolVar(&opts.muted, "muted", false, "join with the microphone muted")
	return cmd
}

func join(parent context.Context, root *rootOptions, opts *joinOptions, roomID string) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	cfg := root.cfg

	b, err := openBackends(ctx, cfg, false)
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

	role := negotiator.RoleLowestID
	if opts.legacy {
		role = negotiator.RoleAnyone
	}

	failed := make(chan error, 1)
	var m *session.Manager
	m = session.NewManager(session.Deps{
		Config:   cfg,
		API:      api,
		Signals:  b.signals,
		Presence: b.presence,
		Rooms:    b.rooms,
		Devices:  newDevices(cfg),
		Role:     role,
		UserID:   opts.user,
		Logger:   log.Logger,
	}, session.Callbacks{
		OnRoomCreated: func(r session.StartResult) {
			fmt.Printf("Room %s created, code %s\nJoin link: %s\n", r.RoomID, r.Code, r.JoinLink)
		},
		OnConnectionStateChanged: func(s monitor.State) {
			log.Info().Str("state", string(s)).Msg("Connection state")
			if s == monitor.StateFailed {
				select {
				case failed <- m.Err():
				default:
				}
			}
		},
		OnParticipantCountChanged: func(n int) {
			log.Info().Int("count", n).Msg("Participants")
		},
		OnRemoteStreamChanged: func(d monitor.StreamDescriptor) {
			log.Info().Bool("audio", d.HasAudio()).Bool("video", d.HasVideo()).Msg("Remote stream")
		},
		OnMediaStateChanged: func(s media.State) {
			log.Debug().Bool("mic", s.MicEnabled).Bool("camera", s.CameraEnabled).Bool("screen", s.ScreenSharing).Msg("Local media")
		},
		OnSignalingError: func(err error) {
			log.Warn().Err(err).Msg("Signaling error")
		},
	})
	defer m.EndSession()

	res, err := m.StartSession(ctx, roomID)
	if err != nil {
		return err
	}
	if roomID != "" {
		fmt.Printf("Joined room %s (code %s)\n", res.RoomID, res.Code)
	}
	if opts.muted {
		if _, err := m.ToggleMic(); err != nil {
			return err
		}
	}

	// Failed is terminal, leave instead of waiting for a signal.
	select {
	case err := <-failed:
		return err
	case <-ctx.Done():
	}
	log.Info().Interface("stats", m.Stats()).Msg("Leaving consultation")
	return nil
}
