package rtc

import (
	"fmt"
	"time"

	"github.com/paulomaciel91/cactosaude-sub003/config"
	"github.com/pion/interceptor"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type Options struct {
	UDPPortMin uint16
	UDPPortMax uint16
	// Net replaces the OS network stack, e.g. with a vnet.Net in tests.
	Net    transport.Net
	Logger zerolog.Logger
}

// NewAPI builds the webrtc.API every peer connection of the process is
// created from: default codecs, default interceptors (NACK, RTCP reports,
// TWCC) and the network settings.
func NewAPI(opts Options) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: LoggerFactory{Logger: opts.Logger}}
	if opts.UDPPortMin != 0 || opts.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	se.SetICETimeouts(5*time.Second, 25*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// ICEServers turns the configured STUN and TURN urls into pion servers.
func ICEServers(cfg config.WebRTCConfig) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.ICEServers})
	}
	if len(cfg.TURNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       cfg.TURNServers,
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNCredential,
		})
	}
	return servers
}
