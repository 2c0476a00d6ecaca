package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string
	Environment    string
	LogLevel       string
	AllowedOrigins []string
	JWTSecret      string
	PublicBaseURL  string
	Redis          RedisConfig
	Signaling      SignalingConfig
	Presence       PresenceConfig
	Negotiation    NegotiationConfig
	WebRTC         WebRTCConfig
	Media          MediaConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// SignalingConfig tunes the relay's shared log.
type SignalingConfig struct {
	PollInterval time.Duration
	LogCap       int
	DedupSize    int
	// StaleAfter is compared against the sender's clock, so it must exceed
	// the clock skew between participants.
	StaleAfter time.Duration
}

type PresenceConfig struct {
	AnnounceInterval time.Duration
	TTL              time.Duration
}

type NegotiationConfig struct {
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type WebRTCConfig struct {
	ICEServers     []string
	TURNServers    []string
	TURNUsername   string
	TURNCredential string
	UDPPortMin     uint16
	UDPPortMax     uint16
}

type MediaConfig struct {
	FrameInterval time.Duration
}

const (
	MinLogCap    = 100
	MinDedupSize = 100
)

// aliases keeps the unprefixed variable names used by older deployments working.
var aliases = map[string]string{
	"port":            "PORT",
	"environment":     "ENVIRONMENT",
	"allowed_origins": "ALLOWED_ORIGINS",
	"jwt_secret":      "JWT_SECRET",
	"redis.host":      "REDIS_HOST",
	"redis.port":      "REDIS_PORT",
	"redis.password":  "REDIS_PASSWORD",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("jwt_secret", "change-me-in-production")
	v.SetDefault("public_base_url", "http://localhost:5173")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("signaling.poll_interval", 200*time.Millisecond)
	v.SetDefault("signaling.log_cap", MinLogCap)
	v.SetDefault("signaling.dedup_size", 256)
	v.SetDefault("signaling.stale_after", 2*time.Second)

	v.SetDefault("presence.announce_interval", time.Second)
	v.SetDefault("presence.ttl", 5*time.Second)

	v.SetDefault("negotiation.timeout", 15*time.Second)
	v.SetDefault("negotiation.max_retries", 2)
	v.SetDefault("negotiation.backoff_base", time.Second)
	v.SetDefault("negotiation.backoff_max", 8*time.Second)

	v.SetDefault("webrtc.ice_servers", "stun:stun.l.google.com:19302")
	v.SetDefault("webrtc.turn_servers", "")
	v.SetDefault("webrtc.turn_username", "")
	v.SetDefault("webrtc.turn_credential", "")
	v.SetDefault("webrtc.udp_port_min", 0)
	v.SetDefault("webrtc.udp_port_max", 0)

	v.SetDefault("media.frame_interval", 33*time.Millisecond)
}

// Load reads configuration from defaults, an optional YAML file and the
// environment (TELEMED_ prefix, e.g. TELEMED_REDIS_HOST).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("telemed")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range aliases {
		_ = v.BindEnv(key, "TELEMED_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	return fromViper(v)
}

// Default returns the built-in configuration without consulting the
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, _ := fromViper(v)
	return cfg
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:           v.GetString("port"),
		Environment:    v.GetString("environment"),
		LogLevel:       v.GetString("log_level"),
		AllowedOrigins: splitList(v.GetString("allowed_origins")),
		JWTSecret:      v.GetString("jwt_secret"),
		PublicBaseURL:  strings.TrimRight(v.GetString("public_base_url"), "/"),
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Signaling: SignalingConfig{
			PollInterval: v.GetDuration("signaling.poll_interval"),
			LogCap:       v.GetInt("signaling.log_cap"),
			DedupSize:    v.GetInt("signaling.dedup_size"),
			StaleAfter:   v.GetDuration("signaling.stale_after"),
		},
		Presence: PresenceConfig{
			AnnounceInterval: v.GetDuration("presence.announce_interval"),
			TTL:              v.GetDuration("presence.ttl"),
		},
		Negotiation: NegotiationConfig{
			Timeout:     v.GetDuration("negotiation.timeout"),
			MaxRetries:  v.GetInt("negotiation.max_retries"),
			BackoffBase: v.GetDuration("negotiation.backoff_base"),
			BackoffMax:  v.GetDuration("negotiation.backoff_max"),
		},
		WebRTC: WebRTCConfig{
			ICEServers:     splitList(v.GetString("webrtc.ice_servers")),
			TURNServers:    splitList(v.GetString("webrtc.turn_servers")),
			TURNUsername:   v.GetString("webrtc.turn_username"),
			TURNCredential: v.GetString("webrtc.turn_credential"),
			UDPPortMin:     uint16(v.GetUint("webrtc.udp_port_min")),
			UDPPortMax:     uint16(v.GetUint("webrtc.udp_port_max")),
		},
		Media: MediaConfig{
			FrameInterval: v.GetDuration("media.frame_interval"),
		},
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings that would break delivery guarantees.
func (c *Config) Validate() error {
	if c.Signaling.LogCap < MinLogCap {
		return fmt.Errorf("signaling.log_cap must be >= %d, got %d", MinLogCap, c.Signaling.LogCap)
	}
	if c.Signaling.DedupSize < MinDedupSize {
		return fmt.Errorf("signaling.dedup_size must be >= %d, got %d", MinDedupSize, c.Signaling.DedupSize)
	}
	if c.Signaling.DedupSize < c.Signaling.LogCap {
		// A smaller window would let the poll path redeliver entries still in the log.
		return fmt.Errorf("signaling.dedup_size (%d) must be >= signaling.log_cap (%d)",
			c.Signaling.DedupSize, c.Signaling.LogCap)
	}
	if c.Signaling.StaleAfter <= 0 {
		return fmt.Errorf("signaling.stale_after must be positive")
	}
	if c.Signaling.PollInterval <= 0 {
		return fmt.Errorf("signaling.poll_interval must be positive")
	}
	if c.Presence.AnnounceInterval <= 0 || c.Presence.TTL <= c.Presence.AnnounceInterval {
		return fmt.Errorf("presence.ttl (%s) must exceed presence.announce_interval (%s)",
			c.Presence.TTL, c.Presence.AnnounceInterval)
	}
	if c.Negotiation.Timeout <= 0 {
		return fmt.Errorf("negotiation.timeout must be positive")
	}
	if c.Negotiation.MaxRetries < 0 {
		return fmt.Errorf("negotiation.max_retries must not be negative")
	}
	if len(c.WebRTC.TURNServers) > 0 && (c.WebRTC.TURNUsername == "" || c.WebRTC.TURNCredential == "") {
		return fmt.Errorf("webrtc.turn_servers requires turn_username and turn_credential")
	}
	if c.WebRTC.UDPPortMax < c.WebRTC.UDPPortMin {
		return fmt.Errorf("webrtc.udp_port_max < webrtc.udp_port_min")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
