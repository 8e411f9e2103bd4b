package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/meetsfu/internal/domain"
	"github.com/dkeye/meetsfu/internal/engine"
)

const (
	EvictionRetain     = "retain"
	EvictionEvictEmpty = "evict_empty"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	// AdminToken guards the room admin endpoints. Empty disables them.
	AdminToken string `mapstructure:"admin_token"`

	Log    Log    `mapstructure:"log"`
	Signal Signal `mapstructure:"signal"`
	Media  Media  `mapstructure:"media"`
	Rooms  Rooms  `mapstructure:"rooms"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Signal struct {
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

type Codec struct {
	Kind       string         `mapstructure:"kind"`
	MimeType   string         `mapstructure:"mime_type"`
	ClockRate  uint32         `mapstructure:"clock_rate"`
	Channels   uint16         `mapstructure:"channels"`
	Parameters map[string]any `mapstructure:"parameters"`
}

type Media struct {
	RtcMinPort uint16            `mapstructure:"rtc_min_port"`
	RtcMaxPort uint16            `mapstructure:"rtc_max_port"`
	ListenIPs  []engine.ListenIP `mapstructure:"listen_ips"`
	EnableUDP  bool              `mapstructure:"enable_udp"`
	EnableTCP  bool              `mapstructure:"enable_tcp"`
	PreferUDP  bool              `mapstructure:"prefer_udp"`
	TCPPort    int               `mapstructure:"tcp_port"`
	ICEServers []string          `mapstructure:"ice_servers"`
	// GatherTimeout bounds candidate gathering on transport creation.
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
	Codecs        []Codec       `mapstructure:"codecs"`
}

type Rooms struct {
	Eviction   string        `mapstructure:"eviction"`
	EmptyGrace time.Duration `mapstructure:"empty_grace"`
}

// RouterCodecs converts the configured codecs into engine capabilities.
func (m Media) RouterCodecs() []engine.RtpCodecCapability {
	out := make([]engine.RtpCodecCapability, 0, len(m.Codecs))
	for _, c := range m.Codecs {
		out = append(out, engine.RtpCodecCapability{
			Kind:       domain.MediaKind(c.Kind),
			MimeType:   c.MimeType,
			ClockRate:  c.ClockRate,
			Channels:   c.Channels,
			Parameters: c.Parameters,
		})
	}
	return out
}

func (m Media) TransportOptions() engine.TransportOptions {
	return engine.TransportOptions{
		ListenIPs: m.ListenIPs,
		EnableUDP: m.EnableUDP,
		EnableTCP: m.EnableTCP,
		PreferUDP: m.PreferUDP,
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Media.RtcMinPort == 0 || c.Media.RtcMinPort > c.Media.RtcMaxPort {
		errs = append(errs, fmt.Errorf("bad rtc port range %d-%d", c.Media.RtcMinPort, c.Media.RtcMaxPort))
	}
	if !c.Media.EnableUDP && !c.Media.EnableTCP {
		errs = append(errs, errors.New("media: at least one of enable_udp/enable_tcp is required"))
	}
	if len(c.Media.ListenIPs) == 0 {
		errs = append(errs, errors.New("media: listen_ips is empty"))
	}
	kinds := make(map[string]bool)
	for _, codec := range c.Media.Codecs {
		if !domain.MediaKind(codec.Kind).Valid() {
			errs = append(errs, fmt.Errorf("codec %s: bad kind %q", codec.MimeType, codec.Kind))
			continue
		}
		if !strings.HasPrefix(strings.ToLower(codec.MimeType), codec.Kind+"/") || codec.ClockRate == 0 {
			errs = append(errs, fmt.Errorf("codec %q: bad mime type or clock rate", codec.MimeType))
		}
		kinds[codec.Kind] = true
	}
	if !kinds[string(domain.KindAudio)] || !kinds[string(domain.KindVideo)] {
		errs = append(errs, errors.New("media: need one audio and one video codec"))
	}
	switch c.Rooms.Eviction {
	case EvictionRetain, EvictionEvictEmpty:
	default:
		errs = append(errs, fmt.Errorf("rooms: unknown eviction policy %q", c.Rooms.Eviction))
	}
	if c.Signal.SendBuffer <= 0 {
		errs = append(errs, errors.New("signal: send_buffer must be positive"))
	}
	if c.Signal.PingPeriod >= c.Signal.PongWait {
		errs = append(errs, errors.New("signal: ping_period must be shorter than pong_wait"))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "change-me")
	v.SetDefault("admin_token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("signal.read_limit", 65536)
	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.pong_wait", "60s")
	v.SetDefault("signal.write_wait", "10s")
	v.SetDefault("signal.send_buffer", 64)
	v.SetDefault("signal.request_timeout", "10s")
	v.SetDefault("signal.rate_limit", 50)
	v.SetDefault("signal.rate_burst", 100)

	v.SetDefault("media.rtc_min_port", 2000)
	v.SetDefault("media.rtc_max_port", 3000)
	v.SetDefault("media.listen_ips", []map[string]any{{"ip": "127.0.0.1"}})
	v.SetDefault("media.enable_udp", true)
	v.SetDefault("media.enable_tcp", true)
	v.SetDefault("media.prefer_udp", true)
	v.SetDefault("media.tcp_port", 0)
	v.SetDefault("media.ice_servers", []string{})
	v.SetDefault("media.gather_timeout", "5s")
	v.SetDefault("media.codecs", []map[string]any{
		{"kind": "audio", "mime_type": "audio/opus", "clock_rate": 48000, "channels": 2},
		{"kind": "video", "mime_type": "video/VP8", "clock_rate": 90000, "parameters": map[string]any{"x-google-start-bitrate": 1000}},
	})

	v.SetDefault("rooms.eviction", EvictionRetain)
	v.SetDefault("rooms.empty_grace", "30s")
}

// Load reads path, or config/config.<CONFIG_ENV>.yaml when path is empty.
// A missing file is not an error; defaults and SFU_* env vars still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	fileName := path
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}

	v.SetConfigFile(fileName)
	v.SetEnvPrefix("SFU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("eviction", cfg.Rooms.Eviction).
		Msg("config ready")
	return &cfg, nil
}
