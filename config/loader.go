package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/vikas-kashyap97/Voice-changer/effect"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "VOXCALL_"

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML file at path over [Default], applies VOXCALL_*
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()

		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"path":     path,
		"gateway":  cfg.Gateway.Kind,
	}).Debug("Configuration loaded")
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg from VOXCALL_* variables read through lookup.
// Malformed values are reported together.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(name string, dst *int) {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s %q is not an integer", EnvPrefix, name, v))
			return
		}
		*dst = n
	}
	boolean := func(name string, dst *bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s %q is not a boolean", EnvPrefix, name, v))
			return
		}
		*dst = b
	}

	var level, format, kind string
	str("LOG_LEVEL", &level)
	str("LOG_FORMAT", &format)
	str("GATEWAY_KIND", &kind)
	if level != "" {
		cfg.Log.Level = LogLevel(strings.ToLower(level))
	}
	if format != "" {
		cfg.Log.Format = LogFormat(strings.ToLower(format))
	}
	if kind != "" {
		cfg.Gateway.Kind = GatewayKind(strings.ToLower(kind))
	}

	str("GATEWAY_HOST", &cfg.Gateway.Host)
	integer("GATEWAY_PORT", &cfg.Gateway.Port)
	str("GATEWAY_PATH", &cfg.Gateway.Path)
	str("GATEWAY_KEY", &cfg.Gateway.Key)
	boolean("GATEWAY_SECURE", &cfg.Gateway.Secure)
	str("GATEWAY_ID", &cfg.Gateway.ID)
	if v, ok := lookup(EnvPrefix + "GATEWAY_HEARTBEAT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%sGATEWAY_HEARTBEAT %q is not a duration", EnvPrefix, v))
		} else {
			cfg.Gateway.Heartbeat = d
		}
	}
	if v, ok := lookup(EnvPrefix + "GATEWAY_STUN"); ok {
		var servers []ICEServerConfig
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				servers = append(servers, ICEServerConfig{URLs: []string{u}})
			}
		}
		cfg.Gateway.ICEServers = servers
	}

	integer("AUDIO_SAMPLE_RATE", &cfg.Audio.SampleRate)
	integer("AUDIO_BLOCK_SIZE", &cfg.Audio.BlockSize)
	str("METRICS_LISTEN", &cfg.Metrics.Listen)
	str("EFFECT", &cfg.Effect)
	str("SHARE_URL", &cfg.ShareURL)

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if !cfg.Log.Format.IsValid() {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}

	g := cfg.Gateway
	switch {
	case !g.Kind.IsValid():
		errs = append(errs, fmt.Errorf("gateway.kind %q is invalid; valid values: peerjs, memory", g.Kind))
	case g.Kind == GatewayPeerJS:
		if err := g.PeerJS().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("gateway: %w", err))
		}
		for i, s := range g.ICEServers {
			if len(s.URLs) == 0 {
				errs = append(errs, fmt.Errorf("gateway.ice_servers[%d].urls is required", i))
			}
		}
		if g.Bitrate < 0 {
			errs = append(errs, fmt.Errorf("gateway.bitrate %d must not be negative", g.Bitrate))
		}
	}

	switch cfg.Audio.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is invalid; valid values: 8000, 12000, 16000, 24000, 48000", cfg.Audio.SampleRate))
	}
	if cfg.Audio.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", cfg.Audio.BlockSize))
	}
	if cfg.Audio.ToneHz <= 0 || cfg.Audio.ToneHz >= float64(cfg.Audio.SampleRate)/2 {
		errs = append(errs, fmt.Errorf("audio.tone_hz %.1f is out of range (0, %d)", cfg.Audio.ToneHz, cfg.Audio.SampleRate/2))
	}

	if _, err := effect.Parse(cfg.Effect); err != nil {
		errs = append(errs, fmt.Errorf("effect: %w", err))
	}

	if cfg.ShareURL != "" {
		u, err := url.Parse(cfg.ShareURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("share_url %q must be an absolute URL", cfg.ShareURL))
		}
	}

	return errors.Join(errs...)
}

// InitialEffect returns the configured startup effect. Call it on a
// validated config.
func (c *Config) InitialEffect() effect.Name {
	name, err := effect.Parse(c.Effect)
	if err != nil {
		return effect.Normal
	}
	return name
}
