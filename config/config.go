// Package config provides the configuration schema and loader for the
// voxcall client.
package config

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vikas-kashyap97/Voice-changer/media"
	"github.com/vikas-kashyap97/Voice-changer/signaling/peerjs"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the log encoding.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == FormatText || f == FormatJSON
}

// GatewayKind selects the signaling implementation.
type GatewayKind string

const (
	// GatewayPeerJS talks to a PeerJS server and carries media over WebRTC.
	GatewayPeerJS GatewayKind = "peerjs"

	// GatewayMemory keeps every peer inside the process. Useful for demos.
	GatewayMemory GatewayKind = "memory"
)

// IsValid reports whether k is a recognised gateway kind.
func (k GatewayKind) IsValid() bool {
	return k == GatewayPeerJS || k == GatewayMemory
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Gateway GatewayConfig `yaml:"gateway"`
	Audio   AudioConfig   `yaml:"audio"`
	Metrics MetricsConfig `yaml:"metrics"`

	// Effect is the voice effect selected at startup.
	Effect string `yaml:"effect"`

	// ShareURL is the page an invitation points at. The local address is
	// appended as the peerId query parameter.
	ShareURL string `yaml:"share_url"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// GatewayConfig holds signaling settings.
type GatewayConfig struct {
	Kind GatewayKind `yaml:"kind"`

	// Host, Port, Path, Key and Secure locate the PeerJS server.
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Path   string `yaml:"path"`
	Key    string `yaml:"key"`
	Secure bool   `yaml:"secure"`

	// ID requests a fixed address. Empty lets the server assign one.
	ID string `yaml:"id"`

	// Heartbeat is the keep-alive interval, e.g. "5s".
	Heartbeat time.Duration `yaml:"heartbeat"`

	ICEServers []ICEServerConfig `yaml:"ice_servers"`

	// Bitrate of the outgoing Opus stream in bits per second. 0 keeps the
	// encoder default.
	Bitrate int `yaml:"bitrate"`
}

// ICEServerConfig is one STUN or TURN server.
type ICEServerConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// AudioConfig holds capture settings.
type AudioConfig struct {
	SampleRate       int     `yaml:"sample_rate"`
	BlockSize        int     `yaml:"block_size"`
	EchoCancellation bool    `yaml:"echo_cancellation"`
	NoiseSuppression bool    `yaml:"noise_suppression"`
	AutoGainControl  bool    `yaml:"auto_gain_control"`
	ToneHz           float64 `yaml:"tone_hz"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	// Listen is the address serving /metrics. Empty disables it.
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	pj := peerjs.DefaultConfig()
	servers := make([]ICEServerConfig, 0, len(pj.ICEServers))
	for _, s := range pj.ICEServers {
		servers = append(servers, ICEServerConfig{URLs: append([]string(nil), s.URLs...)})
	}

	return &Config{
		Log: LogConfig{Level: LogInfo, Format: FormatText},
		Gateway: GatewayConfig{
			Kind:       GatewayPeerJS,
			Host:       pj.Host,
			Port:       pj.Port,
			Path:       pj.Path,
			Key:        pj.Key,
			Secure:     pj.Secure,
			Heartbeat:  pj.Heartbeat,
			ICEServers: servers,
		},
		Audio: AudioConfig{
			SampleRate:       48000,
			BlockSize:        960,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			ToneHz:           220,
		},
		Effect:   "normal",
		ShareURL: "https://voxcall.app/",
	}
}

// PeerJS converts the gateway section into a PeerJS client config.
func (g GatewayConfig) PeerJS() peerjs.Config {
	servers := make([]webrtc.ICEServer, 0, len(g.ICEServers))
	for _, s := range g.ICEServers {
		server := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return peerjs.Config{
		Host:       g.Host,
		Port:       g.Port,
		Path:       g.Path,
		Key:        g.Key,
		Secure:     g.Secure,
		ID:         g.ID,
		Heartbeat:  g.Heartbeat,
		ICEServers: servers,
		Bitrate:    g.Bitrate,
	}
}

// Constraints converts the audio section into capture constraints.
func (a AudioConfig) Constraints() media.Constraints {
	return media.Constraints{
		EchoCancellation: a.EchoCancellation,
		NoiseSuppression: a.NoiseSuppression,
		AutoGainControl:  a.AutoGainControl,
		SampleRate:       a.SampleRate,
		ChannelCount:     1,
		BlockSize:        a.BlockSize,
	}
}
