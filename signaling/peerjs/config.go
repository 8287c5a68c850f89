package peerjs

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Config describes the PeerJS server and the WebRTC transport.
type Config struct {
	Host   string
	Port   int
	Path   string
	Key    string
	Secure bool

	// ID requests a fixed address. Empty asks the server for one.
	ID string

	// Heartbeat is the keep-alive interval expected by the server.
	Heartbeat time.Duration

	ICEServers []webrtc.ICEServer

	// Bitrate for the outgoing Opus stream; 0 keeps the codec default.
	Bitrate int
}

// DefaultConfig points at the public PeerJS cloud server.
func DefaultConfig() Config {
	return Config{
		Host:      "0.peerjs.com",
		Port:      443,
		Path:      "/",
		Key:       "peerjs",
		Secure:    true,
		Heartbeat: 5 * time.Second,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

func (c Config) normalizedPath() string {
	p := c.Path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

func (c Config) hostPort() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// idURL returns the endpoint that allocates a fresh id.
func (c Config) idURL(now time.Time) string {
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     c.hostPort(),
		Path:     c.normalizedPath() + c.Key + "/id",
		RawQuery: "ts=" + strconv.FormatInt(now.UnixMilli(), 10),
	}
	return u.String()
}

// socketURL returns the signaling websocket endpoint for id.
func (c Config) socketURL(id, token string) string {
	scheme := "ws"
	if c.Secure {
		scheme = "wss"
	}
	q := url.Values{}
	q.Set("key", c.Key)
	q.Set("id", id)
	q.Set("token", token)
	u := url.URL{
		Scheme:   scheme,
		Host:     c.hostPort(),
		Path:     c.normalizedPath() + "peerjs",
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Validate reports configuration problems.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("peerjs: host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("peerjs: invalid port %d", c.Port)
	}
	if c.Key == "" {
		return fmt.Errorf("peerjs: key is required")
	}
	if c.Heartbeat <= 0 {
		return fmt.Errorf("peerjs: heartbeat must be positive")
	}
	return nil
}
