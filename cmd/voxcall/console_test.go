package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikas-kashyap97/Voice-changer/config"
	"github.com/vikas-kashyap97/Voice-changer/effect"
	"github.com/vikas-kashyap97/Voice-changer/media"
	"github.com/vikas-kashyap97/Voice-changer/signaling"
	"github.com/vikas-kashyap97/Voice-changer/signaling/memory"
)

func newTestConsole(t *testing.T) (*console, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.Kind = config.GatewayMemory
	cfg.Gateway.ID = "me"

	gw, cleanup, err := newGateway(cfg)
	require.NoError(t, err)

	speaker := media.NewSpeaker(nil)
	ctrl, pipeline := newClient(cfg, gw, speaker, 0)
	t.Cleanup(func() {
		ctrl.Close()
		pipeline.Teardown()
		cleanup()
	})

	addr, err := ctrl.RegisterIdentity(context.Background())
	require.NoError(t, err)
	require.Equal(t, signaling.Address("me"), addr)

	out := &bytes.Buffer{}
	return &console{ctrl: ctrl, speaker: speaker, shareURL: cfg.ShareURL, out: out}, out
}

func TestConsoleCallEchoPeer(t *testing.T) {
	con, out := newTestConsole(t)
	ctx := context.Background()

	require.NoError(t, con.execute(ctx, "call echo"))
	assert.True(t, con.ctrl.IsActive())
	assert.Contains(t, out.String(), "calling echo")

	require.NoError(t, con.execute(ctx, "effect old"))
	assert.Equal(t, effect.Old, con.ctrl.SelectedEffect())

	require.Eventually(t, func() bool {
		return con.speaker.FramesPlayed() > 0
	}, 3*time.Second, 10*time.Millisecond)

	out.Reset()
	require.NoError(t, con.execute(ctx, "status"))
	assert.Contains(t, out.String(), "outbound with echo")

	require.NoError(t, con.execute(ctx, "hangup"))
	assert.False(t, con.ctrl.IsActive())
}

func TestConsoleCommandErrors(t *testing.T) {
	con, out := newTestConsole(t)
	ctx := context.Background()

	assert.Error(t, con.execute(ctx, "call"))
	assert.Error(t, con.execute(ctx, "call me"))
	assert.Error(t, con.execute(ctx, "effect whisper"))
	assert.Error(t, con.execute(ctx, "dance"))
	assert.NoError(t, con.execute(ctx, "   "))

	require.NoError(t, con.execute(ctx, "hangup"))
	assert.Contains(t, out.String(), "no active call")
}

func TestConsoleShareMuteAndEffects(t *testing.T) {
	con, out := newTestConsole(t)
	ctx := context.Background()

	require.NoError(t, con.execute(ctx, "share"))
	assert.Contains(t, out.String(), "Join my call at https://voxcall.app/?peerId=me")

	require.NoError(t, con.execute(ctx, "mute"))
	assert.True(t, con.speaker.Muted())
	require.NoError(t, con.execute(ctx, "mute"))
	assert.False(t, con.speaker.Muted())

	out.Reset()
	require.NoError(t, con.execute(ctx, "effects"))
	for _, name := range effect.All() {
		assert.Contains(t, out.String(), name.Label())
	}
	assert.Contains(t, out.String(), "* normal")
}

func TestConsoleRunStopsOnQuit(t *testing.T) {
	con, out := newTestConsole(t)

	err := con.run(context.Background(), strings.NewReader("help\nstatus\nquit\nstatus\n"))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "commands:")
	assert.Equal(t, 1, strings.Count(out.String(), "address: me"))
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	cfg, err := loadConfig("", "memory", "zed", "debug")
	require.NoError(t, err)
	assert.Equal(t, config.GatewayMemory, cfg.Gateway.Kind)
	assert.Equal(t, "zed", cfg.Gateway.ID)
	assert.Equal(t, config.LogDebug, cfg.Log.Level)

	_, err = loadConfig("", "smoke-signals", "", "")
	assert.Error(t, err)
}

func TestEchoPeerAnswers(t *testing.T) {
	cfg := config.Default()
	network := memory.NewNetwork()
	stop, err := startEchoPeer(cfg, network)
	require.NoError(t, err)
	t.Cleanup(stop)

	_, err = startEchoPeer(cfg, network)
	assert.Error(t, err, "the echo address is taken")
}
