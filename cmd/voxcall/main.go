// Command voxcall is a two-party voice call client with live voice effects.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vikas-kashyap97/Voice-changer/audio"
	"github.com/vikas-kashyap97/Voice-changer/call"
	"github.com/vikas-kashyap97/Voice-changer/config"
	"github.com/vikas-kashyap97/Voice-changer/media"
	"github.com/vikas-kashyap97/Voice-changer/observe"
	"github.com/vikas-kashyap97/Voice-changer/signaling"
	"github.com/vikas-kashyap97/Voice-changer/signaling/memory"
	"github.com/vikas-kashyap97/Voice-changer/signaling/peerjs"
)

const version = "0.1.0"

// echoAddress is the demo peer available with the memory gateway.
const echoAddress signaling.Address = "echo"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	gatewayKind := flag.String("gateway", "", "signaling gateway: peerjs or memory")
	id := flag.String("id", "", "request a fixed peer address")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn or error")
	playback := flag.String("playback", "", "write the peer's audio as 16-bit PCM to this file")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *gatewayKind, *id, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxcall: %v\n", err)
		return 1
	}
	setupLogging(cfg.Log)

	logrus.WithFields(logrus.Fields{
		"function": "run",
		"version":  version,
		"gateway":  cfg.Gateway.Kind,
	}).Info("voxcall starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxcall",
		ServiceVersion: version,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"error":    err.Error(),
		}).Error("Failed to initialise telemetry")
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(shutdownCtx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"error":    err.Error(),
			}).Warn("Telemetry shutdown failed")
		}
	}()

	var pcm io.Writer
	if *playback != "" {
		f, err := os.Create(*playback)
		if err != nil {
			fmt.Fprintf(os.Stderr, "voxcall: %v\n", err)
			return 1
		}
		defer f.Close()
		pcm = f
	}

	gateway, cleanup, err := newGateway(cfg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"error":    err.Error(),
		}).Error("Failed to create gateway")
		return 1
	}
	defer cleanup()

	speaker := media.NewSpeaker(pcm)
	ctrl, pipeline := newClient(cfg, gateway, speaker, 0)
	defer func() {
		ctrl.Close()
		pipeline.Teardown()
	}()

	ctrl.ListenForIncoming(func(remote signaling.Address, err error) {
		if err != nil {
			fmt.Printf("\nmissed call from %s: %v\n", remote, err)
			return
		}
		fmt.Printf("\nin a call with %s\n", remote)
	})
	if err := ctrl.SelectEffect(cfg.InitialEffect()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"error":    err.Error(),
		}).Warn("Ignoring initial effect")
	}

	registerCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	addr, err := ctrl.RegisterIdentity(registerCtx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxcall: %v\n", err)
		return 1
	}
	fmt.Printf("your address: %s\n", addr)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Listen != "" {
		serveMetrics(gctx, g, cfg.Metrics.Listen)
	}

	con := &console{ctrl: ctrl, speaker: speaker, shareURL: cfg.ShareURL, out: os.Stdout}
	g.Go(func() error {
		defer stop()
		return con.run(gctx, os.Stdin)
	})

	if err := g.Wait(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"error":    err.Error(),
		}).Error("voxcall stopped with error")
		return 1
	}
	logrus.WithFields(logrus.Fields{
		"function": "run",
	}).Info("voxcall stopped")
	return 0
}

// loadConfig reads the configuration and applies command line overrides.
func loadConfig(path, gatewayKind, id, logLevel string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if gatewayKind != "" {
		cfg.Gateway.Kind = config.GatewayKind(gatewayKind)
	}
	if id != "" {
		cfg.Gateway.ID = id
	}
	if logLevel != "" {
		cfg.Log.Level = config.LogLevel(logLevel)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) {
	logrus.SetOutput(os.Stderr)
	if level, err := logrus.ParseLevel(string(cfg.Level)); err == nil {
		logrus.SetLevel(level)
	}
	if cfg.Format == config.FormatJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// newGateway builds the configured signaling gateway. With the memory
// gateway an answering demo peer is started at echoAddress.
func newGateway(cfg *config.Config) (signaling.Gateway, func(), error) {
	switch cfg.Gateway.Kind {
	case config.GatewayMemory:
		network := memory.NewNetwork()
		var opts []memory.Option
		if cfg.Gateway.ID != "" {
			opts = append(opts, memory.WithAddress(signaling.Address(cfg.Gateway.ID)))
		}
		gw := network.NewGateway(opts...)
		stopEcho, err := startEchoPeer(cfg, network)
		if err != nil {
			gw.Close()
			return nil, nil, err
		}
		return gw, func() {
			stopEcho()
			gw.Close()
		}, nil
	default:
		gw, err := peerjs.New(cfg.Gateway.PeerJS())
		if err != nil {
			return nil, nil, err
		}
		return gw, func() { gw.Close() }, nil
	}
}

// newClient assembles a pipeline and a call controller over gateway. A
// non-zero toneHz overrides the configured microphone tone.
func newClient(cfg *config.Config, gateway signaling.Gateway, playback media.Sink, toneHz float64) (*call.Controller, *audio.Pipeline) {
	if toneHz == 0 {
		toneHz = cfg.Audio.ToneHz
	}
	mic := media.NewToneDevice(media.WithToneFrequency(toneHz))

	var ctrl *call.Controller
	pipeline := audio.NewPipeline(
		audio.NewEngine(float64(cfg.Audio.SampleRate), cfg.Audio.BlockSize),
		mic,
		audio.WithConstraints(cfg.Audio.Constraints()),
		audio.WithInputLostHandler(func(err error) { ctrl.MediaFailed(err) }),
	)

	var opts []call.Option
	if playback != nil {
		opts = append(opts, call.WithPlayback(playback))
	}
	ctrl = call.NewController(gateway, pipeline, opts...)
	return ctrl, pipeline
}

// startEchoPeer registers a peer that answers every call with a tone of its
// own. Effects selected by the caller are applied to its voice.
func startEchoPeer(cfg *config.Config, network *memory.Network) (func(), error) {
	gw := network.NewGateway(memory.WithAddress(echoAddress))
	ctrl, pipeline := newClient(cfg, gw, nil, 330)
	ctrl.ListenForIncoming(func(remote signaling.Address, err error) {
		logrus.WithFields(logrus.Fields{
			"function": "startEchoPeer",
			"remote":   remote,
			"answered": err == nil,
		}).Info("Echo peer took a call")
	})

	if _, err := ctrl.RegisterIdentity(context.Background()); err != nil {
		ctrl.Close()
		gw.Close()
		return nil, err
	}
	return func() {
		ctrl.Close()
		pipeline.Teardown()
		gw.Close()
	}, nil
}

// serveMetrics exposes the Prometheus registry on addr until ctx is done.
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logrus.WithFields(logrus.Fields{
			"function": "serveMetrics",
			"address":  addr,
		}).Info("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
