// Package main is the entry point for CantinaOS, the orchestration core
// for an interactive animatronic DJ character.
//
// # Application Architecture
//
// The process wires its components in dependency order (leaves first):
// schemas, event bus, BaseService, the logging sink, the mode manager, the
// command dispatcher, then the music engine, eye-light controller, and
// voice coordinator in parallel, then the DJ auto-sequencer, then the web
// bridge, then the supervisor tree that runs all of them.
//
// # Signal Handling
//
// The process handles graceful shutdown on SIGINT and SIGTERM: every
// service receives context cancellation and is granted 2s to drain before
// suture forces termination.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cantinaos/cantinaos/internal/bus"
	"github.com/cantinaos/cantinaos/internal/config"
	"github.com/cantinaos/cantinaos/internal/dispatcher"
	"github.com/cantinaos/cantinaos/internal/dj"
	"github.com/cantinaos/cantinaos/internal/eyelights"
	"github.com/cantinaos/cantinaos/internal/logging"
	"github.com/cantinaos/cantinaos/internal/modemgr"
	"github.com/cantinaos/cantinaos/internal/music"
	"github.com/cantinaos/cantinaos/internal/schemas"
	"github.com/cantinaos/cantinaos/internal/service"
	"github.com/cantinaos/cantinaos/internal/supervisor"
	"github.com/cantinaos/cantinaos/internal/telemetry"
	"github.com/cantinaos/cantinaos/internal/voice"
	"github.com/cantinaos/cantinaos/internal/webbridge"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logging.Info().Msg("starting CantinaOS with supervisor tree")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink, err := telemetry.New(cfg.Telemetry.SessionDir, cfg.Telemetry.RingBufferSize,
		time.Duration(cfg.Telemetry.DedupWindowMs)*time.Millisecond)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize telemetry sink")
	}
	logging.SetLogger(logging.Logger().Hook(sink.Hook()))

	eventBus := bus.New(
		bus.WithMailboxSize(cfg.Bus.MailboxSize),
		bus.WithLogger(logging.Logger()),
	)
	sink.Attach(eventBus)

	slogLogger := logging.NewSlogLogger()
	tree, err := supervisor.NewSupervisorTree(slogLogger, supervisor.TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  2 * time.Second,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to create supervisor tree")
	}

	modeManager := modemgr.New(eventBus, svcLogger(modemgr.ServiceName))

	musicEngine := music.New(eventBus, svcLogger(music.ServiceName), music.Config{
		LibraryRoot:         cfg.Music.LibraryRoot,
		CacheFile:           cfg.Music.CacheFile,
		SupportedExtensions: cfg.Music.SupportedExtensions,
		DurationPollMs:      cfg.Music.DurationPollMs,
		DurationMaxWaitMs:   cfg.Music.DurationMaxWaitMs,
		ProgressIntervalMs:  cfg.Music.ProgressIntervalMs,
		DuckFactor:          cfg.Voice.DuckFactor,
	}, stubDurationProber{})

	cmdDispatcher := dispatcher.New(eventBus, svcLogger(dispatcher.ServiceName), musicEngine)

	eyeController := eyelights.New(eventBus, svcLogger(eyelights.ServiceName), eyelights.Config{
		CoalesceWindow:         time.Duration(cfg.EyeLights.CoalesceMs) * time.Millisecond,
		ResponseTimeout:        time.Duration(cfg.EyeLights.ResponseTimeoutMs) * time.Millisecond,
		MaxConsecutiveTimeouts: 3,
		InitialBackoff:         100 * time.Millisecond,
		MaxBackoff:             time.Duration(cfg.EyeLights.MaxBackoffMs) * time.Millisecond,
	}, serialDialer(cfg.EyeLights.SerialPort))

	voiceCoordinator := voice.New(eventBus, svcLogger(voice.ServiceName), voice.Config{
		STTIdleClose: time.Duration(cfg.Voice.STTIdleCloseMs) * time.Millisecond,
		LLMTurn:      time.Duration(cfg.Voice.LLMTurnMs) * time.Millisecond,
		TTSRender:    time.Duration(cfg.Voice.TTSRenderMs) * time.Millisecond,
		ApologyText:  "Sorry, I didn't catch that.",
	}, unconfiguredVoiceFactories())

	djSequencer := dj.New(eventBus, svcLogger(dj.ServiceName), dj.Config{
		CrossfadeSec:      cfg.DJ.CrossfadeSec,
		CommentaryLeadSec: cfg.DJ.CommentaryLeadSec,
		HistoryMax:        cfg.DJ.HistoryMax,
	}, musicEngine)
	musicEngine.SetDJPolicy(djSequencer)

	bridge := webbridge.New(eventBus, svcLogger(webbridge.ServiceName), webbridge.Config{
		ListenAddr:         cfg.WebBridge.ListenAddr,
		ClientSendQueue:    cfg.WebBridge.ClientSendQueue,
		HTTPRateLimitRPS:   cfg.WebBridge.HTTPRateLimitRPS,
		CORSAllowedOrigins: cfg.WebBridge.CORSAllowedOrigins,
	}, musicEngine)

	telemetryService := service.New("telemetry_sink", eventBus, svcLogger("telemetry_sink"), sink)

	tree.AddDataService(telemetryService)
	tree.AddCoreService(modeManager)
	tree.AddCoreService(cmdDispatcher)
	tree.AddCoreService(musicEngine)
	tree.AddCoreService(eyeController)
	tree.AddCoreService(voiceCoordinator)
	tree.AddCoreService(djSequencer)
	tree.AddAPIService(bridge)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			cancel()
		case <-gCtx.Done():
		}
		return nil
	})
	g.Go(func() error {
		logging.Info().Msg("starting supervisor tree")
		return tree.Serve(gCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor tree error")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("service failed to stop")
		}
	}

	logging.Info().Msg("CantinaOS stopped gracefully")
}

// svcLogger tags the global logger with a service name for per-component
// attribution in the telemetry sink.
func svcLogger(name string) zerolog.Logger {
	return logging.Logger().With().Str("service", name).Logger()
}

// serialDialer opens the eye-light microcontroller's serial device as a
// plain file, satisfying eyelights.SerialPort. Line discipline / baud rate
// configuration is out of scope without a termios-aware serial library in
// the dependency set; the device is expected to be pre-configured (e.g. by
// udev) at the correct baud rate.
func serialDialer(path string) eyelights.Dialer {
	return func() (eyelights.SerialPort, error) {
		return os.OpenFile(path, os.O_RDWR, 0)
	}
}

// stubDurationProber is the default DurationProber: real audio decoding is
// an out-of-scope external collaborator, so every probe reports unknown
// until a real decoder is wired in.
type stubDurationProber struct{}

func (stubDurationProber) Probe(string) (float64, bool) { return 0, false }

// unconfiguredVoiceFactories returns Factories whose STT/LLM/TTS clients
// immediately fail: concrete vendor clients are an out-of-scope external
// collaborator (internal/voice/interfaces.go), left as the seam a real
// deployment plugs into.
func unconfiguredVoiceFactories() voice.Factories {
	return voice.Factories{
		NewRecognizer: func() voice.SpeechRecognizer { return unconfiguredRecognizer{} },
		Model:         unconfiguredModel{},
		Speaker:       unconfiguredSpeaker{},
	}
}

type unconfiguredRecognizer struct{}

func (unconfiguredRecognizer) Start(context.Context) error { return errUnconfigured }
func (unconfiguredRecognizer) PushAudio([]byte) error       { return errUnconfigured }
func (unconfiguredRecognizer) Final(context.Context) (schemas.Transcription, error) {
	return schemas.Transcription{}, errUnconfigured
}
func (unconfiguredRecognizer) Close() error { return nil }

type unconfiguredModel struct{}

func (unconfiguredModel) Respond(context.Context, string) (string, error) {
	return "", errUnconfigured
}

type unconfiguredSpeaker struct{}

func (unconfiguredSpeaker) Speak(context.Context, string) (*int64, error) {
	return nil, errUnconfigured
}

var errUnconfigured = errors.New("voice: no STT/LLM/TTS client configured")
