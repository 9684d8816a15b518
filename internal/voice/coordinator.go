package voice

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/cantinaos/cantinaos/internal/bus"
	"github.com/cantinaos/cantinaos/internal/schemas"
	"github.com/cantinaos/cantinaos/internal/service"
)

// ServiceName is this component's registered name.
const ServiceName = "voice_coordinator"

// Config tunes the coordinator's timeouts and canned apology
// text used when the LLM turn times out.
type Config struct {
	STTIdleClose time.Duration
	LLMTurn      time.Duration
	TTSRender    time.Duration
	ApologyText  string
}

// Factories construct a fresh recognizer per listening span and reuse a
// single dialog model / speaker across the coordinator's lifetime.
type Factories struct {
	NewRecognizer func() SpeechRecognizer
	Model         DialogModel
	Speaker       Speaker
}

// Coordinator is a BaseService. Construct with New.
type Coordinator struct {
	*service.BaseService
	cfg       Config
	factories Factories

	mu           sync.Mutex
	armed        bool
	active       bool // a listening span is currently open
	cancelListen context.CancelFunc
	breaker      struct {
		stt *gobreaker.CircuitBreaker[schemas.Transcription]
		llm *gobreaker.CircuitBreaker[string]
		tts *gobreaker.CircuitBreaker[*int64]
	}
}

// New constructs a Coordinator wired to b.
func New(b *bus.Bus, logger zerolog.Logger, cfg Config, factories Factories) *Coordinator {
	c := &Coordinator{cfg: cfg, factories: factories}
	c.breaker.stt = gobreaker.NewCircuitBreaker[schemas.Transcription](gobreaker.Settings{Name: "stt"})
	c.breaker.llm = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{Name: "llm"})
	c.breaker.tts = gobreaker.NewCircuitBreaker[*int64](gobreaker.Settings{Name: "tts"})
	c.BaseService = service.New(ServiceName, b, logger, service.RunnerFunc(c.run))
	return c
}

func (c *Coordinator) run(ctx context.Context) error {
	c.Subscribe(schemas.TopicModeChange, func(e bus.Event) {
		p, ok := e.Payload.(schemas.ModeChangePayload)
		if !ok {
			return
		}
		c.mu.Lock()
		c.armed = p.New == schemas.ModeInteractive
		wasActive := c.active
		c.mu.Unlock()
		if p.New != schemas.ModeInteractive && wasActive {
			c.stopListening(ctx, "mode left INTERACTIVE")
		}
	})
	c.Subscribe(schemas.TopicMicStartRequest, func(e bus.Event) {
		c.mu.Lock()
		armed, active := c.armed, c.active
		c.mu.Unlock()
		if !armed {
			c.EmitError((&schemas.WrongModeError{Required: string(schemas.ModeInteractive)}).Error(), schemas.SeverityWarning)
			return
		}
		if active {
			return
		}
		go c.startListening(ctx)
	})
	c.Subscribe(schemas.TopicMicStopRequest, func(e bus.Event) {
		c.stopListening(ctx, "stop requested")
	})

	<-ctx.Done()
	return nil
}

func (c *Coordinator) startListening(ctx context.Context) {
	c.mu.Lock()
	c.active = true
	c.mu.Unlock()

	rec := c.factories.NewRecognizer()
	if err := rec.Start(ctx); err != nil {
		c.Bus().Emit(schemas.TopicVoiceError, schemas.VoiceErrorPayload{Stage: schemas.StageSTT})
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
		return
	}
	c.Bus().Emit(schemas.TopicListeningStarted, nil)

	idleCtx, cancel := context.WithTimeout(ctx, c.cfg.STTIdleClose)
	c.mu.Lock()
	c.cancelListen = cancel
	c.mu.Unlock()
	final, err := c.breaker.stt.Execute(func() (schemas.Transcription, error) {
		return rec.Final(idleCtx)
	})
	cancel()
	_ = rec.Close()

	c.Bus().Emit(schemas.TopicListeningStopped, nil)
	c.mu.Lock()
	c.active = false
	c.cancelListen = nil
	c.mu.Unlock()

	if err != nil {
		c.Bus().Emit(schemas.TopicVoiceError, schemas.VoiceErrorPayload{Stage: schemas.StageSTT})
		return
	}
	if !final.IsFinal {
		return
	}
	c.Bus().Emit(schemas.TopicTranscription, schemas.TranscriptionPayload{
		Text: final.Text, IsFinal: true, Confidence: final.Confidence,
	})
	c.runLLMTurn(ctx, final.Text)
}

func (c *Coordinator) stopListening(ctx context.Context, reason string) {
	c.mu.Lock()
	active := c.active
	cancel := c.cancelListen
	c.mu.Unlock()
	if !active {
		return
	}
	c.Logger().Info().Str("reason", reason).Msg("voice: stopping listening span")
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) runLLMTurn(ctx context.Context, text string) {
	llmCtx, cancel := context.WithTimeout(ctx, c.cfg.LLMTurn)
	defer cancel()

	response, err := c.breaker.llm.Execute(func() (string, error) {
		return c.factories.Model.Respond(llmCtx, text)
	})
	if err != nil {
		if c.cfg.ApologyText != "" && c.factories.Speaker != nil {
			c.speak(ctx, c.cfg.ApologyText)
			return
		}
		c.Bus().Emit(schemas.TopicVoiceError, schemas.VoiceErrorPayload{Stage: schemas.StageLLM})
		return
	}

	c.Bus().Emit(schemas.TopicVoiceResponseText, schemas.VoiceResponseTextPayload{Text: response})
	c.speak(ctx, response)
}

func (c *Coordinator) speak(ctx context.Context, text string) {
	if c.factories.Speaker == nil {
		c.Bus().Emit(schemas.TopicVoiceError, schemas.VoiceErrorPayload{Stage: schemas.StageTTS})
		return
	}
	ttsCtx, cancel := context.WithTimeout(ctx, c.cfg.TTSRender)
	defer cancel()

	duration, err := c.breaker.tts.Execute(func() (*int64, error) {
		return c.factories.Speaker.Speak(ttsCtx, text)
	})
	if err != nil {
		c.Bus().Emit(schemas.TopicVoiceError, schemas.VoiceErrorPayload{Stage: schemas.StageTTS})
		c.Bus().Emit(schemas.TopicMusicUnduck, nil) // restore music; nothing was ducked if Speak never started, refcount tolerates extra unduck
		return
	}

	c.Bus().Emit(schemas.TopicMusicDuck, nil)
	c.Bus().Emit(schemas.TopicSpeechStarted, schemas.SpeechStartedPayload{DurationMs: duration})
	c.Bus().Emit(schemas.TopicSpeechEnded, nil)
	c.Bus().Emit(schemas.TopicMusicUnduck, nil)
}
