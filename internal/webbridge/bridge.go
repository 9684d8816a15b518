package webbridge

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cantinaos/cantinaos/internal/bus"
	"github.com/cantinaos/cantinaos/internal/middleware"
	"github.com/cantinaos/cantinaos/internal/schemas"
	"github.com/cantinaos/cantinaos/internal/service"
	"github.com/cantinaos/cantinaos/internal/validation"
)

// ServiceName is this component's registered name.
const ServiceName = "web_bridge"

// mirroredTopics are the bus topics replayed to every connected dashboard
// client as events. Command topics are included so dashboards see commands
// issued from the CLI; events tagged with the web source (commands from any
// dashboard) are not mirrored.
var mirroredTopics = []string{
	schemas.TopicModeChange,
	schemas.TopicModeTransition,
	schemas.TopicSystemError,
	schemas.TopicListeningStarted,
	schemas.TopicListeningStopped,
	schemas.TopicTranscription,
	schemas.TopicVoiceResponseText,
	schemas.TopicSpeechStarted,
	schemas.TopicSpeechEnded,
	schemas.TopicVoiceError,
	schemas.TopicMusicCommand,
	schemas.TopicMusicLibraryUpdated,
	schemas.TopicMusicPlaybackStarted,
	schemas.TopicMusicPlaybackPaused,
	schemas.TopicMusicPlaybackResumed,
	schemas.TopicMusicPlaybackStopped,
	schemas.TopicMusicProgress,
	schemas.TopicMusicQueueUpdated,
	schemas.TopicMusicCrossfadeStarted,
	schemas.TopicDJCommand,
	schemas.TopicDJQueueUpdate,
	schemas.TopicDJCommentaryRequest,
	schemas.TopicDJCommentaryReady,
	schemas.TopicDJCommentaryFailed,
	schemas.TopicDJTransition,
	schemas.TopicLEDsCommand,
	schemas.TopicLogEntry,
}

// statusServices names the services whose status topics are replayed to
// newly connected clients and mirrored live thereafter.
var statusServices = []string{
	"dispatcher", "dj_sequencer", "eyelights_controller",
	"mode_manager", "music_engine", "voice_coordinator", ServiceName,
}

// TrackLister is queried for the HTTP library listing endpoint.
type TrackLister interface {
	Tracks() []schemas.Track
}

// Config tunes the bridge's HTTP/WebSocket surface.
type Config struct {
	ListenAddr         string
	ClientSendQueue    int
	HTTPRateLimitRPS   int
	CORSAllowedOrigins []string
}

// Bridge is a BaseService exposing CantinaOS over HTTP/WebSocket.
type Bridge struct {
	*service.BaseService
	cfg      Config
	lister   TrackLister
	hub      *Hub
	srv      *http.Server
	metrics  *middleware.HTTPMetrics
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	statusCache map[string]schemas.StatusPayload
}

// New constructs a Bridge wired to b, serving cfg.ListenAddr.
func New(b *bus.Bus, logger zerolog.Logger, cfg Config, lister TrackLister) *Bridge {
	br := &Bridge{
		cfg:         cfg,
		lister:      lister,
		hub:         NewHub(logger, cfg.ClientSendQueue),
		metrics:     middleware.NewHTTPMetrics(prometheus.DefaultRegisterer),
		statusCache: make(map[string]schemas.StatusPayload),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	br.BaseService = service.New(ServiceName, b, logger, service.RunnerFunc(br.run))
	return br
}

func (br *Bridge) run(ctx context.Context) error {
	hubCtx, cancelHub := context.WithCancel(ctx)
	defer cancelHub()
	go br.hub.Run(hubCtx)

	for _, topic := range mirroredTopics {
		topic := topic
		br.Subscribe(topic, func(e bus.Event) {
			if e.Source == string(schemas.SourceWeb) {
				return
			}
			br.hub.Broadcast(topic, e.Payload)
		})
	}
	for _, svc := range statusServices {
		topic := schemas.StatusTopic(svc)
		br.Subscribe(topic, func(e bus.Event) {
			payload, ok := e.Payload.(schemas.StatusPayload)
			if !ok {
				return
			}
			br.mu.Lock()
			br.statusCache[topic] = payload
			br.mu.Unlock()
			br.hub.Broadcast(topic, payload)
		})
	}

	br.srv = &http.Server{
		Addr:    br.cfg.ListenAddr,
		Handler: br.router(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := br.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = br.srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (br *Bridge) router() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return middleware.RequestID(next.ServeHTTP)
	})
	r.Use(httprate.LimitByIP(br.cfg.HTTPRateLimitRPS, time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: br.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/ws", br.metrics.Wrap(br.handleWebSocket))
	r.Get("/api/music/library", br.metrics.Wrap(br.handleLibrary))
	r.Get("/healthz", br.metrics.Wrap(br.handleHealthz))
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (br *Bridge) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := br.upgrader.Upgrade(w, r, nil)
	if err != nil {
		br.Logger().Warn().Err(err).Msg("webbridge: upgrade failed")
		return
	}
	c := NewClient(br.hub, conn, br, br.Logger())
	c.Start()
	br.replayStatus(c)
}

// replayStatus sends the newly connected client every cached status so its
// dashboard isn't blank until the next live update.
func (br *Bridge) replayStatus(c *Client) {
	br.mu.RLock()
	defer br.mu.RUnlock()
	for topic, payload := range br.statusCache {
		evt := newOutboundEvent(topic, payload)
		select {
		case c.send <- evt:
		default:
		}
	}
}

// libraryTrack is the HTTP wire shape for a track listing, distinct from
// the internal schemas.Track field names.
type libraryTrack struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Artist          string   `json:"artist"`
	DurationSeconds *float64 `json:"duration_seconds"`
	File            string   `json:"file"`
}

func (br *Bridge) handleLibrary(w http.ResponseWriter, r *http.Request) {
	tracks := br.lister.Tracks()
	out := make([]libraryTrack, len(tracks))
	for i, t := range tracks {
		out[i] = libraryTrack{ID: t.TrackID, Title: t.Title, Artist: t.Artist, DurationSeconds: t.DurationSeconds, File: t.FilePath}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tracks": out})
}

func (br *Bridge) handleHealthz(w http.ResponseWriter, r *http.Request) {
	br.mu.RLock()
	services := make(map[string]schemas.ServiceState, len(br.statusCache))
	ok := true
	for topic, payload := range br.statusCache {
		name := strings.TrimPrefix(topic, schemas.TopicStatusPrefix)
		services[name] = payload.State
		if payload.State == schemas.StateError {
			ok = false
		}
	}
	br.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": ok, "services": services})
}

// dispatch implements commandDispatcher: validates the verb's payload and,
// on success, emits the corresponding bus command tagged with the web
// source so the bridge's own mirror doesn't echo it back.
func (br *Bridge) dispatch(verb Verb, commandID string, payload json.RawMessage) ack {
	switch verb {
	case VerbVoice:
		return br.dispatchVoice(commandID, payload)
	case VerbMusic:
		return br.dispatchMusic(commandID, payload)
	case VerbDJ:
		return br.dispatchDJ(commandID, payload)
	case VerbSystem:
		return br.dispatchSystem(commandID, payload)
	default:
		return ackFailure(commandID, string(schemas.ErrUnknown), []string{"unknown verb: " + string(verb)})
	}
}

func decodeAndValidate[T any](payload json.RawMessage) (T, *validation.RequestValidationError) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, &validation.RequestValidationError{}
	}
	if verr := validation.ValidateStruct(&v); verr != nil {
		return v, verr
	}
	return v, nil
}

func validationMessages(verr *validation.RequestValidationError) []string {
	errs := verr.Errors()
	if len(errs) == 0 {
		return []string{"invalid payload"}
	}
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Error()
	}
	return out
}

func (br *Bridge) dispatchVoice(commandID string, payload json.RawMessage) ack {
	cmd, verr := decodeAndValidate[schemas.VoiceCommand](payload)
	if verr != nil {
		return ackFailure(commandID, string(schemas.ErrValidation), validationMessages(verr))
	}
	switch cmd.Action {
	case schemas.VoiceStart:
		br.Bus().EmitFrom(schemas.TopicMicStartRequest, string(schemas.SourceWeb), nil)
	case schemas.VoiceStop:
		br.Bus().EmitFrom(schemas.TopicMicStopRequest, string(schemas.SourceWeb), nil)
	}
	return ackSuccess(commandID, nil)
}

func (br *Bridge) dispatchMusic(commandID string, payload json.RawMessage) ack {
	cmd, verr := decodeAndValidate[schemas.MusicCommand](payload)
	if verr != nil {
		return ackFailure(commandID, string(schemas.ErrValidation), validationMessages(verr))
	}
	br.Bus().EmitFrom(schemas.TopicMusicCommand, string(schemas.SourceWeb), cmd)
	return ackSuccess(commandID, nil)
}

func (br *Bridge) dispatchDJ(commandID string, payload json.RawMessage) ack {
	cmd, verr := decodeAndValidate[schemas.DJBridgeCommand](payload)
	if verr != nil {
		return ackFailure(commandID, string(schemas.ErrValidation), validationMessages(verr))
	}

	dj := schemas.DJCommand{}
	switch cmd.Action {
	case "start":
		dj.Action = schemas.DJStart
	case "stop":
		dj.Action = schemas.DJStop
	case "next":
		dj.Action = schemas.DJNext
	case "update_settings":
		dj.Action = schemas.DJUpdateSettings
	default:
		return ackFailure(commandID, string(schemas.ErrUnknown), []string{"unknown dj action: " + cmd.Action})
	}
	if cmd.AutoTransition != nil {
		dj.AutoTransition = *cmd.AutoTransition
	}
	if cmd.CrossfadeDuration != nil {
		dj.CrossfadeSec = *cmd.CrossfadeDuration
	}
	br.Bus().EmitFrom(schemas.TopicDJCommand, string(schemas.SourceWeb), dj)
	return ackSuccess(commandID, nil)
}

func (br *Bridge) dispatchSystem(commandID string, payload json.RawMessage) ack {
	cmd, verr := decodeAndValidate[schemas.SystemCommand](payload)
	if verr != nil {
		return ackFailure(commandID, string(schemas.ErrValidation), validationMessages(verr))
	}
	switch cmd.Action {
	case schemas.SystemSetMode:
		br.Bus().EmitFrom(schemas.TopicSetModeRequest, string(schemas.SourceWeb), schemas.SetModeRequestPayload{Target: cmd.Mode})
	case schemas.SystemRestart:
		br.Bus().EmitFrom(schemas.TopicShutdownRequest, string(schemas.SourceWeb), nil)
	case schemas.SystemRefreshStatus:
		br.Bus().EmitFrom(schemas.TopicServiceStatusReq, string(schemas.SourceWeb), nil)
	}
	return ackSuccess(commandID, nil)
}
