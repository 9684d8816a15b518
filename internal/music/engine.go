package music

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/cantinaos/cantinaos/internal/bus"
	"github.com/cantinaos/cantinaos/internal/schemas"
	"github.com/cantinaos/cantinaos/internal/service"
)

// ServiceName is this component's registered name.
const ServiceName = "music_engine"

// Config tunes the engine's timing constants, sourced from
// internal/config.MusicConfig (DuckFactor from internal/config.VoiceConfig).
type Config struct {
	LibraryRoot        string
	CacheFile           string
	SupportedExtensions []string
	DurationPollMs      int
	DurationMaxWaitMs   int
	ProgressIntervalMs  int
	DuckFactor          float64
}

// state is the engine's single-writer playback state (: "only
// Music Engine writes playback state").
type state struct {
	mu              sync.Mutex
	current         *schemas.Track
	status          schemas.PlaybackStatus
	baselineVolume  float64
	duckRefs        int
	startWallClock  *float64
	pauseOffsetMs   int64
	queue           []schemas.Track
	crossfadeActive bool
	crossfadeOutFrac float64 // outgoing (current) track's volume weight, 1->0
	crossfadeInFrac  float64 // incoming track's volume weight, 0->1
}

// DJPolicy lets the DJ sequencer take over track selection when next is
// requested with an empty queue during an active session. Satisfied by
// *dj.Sequencer in production.
type DJPolicy interface {
	// ForceNext performs an immediate DJ-picked transition if a session
	// is active and reports whether it did.
	ForceNext() bool
}

// Engine is a BaseService. Construct with New.
type Engine struct {
	*service.BaseService

	cfg     Config
	library *Library
	state   state

	djPolicy DJPolicy

	progressCancel context.CancelFunc
	progressMu     sync.Mutex

	watcher *fsnotify.Watcher
}

// SetDJPolicy wires in the DJ sequencer's empty-queue next fallback. Called
// once at startup, after both services are constructed but before either is
// served.
func (e *Engine) SetDJPolicy(p DJPolicy) {
	e.djPolicy = p
}

// New constructs an Engine wired to b, using prober to determine track
// durations.
func New(b *bus.Bus, logger zerolog.Logger, cfg Config, prober DurationProber) *Engine {
	e := &Engine{
		cfg:     cfg,
		library: NewLibrary(cfg.LibraryRoot, cfg.CacheFile, cfg.SupportedExtensions, prober),
	}
	e.state.baselineVolume = 1.0
	e.state.status = schemas.PlaybackStopped
	e.BaseService = service.New(ServiceName, b, logger, service.RunnerFunc(e.run))
	return e
}

// Tracks implements dispatcher.TrackLister.
func (e *Engine) Tracks() []schemas.Track { return e.library.Tracks() }

// Snapshot returns the current playback state, used by the DJ sequencer to
// pick a next track and by the web bridge's status cache.
func (e *Engine) Snapshot() schemas.PlaybackState {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	queue := append([]schemas.Track(nil), e.state.queue...)
	return schemas.PlaybackState{
		CurrentTrack:   e.state.current,
		Status:         e.state.status,
		Volume:         e.state.baselineVolume,
		Ducked:         e.state.duckRefs > 0,
		StartWallClock: e.state.startWallClock,
		PauseOffsetMs:  e.state.pauseOffsetMs,
		Queue:          queue,
	}
}

func (e *Engine) run(ctx context.Context) error {
	e.Subscribe(schemas.TopicMusicCommand, func(evt bus.Event) {
		cmd, ok := evt.Payload.(schemas.MusicCommand)
		if !ok {
			return
		}
		e.handleCommand(cmd)
	})
	e.Subscribe(schemas.TopicSpeechStarted, func(bus.Event) { e.duck() })
	e.Subscribe(schemas.TopicSpeechEnded, func(bus.Event) { e.unduck() })
	e.Subscribe(schemas.TopicMusicDuck, func(bus.Event) { e.duck() })
	e.Subscribe(schemas.TopicMusicUnduck, func(bus.Event) { e.unduck() })
	e.wireCrossfade()

	e.startWatcher()
	defer e.stopWatcher()

	e.rescan()

	<-ctx.Done()
	e.stopProgressTicker()
	return nil
}

func (e *Engine) startWatcher() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		e.Logger().Warn().Err(err).Msg("music: fsnotify unavailable, library rescans only at startup")
		return
	}
	if err := w.Add(e.cfg.LibraryRoot); err != nil {
		e.Logger().Warn().Err(err).Str("root", e.cfg.LibraryRoot).Msg("music: cannot watch library root")
		_ = w.Close()
		return
	}
	e.watcher = w
	go func() {
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				e.rescan()
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

func (e *Engine) stopWatcher() {
	if e.watcher != nil {
		_ = e.watcher.Close()
	}
}

func (e *Engine) rescan() {
	go func() {
		pollInterval := time.Duration(e.cfg.DurationPollMs) * time.Millisecond
		maxWait := time.Duration(e.cfg.DurationMaxWaitMs) * time.Millisecond
		tracks, err := e.library.Scan(pollInterval, maxWait)
		if err != nil {
			e.EmitError("library scan failed: "+err.Error(), schemas.SeverityWarning)
			return
		}
		e.Bus().Emit(schemas.TopicMusicLibraryUpdated, schemas.LibraryUpdatedPayload{Tracks: tracks})
	}()
}

func (e *Engine) handleCommand(cmd schemas.MusicCommand) {
	switch cmd.Action {
	case schemas.MusicPlay:
		e.play(cmd)
	case schemas.MusicPause:
		e.pause()
	case schemas.MusicResume:
		e.resume()
	case schemas.MusicStop:
		e.stop()
	case schemas.MusicNext:
		e.next()
	case schemas.MusicQueue:
		e.enqueue(cmd)
	case schemas.MusicVolume:
		e.setVolume(cmd)
	}
}

func (e *Engine) resolveTrack(cmd schemas.MusicCommand) (schemas.Track, bool) {
	if cmd.TrackID != "" {
		return e.library.Track(cmd.TrackID)
	}
	if cmd.TrackName != "" {
		for _, t := range e.library.Tracks() {
			if t.Title == cmd.TrackName {
				return t, true
			}
		}
	}
	return schemas.Track{}, false
}

// play replaces the current track.
func (e *Engine) play(cmd schemas.MusicCommand) {
	track, ok := e.resolveTrack(cmd)
	if !ok {
		e.EmitError("play: track not found", schemas.SeverityWarning)
		return
	}
	now := wallClockSeconds()

	e.state.mu.Lock()
	e.state.current = &track
	e.state.status = schemas.PlaybackPlaying
	e.state.startWallClock = &now
	e.state.pauseOffsetMs = 0
	e.state.mu.Unlock()

	e.Bus().Emit(schemas.TopicMusicPlaybackStarted, schemas.PlaybackStartedPayload{
		Track: track, StartWallClock: now, DurationSec: track.DurationSeconds,
	})
	e.startProgressTicker()
}

// pause retains position.
func (e *Engine) pause() {
	e.state.mu.Lock()
	if e.state.status != schemas.PlaybackPlaying {
		e.state.mu.Unlock()
		return
	}
	pos := e.positionLocked()
	e.state.status = schemas.PlaybackPaused
	e.state.pauseOffsetMs = int64(pos * 1000)
	e.state.mu.Unlock()

	e.Bus().Emit(schemas.TopicMusicPlaybackPaused, schemas.PlaybackPausedPayload{PausedAtPositionSec: pos})
	e.stopProgressTicker()
}

// resume restarts from the pause offset, shifting start_wall_clock so
// that (now - start_wall_clock) == resume_position_sec (// invariant).
func (e *Engine) resume() {
	e.state.mu.Lock()
	if e.state.status != schemas.PlaybackPaused {
		e.state.mu.Unlock()
		return
	}
	resumePos := float64(e.state.pauseOffsetMs) / 1000.0
	now := wallClockSeconds()
	shifted := now - resumePos
	e.state.startWallClock = &shifted
	e.state.status = schemas.PlaybackPlaying
	e.state.mu.Unlock()

	e.Bus().Emit(schemas.TopicMusicPlaybackResumed, schemas.PlaybackResumedPayload{
		ResumePositionSec: resumePos, StartWallClock: shifted,
	})
	e.startProgressTicker()
}

// stop clears the current track.
func (e *Engine) stop() {
	e.state.mu.Lock()
	e.state.current = nil
	e.state.status = schemas.PlaybackStopped
	e.state.startWallClock = nil
	e.state.pauseOffsetMs = 0
	e.state.mu.Unlock()

	e.stopProgressTicker()
	e.Bus().Emit(schemas.TopicMusicPlaybackStopped, nil)
}

// next consumes the queue head. With the queue empty, it defers to the DJ
// policy hook (if wired) so a "next" with an active DJ session still picks
// per that session's selection rules instead of silently doing nothing.
func (e *Engine) next() {
	e.state.mu.Lock()
	if len(e.state.queue) > 0 {
		head := e.state.queue[0]
		e.state.queue = e.state.queue[1:]
		e.state.mu.Unlock()
		e.play(schemas.MusicCommand{Action: schemas.MusicPlay, TrackID: head.TrackID})
		return
	}
	e.state.mu.Unlock()

	if e.djPolicy != nil && e.djPolicy.ForceNext() {
		return
	}
	e.Logger().Info().Msg("music: next requested with empty queue and no active DJ session, no-op")
}

func (e *Engine) enqueue(cmd schemas.MusicCommand) {
	track, ok := e.resolveTrack(cmd)
	if !ok {
		e.EmitError("queue: track not found", schemas.SeverityWarning)
		return
	}
	e.state.mu.Lock()
	e.state.queue = append(e.state.queue, track)
	length := len(e.state.queue)
	var next *schemas.Track
	if length > 0 {
		n := e.state.queue[0]
		next = &n
	}
	e.state.mu.Unlock()

	e.Bus().Emit(schemas.TopicMusicQueueUpdated, schemas.QueueUpdatedPayload{Length: length, NextTrack: next})
}

// setVolume sets the un-ducked baseline only; ducking is applied on top of
// it and never overwrites it.
func (e *Engine) setVolume(cmd schemas.MusicCommand) {
	if cmd.VolumeLevel == nil {
		e.EmitError("volume: missing volume_level", schemas.SeverityWarning)
		return
	}
	e.state.mu.Lock()
	e.state.baselineVolume = clamp01(*cmd.VolumeLevel)
	e.state.mu.Unlock()
}

// duck increments the duck refcount; nested ducks do not stack the volume
// reduction itself, only the refcount that gates when it's lifted.
func (e *Engine) duck() {
	e.state.mu.Lock()
	e.state.duckRefs++
	e.state.mu.Unlock()
}

func (e *Engine) unduck() {
	e.state.mu.Lock()
	if e.state.duckRefs > 0 {
		e.state.duckRefs--
	}
	e.state.mu.Unlock()
}

// effectiveVolume returns baseline*duckFactor while ducked, else baseline,
// further scaled by the outgoing-track crossfade weight while a crossfade
// is in progress (the engine only ever plays one stream at a time, so the
// ramp is applied to that stream rather than mixed with a second one).
func (e *Engine) effectiveVolume() float64 {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	v := e.state.baselineVolume
	if e.state.duckRefs > 0 {
		v *= e.cfg.DuckFactor
	}
	if e.state.crossfadeActive {
		v *= e.state.crossfadeOutFrac
	}
	return v
}

// CrossfadeWeights reports the current linear ramp weights: outFrac is the
// outgoing track's weight (1->0), inFrac the incoming track's (0->1).
// active is false once the crossfade has completed.
func (e *Engine) CrossfadeWeights() (outFrac, inFrac float64, active bool) {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	if !e.state.crossfadeActive {
		return 1, 0, false
	}
	return e.state.crossfadeOutFrac, e.state.crossfadeInFrac, true
}

// positionLocked computes position_sec; caller must hold state.mu.
func (e *Engine) positionLocked() float64 {
	if e.state.startWallClock == nil {
		return 0
	}
	return wallClockSeconds() - *e.state.startWallClock
}

func (e *Engine) startProgressTicker() {
	e.stopProgressTicker()
	ctx, cancel := context.WithCancel(context.Background())
	e.progressMu.Lock()
	e.progressCancel = cancel
	e.progressMu.Unlock()

	interval := time.Duration(e.cfg.ProgressIntervalMs) * time.Millisecond
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.emitProgress()
			}
		}
	}()
}

func (e *Engine) stopProgressTicker() {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	if e.progressCancel != nil {
		e.progressCancel()
		e.progressCancel = nil
	}
}

func (e *Engine) emitProgress() {
	e.state.mu.Lock()
	if e.state.status != schemas.PlaybackPlaying || e.state.current == nil {
		e.state.mu.Unlock()
		return
	}
	pos := e.positionLocked()
	duration := e.state.current.DurationSeconds
	e.state.mu.Unlock()

	var pct *float64
	if duration != nil && *duration > 0 {
		p := clamp01(pos / *duration)
		pct = &p
	}
	e.Bus().Emit(schemas.TopicMusicProgress, schemas.ProgressPayload{
		PositionSec: pos, DurationSec: duration, ProgressPct: pct,
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func wallClockSeconds() float64 {
	return float64(time.Now().UnixMilli()) / 1000.0
}
