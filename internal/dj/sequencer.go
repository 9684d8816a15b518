// Package dj implements the DJ Auto-Sequencer: track picking,
// commentary scheduling, transition timing, and graceful commentary
// fallback. Structurally grounded on the example pack's auto-DJ
// scheduler (single loop with a dwell timer and an override channel for
// forced transitions), adapted here to be driven by bus events instead of
// a bespoke poll loop.
package dj

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cantinaos/cantinaos/internal/bus"
	"github.com/cantinaos/cantinaos/internal/music"
	"github.com/cantinaos/cantinaos/internal/schemas"
	"github.com/cantinaos/cantinaos/internal/service"
)

// ServiceName is this component's registered name.
const ServiceName = "dj_sequencer"

// PlaybackSource is queried for the currently-playing track's timing and
// for the library listing; satisfied by *music.Engine in production.
type PlaybackSource interface {
	Tracks() []schemas.Track
	Snapshot() schemas.PlaybackState
}

// Config tunes default crossfade/commentary timing (internal/config.DJConfig).
type Config struct {
	CrossfadeSec      int
	CommentaryLeadSec int
	HistoryMax        int
}

type session struct {
	active         bool
	autoTransition bool
	crossfadeSec   int
	commentaryLead int
	history        []string // track IDs, most recent last
	pending        bool     // at most one pending transition at a time
	generation     int      // bumped to cancel in-flight scheduling goroutines
}

// Sequencer is a BaseService. Construct with New.
type Sequencer struct {
	*service.BaseService
	cfg    Config
	source PlaybackSource
	rng    *rand.Rand

	mu                 sync.Mutex
	sess               session
	commentaryReadyGen int // generation for which commentary arrived ready
}

// New constructs a Sequencer wired to b, reading library/playback state
// through source.
func New(b *bus.Bus, logger zerolog.Logger, cfg Config, source PlaybackSource) *Sequencer {
	s := &Sequencer{
		cfg:                cfg,
		source:             source,
		rng:                rand.New(rand.NewSource(time.Now().UnixNano())),
		commentaryReadyGen: -1,
	}
	s.BaseService = service.New(ServiceName, b, logger, service.RunnerFunc(s.run))
	return s
}

func (s *Sequencer) run(ctx context.Context) error {
	s.Subscribe(schemas.TopicDJCommand, func(e bus.Event) {
		cmd, ok := e.Payload.(schemas.DJCommand)
		if !ok {
			return
		}
		s.handleCommand(ctx, cmd)
	})
	s.Subscribe(schemas.TopicMusicPlaybackStopped, func(bus.Event) {
		s.mu.Lock()
		active := s.sess.active
		if active {
			s.sess.generation++
		}
		s.mu.Unlock()
		if active {
			s.Logger().Info().Msg("dj: playback stopped unexpectedly, restarting with fresh pick")
			s.pickAndSchedule(ctx)
		}
	})
	s.Subscribe(schemas.TopicDJCommentaryReady, func(bus.Event) {
		s.mu.Lock()
		s.commentaryReadyGen = s.sess.generation
		s.mu.Unlock()
	})
	s.Subscribe(schemas.TopicDJCommentaryFailed, func(bus.Event) {
		s.mu.Lock()
		if s.commentaryReadyGen == s.sess.generation {
			s.commentaryReadyGen = -1
		}
		s.mu.Unlock()
	})

	<-ctx.Done()
	return nil
}

func (s *Sequencer) handleCommand(ctx context.Context, cmd schemas.DJCommand) {
	switch cmd.Action {
	case schemas.DJStart:
		s.mu.Lock()
		s.sess = session{
			active:         true,
			autoTransition: cmd.AutoTransition,
			crossfadeSec:   valueOr(cmd.CrossfadeSec, s.cfg.CrossfadeSec),
			commentaryLead: s.cfg.CommentaryLeadSec,
			generation:     s.sess.generation + 1,
		}
		s.mu.Unlock()
		s.pickAndSchedule(ctx)
	case schemas.DJStop:
		s.mu.Lock()
		s.sess.active = false
		s.sess.generation++
		s.mu.Unlock()
	case schemas.DJNext:
		s.ForceNext()
	case schemas.DJUpdateSettings:
		s.updateSettings(cmd)
	}
}

// updateSettings mutates a running session's auto_transition/crossfade_sec
// without resetting history, generation, or any pending transition. A no-op
// if no session is active. A transition that is already pending keeps the
// start time computed from the old crossfade_sec but takes its crossfade
// duration from the new one (read when it fires); later transitions are
// scheduled entirely with the new value.
func (s *Sequencer) updateSettings(cmd schemas.DJCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sess.active {
		return
	}
	s.sess.autoTransition = cmd.AutoTransition
	if cmd.CrossfadeSec > 0 {
		s.sess.crossfadeSec = cmd.CrossfadeSec
	}
}

// ForceNext implements music.DJPolicy: forces an immediate DJ-picked
// transition if a session is active, reporting whether it did. Also the
// handler for an explicit `dj next` command.
func (s *Sequencer) ForceNext() bool {
	s.mu.Lock()
	active := s.sess.active
	if active {
		s.sess.generation++
	}
	s.mu.Unlock()
	if !active {
		return false
	}
	s.forceNext()
	return true
}

func valueOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// pick selects the next track: prefer queued (the music engine's own
// queue), else uniform-random over the library excluding the last N
// played and duration-unknown tracks.
func (s *Sequencer) pick() (schemas.Track, bool) {
	snap := s.source.Snapshot()
	if len(snap.Queue) > 0 {
		return snap.Queue[0], true
	}

	tracks := s.source.Tracks()
	excludeN := minInt(8, len(tracks)/2)

	s.mu.Lock()
	hist := append([]string(nil), s.sess.history...)
	s.mu.Unlock()
	// The track playing now counts as the most recently played one.
	if cur := snap.CurrentTrack; cur != nil && (len(hist) == 0 || hist[len(hist)-1] != cur.TrackID) {
		hist = append(hist, cur.TrackID)
	}

	recent := make(map[string]bool, excludeN)
	if len(hist) > excludeN {
		hist = hist[len(hist)-excludeN:]
	}
	for _, id := range hist {
		recent[id] = true
	}

	var candidates []schemas.Track
	for _, t := range tracks {
		if t.DurationSeconds == nil {
			continue
		}
		if recent[t.TrackID] {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return schemas.Track{}, false
	}
	return candidates[s.rng.Intn(len(candidates))], true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// pickAndSchedule picks the next track, announces it, and schedules the
// transition timer. No-op (idles) if the library has
// nothing eligible yet — it will be retried on the next
// /music/library_updated-triggered DJ command or playback_stopped event.
func (s *Sequencer) pickAndSchedule(ctx context.Context) {
	s.mu.Lock()
	if s.sess.pending {
		s.mu.Unlock()
		return // invariant: at most one pending transition
	}
	s.mu.Unlock()

	next, ok := s.pick()
	if !ok {
		s.Logger().Info().Msg("dj: no eligible track yet, idling")
		return
	}

	s.mu.Lock()
	s.sess.pending = true
	generation := s.sess.generation
	crossfadeSec := s.sess.crossfadeSec
	commentaryLead := s.sess.commentaryLead
	s.mu.Unlock()

	s.Bus().Emit(schemas.TopicDJQueueUpdate, schemas.DJQueueUpdatePayload{NextTrack: next})

	snap := s.source.Snapshot()
	if snap.CurrentTrack == nil || snap.StartWallClock == nil || snap.CurrentTrack.DurationSeconds == nil {
		s.Bus().Emit(schemas.TopicMusicCommand, schemas.MusicCommand{Action: schemas.MusicPlay, TrackID: next.TrackID})
		s.mu.Lock()
		s.sess.pending = false
		s.mu.Unlock()
		s.appendHistory(next.TrackID)
		return
	}

	transitionAt := *snap.StartWallClock + *snap.CurrentTrack.DurationSeconds - float64(crossfadeSec)
	now := wallClockSeconds()
	delay := time.Duration((transitionAt - now) * float64(time.Second))
	commentaryDelay := delay - time.Duration(commentaryLead)*time.Second

	prev := *snap.CurrentTrack

	if commentaryDelay > 0 {
		time.AfterFunc(commentaryDelay, func() { s.requestCommentary(generation, prev, next) })
	}
	if delay > 0 {
		time.AfterFunc(delay, func() { s.executeTransition(generation, prev, next) })
	} else {
		s.executeTransition(generation, prev, next)
	}
}

func (s *Sequencer) appendHistory(trackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess.history = append(s.sess.history, trackID)
	if max := s.cfg.HistoryMax; max > 0 && len(s.sess.history) > max {
		s.sess.history = s.sess.history[len(s.sess.history)-max:]
	}
}

func (s *Sequencer) requestCommentary(generation int, prev, next schemas.Track) {
	s.mu.Lock()
	current := s.sess.generation
	s.mu.Unlock()
	if current != generation {
		return
	}
	s.Bus().Emit(schemas.TopicDJCommentaryRequest, schemas.DJCommentaryRequestPayload{PrevTrack: prev, NextTrack: next})
}

// forceNext cancels any pending commentary and crossfades immediately.
func (s *Sequencer) forceNext() {
	snap := s.source.Snapshot()
	next, ok := s.pick()
	if !ok {
		return
	}

	s.mu.Lock()
	generation := s.sess.generation
	s.sess.pending = true
	s.mu.Unlock()

	var prev schemas.Track
	if snap.CurrentTrack != nil {
		prev = *snap.CurrentTrack
	}
	s.executeTransition(generation, prev, next)
}

// executeTransition crossfades to next, with commentary if it arrived in
// time.
func (s *Sequencer) executeTransition(generation int, prev, next schemas.Track) {
	s.mu.Lock()
	if s.sess.generation != generation {
		s.mu.Unlock()
		return // superseded by a forced next or session stop
	}
	s.sess.pending = false
	withCommentary := s.commentaryReadyGen == generation
	s.mu.Unlock()

	s.appendHistory(next.TrackID)

	if withCommentary {
		s.Bus().Emit(schemas.TopicMusicDuck, nil)
		// A real TTS-rendered commentary clip plays here through the
		// engine's privileged speech path; this sequencer only
		// owns timing, not audio playback, so it unducks immediately
		// after requesting the crossfade.
		s.Bus().Emit(schemas.TopicMusicUnduck, nil)
	}

	s.Bus().Emit(music.TopicCrossfadeCommand, music.CrossfadeCommand{
		To: next, DurationMs: int64(sessionCrossfadeMs(s, generation)),
	})
	s.Bus().Emit(schemas.TopicDJTransition, schemas.DJTransitionPayload{Prev: prev, Next: next, WithCommentary: withCommentary})
}

func sessionCrossfadeMs(s *Sequencer, generation int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess.generation == generation {
		return s.sess.crossfadeSec * 1000
	}
	return s.cfg.CrossfadeSec * 1000
}

func wallClockSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
