package music

import (
	"time"

	"github.com/cantinaos/cantinaos/internal/bus"
	"github.com/cantinaos/cantinaos/internal/schemas"
)

// TopicCrossfadeCommand is consumed by the engine to perform a DJ-initiated
// crossfade transition. This is distinct from /music/command because
// crossfade is sequencer-internal, not a user-facing verb.
const TopicCrossfadeCommand = "/music/crossfade_command"

// CrossfadeCommand requests a linear crossfade from the current track to
// To over DurationMs.
type CrossfadeCommand struct {
	To         schemas.Track
	DurationMs int64
}

// crossfadeSteps is the number of volume-ramp steps applied over the
// crossfade window; a reasonable default, not a sub-20ms timing guarantee.
const crossfadeSteps = 20

func (e *Engine) handleCrossfade(cmd CrossfadeCommand) {
	e.state.mu.Lock()
	from := e.state.current
	e.state.mu.Unlock()
	if from == nil {
		e.play(schemas.MusicCommand{Action: schemas.MusicPlay, TrackID: cmd.To.TrackID})
		return
	}

	e.Bus().Emit(schemas.TopicMusicCrossfadeStarted, schemas.CrossfadeStartedPayload{
		From: *from, To: cmd.To, DurationMs: cmd.DurationMs,
	})

	go e.runCrossfadeRamp(*from, cmd)
}

func (e *Engine) runCrossfadeRamp(from schemas.Track, cmd CrossfadeCommand) {
	if cmd.DurationMs <= 0 {
		e.play(schemas.MusicCommand{Action: schemas.MusicPlay, TrackID: cmd.To.TrackID})
		return
	}
	stepDur := time.Duration(cmd.DurationMs/crossfadeSteps) * time.Millisecond
	if stepDur <= 0 {
		stepDur = time.Millisecond
	}

	e.state.mu.Lock()
	e.state.crossfadeActive = true
	e.state.crossfadeOutFrac = 1
	e.state.crossfadeInFrac = 0
	e.state.mu.Unlock()

	for i := 0; i < crossfadeSteps; i++ {
		time.Sleep(stepDur)
		// Linear ramp: incoming 0->1, outgoing 1->0. The engine only ever
		// tracks one current_track, so the ramp weights are applied to
		// that single stream's effective volume (see effectiveVolume);
		// a real audio backend would instead mix both streams using the
		// same fractional weights.
		inFrac := float64(i+1) / float64(crossfadeSteps)
		e.state.mu.Lock()
		e.state.crossfadeInFrac = inFrac
		e.state.crossfadeOutFrac = 1 - inFrac
		e.state.mu.Unlock()
	}

	e.state.mu.Lock()
	e.state.crossfadeActive = false
	e.state.crossfadeOutFrac = 1
	e.state.crossfadeInFrac = 0
	e.state.mu.Unlock()

	e.play(schemas.MusicCommand{Action: schemas.MusicPlay, TrackID: cmd.To.TrackID})
}

// wireCrossfade registers the crossfade subscription; called from run().
func (e *Engine) wireCrossfade() {
	e.Subscribe(TopicCrossfadeCommand, func(evt bus.Event) {
		cmd, ok := evt.Payload.(CrossfadeCommand)
		if !ok {
			return
		}
		e.handleCrossfade(cmd)
	})
}
