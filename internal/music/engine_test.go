package music

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cantinaos/cantinaos/internal/bus"
	"github.com/cantinaos/cantinaos/internal/schemas"
)

type fakeProber struct{ duration float64 }

func (f fakeProber) Probe(path string) (float64, bool) { return f.duration, true }

func newTestEngine(t *testing.T) (*Engine, *bus.Bus, []schemas.Track, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"alpha.mp3", "beta.mp3"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	b := bus.New()
	cfg := Config{
		LibraryRoot:         dir,
		CacheFile:           filepath.Join(dir, ".library_cache.json"),
		SupportedExtensions: []string{".mp3"},
		DurationPollMs:      1,
		DurationMaxWaitMs:   50,
		ProgressIntervalMs:  20,
		DuckFactor:          0.2,
	}
	e := New(b, zerolog.Nop(), cfg, fakeProber{duration: 180})

	updated := make(chan schemas.LibraryUpdatedPayload, 1)
	b.Subscribe(schemas.TopicMusicLibraryUpdated, "test", func(evt bus.Event) {
		select {
		case updated <- evt.Payload.(schemas.LibraryUpdatedPayload):
		default:
		}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go e.Serve(ctx)
	require.Eventually(t, func() bool { return e.State() == schemas.StateRunning }, time.Second, time.Millisecond)

	var tracks []schemas.Track
	select {
	case p := <-updated:
		tracks = p.Tracks
	case <-time.After(2 * time.Second):
		t.Fatal("expected library_updated")
	}
	return e, b, tracks, cancel
}

func TestPlayEmitsPlaybackStarted(t *testing.T) {
	e, b, tracks, cancel := newTestEngine(t)
	defer cancel()
	require.Len(t, tracks, 2)

	got := make(chan schemas.PlaybackStartedPayload, 1)
	b.Subscribe(schemas.TopicMusicPlaybackStarted, "test", func(evt bus.Event) {
		got <- evt.Payload.(schemas.PlaybackStartedPayload)
	}, nil)

	b.Emit(schemas.TopicMusicCommand, schemas.MusicCommand{Action: schemas.MusicPlay, TrackID: tracks[0].TrackID})
	select {
	case p := <-got:
		assert.Equal(t, tracks[0].TrackID, p.Track.TrackID)
	case <-time.After(time.Second):
		t.Fatal("expected playback_started")
	}
	assert.Equal(t, schemas.PlaybackPlaying, e.Snapshot().Status)
}

func TestPauseResumePositionInvariant(t *testing.T) {
	e, b, tracks, cancel := newTestEngine(t)
	defer cancel()

	b.Emit(schemas.TopicMusicCommand, schemas.MusicCommand{Action: schemas.MusicPlay, TrackID: tracks[0].TrackID})
	time.Sleep(30 * time.Millisecond)

	b.Emit(schemas.TopicMusicCommand, schemas.MusicCommand{Action: schemas.MusicPause})
	time.Sleep(10 * time.Millisecond)
	pausedSnapshot := e.Snapshot()
	require.Equal(t, schemas.PlaybackPaused, pausedSnapshot.Status)

	time.Sleep(50 * time.Millisecond) // simulate real pause duration
	b.Emit(schemas.TopicMusicCommand, schemas.MusicCommand{Action: schemas.MusicResume})
	time.Sleep(10 * time.Millisecond)

	resumed := e.Snapshot()
	require.Equal(t, schemas.PlaybackPlaying, resumed.Status)
	pos := wallClockSeconds() - *resumed.StartWallClock
	expected := float64(pausedSnapshot.PauseOffsetMs) / 1000.0
	assert.InDelta(t, expected, pos, 0.05)
}

func TestVolumeSetsBaselineOnly(t *testing.T) {
	e, b, _, cancel := newTestEngine(t)
	defer cancel()

	level := 0.5
	b.Emit(schemas.TopicMusicCommand, schemas.MusicCommand{Action: schemas.MusicVolume, VolumeLevel: &level})
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0.5, e.Snapshot().Volume)

	b.Emit(schemas.TopicMusicDuck, nil)
	time.Sleep(10 * time.Millisecond)
	assert.InDelta(t, 0.1, e.effectiveVolume(), 1e-9)
}

func TestNestedDuckDoesNotStack(t *testing.T) {
	e, b, _, cancel := newTestEngine(t)
	defer cancel()

	b.Emit(schemas.TopicMusicDuck, nil)
	b.Emit(schemas.TopicMusicDuck, nil)
	time.Sleep(10 * time.Millisecond)
	assert.True(t, e.Snapshot().Ducked)

	b.Emit(schemas.TopicMusicUnduck, nil)
	time.Sleep(10 * time.Millisecond)
	assert.True(t, e.Snapshot().Ducked, "still ducked: one undock outstanding")

	b.Emit(schemas.TopicMusicUnduck, nil)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, e.Snapshot().Ducked)
}

func TestQueueThenNextPopsHead(t *testing.T) {
	e, b, tracks, cancel := newTestEngine(t)
	defer cancel()

	b.Emit(schemas.TopicMusicCommand, schemas.MusicCommand{Action: schemas.MusicQueue, TrackID: tracks[0].TrackID})
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, e.Snapshot().Queue, 1)

	b.Emit(schemas.TopicMusicCommand, schemas.MusicCommand{Action: schemas.MusicNext})
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, e.Snapshot().Queue)
	assert.Equal(t, tracks[0].TrackID, e.Snapshot().CurrentTrack.TrackID)
}

func TestCrossfadeRampsWeightsThenSwapsToNextTrack(t *testing.T) {
	e, b, tracks, cancel := newTestEngine(t)
	defer cancel()

	playing := make(chan schemas.PlaybackStartedPayload, 2)
	b.Subscribe(schemas.TopicMusicPlaybackStarted, "test", func(evt bus.Event) {
		playing <- evt.Payload.(schemas.PlaybackStartedPayload)
	}, nil)

	b.Emit(schemas.TopicMusicCommand, schemas.MusicCommand{Action: schemas.MusicPlay, TrackID: tracks[0].TrackID})
	time.Sleep(20 * time.Millisecond)

	started := make(chan schemas.CrossfadeStartedPayload, 1)
	b.Subscribe(schemas.TopicMusicCrossfadeStarted, "test", func(evt bus.Event) {
		started <- evt.Payload.(schemas.CrossfadeStartedPayload)
	}, nil)

	b.Emit(TopicCrossfadeCommand, CrossfadeCommand{To: tracks[1], DurationMs: 200})

	select {
	case p := <-started:
		assert.Equal(t, tracks[0].TrackID, p.From.TrackID)
		assert.Equal(t, tracks[1].TrackID, p.To.TrackID)
	case <-time.After(time.Second):
		t.Fatal("expected crossfade_started")
	}

	// drain the initial play's playback_started before sampling mid-ramp.
	<-playing

	time.Sleep(90 * time.Millisecond) // roughly mid-ramp of a 200ms/20-step crossfade
	outFrac, inFrac, active := e.CrossfadeWeights()
	assert.True(t, active, "expected crossfade to still be in progress mid-ramp")
	assert.InDelta(t, 1.0, outFrac+inFrac, 1e-9)
	assert.Less(t, outFrac, 1.0)
	assert.Greater(t, outFrac, 0.0)

	select {
	case p := <-playing:
		assert.Equal(t, tracks[1].TrackID, p.Track.TrackID)
	case <-time.After(time.Second):
		t.Fatal("expected playback_started for the incoming track")
	}

	_, _, active = e.CrossfadeWeights()
	assert.False(t, active, "crossfade should be over once the incoming track is playing")
	assert.Equal(t, tracks[1].TrackID, e.Snapshot().CurrentTrack.TrackID)
}

func TestCrossfadeWithNoCurrentTrackPlaysImmediately(t *testing.T) {
	e, b, tracks, cancel := newTestEngine(t)
	defer cancel()

	playing := make(chan schemas.PlaybackStartedPayload, 1)
	b.Subscribe(schemas.TopicMusicPlaybackStarted, "test", func(evt bus.Event) {
		playing <- evt.Payload.(schemas.PlaybackStartedPayload)
	}, nil)

	b.Emit(TopicCrossfadeCommand, CrossfadeCommand{To: tracks[0], DurationMs: 200})

	select {
	case p := <-playing:
		assert.Equal(t, tracks[0].TrackID, p.Track.TrackID)
	case <-time.After(time.Second):
		t.Fatal("expected immediate playback_started when nothing was playing")
	}
	_, _, active := e.CrossfadeWeights()
	assert.False(t, active)
}

func TestNextWithEmptyQueueAndNoDJIsNoOp(t *testing.T) {
	e, b, _, cancel := newTestEngine(t)
	defer cancel()

	b.Emit(schemas.TopicMusicCommand, schemas.MusicCommand{Action: schemas.MusicNext})
	time.Sleep(10 * time.Millisecond)
	assert.Nil(t, e.Snapshot().CurrentTrack)
}

type fakeDJPolicy struct {
	called  chan struct{}
	forceOK bool
}

func (f *fakeDJPolicy) ForceNext() bool {
	if f.called != nil {
		close(f.called)
	}
	return f.forceOK
}

func TestNextWithEmptyQueueDefersToActiveDJPolicy(t *testing.T) {
	e, b, _, cancel := newTestEngine(t)
	defer cancel()

	policy := &fakeDJPolicy{called: make(chan struct{}), forceOK: true}
	e.SetDJPolicy(policy)

	b.Emit(schemas.TopicMusicCommand, schemas.MusicCommand{Action: schemas.MusicNext})
	select {
	case <-policy.called:
	case <-time.After(time.Second):
		t.Fatal("expected empty-queue next to consult the DJ policy hook")
	}
}

func TestNextWithQueuedTrackDoesNotConsultDJPolicy(t *testing.T) {
	e, b, tracks, cancel := newTestEngine(t)
	defer cancel()

	policy := &fakeDJPolicy{called: make(chan struct{}), forceOK: true}
	e.SetDJPolicy(policy)

	b.Emit(schemas.TopicMusicCommand, schemas.MusicCommand{Action: schemas.MusicQueue, TrackID: tracks[0].TrackID})
	time.Sleep(10 * time.Millisecond)

	b.Emit(schemas.TopicMusicCommand, schemas.MusicCommand{Action: schemas.MusicNext})
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, tracks[0].TrackID, e.Snapshot().CurrentTrack.TrackID)
	select {
	case <-policy.called:
		t.Fatal("DJ policy should not be consulted when the queue already has a track")
	default:
	}
}
