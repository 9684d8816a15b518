package dj

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cantinaos/cantinaos/internal/bus"
	"github.com/cantinaos/cantinaos/internal/music"
	"github.com/cantinaos/cantinaos/internal/schemas"
)

type fakeSource struct {
	tracks   []schemas.Track
	snapshot schemas.PlaybackState
}

func (f *fakeSource) Tracks() []schemas.Track        { return f.tracks }
func (f *fakeSource) Snapshot() schemas.PlaybackState { return f.snapshot }

func dur(sec float64) *float64 { return &sec }

func startSequencer(t *testing.T, src *fakeSource) (*Sequencer, *bus.Bus, context.CancelFunc) {
	t.Helper()
	b := bus.New()
	cfg := Config{CrossfadeSec: 1, CommentaryLeadSec: 1, HistoryMax: 8}
	s := New(b, zerolog.Nop(), cfg, src)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx)
	require.Eventually(t, func() bool { return s.State() == schemas.StateRunning }, time.Second, time.Millisecond)
	return s, b, cancel
}

func TestDJStartWithNoCurrentTrackPlaysImmediately(t *testing.T) {
	src := &fakeSource{tracks: []schemas.Track{
		{TrackID: "a", DurationSeconds: dur(120)},
		{TrackID: "b", DurationSeconds: dur(90)},
	}}
	_, b, cancel := startSequencer(t, src)
	defer cancel()

	got := make(chan schemas.MusicCommand, 1)
	b.Subscribe(schemas.TopicMusicCommand, "test", func(e bus.Event) {
		got <- e.Payload.(schemas.MusicCommand)
	}, nil)

	b.Emit(schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJStart, AutoTransition: true})
	select {
	case cmd := <-got:
		assert.Equal(t, schemas.MusicPlay, cmd.Action)
	case <-time.After(time.Second):
		t.Fatal("expected immediate play")
	}
}

func TestDJNextForcesCrossfade(t *testing.T) {
	now := wallClockSeconds()
	src := &fakeSource{
		tracks: []schemas.Track{
			{TrackID: "a", DurationSeconds: dur(120)},
			{TrackID: "b", DurationSeconds: dur(90)},
		},
		snapshot: schemas.PlaybackState{
			CurrentTrack:   &schemas.Track{TrackID: "a", DurationSeconds: dur(120)},
			Status:         schemas.PlaybackPlaying,
			StartWallClock: &now,
		},
	}
	_, b, cancel := startSequencer(t, src)
	defer cancel()

	transitions := make(chan schemas.DJTransitionPayload, 1)
	b.Subscribe(schemas.TopicDJTransition, "test", func(e bus.Event) {
		transitions <- e.Payload.(schemas.DJTransitionPayload)
	}, nil)

	b.Emit(schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJStart})
	time.Sleep(20 * time.Millisecond)
	b.Emit(schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJNext})

	select {
	case tr := <-transitions:
		assert.False(t, tr.WithCommentary)
	case <-time.After(time.Second):
		t.Fatal("expected transition event")
	}
}

func TestDJTransitionWithoutCommentaryWhenNoneReady(t *testing.T) {
	now := wallClockSeconds() - 119 // transitions almost immediately given crossfadeSec=1
	src := &fakeSource{
		tracks: []schemas.Track{
			{TrackID: "a", DurationSeconds: dur(120)},
			{TrackID: "b", DurationSeconds: dur(90)},
		},
		snapshot: schemas.PlaybackState{
			CurrentTrack:   &schemas.Track{TrackID: "a", DurationSeconds: dur(120)},
			Status:         schemas.PlaybackPlaying,
			StartWallClock: &now,
		},
	}
	_, b, cancel := startSequencer(t, src)
	defer cancel()

	transitions := make(chan schemas.DJTransitionPayload, 1)
	crossfades := make(chan music.CrossfadeCommand, 1)
	b.Subscribe(schemas.TopicDJTransition, "test", func(e bus.Event) {
		transitions <- e.Payload.(schemas.DJTransitionPayload)
	}, nil)
	b.Subscribe(music.TopicCrossfadeCommand, "test", func(e bus.Event) {
		crossfades <- e.Payload.(music.CrossfadeCommand)
	}, nil)

	b.Emit(schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJStart, CrossfadeSec: 1})

	select {
	case tr := <-transitions:
		assert.False(t, tr.WithCommentary)
		assert.Equal(t, "b", tr.Next.TrackID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected transition without commentary")
	}
	<-crossfades
}

func TestUpdateSettingsMutatesLiveSessionWithoutReset(t *testing.T) {
	src := &fakeSource{tracks: []schemas.Track{{TrackID: "a", DurationSeconds: dur(120)}}}
	s, b, cancel := startSequencer(t, src)
	defer cancel()

	b.Emit(schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJStart, AutoTransition: true, CrossfadeSec: 1})
	time.Sleep(20 * time.Millisecond)

	s.mu.Lock()
	generationBefore := s.sess.generation
	s.sess.history = append(s.sess.history, "a", "b")
	historyBefore := len(s.sess.history)
	s.mu.Unlock()

	b.Emit(schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJUpdateSettings, AutoTransition: false, CrossfadeSec: 5})
	time.Sleep(20 * time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.True(t, s.sess.active, "update_settings must not stop the session")
	assert.Equal(t, generationBefore, s.sess.generation, "update_settings must not bump generation (no restart)")
	assert.Equal(t, historyBefore, len(s.sess.history), "update_settings must not reset history")
	assert.False(t, s.sess.autoTransition)
	assert.Equal(t, 5, s.sess.crossfadeSec)
}

func TestUpdateSettingsWithNoActiveSessionIsNoOp(t *testing.T) {
	src := &fakeSource{tracks: []schemas.Track{{TrackID: "a", DurationSeconds: dur(120)}}}
	s, b, cancel := startSequencer(t, src)
	defer cancel()

	b.Emit(schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJUpdateSettings, AutoTransition: true, CrossfadeSec: 5})
	time.Sleep(20 * time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.False(t, s.sess.active)
}

func TestForceNextSatisfiesMusicDJPolicy(t *testing.T) {
	var _ music.DJPolicy = (*Sequencer)(nil)
}

func TestForceNextNoSessionReturnsFalse(t *testing.T) {
	src := &fakeSource{tracks: []schemas.Track{{TrackID: "a", DurationSeconds: dur(120)}}}
	s, _, cancel := startSequencer(t, src)
	defer cancel()

	assert.False(t, s.ForceNext(), "no active session means nothing to force")
}

func TestForceNextWithActiveSessionPicksAndReturnsTrue(t *testing.T) {
	now := wallClockSeconds()
	src := &fakeSource{
		tracks: []schemas.Track{
			{TrackID: "a", DurationSeconds: dur(120)},
			{TrackID: "b", DurationSeconds: dur(90)},
		},
		snapshot: schemas.PlaybackState{
			CurrentTrack:   &schemas.Track{TrackID: "a", DurationSeconds: dur(120)},
			Status:         schemas.PlaybackPlaying,
			StartWallClock: &now,
		},
	}
	s, b, cancel := startSequencer(t, src)
	defer cancel()

	transitions := make(chan schemas.DJTransitionPayload, 1)
	b.Subscribe(schemas.TopicDJTransition, "test", func(e bus.Event) {
		transitions <- e.Payload.(schemas.DJTransitionPayload)
	}, nil)

	b.Emit(schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJStart})
	time.Sleep(20 * time.Millisecond)

	assert.True(t, s.ForceNext())

	select {
	case <-transitions:
	case <-time.After(time.Second):
		t.Fatal("expected a forced transition")
	}
}

func TestAtMostOnePendingTransition(t *testing.T) {
	src := &fakeSource{tracks: []schemas.Track{{TrackID: "a", DurationSeconds: dur(120)}}}
	s, b, cancel := startSequencer(t, src)
	defer cancel()

	b.Emit(schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJStart})
	time.Sleep(20 * time.Millisecond)
	s.mu.Lock()
	pendingBefore := s.sess.pending
	s.mu.Unlock()
	assert.False(t, pendingBefore, "no current track means pick resolves immediately, not pending")
}
