package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cantinaos/cantinaos/internal/bus"
	"github.com/cantinaos/cantinaos/internal/schemas"
)

type stubLister struct{ tracks []schemas.Track }

func (s stubLister) Tracks() []schemas.Track { return s.tracks }

func startDispatcher(t *testing.T, lister TrackLister) (*Dispatcher, *bus.Bus, context.CancelFunc) {
	t.Helper()
	b := bus.New()
	d := New(b, zerolog.Nop(), lister)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx)
	require.Eventually(t, func() bool { return d.State() == schemas.StateRunning }, time.Second, time.Millisecond)
	return d, b, cancel
}

func TestEngageEmitsSetModeRequest(t *testing.T) {
	_, b, cancel := startDispatcher(t, stubLister{})
	defer cancel()

	got := make(chan schemas.SetModeRequestPayload, 1)
	b.Subscribe(schemas.TopicSetModeRequest, "test", func(e bus.Event) {
		got <- e.Payload.(schemas.SetModeRequestPayload)
	}, nil)

	b.Emit(TopicLine, LineCommand{Line: "engage", Source: schemas.SourceCLI, CorrelationID: "c1"})
	select {
	case p := <-got:
		assert.Equal(t, schemas.ModeInteractive, p.Target)
	case <-time.After(time.Second):
		t.Fatal("expected set_mode_request")
	}
}

func TestPlayMusicByNumericIndex(t *testing.T) {
	tracks := []schemas.Track{{TrackID: "a", Title: "Alpha"}, {TrackID: "b", Title: "Beta"}}
	_, b, cancel := startDispatcher(t, stubLister{tracks: tracks})
	defer cancel()

	got := make(chan schemas.MusicCommand, 1)
	b.Subscribe(schemas.TopicMusicCommand, "test", func(e bus.Event) {
		got <- e.Payload.(schemas.MusicCommand)
	}, nil)

	b.Emit(TopicLine, LineCommand{Line: "play music 2", Source: schemas.SourceCLI})
	select {
	case p := <-got:
		assert.Equal(t, "b", p.TrackID)
	case <-time.After(time.Second):
		t.Fatal("expected music command")
	}
}

func TestPlayMusicAmbiguousSubstringPicksLexicographicallyFirst(t *testing.T) {
	tracks := []schemas.Track{{TrackID: "z", Title: "Zed Song"}, {TrackID: "a", Title: "A Song"}}
	_, b, cancel := startDispatcher(t, stubLister{tracks: tracks})
	defer cancel()

	got := make(chan schemas.MusicCommand, 1)
	b.Subscribe(schemas.TopicMusicCommand, "test", func(e bus.Event) {
		got <- e.Payload.(schemas.MusicCommand)
	}, nil)

	b.Emit(TopicLine, LineCommand{Line: "play music song", Source: schemas.SourceCLI})
	select {
	case p := <-got:
		assert.Equal(t, "a", p.TrackID)
	case <-time.After(time.Second):
		t.Fatal("expected music command")
	}
}

func TestUnknownCommandEmitsErrorAndFailureAck(t *testing.T) {
	_, b, cancel := startDispatcher(t, stubLister{})
	defer cancel()

	acks := make(chan Ack, 1)
	b.Subscribe(TopicAck, "test", func(e bus.Event) {
		acks <- e.Payload.(Ack)
	}, nil)

	b.Emit(TopicLine, LineCommand{Line: "frobnicate", CorrelationID: "c9"})
	select {
	case ack := <-acks:
		assert.False(t, ack.Success)
		assert.Equal(t, "c9", ack.CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("expected failure ack")
	}
}

func TestVolumeOutOfRangeRejected(t *testing.T) {
	_, b, cancel := startDispatcher(t, stubLister{})
	defer cancel()

	acks := make(chan Ack, 1)
	b.Subscribe(TopicAck, "test", func(e bus.Event) {
		acks <- e.Payload.(Ack)
	}, nil)

	b.Emit(TopicLine, LineCommand{Line: "volume 150"})
	select {
	case ack := <-acks:
		assert.False(t, ack.Success)
	case <-time.After(time.Second):
		t.Fatal("expected failure ack")
	}
}
