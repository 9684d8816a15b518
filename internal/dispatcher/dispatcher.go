// Package dispatcher parses CantinaOS's CLI/web compound verb surface
// and emits canonical command events.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cantinaos/cantinaos/internal/bus"
	"github.com/cantinaos/cantinaos/internal/schemas"
	"github.com/cantinaos/cantinaos/internal/service"
)

// ServiceName is this component's registered name.
const ServiceName = "dispatcher"

// TopicLine is where raw CLI/web command lines are published for the
// dispatcher to parse.
const TopicLine = "/dispatcher/line"

// TopicAck is where the dispatcher reports command acceptance/rejection
// back to its originator, keyed by CorrelationID.
const TopicAck = "/dispatcher/ack"

// LineCommand is the payload of TopicLine: a raw command line plus its
// origin.
type LineCommand struct {
	Line          string
	Source        schemas.CommandSource
	CorrelationID string
}

// Ack is the payload of TopicAck.
type Ack struct {
	CorrelationID string
	Success       bool
	Error         string
}

// TrackLister is queried to resolve numeric indices and substring track
// references against the current library listing.
type TrackLister interface {
	Tracks() []schemas.Track
}

// Dispatcher is a BaseService. Construct with New.
type Dispatcher struct {
	*service.BaseService
	lister TrackLister
}

// New constructs a Dispatcher wired to b, resolving track references
// through lister.
func New(b *bus.Bus, logger zerolog.Logger, lister TrackLister) *Dispatcher {
	d := &Dispatcher{lister: lister}
	d.BaseService = service.New(ServiceName, b, logger, service.RunnerFunc(d.run))
	return d
}

func (d *Dispatcher) run(ctx context.Context) error {
	d.Subscribe(TopicLine, func(e bus.Event) {
		cmd, ok := e.Payload.(LineCommand)
		if !ok {
			return
		}
		d.dispatch(cmd)
	})
	<-ctx.Done()
	return nil
}

func (d *Dispatcher) dispatch(cmd LineCommand) {
	line := strings.TrimSpace(cmd.Line)
	if line == "" {
		d.reject(cmd, "empty command")
		return
	}
	fields := strings.Fields(line)
	verb := strings.ToLower(fields[0])

	switch verb {
	case "engage":
		d.emitCommand(schemas.TopicSetModeRequest, schemas.SetModeRequestPayload{Target: schemas.ModeInteractive}, cmd)
	case "disengage":
		d.emitCommand(schemas.TopicSetModeRequest, schemas.SetModeRequestPayload{Target: schemas.ModeIdle}, cmd)
	case "quit":
		d.emitCommand(schemas.TopicShutdownRequest, nil, cmd)
	case "dj":
		d.dispatchDJ(fields, cmd)
	case "list":
		d.dispatchList(fields, cmd)
	case "stop":
		d.dispatchStop(fields, cmd)
	case "play":
		d.dispatchPlay(fields, cmd)
	case "volume":
		d.dispatchVolume(fields, cmd)
	default:
		d.reject(cmd, fmt.Sprintf("unknown command: %s", verb))
	}
}

func (d *Dispatcher) dispatchDJ(fields []string, cmd LineCommand) {
	if len(fields) < 2 {
		d.reject(cmd, "dj requires a sub-verb: start|stop|next")
		return
	}
	switch strings.ToLower(fields[1]) {
	case "start":
		d.emitCommand(schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJStart, AutoTransition: true}, cmd)
	case "stop":
		d.emitCommand(schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJStop}, cmd)
	case "next":
		d.emitCommand(schemas.TopicDJCommand, schemas.DJCommand{Action: schemas.DJNext}, cmd)
	default:
		d.reject(cmd, "unknown dj sub-verb: "+fields[1])
	}
}

func (d *Dispatcher) dispatchList(fields []string, cmd LineCommand) {
	if len(fields) < 2 || strings.ToLower(fields[1]) != "music" {
		d.reject(cmd, "unknown list target")
		return
	}
	d.emitCommand(schemas.TopicServiceStatusReq, nil, cmd) // surfaces library via status; dashboard/CLI reads cached library topic
}

func (d *Dispatcher) dispatchStop(fields []string, cmd LineCommand) {
	if len(fields) < 2 || strings.ToLower(fields[1]) != "music" {
		d.reject(cmd, "unknown stop target")
		return
	}
	d.emitCommand(schemas.TopicMusicCommand, schemas.MusicCommand{Action: schemas.MusicStop}, cmd)
}

func (d *Dispatcher) dispatchPlay(fields []string, cmd LineCommand) {
	if len(fields) < 3 || strings.ToLower(fields[1]) != "music" {
		d.reject(cmd, "usage: play music <n|token>")
		return
	}
	ref := strings.Join(fields[2:], " ")
	track, err := d.resolveTrack(ref)
	if err != nil {
		d.reject(cmd, err.Error())
		return
	}
	d.emitCommand(schemas.TopicMusicCommand, schemas.MusicCommand{Action: schemas.MusicPlay, TrackID: track.TrackID, TrackName: track.Title}, cmd)
}

func (d *Dispatcher) dispatchVolume(fields []string, cmd LineCommand) {
	if len(fields) < 2 {
		d.reject(cmd, "usage: volume <0..100>")
		return
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 0 || n > 100 {
		d.reject(cmd, "volume must be an integer 0..100")
		return
	}
	level := float64(n) / 100.0
	d.emitCommand(schemas.TopicMusicCommand, schemas.MusicCommand{Action: schemas.MusicVolume, VolumeLevel: &level}, cmd)
}

// resolveTrack implements reference resolution: numeric tokens
// are 1-based indices; non-numeric tokens match case-insensitive substring
// against title, picking the lexicographically-first match on ambiguity.
func (d *Dispatcher) resolveTrack(ref string) (schemas.Track, error) {
	tracks := d.lister.Tracks()
	if len(tracks) == 0 {
		return schemas.Track{}, fmt.Errorf("library is empty")
	}

	if idx, err := strconv.Atoi(ref); err == nil {
		if idx < 1 || idx > len(tracks) {
			return schemas.Track{}, fmt.Errorf("track index %d out of range", idx)
		}
		return tracks[idx-1], nil
	}

	needle := strings.ToLower(ref)
	var matches []schemas.Track
	for _, t := range tracks {
		if strings.Contains(strings.ToLower(t.Title), needle) {
			matches = append(matches, t)
		}
	}
	if len(matches) == 0 {
		return schemas.Track{}, fmt.Errorf("no track matching %q", ref)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Title < matches[j].Title })
	return matches[0], nil
}

func (d *Dispatcher) emitCommand(topic string, payload any, cmd LineCommand) {
	d.Bus().Emit(topic, payload)
	d.Bus().Emit(TopicAck, Ack{CorrelationID: cmd.CorrelationID, Success: true})
}

func (d *Dispatcher) reject(cmd LineCommand, reason string) {
	d.Bus().Emit(schemas.TopicSystemError, schemas.SystemErrorPayload{
		Source: ServiceName, Message: reason, Severity: schemas.SeverityWarning,
	})
	d.Bus().Emit(TopicAck, Ack{CorrelationID: cmd.CorrelationID, Success: false, Error: reason})
}
