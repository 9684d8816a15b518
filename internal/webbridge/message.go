// Package webbridge exposes CantinaOS over a WebSocket + HTTP surface: an
// event feed mirroring the bus, a validated command-ingress protocol with
// per-command acks, and a small set of read-only HTTP endpoints.
package webbridge

import (
	"time"

	"github.com/goccy/go-json"
)

// inboundEnvelope is the shape of every message a dashboard client sends.
type inboundEnvelope struct {
	Type      string          `json:"type"`
	Verb      string          `json:"verb"`
	CommandID string          `json:"command_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Verb enumerates the command categories accepted from clients.
type Verb string

const (
	VerbVoice  Verb = "voice"
	VerbMusic  Verb = "music"
	VerbDJ     Verb = "dj"
	VerbSystem Verb = "system"
)

// outboundEvent mirrors one bus event to every connected client.
type outboundEvent struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

const outboundEventType = "event"

func newOutboundEvent(topic string, data any) outboundEvent {
	return outboundEvent{Type: outboundEventType, Topic: topic, Data: data, Timestamp: time.Now().UTC()}
}

// ack is the per-command acknowledgment sent back to the originating
// client. A failure ack carries ErrorCode/Errors; a success ack carries
// only Data, which may be nil.
type ack struct {
	Type      string   `json:"type"`
	CommandID string   `json:"command_id"`
	Success   bool     `json:"success"`
	ErrorCode string   `json:"error_code,omitempty"`
	Errors    []string `json:"errors,omitempty"`
	Data      any      `json:"data,omitempty"`
}

const ackType = "ack"

func ackSuccess(commandID string, data any) ack {
	return ack{Type: ackType, CommandID: commandID, Success: true, Data: data}
}

func ackFailure(commandID, code string, errs []string) ack {
	return ack{Type: ackType, CommandID: commandID, Success: false, ErrorCode: code, Errors: errs}
}
