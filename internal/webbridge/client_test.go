package webbridge

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/cantinaos/cantinaos/internal/schemas"
)

// dialBridge upgrades a real websocket connection against br's handler.
func dialBridge(t *testing.T, br *Bridge) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(br.handleWebSocket))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebSocketRoundTripDeliversAck(t *testing.T) {
	br, _, cancel := startBridge(t, &fakeLister{})
	defer cancel()

	conn := dialBridge(t, br)

	env := inboundEnvelope{
		Type:      "command",
		Verb:      string(VerbMusic),
		CommandID: "abc-123",
		Payload:   mustMarshal(t, schemas.MusicCommand{Action: schemas.MusicPlay, TrackName: "jazz"}),
	}
	require.NoError(t, conn.WriteJSON(env))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply ack
	for {
		require.NoError(t, conn.ReadJSON(&reply))
		if reply.Type == ackType {
			break
		}
	}

	require.Equal(t, "abc-123", reply.CommandID)
	require.True(t, reply.Success)
}

func TestWebSocketRoundTripRejectsMalformedCommand(t *testing.T) {
	br, _, cancel := startBridge(t, &fakeLister{})
	defer cancel()

	conn := dialBridge(t, br)

	env := inboundEnvelope{
		Type:      "command",
		Verb:      string(VerbMusic),
		CommandID: "bad-1",
		Payload:   json.RawMessage(`{"action":"not-a-verb"}`),
	}
	require.NoError(t, conn.WriteJSON(env))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply ack
	for {
		require.NoError(t, conn.ReadJSON(&reply))
		if reply.Type == ackType {
			break
		}
	}

	require.False(t, reply.Success)
	require.Equal(t, string(schemas.ErrValidation), reply.ErrorCode)
}

func TestWebSocketReceivesMirroredBusEvent(t *testing.T) {
	br, b, cancel := startBridge(t, &fakeLister{})
	defer cancel()

	conn := dialBridge(t, br)

	require.Eventually(t, func() bool { return br.hub.ClientCount() == 1 }, time.Second, time.Millisecond)
	b.Emit(schemas.TopicSystemError, schemas.SystemErrorPayload{Message: "boom"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt struct {
		Type  string                     `json:"type"`
		Topic string                     `json:"topic"`
		Data  schemas.SystemErrorPayload `json:"data"`
	}
	for {
		require.NoError(t, conn.ReadJSON(&evt))
		if evt.Type == outboundEventType {
			break
		}
	}

	require.Equal(t, schemas.TopicSystemError, evt.Topic)
	require.Equal(t, "boom", evt.Data.Message)
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
