package webbridge

import (
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// clientIDCounter hands out monotonically increasing client IDs so the hub
// can fan out in a deterministic order instead of map iteration order.
var clientIDCounter atomic.Uint64

// commandDispatcher handles one parsed inbound command and returns its ack.
type commandDispatcher interface {
	dispatch(verb Verb, commandID string, payload json.RawMessage) ack
}

// Client is a single dashboard WebSocket connection. conn is written to
// exclusively by writePump; readPump and the hub hand it outbound traffic
// through channels rather than writing directly.
type Client struct {
	id         uint64
	hub        *Hub
	conn       *websocket.Conn
	dispatcher commandDispatcher
	logger     zerolog.Logger
	send       chan outboundEvent
	acks       chan ack
}

// NewClient wraps conn, routing inbound commands to dispatcher and outbound
// events through a send queue bounded at the hub's configured depth. Acks
// are per-command and get their own small, separately-drained queue so a
// saturated event feed never delays a command's reply.
func NewClient(hub *Hub, conn *websocket.Conn, dispatcher commandDispatcher, logger zerolog.Logger) *Client {
	return &Client{
		id:         clientIDCounter.Add(1),
		hub:        hub,
		conn:       conn,
		dispatcher: dispatcher,
		logger:     logger,
		send:       make(chan outboundEvent, hub.clientQueueDepth),
		acks:       make(chan ack, 16),
	}
}

// Start begins the read and write pumps and registers the client with its
// hub. Callers must not use conn directly again afterward.
func (c *Client) Start() {
	c.hub.register <- c
	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("webbridge: failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env inboundEnvelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("webbridge: unexpected close")
			}
			return
		}
		if env.Type != "command" {
			continue
		}
		reply := c.dispatcher.dispatch(Verb(env.Verb), env.CommandID, env.Payload)
		select {
		case c.acks <- reply:
		default:
			c.logger.Warn().Str("command_id", env.CommandID).Msg("webbridge: ack queue full, dropping ack")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("webbridge: failed to set write deadline")
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(evt); err != nil {
				c.logger.Error().Err(err).Msg("webbridge: failed to write event")
				return
			}
		case a := <-c.acks:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("webbridge: failed to set write deadline")
				return
			}
			if err := c.conn.WriteJSON(a); err != nil {
				c.logger.Error().Err(err).Msg("webbridge: failed to write ack")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
