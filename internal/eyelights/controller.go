// Package eyelights drives the animatronic's LED matrix over a serial
// link: single-byte pattern commands, request coalescing, response
// timeouts, and reconnect with exponential backoff.
package eyelights

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cantinaos/cantinaos/internal/bus"
	"github.com/cantinaos/cantinaos/internal/schemas"
	"github.com/cantinaos/cantinaos/internal/service"
)

// ServiceName is this component's registered name.
const ServiceName = "eyelights_controller"

// ackOK and ackErr are the microcontroller's line-terminated replies.
const (
	ackOK  = '+'
	ackErr = '-'
)

// SerialPort is the minimal surface the controller needs from a serial
// connection. A real implementation wraps a library like go.bug.st/serial;
// tests use a fake.
type SerialPort interface {
	io.Reader
	io.Writer
	Close() error
}

// Dialer opens (or reopens) the serial connection.
type Dialer func() (SerialPort, error)

// Config tunes coalescing, timeout, and backoff behavior.
type Config struct {
	CoalesceWindow         time.Duration
	ResponseTimeout        time.Duration
	MaxConsecutiveTimeouts int
	InitialBackoff         time.Duration
	MaxBackoff             time.Duration
}

// Controller is a BaseService. Construct with New.
type Controller struct {
	*service.BaseService
	cfg    Config
	dialer Dialer

	mu              sync.Mutex
	port            SerialPort
	reader          *bufio.Reader
	pendingByte     byte
	pendingSet      bool
	coalesceTimer   *time.Timer
	consecutiveMiss int
}

// New constructs a Controller wired to b, dialing its serial port via dial.
func New(b *bus.Bus, logger zerolog.Logger, cfg Config, dial Dialer) *Controller {
	c := &Controller{cfg: cfg, dialer: dial}
	c.BaseService = service.New(ServiceName, b, logger, service.RunnerFunc(c.run))
	return c
}

func (c *Controller) run(ctx context.Context) error {
	if err := c.connect(); err != nil {
		c.EmitError(err.Error(), schemas.SeverityWarning)
		go c.reconnectLoop(ctx)
	}

	c.Subscribe(schemas.TopicModeChange, func(e bus.Event) {
		p, ok := e.Payload.(schemas.ModeChangePayload)
		if !ok {
			return
		}
		c.handleModeChange(p.New)
	})
	c.Subscribe(schemas.TopicListeningStarted, func(bus.Event) { c.queueByte(byte(schemas.LEDListening)) })
	c.Subscribe(schemas.TopicListeningStopped, func(bus.Event) { c.queueByte(byte(schemas.LEDThinking)) })
	c.Subscribe(schemas.TopicSpeechStarted, func(bus.Event) { c.queueByte(byte(schemas.LEDSpeaking)) })
	c.Subscribe(schemas.TopicSpeechEnded, func(bus.Event) { c.queueByte(byte(schemas.LEDEngaged)) })
	c.Subscribe(schemas.TopicLEDsCommand, func(e bus.Event) {
		cmd, ok := e.Payload.(schemas.LEDCommand)
		if !ok {
			return
		}
		c.handleCommand(cmd)
	})

	<-ctx.Done()
	c.mu.Lock()
	if c.port != nil {
		_ = c.port.Close()
	}
	c.mu.Unlock()
	return nil
}

func (c *Controller) handleModeChange(mode schemas.Mode) {
	switch mode {
	case schemas.ModeIdle, schemas.ModeAmbient:
		c.queueByte(byte(schemas.LEDIdle))
	case schemas.ModeInteractive:
		c.queueByte(byte(schemas.LEDEngaged))
	}
}

func (c *Controller) handleCommand(cmd schemas.LEDCommand) {
	switch {
	case cmd.Reset:
		c.queueByte(byte(schemas.LEDReset))
	case cmd.Pattern != nil:
		c.queueByte(byte(*cmd.Pattern))
	case cmd.Brightness != nil:
		level := *cmd.Brightness
		if level < 0 {
			level = 0
		}
		if level > 9 {
			level = 9
		}
		c.queueByte('0' + byte(level))
	}
}

// queueByte coalesces rapid requests: if multiple arrive within
// CoalesceWindow, only the most recently queued byte is transmitted.
func (c *Controller) queueByte(b byte) {
	c.mu.Lock()
	c.pendingByte = b
	c.pendingSet = true
	if c.coalesceTimer != nil {
		c.coalesceTimer.Stop()
	}
	c.coalesceTimer = time.AfterFunc(c.cfg.CoalesceWindow, c.flushPending)
	c.mu.Unlock()
}

func (c *Controller) flushPending() {
	c.mu.Lock()
	if !c.pendingSet {
		c.mu.Unlock()
		return
	}
	b := c.pendingByte
	c.pendingSet = false
	port := c.port
	c.mu.Unlock()

	if port == nil {
		return
	}
	c.transmit(b)
}

// transmit writes one byte and waits up to ResponseTimeout for a +/- reply.
// A missed reply is logged once and counted toward the consecutive-timeout
// threshold that triggers reconnect.
func (c *Controller) transmit(b byte) {
	c.mu.Lock()
	port, reader := c.port, c.reader
	c.mu.Unlock()
	if port == nil {
		return
	}

	if _, err := port.Write([]byte{b}); err != nil {
		c.onTransportError(err)
		return
	}

	replyCh := make(chan error, 1)
	go func() {
		line, err := reader.ReadString('\n')
		if err != nil {
			replyCh <- err
			return
		}
		if len(line) == 0 || (line[0] != ackOK && line[0] != ackErr) {
			replyCh <- errors.New("eyelights: malformed reply")
			return
		}
		replyCh <- nil
	}()

	select {
	case err := <-replyCh:
		c.mu.Lock()
		c.consecutiveMiss = 0
		c.mu.Unlock()
		if err != nil {
			c.Logger().Warn().Err(err).Msg("eyelights: reply error")
		}
	case <-time.After(c.cfg.ResponseTimeout):
		c.Logger().Warn().Msg("eyelights: no response within timeout")
		c.mu.Lock()
		c.consecutiveMiss++
		miss := c.consecutiveMiss
		c.mu.Unlock()
		if miss >= c.cfg.MaxConsecutiveTimeouts {
			c.onTransportError(errors.New("eyelights: consecutive response timeouts"))
		}
	}
}

func (c *Controller) onTransportError(err error) {
	c.mu.Lock()
	if c.port != nil {
		_ = c.port.Close()
		c.port = nil
		c.reader = nil
	}
	c.consecutiveMiss = 0
	c.mu.Unlock()

	c.EmitError(err.Error(), schemas.SeverityWarning)
	go c.reconnectLoop(context.Background())
}

// reconnectLoop retries the dial with exponential backoff capped at
// MaxBackoff, replaying the last-sent pattern once reconnected.
func (c *Controller) reconnectLoop(ctx context.Context) {
	backoff := c.cfg.InitialBackoff
	var lastByte byte
	var hadLast bool

	c.mu.Lock()
	// pendingByte keeps its value after a flush, so it holds the last-sent
	// byte (or a newer one not yet sent); zero means nothing was queued yet.
	if c.pendingSet || c.pendingByte != 0 {
		lastByte, hadLast = c.pendingByte, true
	}
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := c.connect(); err == nil {
			if hadLast {
				c.transmit(lastByte)
			}
			return
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func (c *Controller) connect() error {
	port, err := c.dialer()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.port = port
	c.reader = bufio.NewReader(port)
	c.consecutiveMiss = 0
	c.mu.Unlock()
	return nil
}
