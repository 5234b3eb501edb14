package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Transport delivers frames to one participant. Send must not block: when a
// frame cannot be queued it fails with ErrTransportFailure and the gateway
// drops the participant.
type Transport interface {
	Send(Envelope) error
	Close() error
}

const (
	writeWait      = 10 * time.Second
	closeWait      = time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 1 << 20
	defaultBacklog = 256
)

// WSTransport runs a participant over a gorilla websocket connection. Writes
// happen on WritePump only; Send just queues.
type WSTransport struct {
	conn      *websocket.Conn
	send      chan Envelope
	closed    chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

func NewWSTransport(conn *websocket.Conn, backlog int, logger zerolog.Logger) *WSTransport {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &WSTransport{
		conn:   conn,
		send:   make(chan Envelope, backlog),
		closed: make(chan struct{}),
		logger: logger,
	}
}

func (t *WSTransport) Send(env Envelope) error {
	select {
	case <-t.closed:
		return fmt.Errorf("%w: connection closed", ErrTransportFailure)
	default:
	}
	select {
	case t.send <- env:
		return nil
	default:
		return fmt.Errorf("%w: send backlog full", ErrTransportFailure)
	}
}

// Close marks the transport closed and returns at once. WritePump sends the
// close frame and releases the connection, so a peer that stopped reading
// never holds up the caller.
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// WritePump drains the send queue and keeps the connection alive with pings
// until the transport is closed or a write fails. It owns every write on the
// connection and closes it on return.
func (t *WSTransport) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = t.Close()
		_ = t.conn.Close()
	}()

	for {
		select {
		case <-t.closed:
			t.writeClose()
			return
		default:
		}

		select {
		case env := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteJSON(env); err != nil {
				t.logger.Debug().Err(err).Msg("write frame failed")
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-t.closed:
			t.writeClose()
			return
		}
	}
}

// writeClose sends a best-effort close frame.
func (t *WSTransport) writeClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
}

// ReadPump decodes inbound frames and hands them to deliver until the peer
// goes away. Frames that are not an envelope are skipped.
func (t *WSTransport) ReadPump(deliver func(Envelope)) error {
	t.conn.SetReadLimit(maxFrameSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("read frame: %w", err)
			}
			return nil
		}
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
			t.logger.Debug().Err(err).Msg("skipping frame that is not an event envelope")
			continue
		}
		deliver(env)
	}
}

var _ Transport = (*WSTransport)(nil)

func isTransportFailure(err error) bool {
	return errors.Is(err, ErrTransportFailure)
}
