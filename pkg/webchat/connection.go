package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parlor/pkg/presence"
)

var (
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrConnectionClosed = errors.New("connection closed")
)

// wsWriter is the part of *websocket.Conn the write pump needs.
type wsWriter interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is the presence.Sink for one websocket. Frames are queued on a
// bounded buffer and written by a single pump goroutine, so Send never blocks
// the caller. A full buffer closes the connection.
type Connection struct {
	id     presence.ConnID
	userID string
	ws     wsWriter

	send         chan []byte
	writeTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

var _ presence.Sink = &Connection{}

func newConnection(id presence.ConnID, userID string, ws wsWriter, sendBuffer int, writeTimeout time.Duration) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = 1
	}
	return &Connection{
		id:           id,
		userID:       userID,
		ws:           ws,
		send:         make(chan []byte, sendBuffer),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *Connection) ID() presence.ConnID { return c.id }

func (c *Connection) UserID() string { return c.userID }

func (c *Connection) Send(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		log.Warn().Str("component", "webchat").Str("conn_id", string(c.id)).Str("user_id", c.userID).Msg("ws send buffer full, dropping connection")
		_ = c.Close()
		return ErrSendBufferFull
	}
}

// Close stops the pump and closes the socket, which also ends the read loop.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if c.writeTimeout > 0 {
				_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Str("component", "webchat").Str("conn_id", string(c.id)).Msg("ws write failed, dropping connection")
				_ = c.Close()
				return
			}
		}
	}
}
