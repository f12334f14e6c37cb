// Package transport carries sync frames over a websocket. It is used on both
// ends: the server wraps each upgraded connection and the agent wraps its
// dialed connection.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"docsync/internal/repo"
)

var (
	ErrSlowPeer = errors.New("peer send buffer full")
	ErrClosed   = errors.New("connection closed")
)

type Settings struct {
	WriteTimeout time.Duration
	// PongWait is how long the peer may stay silent, pongs included.
	PongWait       time.Duration
	PingPeriod     time.Duration
	SendBuffer     int
	MaxMessageSize int64
}

func DefaultSettings() *Settings {
	return &Settings{
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 16 * 1024 * 1024,
	}
}

// Handler receives the frames read from a connection.
type Handler interface {
	HandleMessage(ctx context.Context, peerID string, msg *repo.Message)
	RemovePeer(peerID string)
}

// Conn is a repo.Peer on a websocket. Frames are written by a single writer
// goroutine fed from a bounded queue; a peer that falls behind is
// disconnected.
type Conn struct {
	id       string
	ws       *websocket.Conn
	settings *Settings
	send     chan *repo.Message

	closeOnce sync.Once
	done      chan struct{}
}

func NewConn(id string, ws *websocket.Conn, settings *Settings) *Conn {
	if settings == nil {
		settings = DefaultSettings()
	}
	return &Conn{
		id:       id,
		ws:       ws,
		settings: settings,
		send:     make(chan *repo.Message, settings.SendBuffer),
		done:     make(chan struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Send queues msg without blocking.
func (c *Conn) Send(msg *repo.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		glog.Infof("[conn]%s send buffer full, disconnecting\n", c.id)
		c.Close()
		return ErrSlowPeer
	}
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Run pumps frames until the connection ends, then unregisters the peer.
// Frames are handled with ctx, which should outlive the connection so that
// work started for the peer completes.
func (c *Conn) Run(ctx context.Context, h Handler) {
	go c.writePump()
	c.readPump(ctx, h)
	h.RemovePeer(c.id)
	c.Close()
}

func (c *Conn) readPump(ctx context.Context, h Handler) {
	defer c.ws.Close()

	c.ws.SetReadLimit(c.settings.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.settings.PongWait))
		return nil
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Infof("[conn]%s read error = %s\n", c.id, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.settings.PongWait))

		msg, err := repo.DecodeMessage(data)
		if err != nil {
			glog.V(1).Infof("[conn]%s bad frame = %s\n", c.id, err)
			continue
		}
		glog.V(2).Infof("[conn]%s <- %s %s\n", c.id, msg.Type, msg.DocumentID)
		h.HandleMessage(ctx, c.id, msg)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.settings.PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			data, err := repo.EncodeMessage(msg)
			if err != nil {
				glog.Warningf("[conn]%s encode error = %s\n", c.id, err)
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				glog.V(1).Infof("[conn]%s write error = %s\n", c.id, err)
				return
			}
			glog.V(2).Infof("[conn]%s -> %s %s\n", c.id, msg.Type, msg.DocumentID)
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.settings.WriteTimeout),
			)
			return
		}
	}
}
