package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 5 * time.Second
	maxFrameSize = 4 << 10
)

// Conn is one persistent connection. Frames are written by a single
// goroutine in the order they were enqueued.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	pingEvery time.Duration
	log       *zap.Logger
}

func newConn(id string, ws *websocket.Conn, queue int, pingEvery time.Duration, log *zap.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	ws.SetReadLimit(maxFrameSize)
	return &Conn{
		id:        id,
		ws:        ws,
		send:      make(chan []byte, queue),
		ctx:       ctx,
		cancel:    cancel,
		pingEvery: pingEvery,
		log:       log.With(zap.String("conn", id)),
	}
}

func (c *Conn) ID() string { return c.id }

// Enqueue never blocks. The send channel is never closed, so a racing
// Close only makes Enqueue report false.
func (c *Conn) Enqueue(frame []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops both pumps. The read pump's return then unregisters the
// connection.
func (c *Conn) Close() { c.cancel() }

// Done is closed once the connection is shutting down.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Conn) writePump() {
	defer func() { _ = c.ws.Close(websocket.StatusNormalClosure, "") }()

	var ping <-chan time.Time
	if c.pingEvery > 0 {
		t := time.NewTicker(c.pingEvery)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.cancel()
				return
			}
		case <-ping:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				c.cancel()
				return
			}
		}
	}
}

// readPump hands every text frame to handle until the peer goes away or
// the connection is closed.
func (c *Conn) readPump(handle func([]byte)) {
	defer c.cancel()
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if s := websocket.CloseStatus(err); s != websocket.StatusNormalClosure && s != websocket.StatusGoingAway &&
				!errors.Is(err, context.Canceled) {
				c.log.Debug("read ended", zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		handle(data)
	}
}
