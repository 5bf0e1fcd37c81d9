package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/matheus3301/cnectd/internal/errs"
	"github.com/matheus3301/cnectd/internal/status"
	"github.com/matheus3301/cnectd/internal/wire"
	"go.uber.org/zap"
)

const dialTimeout = 10 * time.Second

// Handler receives what arrives on the persistent connection.
type Handler interface {
	// Connected runs after every successful connect, before any event of
	// that connection is delivered.
	Connected(ctx context.Context)
	Event(evt wire.Event)
}

// LinkOptions bounds the reconnect backoff.
type LinkOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o LinkOptions) withDefaults() LinkOptions {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

// Link keeps one persistent connection up. Every reconnect
// re-authenticates and the server rejoins the rooms from scratch; events
// missed while down are not replayed.
type Link struct {
	url   string
	token string
	opts  LinkOptions
	state *status.Machine
	log   *zap.Logger

	mu sync.Mutex
	ws *websocket.Conn
}

func NewLink(wsURL, token string, state *status.Machine, opts LinkOptions, log *zap.Logger) *Link {
	if state == nil {
		state = status.NewMachine(nil)
	}
	return &Link{url: wsURL, token: token, opts: opts.withDefaults(), state: state, log: log}
}

// WSURL derives the persistent connection endpoint from a REST base URL.
func WSURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func (l *Link) State() status.State { return l.state.Current() }

// Run connects and reconnects until ctx is done, which returns nil, or
// the server rejects the credential, which returns the auth error.
func (l *Link) Run(ctx context.Context, h Handler) error {
	if l.state.Terminal() {
		return errors.New("link already closed")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.opts.InitialBackoff
	bo.MaxInterval = l.opts.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		l.transition(status.Connecting)
		ws, err := l.dial(ctx)
		if err == nil {
			bo.Reset()
			l.setConn(ws)
			l.transition(status.Connected)
			l.log.Info("link connected", zap.String("url", l.url))
			err = l.serve(ctx, ws, h)
		}
		if ctx.Err() != nil {
			l.transition(status.Closed)
			return nil
		}
		if errs.IsAuth(err) {
			l.log.Error("credential rejected", zap.Error(err))
			l.transition(status.AuthFailed)
			return err
		}

		wait := bo.NextBackOff()
		l.log.Warn("link down", zap.Error(err), zap.Duration("retry_in", wait))
		l.transition(status.Reconnecting)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			l.transition(status.Closed)
			return nil
		case <-t.C:
		}
	}
}

// SendTyping writes one typing signal on the live connection.
func (l *Link) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	frame, err := wire.EncodeSignal(wire.TypingSignal{ConversationID: conversationID, IsTyping: isTyping})
	if err != nil {
		return err
	}
	l.mu.Lock()
	ws := l.ws
	l.mu.Unlock()
	if ws == nil {
		return errs.ErrNotConnected
	}
	if err := ws.Write(ctx, websocket.MessageText, frame); err != nil {
		return errs.Unavailable("send typing", err)
	}
	return nil
}

func (l *Link) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	ws, resp, err := websocket.Dial(ctx, l.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + l.token}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, decodeError(resp)
		}
		return nil, errs.Unavailable("dial", err)
	}
	return ws, nil
}

func (l *Link) setConn(ws *websocket.Conn) {
	l.mu.Lock()
	l.ws = ws
	l.mu.Unlock()
}

// serve delivers events from ws until it fails. ws must already be set as
// the live connection.
func (l *Link) serve(ctx context.Context, ws *websocket.Conn, h Handler) error {
	defer func() {
		l.setConn(nil)
		_ = ws.CloseNow()
	}()

	h.Connected(ctx)
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return errs.Unavailable("connection lost", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		evt, err := wire.Decode(data)
		if err != nil {
			l.log.Debug("ignoring server frame", zap.Error(err))
			continue
		}
		h.Event(evt)
	}
}

func (l *Link) transition(to status.State) {
	if l.state.Current() == to {
		return
	}
	if err := l.state.Transition(to); err != nil {
		l.log.Debug("link state", zap.Error(err))
	}
}
