package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/matheus3301/cnectd/internal/auth"
	"github.com/matheus3301/cnectd/internal/bus"
	"github.com/matheus3301/cnectd/internal/errs"
	"github.com/matheus3301/cnectd/internal/metrics"
	"github.com/matheus3301/cnectd/internal/store"
	"github.com/matheus3301/cnectd/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options tunes the persistent connection endpoint.
type Options struct {
	SendQueue      int
	PingInterval   time.Duration
	TypingRate     rate.Limit // typing signals per second per connection
	TypingBurst    int
	OriginPatterns []string
}

func (o Options) withDefaults() Options {
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	if o.TypingRate <= 0 {
		o.TypingRate = 5
	}
	if o.TypingBurst <= 0 {
		o.TypingBurst = 5
	}
	return o
}

// Handler upgrades authenticated requests to persistent connections.
type Handler struct {
	reg     *Registry
	router  *Router
	bus     *bus.Bus
	opts    Options
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewHandler(reg *Registry, router *Router, b *bus.Bus, opts Options, m *metrics.Metrics, log *zap.Logger) *Handler {
	return &Handler{
		reg:     reg,
		router:  router,
		bus:     b,
		opts:    opts.withDefaults(),
		metrics: m,
		log:     log,
	}
}

// ServeHTTP verifies the bearer token before upgrading, so a rejected
// client gets a plain 401/410 response and never joins a room.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u, err := h.reg.Authenticate(r.Context(), auth.BearerToken(r))
	if err != nil {
		h.metrics.AuthFailed(string(errs.CodeOf(err)))
		writeError(w, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.log.Warn("websocket accept failed", zap.Error(err))
		return
	}

	c := newConn(uuid.NewString(), ws, h.opts.SendQueue, h.opts.PingInterval, h.log)
	if err := h.reg.Register(r.Context(), c, u); err != nil {
		h.log.Error("register connection", zap.String("user", u.ID), zap.Error(err))
		_ = ws.Close(websocket.StatusTryAgainLater, errs.Message(err))
		return
	}
	defer h.reg.OnDisconnect(c)

	go c.writePump()
	limiter := rate.NewLimiter(h.opts.TypingRate, h.opts.TypingBurst)
	c.readPump(func(frame []byte) {
		h.handleFrame(c, u, limiter, frame)
	})
}

func (h *Handler) handleFrame(c *Conn, u *store.User, limiter *rate.Limiter, frame []byte) {
	sig, err := wire.DecodeSignal(frame)
	if err != nil {
		h.log.Debug("ignoring client frame", zap.String("conn", c.ID()), zap.Error(err))
		return
	}
	if !h.router.InRoom(c.ID(), RoomFor(sig.ConversationID)) {
		h.log.Debug("typing outside joined rooms",
			zap.String("conn", c.ID()),
			zap.String("conversation", sig.ConversationID))
		return
	}
	// Only starts are throttled; stops always go through.
	if sig.IsTyping && !limiter.Allow() {
		return
	}

	h.bus.Publish(bus.Event{
		Kind: bus.KindTyping,
		Payload: wire.Routed{
			ConversationID: sig.ConversationID,
			Event: wire.Typing{
				ConversationID: sig.ConversationID,
				UserID:         u.ID,
				DisplayName:    u.DisplayName,
				IsTyping:       sig.IsTyping,
			},
			Exclude: []string{c.ID()},
		},
	})
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(wire.ErrorResponse{Error: errs.Message(err), Code: errs.CodeOf(err)})
}
