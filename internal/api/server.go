// Package api exposes the REST boundary of cnectd and mounts the
// persistent connection endpoint next to it.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/matheus3301/cnectd/internal/auth"
	"github.com/matheus3301/cnectd/internal/delivery"
	"github.com/matheus3301/cnectd/internal/errs"
	"github.com/matheus3301/cnectd/internal/metrics"
	"github.com/matheus3301/cnectd/internal/store"
	"github.com/matheus3301/cnectd/internal/wire"
	"go.uber.org/zap"
)

const maxBodySize = 64 << 10

// Verifier resolves a bearer token to a live account.
type Verifier interface {
	Verify(token string) (*store.User, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server holds the dependencies of the REST handlers.
type Server struct {
	svc      *delivery.Service
	verifier Verifier
	db       Pinger
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewServer(svc *delivery.Service, v Verifier, db Pinger, m *metrics.Metrics, log *zap.Logger) *Server {
	return &Server{svc: svc, verifier: v, db: db, metrics: m, log: log}
}

// Router builds the route table. ws serves /ws and authenticates on its
// own, before upgrading.
func (s *Server) Router(ws http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	if ws != nil {
		r.Handle("/ws", ws).Methods(http.MethodGet)
	}

	authed := r.NewRoute().Subrouter()
	authed.Use(s.authenticate)

	// /messages/{conversationId}
	authed.HandleFunc("/messages/{conversationId}", s.createMessage).Methods(http.MethodPost)
	authed.HandleFunc("/messages/{conversationId}", s.listMessages).Methods(http.MethodGet)

	// /receipts
	authed.HandleFunc("/receipts/delivered", s.markDelivered).Methods(http.MethodPost)
	authed.HandleFunc("/receipts/seen", s.markSeen).Methods(http.MethodPost)

	// /conversations
	authed.HandleFunc("/conversations/dm", s.startDM).Methods(http.MethodPost)
	authed.HandleFunc("/conversations/group", s.createGroup).Methods(http.MethodPost)
	authed.HandleFunc("/conversations/mine", s.listConversations).Methods(http.MethodGet)

	return r
}

type userKey struct{}

// UserFrom returns the account authenticated for the request.
func UserFrom(ctx context.Context) *store.User {
	u, _ := ctx.Value(userKey{}).(*store.User)
	return u
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := s.verifier.Verify(auth.BearerToken(r))
		if err != nil {
			s.metrics.AuthFailed(string(errs.CodeOf(err)))
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, u)))
	})
}

// --- Handlers for /messages ---

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	var req wire.SendMessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	m, err := s.svc.CreateMessage(r.Context(), UserFrom(r.Context()).ID, mux.Vars(r)["conversationId"], req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.MessageResponse{Message: delivery.ToWire(m)})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var cursor *int64
	if raw := q.Get("cursor"); raw != "" {
		c, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, errs.ErrInvalidCursor)
			return
		}
		cursor = &c
	}
	// An unparseable limit falls back to the default page size.
	limit, _ := strconv.Atoi(q.Get("limit"))

	page, err := s.svc.ListMessages(r.Context(), UserFrom(r.Context()).ID, mux.Vars(r)["conversationId"], cursor, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// --- Handlers for /receipts ---

func (s *Server) markDelivered(w http.ResponseWriter, r *http.Request) {
	var req wire.DeliveredRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.MarkDelivered(r.Context(), UserFrom(r.Context()).ID, req.MessageID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.OKResponse{OK: true})
}

func (s *Server) markSeen(w http.ResponseWriter, r *http.Request) {
	var req wire.SeenRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.MarkSeen(r.Context(), UserFrom(r.Context()).ID, req.ConversationID, req.MessageID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.OKResponse{OK: true})
}

// --- Handlers for /conversations ---

func (s *Server) startDM(w http.ResponseWriter, r *http.Request) {
	var req wire.StartDMRequest
	if !s.decode(w, r, &req) {
		return
	}
	conv, err := s.svc.StartDM(r.Context(), UserFrom(r.Context()).ID, req.OtherUserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.ConversationResponse{Conversation: delivery.ConversationToWire(conv)})
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req wire.CreateGroupRequest
	if !s.decode(w, r, &req) {
		return
	}
	conv, err := s.svc.CreateGroup(r.Context(), UserFrom(r.Context()).ID, req.Name, req.MemberIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.ConversationResponse{Conversation: delivery.ConversationToWire(conv)})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.svc.ListConversations(r.Context(), UserFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := wire.ConversationsResponse{Conversations: make([]wire.Conversation, 0, len(convs))}
	for i := range convs {
		out.Conversations = append(out.Conversations, delivery.ConversationToWire(&convs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			s.writeError(w, r, errs.Unavailable("store unreachable", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, wire.OKResponse{OK: true})
}

// decode reads a JSON body into v, answering 400 itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, errs.InvalidArg("invalid json"))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, wire.ErrorResponse{Error: errs.Message(err), Code: errs.CodeOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
