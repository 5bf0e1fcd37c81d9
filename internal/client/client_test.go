package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/cnectd/internal/errs"
	"github.com/matheus3301/cnectd/internal/reconcile"
	"github.com/matheus3301/cnectd/internal/status"
	"github.com/matheus3301/cnectd/internal/wire"
	"go.uber.org/zap"
)

// fakeServer answers REST calls from canned handlers and records every
// request it saw.
type fakeServer struct {
	mu       sync.Mutex
	requests []string
	routes   map[string]http.HandlerFunc
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	f := &fakeServer{routes: make(map[string]http.HandlerFunc)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		key := r.Method + " " + r.URL.Path
		f.mu.Lock()
		f.requests = append(f.requests, key+" "+strings.TrimSpace(string(body)))
		h := f.routes[key]
		f.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if h == nil {
			writeJSON(w, http.StatusOK, wire.OKResponse{OK: true})
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) handle(key string, h http.HandlerFunc) {
	f.mu.Lock()
	f.routes[key] = h
	f.mu.Unlock()
}

func (f *fakeServer) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestAPIErrors(t *testing.T) {
	f, srv := newFakeServer(t)
	f.handle("POST /messages/c1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusForbidden, wire.ErrorResponse{Error: "not a member", Code: errs.CodePermissionDenied})
	})
	f.handle("GET /conversations/mine", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})
	api := NewAPI(srv.URL, "tok", nil)
	ctx := context.Background()

	_, err := api.SendMessage(ctx, "c1", "hi")
	if errs.CodeOf(err) != errs.CodePermissionDenied || errs.Message(err) != "not a member" {
		t.Errorf("SendMessage err = %v", err)
	}

	_, err = api.ListConversations(ctx)
	if !errs.IsRetryable(err) {
		t.Errorf("5xx without a body should be retryable, got %v", err)
	}

	if err := NewAPI(srv.URL, "bad", nil).MarkDelivered(ctx, "m1"); !errs.IsAuth(err) {
		t.Errorf("bad token err = %v", err)
	}

	srv.Close()
	if err := api.MarkDelivered(ctx, "m1"); !errs.IsRetryable(err) {
		t.Errorf("transport failure should be retryable, got %v", err)
	}
}

func TestListMessagesQuery(t *testing.T) {
	f, srv := newFakeServer(t)
	var query string
	f.handle("GET /messages/c1", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		writeJSON(w, http.StatusOK, wire.Page{Messages: []wire.Message{{ID: "m1"}}})
	})
	api := NewAPI(srv.URL+"/", "tok", nil)

	cur := int64(1234)
	page, err := api.ListMessages(context.Background(), "c1", &cur, 20)
	if err != nil {
		t.Fatal(err)
	}
	if query != "cursor=1234&limit=20" {
		t.Errorf("query = %q", query)
	}
	if len(page.Messages) != 1 || page.NextCursor != nil {
		t.Errorf("page = %+v", page)
	}
}

type nopTyper struct{}

func (nopTyper) SendTyping(context.Context, string, bool) error { return nil }

func openSession(t *testing.T, f *fakeServer, srv *httptest.Server, conv wire.Conversation, latest []wire.Message) (*Session, *reconcile.Thread) {
	t.Helper()
	f.handle("GET /messages/"+conv.ID, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, wire.Page{Messages: latest})
	})
	s := NewSession(NewAPI(srv.URL, "tok", nil), nopTyper{}, "alice", time.Hour, zap.NewNop())
	th, err := s.Open(context.Background(), conv)
	if err != nil {
		t.Fatal(err)
	}
	return s, th
}

func TestSessionSendFailureRestoresDraft(t *testing.T) {
	f, srv := newFakeServer(t)
	s, th := openSession(t, f, srv, wire.Conversation{ID: "c1", Members: []string{"alice", "bob"}}, nil)
	f.handle("POST /messages/c1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, wire.ErrorResponse{Error: "store down", Code: errs.CodeUnavailable})
	})

	err := s.Send(context.Background(), "c1", "hi")
	if !errs.IsRetryable(err) {
		t.Fatalf("err = %v", err)
	}
	entries := th.Messages()
	if len(entries) != 1 || entries[0].Text() != "hi (failed)" {
		t.Errorf("entries = %v", entries)
	}
	if th.Draft() != "hi" {
		t.Errorf("draft = %q", th.Draft())
	}

	f.handle("POST /messages/c1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, wire.MessageResponse{Message: wire.Message{
			ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", CreatedAt: 10,
		}})
	})
	if err := s.Send(context.Background(), "c1", th.Draft()); err != nil {
		t.Fatal(err)
	}
	entries = th.Messages()
	if len(entries) != 1 || entries[0].Key() != "m1" {
		t.Errorf("after resubmit entries = %v", entries)
	}
	if st, _ := th.Status("m1"); st != reconcile.StatusSent {
		t.Errorf("status = %s", st)
	}
}

func TestSessionAcknowledgesIncoming(t *testing.T) {
	tests := []struct {
		name    string
		isGroup bool
		want    []string
	}{
		{"direct", false, []string{
			`POST /receipts/delivered {"messageId":"m2"}`,
			`POST /receipts/seen {"conversationId":"c1","messageId":"m2"}`,
		}},
		{"group", true, []string{
			`POST /receipts/delivered {"messageId":"m2"}`,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeServer(t)
			conv := wire.Conversation{ID: "c1", IsGroup: tt.isGroup}
			s, th := openSession(t, f, srv, conv, nil)

			m := wire.Message{ID: "m2", ConversationID: "c1", SenderID: "bob", Content: "yo", CreatedAt: 20}
			s.Event(wire.MessageCreated{Message: m})
			s.Event(wire.MessageCreated{Message: m})
			s.Shutdown(context.Background())

			var got []string
			for _, r := range f.seen() {
				if strings.HasPrefix(r, "POST /receipts/") {
					got = append(got, r)
				}
			}
			if strings.Join(got, "\n") != strings.Join(tt.want, "\n") {
				t.Errorf("receipts =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(tt.want, "\n"))
			}
			if len(th.Messages()) != 1 {
				t.Errorf("duplicate event inserted twice: %v", th.Messages())
			}
		})
	}
}

func TestSessionOpenMarksLatestSeen(t *testing.T) {
	f, srv := newFakeServer(t)
	s, _ := openSession(t, f, srv, wire.Conversation{ID: "c1"}, []wire.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "a", CreatedAt: 10},
		{ID: "m2", ConversationID: "c1", SenderID: "bob", Content: "b", CreatedAt: 20},
	})
	s.Shutdown(context.Background())

	want := `POST /receipts/seen {"conversationId":"c1","messageId":"m2"}`
	found := false
	for _, r := range f.seen() {
		found = found || r == want
	}
	if !found {
		t.Errorf("requests = %v, want %s", f.seen(), want)
	}
}

func TestSessionReceiptsAndTyping(t *testing.T) {
	f, srv := newFakeServer(t)
	s, th := openSession(t, f, srv, wire.Conversation{ID: "c1"}, []wire.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "a", CreatedAt: 10},
	})

	s.Event(wire.Typing{ConversationID: "c1", UserID: "bob", DisplayName: "Bob", IsTyping: true})
	s.Event(wire.Typing{ConversationID: "c1", UserID: "alice", DisplayName: "Alice", IsTyping: true})
	if got := s.Typing().Label("c1"); got != "Bob is typing…" {
		t.Errorf("label = %q", got)
	}

	s.Event(wire.Delivered{MessageID: "m1", ToUserID: "bob"})
	if st, _ := th.Status("m1"); st != reconcile.StatusDelivered {
		t.Errorf("status = %s, want delivered", st)
	}
	s.Event(wire.Seen{ConversationID: "c1", MessageID: "m1", UserID: "bob"})
	s.Event(wire.Delivered{MessageID: "m1", ToUserID: "bob"})
	if st, _ := th.Status("m1"); st != reconcile.StatusSeen {
		t.Errorf("status = %s, want seen", st)
	}

	// Bob's message arriving clears his typing indicator.
	s.Event(wire.MessageCreated{Message: wire.Message{ID: "m2", ConversationID: "c1", SenderID: "bob", Content: "b", CreatedAt: 20}})
	if got := s.Typing().Label("c1"); got != "" {
		t.Errorf("label = %q, want empty", got)
	}
	s.Shutdown(context.Background())
}

func TestWSURL(t *testing.T) {
	tests := map[string]string{
		"http://127.0.0.1:7420":   "ws://127.0.0.1:7420/ws",
		"https://chat.example/":   "wss://chat.example/ws",
		"ws://already.example:80": "ws://already.example:80/ws",
	}
	for in, want := range tests {
		if got := WSURL(in); got != want {
			t.Errorf("WSURL(%q) = %q, want %q", in, got, want)
		}
	}
}

type recordingHandler struct {
	mu        sync.Mutex
	connected int
	events    []wire.Event
	onConnect func(n int)
}

func (h *recordingHandler) Connected(context.Context) {
	h.mu.Lock()
	h.connected++
	n := h.connected
	h.mu.Unlock()
	if h.onConnect != nil {
		h.onConnect(n)
	}
}

func (h *recordingHandler) Event(evt wire.Event) {
	h.mu.Lock()
	h.events = append(h.events, evt)
	h.mu.Unlock()
}

func TestLinkRejectedCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusGone, wire.ErrorResponse{Error: "account deleted", Code: errs.CodeAccountDeleted})
	}))
	defer srv.Close()

	l := NewLink(WSURL(srv.URL), "tok", nil, LinkOptions{InitialBackoff: time.Millisecond}, zap.NewNop())
	err := l.Run(context.Background(), &recordingHandler{})
	if errs.CodeOf(err) != errs.CodeAccountDeleted {
		t.Errorf("Run err = %v", err)
	}
	if l.State() != status.AuthFailed {
		t.Errorf("state = %s", l.State())
	}
	if err := l.SendTyping(context.Background(), "c1", true); err == nil {
		t.Error("SendTyping without a connection should fail")
	}
}

func TestLinkReconnects(t *testing.T) {
	frame, err := wire.Encode(wire.Seen{ConversationID: "c1", MessageID: "m1", UserID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.Write(r.Context(), websocket.MessageText, frame)
		// Drop the connection so the client has to come back.
		_ = ws.Close(websocket.StatusGoingAway, "restart")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := &recordingHandler{onConnect: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	l := NewLink(WSURL(srv.URL), "tok", nil, LinkOptions{InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}, zap.NewNop())
	if err := l.Run(ctx, h); err != nil {
		t.Fatalf("Run = %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connected != 3 {
		t.Errorf("connected %d times, want 3", h.connected)
	}
	if len(h.events) < 2 {
		t.Errorf("events = %v, want one per completed connection", h.events)
	}
	if l.State() != status.Closed {
		t.Errorf("state = %s, want CLOSED", l.State())
	}
}

func TestSessionSendClearsTyping(t *testing.T) {
	f, srv := newFakeServer(t)
	s, _ := openSession(t, f, srv, wire.Conversation{ID: "c1"}, nil)
	f.handle("POST /messages/c1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, wire.MessageResponse{Message: wire.Message{
			ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", CreatedAt: 10,
		}})
	})

	// Bob's stop signal never arrives.
	s.Event(wire.Typing{ConversationID: "c1", UserID: "bob", DisplayName: "Bob", IsTyping: true})
	if err := s.Send(context.Background(), "c1", "hi"); err != nil {
		t.Fatal(err)
	}
	if got := s.Typing().Label("c1"); got != "" {
		t.Errorf("label = %q after local send, want empty", got)
	}
	s.Shutdown(context.Background())
}

func TestSessionDeliveredBeforeConfirmation(t *testing.T) {
	f, srv := newFakeServer(t)
	s, th := openSession(t, f, srv, wire.Conversation{ID: "c1"}, nil)
	other, err := s.Open(context.Background(), wire.Conversation{ID: "c2"})
	if err != nil {
		t.Fatal(err)
	}

	tempID, err := th.BeginSend("hi")
	if err != nil {
		t.Fatal(err)
	}
	// The receipt outruns both the response and the echo.
	s.Event(wire.Delivered{MessageID: "m9", ToUserID: "bob"})
	th.ConfirmSend(tempID, wire.Message{ID: "m9", ConversationID: "c1", SenderID: "alice", Content: "hi", CreatedAt: 90})

	if st, _ := th.Status("m9"); st != reconcile.StatusDelivered {
		t.Errorf("status = %s, want delivered", st)
	}
	if other.Holds("m9") || len(other.Messages()) != 0 {
		t.Errorf("idle thread changed: %v", other.Messages())
	}
	s.Shutdown(context.Background())
}

func bobMessages(from, to int64) []wire.Message {
	var out []wire.Message
	for ts := from; ts <= to; ts++ {
		out = append(out, wire.Message{
			ID: fmt.Sprintf("m%d", ts), ConversationID: "c1", SenderID: "bob", Content: fmt.Sprint(ts), CreatedAt: ts,
		})
	}
	return out
}

func TestSessionReconnectFillsGap(t *testing.T) {
	f, srv := newFakeServer(t)
	s, th := openSession(t, f, srv, wire.Conversation{ID: "c1", IsGroup: true}, bobMessages(1, 3))

	// Fifty-nine messages arrived while the connection was down.
	cursorAt := func(v int64) *int64 { return &v }
	pages := map[string]wire.Page{
		"":   {Messages: bobMessages(60, 62), NextCursor: cursorAt(60)},
		"60": {Messages: bobMessages(10, 59), NextCursor: cursorAt(10)},
		"10": {Messages: bobMessages(3, 9), NextCursor: cursorAt(3)},
	}
	f.handle("GET /messages/c1", func(w http.ResponseWriter, r *http.Request) {
		page, ok := pages[r.URL.Query().Get("cursor")]
		if !ok {
			t.Errorf("unexpected fetch %s", r.URL.RawQuery)
		}
		writeJSON(w, http.StatusOK, page)
	})

	s.Connected(context.Background())

	if th.Gap() != nil {
		t.Fatalf("gap left at %d", *th.Gap())
	}
	entries := th.Messages()
	if len(entries) != 62 {
		t.Fatalf("held %d messages, want 62", len(entries))
	}
	for i, e := range entries {
		if e.Timestamp() != int64(i+1) {
			t.Fatalf("entry %d has timestamp %d", i, e.Timestamp())
		}
	}
	s.Shutdown(context.Background())
}
