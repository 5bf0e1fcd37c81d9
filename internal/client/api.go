// Package client is the headless cnectd client: REST calls, the persistent
// connection with reconnect, and a Session tying both to the local
// reconciliation and typing state.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/cnectd/internal/errs"
	"github.com/matheus3301/cnectd/internal/wire"
)

// API calls the cnectd REST endpoints on behalf of one user.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPI returns an API for baseURL (e.g. "http://127.0.0.1:7420"). A nil
// hc uses a client with a 10s timeout.
func NewAPI(baseURL, token string, hc *http.Client) *API {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &API{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

func (a *API) SendMessage(ctx context.Context, conversationID, content string) (*wire.Message, error) {
	var resp wire.MessageResponse
	err := a.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(conversationID), wire.SendMessageRequest{Content: content}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

// ListMessages fetches one page older than cursor, or the latest page when
// cursor is nil. A zero limit lets the server pick.
func (a *API) ListMessages(ctx context.Context, conversationID string, cursor *int64, limit int) (*wire.Page, error) {
	q := url.Values{}
	if cursor != nil {
		q.Set("cursor", strconv.FormatInt(*cursor, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/messages/" + url.PathEscape(conversationID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page wire.Page
	if err := a.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (a *API) MarkDelivered(ctx context.Context, messageID string) error {
	return a.do(ctx, http.MethodPost, "/receipts/delivered", wire.DeliveredRequest{MessageID: messageID}, &wire.OKResponse{})
}

func (a *API) MarkSeen(ctx context.Context, conversationID, messageID string) error {
	return a.do(ctx, http.MethodPost, "/receipts/seen", wire.SeenRequest{ConversationID: conversationID, MessageID: messageID}, &wire.OKResponse{})
}

func (a *API) StartDM(ctx context.Context, otherUserID string) (*wire.Conversation, error) {
	var resp wire.ConversationResponse
	if err := a.do(ctx, http.MethodPost, "/conversations/dm", wire.StartDMRequest{OtherUserID: otherUserID}, &resp); err != nil {
		return nil, err
	}
	return &resp.Conversation, nil
}

func (a *API) CreateGroup(ctx context.Context, name string, memberIDs []string) (*wire.Conversation, error) {
	var resp wire.ConversationResponse
	if err := a.do(ctx, http.MethodPost, "/conversations/group", wire.CreateGroupRequest{Name: name, MemberIDs: memberIDs}, &resp); err != nil {
		return nil, err
	}
	return &resp.Conversation, nil
}

func (a *API) ListConversations(ctx context.Context) ([]wire.Conversation, error) {
	var resp wire.ConversationsResponse
	if err := a.do(ctx, http.MethodGet, "/conversations/mine", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// do performs one JSON round trip. Transport failures come back as
// UNAVAILABLE; non-2xx responses are rebuilt from the error body.
func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return errs.Unavailable(method+" "+path+" failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Unavailable("decode response", err)
	}
	return nil
}

// decodeError turns a failed response into an AppError. The body may be
// missing or not JSON when a proxy answered.
func decodeError(resp *http.Response) error {
	var e wire.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&e)
	return errs.FromHTTP(resp.StatusCode, e.Code, e.Error)
}
