// Package httpapi is the REST surface over the same stores the realtime
// gateway uses: auth, connection requests, chat listings and message reads.
// Authorization (participant and connection checks) is enforced identically
// to the live path.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kindred/cmd/identity"
	"kindred/cmd/internal/chat"
	"kindred/cmd/internal/connect"
	v1 "kindred/shared/contracts/realtime/v1"
)

// AuthService is the identity capability the API consumes.
// Satisfied by *identity.Service.
type AuthService interface {
	Signup(ctx context.Context, email, name, password string) (identity.User, error)
	Login(ctx context.Context, email, password string) (identity.User, string, error)
	Authenticate(ctx context.Context, token string) (identity.UserIdentity, error)
}

// Handler serves the versionless REST API.
type Handler struct {
	log    *slog.Logger
	auth   AuthService
	ledger connect.Ledger
	store  chat.Store
}

// NewHandler constructs the REST handler.
func NewHandler(log *slog.Logger, auth AuthService, ledger connect.Ledger, store chat.Store) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, auth: auth, ledger: ledger, store: store}
}

// Register mounts all API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/signup", h.handleSignup)
	mux.HandleFunc("POST /auth/login", h.handleLogin)

	mux.Handle("POST /requests/review/{status}/{requestId}", h.requireUser(h.handleReviewRequest))
	mux.Handle("POST /requests/{status}/{toUserId}", h.requireUser(h.handleSendRequest))
	mux.Handle("GET /requests/sent", h.requireUser(h.handleListSent))
	mux.Handle("GET /requests/pending", h.requireUser(h.handleListPending))
	mux.Handle("GET /connections", h.requireUser(h.handleListConnections))

	mux.Handle("GET /chats", h.requireUser(h.handleListChats))
	mux.Handle("POST /chats", h.requireUser(h.handleCreateChat))
	mux.Handle("GET /chats/{chatId}", h.requireUser(h.handleGetChat))
	mux.Handle("DELETE /chats/{chatId}", h.requireUser(h.handleDeactivateChat))
	mux.Handle("GET /chats/{chatId}/messages", h.requireUser(h.handleListMessages))
	mux.Handle("GET /chats/{chatId}/messages/search", h.requireUser(h.handleSearchMessages))
	mux.Handle("GET /messages/unread", h.requireUser(h.handleUnreadCount))
}

// ---- auth middleware ----

type ctxKey int

const userKey ctxKey = iota

type userHandler func(w http.ResponseWriter, r *http.Request, user identity.UserIdentity)

// requireUser verifies the bearer token and threads the caller identity.
func (h *Handler) requireUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: errorBody{Code: "unauthorized", Message: "missing bearer token"}})
			return
		}
		user, err := h.auth.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, user)), user)
	})
}

func bearerToken(r *http.Request) string {
	hv := strings.TrimSpace(r.Header.Get("Authorization"))
	if rest, ok := strings.CutPrefix(hv, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	return ""
}

// ---- auth handlers ----

type signupRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userDTO struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type authResponse struct {
	User  userDTO `json:"user"`
	Token string  `json:"token"`
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	u, err := h.auth.Signup(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	// Fresh accounts get a session right away.
	_, token, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{User: toUserDTO(u), Token: token})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	u, token, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{User: toUserDTO(u), Token: token})
}

// ---- connection request handlers ----

type requestDTO struct {
	ID         string     `json:"id"`
	FromUserID string     `json:"fromUserId"`
	ToUserID   string     `json:"toUserId"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	ReviewedAt *time.Time `json:"reviewedAt,omitempty"`
}

type requestListResponse struct {
	Requests []requestDTO `json:"requests"`
	Total    int64        `json:"total"`
}

type connectionDTO struct {
	RequestID   string    `json:"requestId"`
	UserID      string    `json:"userId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type connectionListResponse struct {
	Connections []connectionDTO `json:"connections"`
	Total       int64           `json:"total"`
}

func (h *Handler) handleSendRequest(w http.ResponseWriter, r *http.Request, user identity.UserIdentity) {
	status := connect.Status(r.PathValue("status"))
	to := r.PathValue("toUserId")

	req, err := h.ledger.SendRequest(r.Context(), user.ID, to, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(req))
}

func (h *Handler) handleReviewRequest(w http.ResponseWriter, r *http.Request, user identity.UserIdentity) {
	decision := connect.Status(r.PathValue("status"))
	requestID := r.PathValue("requestId")

	req, err := h.ledger.ReviewRequest(r.Context(), user.ID, requestID, decision)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

func (h *Handler) handleListSent(w http.ResponseWriter, r *http.Request, user identity.UserIdentity) {
	limit, offset := pageParams(r)
	reqs, total, err := h.ledger.ListSent(r.Context(), user.ID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestList(reqs, total))
}

func (h *Handler) handleListPending(w http.ResponseWriter, r *http.Request, user identity.UserIdentity) {
	limit, offset := pageParams(r)
	reqs, total, err := h.ledger.ListPending(r.Context(), user.ID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestList(reqs, total))
}

func (h *Handler) handleListConnections(w http.ResponseWriter, r *http.Request, user identity.UserIdentity) {
	limit, offset := pageParams(r)
	conns, total, err := h.ledger.ListConnections(r.Context(), user.ID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]connectionDTO, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionDTO{RequestID: c.RequestID, UserID: c.UserID, ConnectedAt: c.ConnectedAt})
	}
	writeJSON(w, http.StatusOK, connectionListResponse{Connections: out, Total: total})
}

// ---- chat handlers ----

type chatDTO struct {
	ID             string    `json:"id"`
	OtherUserID    string    `json:"otherUserId,omitempty"`
	LastMessageID  string    `json:"lastMessageId,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	UnreadCount    int64     `json:"unreadCount,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type chatListResponse struct {
	Chats []chatDTO `json:"chats"`
}

type createChatRequest struct {
	UserID string `json:"userId"`
}

type messageListResponse struct {
	Messages []v1.MessageBody `json:"messages"`
}

type unreadResponse struct {
	Count int64 `json:"count"`
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request, user identity.UserIdentity) {
	sums, err := h.store.ListUserChats(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]chatDTO, 0, len(sums))
	for _, s := range sums {
		out = append(out, chatDTO{
			ID:             s.Chat.ID,
			OtherUserID:    s.OtherUserID,
			LastMessageID:  s.Chat.LastMessageID,
			LastActivityAt: s.Chat.LastActivityAt,
			UnreadCount:    s.UnreadCount,
			CreatedAt:      s.Chat.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, chatListResponse{Chats: out})
}

func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request, user identity.UserIdentity) {
	var req createChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	// Same gate as the live send path: no chat without an accepted request.
	ok, err := h.ledger.IsConnected(r.Context(), user.ID, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok && user.ID != req.UserID {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: errorBody{Code: "forbidden", Message: "users are not connected"}})
		return
	}

	c, err := h.store.FindOrCreateChat(r.Context(), user.ID, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatDTO(c, user.ID))
}

func (h *Handler) handleGetChat(w http.ResponseWriter, r *http.Request, user identity.UserIdentity) {
	c, ok := h.participantChat(w, r, user)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toChatDTO(c, user.ID))
}

func (h *Handler) handleDeactivateChat(w http.ResponseWriter, r *http.Request, user identity.UserIdentity) {
	if err := h.store.SetActive(r.Context(), r.PathValue("chatId"), user.ID, false); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request, user identity.UserIdentity) {
	c, ok := h.participantChat(w, r, user)
	if !ok {
		return
	}

	limit, _ := pageParams(r)
	var before time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("before")); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{Code: "validation", Message: "before must be RFC 3339"}})
			return
		}
		before = t
	}

	msgs, err := h.store.Paginate(r.Context(), c.ID, limit, before)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageListResponse{Messages: toMessageBodies(msgs)})
}

func (h *Handler) handleSearchMessages(w http.ResponseWriter, r *http.Request, user identity.UserIdentity) {
	c, ok := h.participantChat(w, r, user)
	if !ok {
		return
	}

	limit, _ := pageParams(r)
	msgs, err := h.store.Search(r.Context(), c.ID, r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageListResponse{Messages: toMessageBodies(msgs)})
}

func (h *Handler) handleUnreadCount(w http.ResponseWriter, r *http.Request, user identity.UserIdentity) {
	chatID := strings.TrimSpace(r.URL.Query().Get("chatId"))
	count, err := h.store.UnreadCount(r.Context(), user.ID, chatID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{Count: count})
}

// participantChat loads the chat from the path and enforces membership.
func (h *Handler) participantChat(w http.ResponseWriter, r *http.Request, user identity.UserIdentity) (chat.Chat, bool) {
	c, err := h.store.GetChat(r.Context(), r.PathValue("chatId"))
	if err != nil {
		writeError(w, err)
		return chat.Chat{}, false
	}
	if !c.IsParticipant(user.ID) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: errorBody{Code: "forbidden", Message: "not a chat participant"}})
		return chat.Chat{}, false
	}
	return c, true
}

// ---- mapping helpers ----

func toUserDTO(u identity.User) userDTO {
	return userDTO{ID: u.ID, Email: u.Email, Name: u.Name, CreatedAt: u.CreatedAt}
}

func toRequestDTO(r connect.Request) requestDTO {
	return requestDTO{
		ID:         r.ID,
		FromUserID: r.FromUserID,
		ToUserID:   r.ToUserID,
		Status:     string(r.Status),
		CreatedAt:  r.CreatedAt,
		ReviewedAt: r.ReviewedAt,
	}
}

func toRequestList(reqs []connect.Request, total int64) requestListResponse {
	out := make([]requestDTO, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, toRequestDTO(r))
	}
	return requestListResponse{Requests: out, Total: total}
}

func toChatDTO(c chat.Chat, viewer string) chatDTO {
	return chatDTO{
		ID:             c.ID,
		OtherUserID:    c.Other(viewer),
		LastMessageID:  c.LastMessageID,
		LastActivityAt: c.LastActivityAt,
		CreatedAt:      c.CreatedAt,
	}
}

func toMessageBodies(msgs []chat.Message) []v1.MessageBody {
	out := make([]v1.MessageBody, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, v1.MessageBody{
			ID:          m.ID,
			ChatID:      m.ChatID,
			SenderID:    m.SenderID,
			ReceiverID:  m.ReceiverID,
			Text:        m.DisplayText(),
			MessageType: m.MessageType,
			IsRead:      m.IsRead,
			ReadAt:      m.ReadAt,
			Edited:      m.Edited,
			EditedAt:    m.EditedAt,
			Deleted:     m.Deleted(),
			CreatedAt:   m.CreatedAt,
		})
	}
	return out
}

func pageParams(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		offset = v
	}
	return limit, offset
}
