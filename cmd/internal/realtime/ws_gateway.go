package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"kindred/cmd/identity"
	"kindred/cmd/internal/chat"
	"kindred/cmd/internal/connect"
	"kindred/cmd/internal/presence"
	v1 "kindred/shared/contracts/realtime/v1"
)

const (
	wsSubprotocolV1 = "kindred.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Authenticator verifies a handshake credential and resolves the caller.
// Satisfied by identity.Service.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (identity.UserIdentity, error)
}

// WSGateway is the WebSocket entrypoint for Kindred realtime messaging.
//
// Connection state machine: Connecting (credential check, no side effects on
// failure) -> Active (presence registered, presence-online broadcast) ->
// Closed (presence unregistered if still owned, rooms left, presence-offline
// broadcast). Request-level failures while Active become errorMessage events
// and never tear down the connection.
type WSGateway struct {
	log      *slog.Logger
	auth     Authenticator
	registry *presence.Registry
	ledger   connect.Ledger
	store    chat.Store
	hub      *Hub

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
// auth must be non-nil; every handshake without a verifiable token is
// rejected with 401 before the upgrade. When registry/hub/store/ledger are
// nil, in-memory implementations are used for dev.
func NewWSGateway(log *slog.Logger, auth Authenticator, registry *presence.Registry, ledger connect.Ledger, store chat.Store, hub *Hub) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if registry == nil {
		registry = presence.NewRegistry()
	}
	if ledger == nil {
		ledger = connect.NewInMemoryLedger(nil)
	}
	if store == nil {
		store = chat.NewInMemoryStore()
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &WSGateway{log: log, auth: auth, registry: registry, ledger: ledger, store: store, hub: hub}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("KINDRED_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("KINDRED_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("KINDRED_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("KINDRED_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("KINDRED_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("KINDRED_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("KINDRED_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("KINDRED_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("KINDRED_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("KINDRED_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates the handshake, upgrades to WebSocket and runs the
// session loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Credential check happens before the upgrade: a bad token means 401 and
	// zero registry side effects.
	user, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := NewRandomHex(10)
	client := NewClient(user.ID, sessionID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	metricConnections.Inc()
	defer metricConnections.Dec()

	// Active: register presence, announce, and hand the newcomer the
	// current online set.
	g.registry.Register(user.ID, client)
	g.broadcastPresence(v1.TypeUserOnline, v1.UserOnlinePayload{UserID: user.ID, Since: time.Now().UTC()}, sessionID)
	g.sendOnlineUsers(client)

	g.log.Info("ws.session.start", "session_id", sessionID, "user_id", user.ID)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Ordering: room/registry removal happens before client.Close so no
	// broadcaster enqueues into a session that already stopped draining.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.LeaveAll(sessionID)

			if g.registry.Unregister(user.ID, client) {
				// Only the owning session announces offline; a stale
				// disconnect racing a reconnect stays silent.
				g.broadcastPresence(v1.TypeUserOffline, v1.UserOfflinePayload{
					UserID:   user.ID,
					LastSeen: time.Now().UTC(),
				}, sessionID)
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()

			g.log.Info("ws.session.end", "session_id", sessionID, "user_id", user.ID, "reason", reason)
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		metricEvents.WithLabelValues(env.Type).Inc()

		switch env.Type {
		case v1.TypeSendMessage:
			g.handle(client, "send_failed", func() error { return g.onSendMessage(ctx, client, env) })
		case v1.TypeMarkAsRead:
			g.handle(client, "read_failed", func() error { return g.onMarkAsRead(ctx, client, env) })
		case v1.TypeEditMessage:
			g.handle(client, "edit_failed", func() error { return g.onEditMessage(ctx, client, env) })
		case v1.TypeDeleteMessage:
			g.handle(client, "delete_failed", func() error { return g.onDeleteMessage(ctx, client, env) })
		case v1.TypeTyping:
			g.handle(client, "typing_failed", func() error { return g.onTyping(client, env) })
		case v1.TypeJoinChat:
			g.handle(client, "join_failed", func() error { return g.onJoinChat(ctx, client, env) })
		case v1.TypeLeaveChat:
			g.handle(client, "leave_failed", func() error { return g.onLeaveChat(client, env) })
		default:
			g.trySendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// handle funnels a handler error into an errorMessage event.
// The connection stays up: request-level errors are never fatal.
func (g *WSGateway) handle(client *Client, fallbackCode string, f func() error) {
	if err := f(); err != nil {
		g.trySendError(client, errorCode(err, fallbackCode), err.Error())
	}
}

// ---- handlers ----

func (g *WSGateway) onSendMessage(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	receiver := strings.TrimSpace(p.ReceiverID)
	if receiver == "" {
		return errors.New("missing receiverId")
	}
	if receiver == client.UserID {
		return chat.ErrSelfMessage
	}

	// The accepted connection is the sole authorization gate for sending.
	ok, err := g.ledger.IsConnected(ctx, client.UserID, receiver)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: users are not connected", chat.ErrForbidden)
	}

	c, err := g.store.FindOrCreateChat(ctx, client.UserID, receiver)
	if err != nil {
		return err
	}

	m, err := g.store.Create(ctx, client.UserID, receiver, c.ID, p.Text, p.MessageType)
	if err != nil {
		return err
	}

	if err := g.store.UpdateActivity(ctx, c.ID, m.ID); err != nil {
		g.log.Error("ws.chat.activity.fail", "chat_id", c.ID, "err", err)
	}

	body := messageBody(m)

	// Best-effort push: room members plus the receiver's live session when it
	// is not in the room. Offline receivers are skipped silently, no queueing.
	g.notifyChat(c, client, newEnvelope(v1.TypeNewMessage, v1.NewMessagePayload{Message: body, ChatID: c.ID}))

	ack := newEnvelope(v1.TypeMessageSent, v1.MessageSentPayload{Message: body, ChatID: c.ID})
	if !client.Enqueue(ack) {
		return errors.New("backpressure: messageSent ack")
	}
	return nil
}

func (g *WSGateway) onMarkAsRead(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.MarkAsReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	chatID := strings.TrimSpace(p.ChatID)
	if chatID == "" {
		return errors.New("missing chatId")
	}

	c, err := g.store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !c.IsParticipant(client.UserID) {
		return chat.ErrForbidden
	}

	count, readAt, err := g.store.MarkRead(ctx, chatID, client.UserID)
	if err != nil {
		return err
	}

	receipt := newEnvelope(v1.TypeMessagesRead, v1.MessagesReadPayload{
		ChatID: chatID,
		ReadBy: client.UserID,
		ReadAt: readAt,
		Count:  count,
	})
	g.notifyChat(c, client, receipt)
	return nil
}

func (g *WSGateway) onEditMessage(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.EditMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	m, err := g.store.Edit(ctx, strings.TrimSpace(p.MessageID), client.UserID, p.Text)
	if err != nil {
		return err
	}

	edited := newEnvelope(v1.TypeMessageEdited, v1.MessageEditedPayload{
		MessageID: m.ID,
		ChatID:    m.ChatID,
		NewText:   m.Text,
		EditedAt:  *m.EditedAt,
	})

	if c, err := g.store.GetChat(ctx, m.ChatID); err == nil {
		g.notifyChat(c, client, edited)
	}
	if !client.Enqueue(edited) {
		return errors.New("backpressure: messageEdited ack")
	}
	return nil
}

func (g *WSGateway) onDeleteMessage(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.DeleteMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	messageID := strings.TrimSpace(p.MessageID)
	deletedAt, err := g.store.SoftDelete(ctx, messageID, client.UserID)
	if err != nil {
		return err
	}

	m, err := g.store.GetByID(ctx, messageID)
	if err != nil {
		return err
	}

	deleted := newEnvelope(v1.TypeMessageDeleted, v1.MessageDeletedPayload{
		MessageID: m.ID,
		ChatID:    m.ChatID,
		DeletedBy: client.UserID,
		DeletedAt: deletedAt,
	})

	if c, err := g.store.GetChat(ctx, m.ChatID); err == nil {
		g.notifyChat(c, client, deleted)
	}
	if !client.Enqueue(deleted) {
		return errors.New("backpressure: messageDeleted ack")
	}
	return nil
}

func (g *WSGateway) onTyping(client *Client, env v1.Envelope) error {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	receiver := strings.TrimSpace(p.ReceiverID)
	if receiver == "" {
		return errors.New("missing receiverId")
	}

	// Pure transient relay, nothing persisted.
	g.deliverTo(receiver, newEnvelope(v1.TypeUserTyping, v1.UserTypingPayload{
		UserID:   client.UserID,
		IsTyping: p.IsTyping,
	}))
	return nil
}

func (g *WSGateway) onJoinChat(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.JoinChatPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	chatID := strings.TrimSpace(p.ChatID)
	if chatID == "" {
		return errors.New("missing chatId")
	}

	c, err := g.store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	// Unauthorized join: no membership change.
	if !c.IsParticipant(client.UserID) {
		return chat.ErrForbidden
	}

	g.hub.GetOrCreateRoom(chatID).Join(client)

	if !client.Enqueue(newEnvelope(v1.TypeJoinedChat, v1.JoinedChatPayload{ChatID: chatID})) {
		return errors.New("backpressure: joinedChat echo")
	}
	return nil
}

func (g *WSGateway) onLeaveChat(client *Client, env v1.Envelope) error {
	var p v1.LeaveChatPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	chatID := strings.TrimSpace(p.ChatID)
	if chatID == "" {
		return errors.New("missing chatId")
	}

	if room, ok := g.hub.GetRoom(chatID); ok {
		room.Leave(client.SessionID())
	}

	if !client.Enqueue(newEnvelope(v1.TypeLeftChat, v1.LeftChatPayload{ChatID: chatID})) {
		return errors.New("backpressure: leftChat echo")
	}
	return nil
}

// ---- delivery helpers ----

// deliverTo pushes env to userID's live session, if any.
func (g *WSGateway) deliverTo(userID string, env v1.Envelope) {
	sess, ok := g.registry.Lookup(userID)
	if !ok {
		metricOffline.Inc()
		return
	}
	if sess.Enqueue(env) {
		metricDelivered.Inc()
	} else {
		metricDropped.Inc()
	}
}

// notifyChat fans env out to the chat's room (minus the acting session) and
// falls back to direct presence delivery when the other participant is
// online but not in the room. The two paths never double-deliver.
func (g *WSGateway) notifyChat(c chat.Chat, from *Client, env v1.Envelope) {
	other := c.Other(from.UserID)

	room, ok := g.hub.GetRoom(c.ID)
	if ok {
		room.Broadcast(env, from.SessionID())
	}

	sess, online := g.registry.Lookup(other)
	if !online {
		metricOffline.Inc()
		return
	}
	if ok && room.Has(sess.SessionID()) {
		return
	}
	if sess.Enqueue(env) {
		metricDelivered.Inc()
	} else {
		metricDropped.Inc()
	}
}

// broadcastPresence sends a presence event to every live session except the
// one that caused it.
func (g *WSGateway) broadcastPresence(typ string, payload any, exceptSessionID string) {
	env := newEnvelope(typ, payload)
	g.registry.Each(func(e presence.Entry) {
		if e.Session == nil || e.Session.SessionID() == exceptSessionID {
			return
		}
		e.Session.Enqueue(env)
	})
}

// sendOnlineUsers hands a fresh session the current presence snapshot,
// excluding the session's own user.
func (g *WSGateway) sendOnlineUsers(client *Client) {
	entries := g.registry.Snapshot()
	users := make([]v1.OnlineUser, 0, len(entries))
	for _, e := range entries {
		if e.UserID == client.UserID {
			continue
		}
		users = append(users, v1.OnlineUser{UserID: e.UserID, Since: e.ConnectedAt})
	}
	client.Enqueue(newEnvelope(v1.TypeOnlineUsers, v1.OnlineUsersPayload{Users: users}))
}

func (g *WSGateway) trySendError(client *Client, code, msg string) {
	client.Enqueue(newEnvelope(v1.TypeErrorMessage, v1.ErrorMessagePayload{Code: code, Message: msg}))
}

// errorCode maps store errors to wire error codes; fallback covers payload
// and transport-shaped failures.
func errorCode(err error, fallback string) string {
	switch {
	case errors.Is(err, chat.ErrValidation):
		return "validation"
	case errors.Is(err, chat.ErrSelfMessage), errors.Is(err, chat.ErrSelfChat):
		return "self_message"
	case errors.Is(err, chat.ErrAlreadyDeleted):
		return "already_deleted"
	case errors.Is(err, chat.ErrForbidden):
		return "forbidden"
	case chat.IsNotFound(err), connect.IsNotFound(err):
		return "not_found"
	default:
		return fallback
	}
}

// ---- handshake auth ----

// authenticate extracts the bearer token from the Authorization header or
// the token query parameter and verifies it.
func (g *WSGateway) authenticate(r *http.Request) (identity.UserIdentity, error) {
	if g.auth == nil {
		return identity.UserIdentity{}, errors.New("no authenticator configured")
	}

	token := ""
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			token = strings.TrimSpace(rest)
		}
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return identity.UserIdentity{}, errors.New("missing token")
	}

	return g.auth.Authenticate(r.Context(), token)
}

func messageBody(m chat.Message) v1.MessageBody {
	return v1.MessageBody{
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
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload any) v1.Envelope {
	b, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      time.Now().UTC(),
		Payload: b,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
