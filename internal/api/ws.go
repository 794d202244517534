package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.io/infrasutra/chatsync/internal/engine"
	"github.io/infrasutra/chatsync/internal/store"
)

// wsEnvelope is the server-to-client wire format.
type wsEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// wsCommand is the client-to-server wire format.
type wsCommand struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

type wsPeerPayload struct {
	PeerID string `json:"peerId"`
}

type wsSendPayload struct {
	PeerID string `json:"peerId"`
	Text   string `json:"text"`
}

type wsThreadPayload struct {
	PeerID   string        `json:"peerId"`
	Messages []messageView `json:"messages"`
	Revision uint64        `json:"revision"`
	Error    string        `json:"error,omitempty"`
}

// handleWS runs one client session: a conversation-list engine for the
// signed-in user plus one thread engine per joined conversation, with
// engine snapshots pushed down the socket as they are published.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user, err := s.sessionUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session := &wsSession{
		server:   s,
		user:     user,
		conn:     conn,
		outbound: make(chan wsEnvelope, 32),
		threads:  make(map[string]*engine.Thread),
	}
	session.run(ctx)
}

type wsSession struct {
	server   *Server
	user     store.User
	conn     *websocket.Conn
	outbound chan wsEnvelope

	mu      sync.Mutex
	threads map[string]*engine.Thread
}

func (ws *wsSession) run(ctx context.Context) {
	list := engine.NewConversationList(ws.user.ID, ws.server.store, ws.server.hub)
	if err := list.Activate(ctx); err != nil {
		ws.conn.Close(websocket.StatusPolicyViolation, "unable to activate session")
		return
	}
	defer list.Deactivate()
	defer ws.deactivateThreads()

	go ws.writeLoop(ctx)
	go ws.forwardSnapshots(ctx, list)

	ws.send(ctx, wsEnvelope{Type: "ready", Payload: toUserView(ws.user)})
	ws.readLoop(ctx)
	ws.conn.Close(websocket.StatusNormalClosure, "")
}

func (ws *wsSession) readLoop(ctx context.Context) {
	for {
		var cmd wsCommand
		if err := wsjson.Read(ctx, ws.conn, &cmd); err != nil {
			return
		}
		switch cmd.Type {
		case "join":
			ws.handleJoin(ctx, cmd)
		case "leave":
			ws.handleLeave(cmd)
		case "send":
			ws.handleSend(ctx, cmd)
		case "ping":
			ws.send(ctx, wsEnvelope{Type: "pong", Payload: map[string]string{"requestId": cmd.RequestID}})
		default:
			ws.sendError(ctx, "unknown command: "+cmd.Type)
		}
	}
}

func (ws *wsSession) handleJoin(ctx context.Context, cmd wsCommand) {
	var payload wsPeerPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.PeerID == "" {
		ws.sendError(ctx, "join requires peerId")
		return
	}
	ws.mu.Lock()
	_, joined := ws.threads[payload.PeerID]
	ws.mu.Unlock()
	if joined {
		return
	}

	peer, err := ws.server.store.GetUser(ctx, payload.PeerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ws.sendError(ctx, "peer not found")
			return
		}
		ws.sendError(ctx, "unable to load peer")
		return
	}
	thread := engine.NewThread(ws.user, peer, ws.server.store, ws.server.store, ws.server.hub)
	if err := thread.Activate(ctx); err != nil {
		ws.sendError(ctx, "unable to join conversation")
		return
	}
	ws.mu.Lock()
	ws.threads[payload.PeerID] = thread
	ws.mu.Unlock()

	go ws.forwardUpdates(ctx, payload.PeerID, thread)
}

func (ws *wsSession) handleLeave(cmd wsCommand) {
	var payload wsPeerPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.PeerID == "" {
		return
	}
	ws.mu.Lock()
	thread, ok := ws.threads[payload.PeerID]
	delete(ws.threads, payload.PeerID)
	ws.mu.Unlock()
	if ok {
		thread.Deactivate()
	}
}

func (ws *wsSession) handleSend(ctx context.Context, cmd wsCommand) {
	var payload wsSendPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.PeerID == "" {
		ws.sendError(ctx, "send requires peerId")
		return
	}
	ws.mu.Lock()
	thread, joined := ws.threads[payload.PeerID]
	ws.mu.Unlock()
	if !joined {
		// Sending without joining is allowed; the write path does not
		// need a live subscription.
		peer, err := ws.server.store.GetUser(ctx, payload.PeerID)
		if err != nil {
			ws.sendError(ctx, "peer not found")
			return
		}
		thread = engine.NewThread(ws.user, peer, ws.server.store, ws.server.store, ws.server.hub)
	}
	if _, err := thread.Send(ctx, payload.Text); err != nil {
		ws.server.logger.Error("websocket send", "from", ws.user.ID, "to", payload.PeerID, "error", err)
		ws.sendError(ctx, "unable to send message")
	}
}

func (ws *wsSession) forwardSnapshots(ctx context.Context, list *engine.ConversationList) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-list.Snapshots():
			views := make([]conversationView, 0, len(snap.Entries))
			for _, entry := range snap.Entries {
				views = append(views, toConversationView(entry))
			}
			env := wsEnvelope{Type: "conversations", Payload: views}
			ws.send(ctx, env)
			if snap.Err != nil {
				ws.sendError(ctx, snap.Err.Error())
			}
		}
	}
}

func (ws *wsSession) forwardUpdates(ctx context.Context, peerID string, thread *engine.Thread) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-thread.Updates():
			payload := wsThreadPayload{
				PeerID:   peerID,
				Messages: make([]messageView, 0, len(update.Messages)),
				Revision: update.Revision,
			}
			for _, message := range update.Messages {
				payload.Messages = append(payload.Messages, toMessageView(message))
			}
			if update.Err != nil {
				payload.Error = update.Err.Error()
			}
			ws.send(ctx, wsEnvelope{Type: "thread", Payload: payload})
		}
	}
}

func (ws *wsSession) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-ws.outbound:
			if err := wsjson.Write(ctx, ws.conn, env); err != nil {
				return
			}
		}
	}
}

func (ws *wsSession) send(ctx context.Context, env wsEnvelope) {
	select {
	case ws.outbound <- env:
	case <-ctx.Done():
	}
}

func (ws *wsSession) sendError(ctx context.Context, message string) {
	ws.send(ctx, wsEnvelope{Type: "error", Payload: map[string]string{"message": message}})
}

func (ws *wsSession) deactivateThreads() {
	ws.mu.Lock()
	threads := make([]*engine.Thread, 0, len(ws.threads))
	for _, thread := range ws.threads {
		threads = append(threads, thread)
	}
	ws.threads = make(map[string]*engine.Thread)
	ws.mu.Unlock()
	for _, thread := range threads {
		thread.Deactivate()
	}
}
