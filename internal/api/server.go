package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.io/infrasutra/chatsync/internal/auth"
	"github.io/infrasutra/chatsync/internal/blob"
	"github.io/infrasutra/chatsync/internal/config"
	"github.io/infrasutra/chatsync/internal/engine"
	"github.io/infrasutra/chatsync/internal/fault"
	"github.io/infrasutra/chatsync/internal/pagination"
	"github.io/infrasutra/chatsync/internal/store"
	"github.io/infrasutra/chatsync/internal/stream"
)

const maxAvatarBytes = 5 << 20

type Server struct {
	cfg    config.Config
	store  *store.Store
	auth   *auth.Manager
	hub    *stream.Hub
	blobs  *blob.Store
	logger *slog.Logger
	router *mux.Router
}

func NewServer(cfg config.Config, st *store.Store, authManager *auth.Manager, hub *stream.Hub, blobs *blob.Store, logger *slog.Logger) *Server {
	server := &Server{
		cfg:    cfg,
		store:  st,
		auth:   authManager,
		hub:    hub,
		blobs:  blobs,
		logger: logger,
	}
	router := mux.NewRouter()
	router.HandleFunc("/api/signup", server.handleSignup).Methods(http.MethodPost)
	router.HandleFunc("/api/login", server.handleLogin).Methods(http.MethodPost)
	router.HandleFunc("/api/logout", server.handleLogout).Methods(http.MethodPost)
	router.HandleFunc("/api/me", server.handleMe).Methods(http.MethodGet)
	router.HandleFunc("/api/users", server.handleUsers).Methods(http.MethodGet)
	router.HandleFunc("/api/conversations", server.handleConversations).Methods(http.MethodGet)
	router.HandleFunc("/api/messages", server.handleMessages).Methods(http.MethodGet)
	router.HandleFunc("/api/send", server.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/api/stream", server.handleStream).Methods(http.MethodGet)
	router.HandleFunc("/api/ws", server.handleWS).Methods(http.MethodGet)
	router.HandleFunc("/api/avatars/{name}", server.handleAvatar).Methods(http.MethodGet)
	router.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", server.handleReady).Methods(http.MethodGet)
	server.router = router
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxAvatarBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	email, err := auth.NormalizeEmail(r.FormValue("email"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	password := r.FormValue("password")
	if password == "" {
		http.Error(w, "password is required", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("avatar")
	if err != nil {
		http.Error(w, "avatar image is required", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxAvatarBytes+1))
	if err != nil || len(data) == 0 || len(data) > maxAvatarBytes {
		http.Error(w, "unable to read avatar image", http.StatusBadRequest)
		return
	}

	if _, err := s.store.GetUserByEmail(r.Context(), email); err == nil {
		http.Error(w, "email already registered", http.StatusConflict)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		s.httpError(w, "unable to check email", err)
		return
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	userID := uuid.NewString()
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext == "" {
		ext = ".jpg"
	}
	avatarURL, err := s.blobs.Put(userID+ext, data)
	if err != nil {
		s.logger.Error("store avatar", "error", err)
		http.Error(w, "unable to store avatar", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	user := store.User{
		ID:              userID,
		Email:           email,
		PasswordHash:    hash,
		ProfileImageURL: avatarURL,
		CreatedAt:       now,
		LastLogin:       now,
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		s.httpError(w, "unable to create user", err)
		return
	}

	token, err := s.auth.Issue(user.ID, now)
	if err != nil {
		http.Error(w, "unable to create session", http.StatusInternalServerError)
		return
	}
	s.setSessionCookie(w, token, now)
	s.respondJSON(w, http.StatusCreated, toUserView(user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	email, err := auth.NormalizeEmail(payload.Email)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	user, err := s.store.GetUserByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		s.httpError(w, "unable to load user", err)
		return
	}
	if err := auth.CheckPassword(user.PasswordHash, payload.Password); err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	now := time.Now()
	if err := s.store.TouchLastLogin(r.Context(), user.ID, now); err != nil {
		s.logger.Warn("touch last login", "error", err)
	}
	token, err := s.auth.Issue(user.ID, now)
	if err != nil {
		http.Error(w, "unable to create session", http.StatusInternalServerError)
		return
	}
	s.setSessionCookie(w, token, now)
	s.respondJSON(w, http.StatusOK, toUserView(user))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.sessionUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.respondJSON(w, http.StatusOK, toUserView(user))
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	user, err := s.sessionUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	// The directory never includes the signed-in user.
	users, err := s.store.ListUsers(r.Context(), user.ID)
	if err != nil {
		s.httpError(w, "unable to list users", err)
		return
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, toUserView(u))
	}
	s.respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	user, err := s.sessionUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	params := pagination.FromQuery(r.URL.Query())
	summaries, total, err := s.store.ListSummariesPage(r.Context(), user.ID, params.Offset, params.Limit)
	if err != nil {
		s.httpError(w, "unable to list conversations", err)
		return
	}

	response := struct {
		Conversations []conversationView `json:"conversations"`
		HasMore       bool               `json:"hasMore"`
	}{
		Conversations: make([]conversationView, 0, len(summaries)),
		HasMore:       pagination.HasNext(params.Offset, params.Limit, total),
	}
	for _, summary := range summaries {
		// Peer metadata is resolved lazily for the view; the stored copy
		// is only as fresh as the last message.
		if peer, err := s.store.GetUser(r.Context(), summary.PeerID); err == nil {
			summary.Peer = &peer
		}
		response.Conversations = append(response.Conversations, toConversationView(summary))
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	user, err := s.sessionUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	peerID := strings.TrimSpace(r.URL.Query().Get("peer"))
	if peerID == "" {
		http.Error(w, "peer is required", http.StatusBadRequest)
		return
	}
	params := pagination.FromQuery(r.URL.Query())
	messages, total, err := s.store.ListMessages(r.Context(), user.ID, peerID, params.Offset, params.Limit)
	if err != nil {
		s.httpError(w, "unable to list messages", err)
		return
	}

	response := struct {
		Messages []messageView `json:"messages"`
		HasMore  bool          `json:"hasMore"`
	}{
		Messages: make([]messageView, 0, len(messages)),
		HasMore:  pagination.HasNext(params.Offset, params.Limit, total),
	}
	for _, message := range messages {
		response.Messages = append(response.Messages, toMessageView(message))
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	user, err := s.sessionUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var payload struct {
		ToID string `json:"toId"`
		Text string `json:"text"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(payload.ToID) == "" {
		http.Error(w, "toId is required", http.StatusBadRequest)
		return
	}
	peer, err := s.store.GetUser(r.Context(), payload.ToID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "recipient not found", http.StatusNotFound)
			return
		}
		s.httpError(w, "unable to load recipient", err)
		return
	}

	thread := engine.NewThread(user, peer, s.store, s.store, s.hub)
	message, err := thread.Send(r.Context(), payload.Text)
	if err != nil {
		s.logger.Error("send message", "from", user.ID, "to", peer.ID, "error", err)
		s.httpError(w, "unable to send message", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, toMessageView(message))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	user, err := s.sessionUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe(stream.ConversationTopic(user.ID))
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Summary == nil {
				continue
			}
			data, err := json.Marshal(toConversationView(*event.Summary))
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: conversation\ndata: "))
			_, _ = w.Write(data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	path, err := s.blobs.Path(name)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "unable to load avatar", http.StatusInternalServerError)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) sessionUser(r *http.Request) (store.User, error) {
	cookie, err := r.Cookie(s.auth.CookieName())
	if err != nil {
		return store.User{}, auth.ErrNotAuthenticated
	}
	userID, err := s.auth.Parse(cookie.Value, time.Now())
	if err != nil {
		return store.User{}, err
	}
	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		return store.User{}, auth.ErrNotAuthenticated
	}
	return user, nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, value string, now time.Time) {
	maxAge := int(s.auth.MaxAge().Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  now.Add(s.auth.MaxAge()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// httpError maps classified failures: transient to 503, everything else to 500.
func (s *Server) httpError(w http.ResponseWriter, message string, err error) {
	if fault.IsTransient(err) {
		http.Error(w, message, http.StatusServiceUnavailable)
		return
	}
	http.Error(w, message, http.StatusInternalServerError)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

// decodeJSON fails loudly on unknown fields instead of silently defaulting.
func decodeJSON(r io.Reader, v any) error {
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

type userView struct {
	UID             string `json:"uid"`
	Email           string `json:"email"`
	Handle          string `json:"handle"`
	ProfileImageURL string `json:"profileImageUrl"`
}

type messageView struct {
	ID        string `json:"id"`
	FromID    string `json:"fromId"`
	ToID      string `json:"toId"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

type conversationView struct {
	PeerID          string    `json:"peerId"`
	FromID          string    `json:"fromId"`
	ToID            string    `json:"toId"`
	Text            string    `json:"text"`
	Timestamp       string    `json:"timestamp"`
	Email           string    `json:"email"`
	ProfileImageURL string    `json:"profileImageUrl"`
	UnreadCount     int64     `json:"unreadMessagesCount"`
	Peer            *userView `json:"peer,omitempty"`
}

func toUserView(user store.User) userView {
	return userView{
		UID:             user.ID,
		Email:           user.Email,
		Handle:          auth.DisplayHandle(user.Email),
		ProfileImageURL: user.ProfileImageURL,
	}
}

func toMessageView(message store.Message) messageView {
	return messageView{
		ID:        message.ID,
		FromID:    message.FromID,
		ToID:      message.ToID,
		Text:      message.Body,
		Timestamp: message.Timestamp.UTC().Format(time.RFC3339),
	}
}

func toConversationView(summary store.ConversationSummary) conversationView {
	view := conversationView{
		PeerID:          summary.PeerID,
		FromID:          summary.FromID,
		ToID:            summary.ToID,
		Text:            summary.Body,
		Timestamp:       summary.Timestamp.UTC().Format(time.RFC3339),
		Email:           summary.PeerEmail,
		ProfileImageURL: summary.PeerAvatarURL,
		UnreadCount:     summary.UnreadCount,
	}
	if summary.Peer != nil {
		peer := toUserView(*summary.Peer)
		view.Peer = &peer
	}
	return view
}
