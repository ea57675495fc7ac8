// Package httpapi is the transport boundary: the streaming chat endpoint,
// memory reset, and read-only introspection.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/quietloop/memochat/internal/assembler"
	"github.com/quietloop/memochat/internal/db"
	"github.com/quietloop/memochat/internal/imagecache"
	"github.com/quietloop/memochat/internal/session"
	"github.com/quietloop/memochat/internal/summary"
)

// TurnRunner executes one chat turn, streaming tokens through emit.
type TurnRunner interface {
	Run(ctx context.Context, turn assembler.Turn, emit func(token string) error) error
}

// Server exposes the chat backend over HTTP.
type Server struct {
	runner    TurnRunner
	sessions  *session.Store
	images    *imagecache.Cache
	summaries *summary.Store
	db        *sql.DB // nil when no durable store is configured
	fetcher   *http.Client

	// LogEvent records lifecycle events, best-effort. May be nil.
	LogEvent func(eventType string, payload map[string]any)
}

// NewServer wires the HTTP layer. db may be nil.
func NewServer(runner TurnRunner, sessions *session.Store, images *imagecache.Cache, summaries *summary.Store, db *sql.DB) *Server {
	return &Server{
		runner:    runner,
		sessions:  sessions,
		images:    images,
		summaries: summaries,
		db:        db,
		fetcher:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/reset", s.handleReset)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

type chatRequest struct {
	Prompt    string `json:"prompt"`
	ImageData string `json:"image_data"`
	Model     string `json:"model"`
	ChatID    string `json:"chat_id"`
	VoiceMode bool   `json:"voice_mode"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	if strings.TrimSpace(req.Prompt) == "" && strings.TrimSpace(req.ImageData) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Prompt or image is required."})
		return
	}

	chatID := req.ChatID
	if chatID == "" {
		chatID = remoteHost(r)
	}

	// Attachment failures degrade to a text-only turn.
	image, err := normalizeAttachment(req.ImageData, s.fetcher)
	if err != nil {
		log.Printf("[server] attachment dropped for chat %s: %v", chatID, err)
		image = ""
	}
	if strings.TrimSpace(req.Prompt) == "" && image == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Prompt or image is required."})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	turn := assembler.Turn{
		ChatID:    chatID,
		Prompt:    req.Prompt,
		Image:     image,
		Model:     req.Model,
		VoiceMode: req.VoiceMode,
	}

	err = s.runner.Run(r.Context(), turn, func(token string) error {
		return writeEvent(w, flusher, map[string]string{"token": token})
	})
	switch {
	case err == nil:
		writeEvent(w, flusher, map[string]string{"event": "done"})
	case errors.Is(err, context.Canceled):
		// Client went away; nothing left to write.
	case errors.Is(err, assembler.ErrEmptyOutput):
		writeEvent(w, flusher, map[string]string{"error": "No output from model."})
	default:
		writeEvent(w, flusher, map[string]string{"error": err.Error()})
	}
}

type resetRequest struct {
	ChatID string `json:"chat_id"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req resetRequest
	if r.Body != nil {
		// An empty or malformed body means "reset by caller address".
		json.NewDecoder(r.Body).Decode(&req)
	}

	cleared := false
	if req.ChatID != "" {
		cleared = s.clearChat(req.ChatID)
	} else {
		prefix := remoteHost(r)
		for _, key := range collectKeys(s.sessions.Keys(), s.images.Keys(), s.summaries.Keys()) {
			if strings.HasPrefix(key, prefix) {
				if s.clearChat(key) {
					cleared = true
				}
			}
		}
	}

	if cleared {
		s.logEvent(db.EventMemoryReset, map[string]any{"chat_id": req.ChatID})
		writeJSON(w, http.StatusOK, map[string]string{"message": "Memory reset successful."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "No memory found to reset"})
}

func (s *Server) logEvent(eventType string, payload map[string]any) {
	if s.LogEvent == nil {
		return
	}
	s.LogEvent(eventType, payload)
}

// clearChat wipes the in-memory tiers for one chat. The durable digest
// tier is intentionally untouched.
func (s *Server) clearChat(chatID string) bool {
	cleared := s.sessions.Reset(chatID)
	if s.images.Clear(chatID) {
		cleared = true
	}
	if s.summaries.ClearMemory(chatID) {
		cleared = true
	}
	return cleared
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	stats := map[string]any{
		"session_chats":    s.sessions.Size(),
		"image_chats":      s.images.Size(),
		"memory_digests":   s.summaries.MemSize(),
		"durable_store_ok": s.summaries.DurableReachable(),
	}
	if s.db != nil {
		if counts, err := db.CountEvents(s.db); err == nil {
			stats["events"] = counts
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	// Durable-store loss is a degraded mode, not an outage.
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"durable_store_ok": s.summaries.DurableReachable(),
	})
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}

// remoteHost extracts the host part of the caller's address, used as the
// fallback chat identifier and the coarse reset prefix.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func collectKeys(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range lists {
		for _, k := range list {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}
