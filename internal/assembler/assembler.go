// Package assembler orchestrates one chat turn: it resolves the owning
// identity, loads the digest and recent history, summarizes older turns
// when the history outgrows the threshold, builds the outbound context,
// streams the model response, and commits the completed turn.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/quietloop/memochat/internal/chat"
	"github.com/quietloop/memochat/internal/db"
)

// ErrNoInput marks a turn carrying neither a prompt nor an image.
var ErrNoInput = errors.New("prompt or image is required")

// ErrEmptyOutput marks a stream that completed without producing tokens.
var ErrEmptyOutput = errors.New("no output from model")

// ModelClient streams a chat completion token by token.
type ModelClient interface {
	ChatStream(ctx context.Context, model string, messages []chat.Message, emit func(token string) error) error
}

// Summarizer compresses a batch of messages into a digest. Must not fail.
type Summarizer interface {
	Summarize(ctx context.Context, messages []chat.Message) string
}

// SummaryStore loads and saves the rolling digest per owner key.
type SummaryStore interface {
	Load(ownerKey string) string
	Save(ownerKey, text string, importance float64) bool
	Merge(existing, fresh string) string
}

// SessionStore holds per-chat message history.
type SessionStore interface {
	Append(chatID string, msg chat.Message)
	Get(chatID string) []chat.Message
	Recent(chatID string, n int) []chat.Message
	Replace(chatID string, msgs []chat.Message)
}

// ImageCache holds recently attached images per chat.
type ImageCache interface {
	Store(chatID, imageBase64 string)
	Latest(chatID string) (string, bool)
}

// IdentityResolver maps a chat to its owning identity, "" when anonymous.
type IdentityResolver interface {
	Resolve(chatID string) string
}

// Config carries the context-window parameters and personas.
type Config struct {
	HistoryWindow      int // K
	SummarizeThreshold int // T
	KeepRecent         int // R
	DefaultModel       string
	AllowedModels      []string
	VisionModels       []string
	StandardPersona    string
	VoicePersona       string
}

// Turn is one inbound request. Image carries a normalized base64 payload,
// "" when no attachment survived normalization.
type Turn struct {
	ChatID    string
	Prompt    string
	Image     string
	Model     string
	VoiceMode bool
}

// Assembler runs turns. Turns on the same chat identifier are serialized
// with a per-chat mutex; distinct chats proceed concurrently.
type Assembler struct {
	cfg       Config
	model     ModelClient
	summarize Summarizer
	summaries SummaryStore
	sessions  SessionStore
	images    ImageCache
	resolver  IdentityResolver

	// LogEvent records turn lifecycle events, best-effort. May be nil.
	LogEvent func(eventType string, payload map[string]any)

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an assembler.
func New(cfg Config, model ModelClient, summarize Summarizer, summaries SummaryStore, sessions SessionStore, images ImageCache, resolver IdentityResolver) *Assembler {
	return &Assembler{
		cfg:       cfg,
		model:     model,
		summarize: summarize,
		summaries: summaries,
		sessions:  sessions,
		images:    images,
		resolver:  resolver,
		locks:     make(map[string]*sync.Mutex),
	}
}

var thinkPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)

// Run executes one turn, forwarding each token to emit as it arrives.
// On success the turn is committed to the session store; any error leaves
// the stores untouched.
func (a *Assembler) Run(ctx context.Context, turn Turn, emit func(token string) error) error {
	if strings.TrimSpace(turn.Prompt) == "" && turn.Image == "" {
		return ErrNoInput
	}

	lock := a.chatLock(turn.ChatID)
	lock.Lock()
	defer lock.Unlock()

	turnID := uuid.NewString()
	model := a.resolveModel(turn.Model)
	a.logEvent(db.EventTurnStarted, map[string]any{"turn_id": turnID, "chat_id": turn.ChatID, "model": model})

	owner := a.resolver.Resolve(turn.ChatID)
	ownerKey := owner
	if ownerKey == "" {
		ownerKey = turn.ChatID
	}

	digest := a.summaries.Load(ownerKey)
	history := a.sessions.Get(turn.ChatID)

	if len(history) > a.cfg.SummarizeThreshold {
		digest = a.compress(ctx, turn.ChatID, ownerKey, digest, history)
	}

	recent := a.sessions.Recent(turn.ChatID, a.cfg.HistoryWindow)

	userMsg := chat.Message{Role: chat.RoleUser, Content: turn.Prompt}
	image := turn.Image
	if image == "" && a.isVisionModel(model) {
		if cached, ok := a.images.Latest(turn.ChatID); ok {
			image = cached
		}
	}
	if image != "" {
		userMsg.Images = []string{image}
	}

	outbound := a.buildOutbound(turn.VoiceMode, digest, recent, userMsg)

	var raw strings.Builder
	tokens := 0
	err := a.model.ChatStream(ctx, model, outbound, func(token string) error {
		tokens++
		raw.WriteString(token)
		return emit(token)
	})
	if err != nil {
		a.logEvent(db.EventTurnFailed, map[string]any{"turn_id": turnID, "chat_id": turn.ChatID, "error": err.Error()})
		return fmt.Errorf("model backend: %w", err)
	}
	if tokens == 0 {
		a.logEvent(db.EventTurnFailed, map[string]any{"turn_id": turnID, "chat_id": turn.ChatID, "error": ErrEmptyOutput.Error()})
		return ErrEmptyOutput
	}
	// Client disconnects mid-stream must not commit a truncated turn.
	if err := ctx.Err(); err != nil {
		return err
	}

	cleaned := strings.TrimSpace(thinkPattern.ReplaceAllString(raw.String(), ""))
	if cleaned != "" {
		a.sessions.Append(turn.ChatID, userMsg)
		a.sessions.Append(turn.ChatID, chat.Message{Role: chat.RoleAssistant, Content: cleaned})
		if turn.Image != "" {
			a.images.Store(turn.ChatID, turn.Image)
		}
	}

	a.logEvent(db.EventTurnCompleted, map[string]any{"turn_id": turnID, "chat_id": turn.ChatID, "tokens": tokens})
	return nil
}

// compress summarizes the oldest slice of history, persists the merged
// digest, and physically trims the session store to the keep-recent tail.
func (a *Assembler) compress(ctx context.Context, chatID, ownerKey, digest string, history []chat.Message) string {
	cut := len(history) - a.cfg.KeepRecent
	if cut <= 0 {
		return digest
	}
	fresh := a.summarize.Summarize(ctx, history[:cut])
	merged := a.summaries.Merge(digest, fresh)
	durable := a.summaries.Save(ownerKey, merged, 1.0)
	a.sessions.Replace(chatID, history[cut:])
	a.logEvent(db.EventSummaryCreated, map[string]any{
		"chat_id":    chatID,
		"owner_key":  ownerKey,
		"compressed": cut,
		"durable":    durable,
	})
	return merged
}

// buildOutbound assembles persona + digest + recent history + user message.
func (a *Assembler) buildOutbound(voiceMode bool, digest string, history []chat.Message, userMsg chat.Message) []chat.Message {
	persona := a.cfg.StandardPersona
	if voiceMode {
		persona = a.cfg.VoicePersona
	}

	outbound := make([]chat.Message, 0, len(history)+3)
	outbound = append(outbound, chat.Message{Role: chat.RoleSystem, Content: persona})
	if digest != "" {
		outbound = append(outbound, chat.Message{
			Role:    chat.RoleSystem,
			Content: "Summary of the earlier conversation: " + digest,
		})
	}
	outbound = append(outbound, history...)
	outbound = append(outbound, userMsg)
	return outbound
}

// resolveModel falls back to the default for unrecognized identifiers.
func (a *Assembler) resolveModel(model string) string {
	for _, m := range a.cfg.AllowedModels {
		if m == model {
			return model
		}
	}
	return a.cfg.DefaultModel
}

func (a *Assembler) isVisionModel(model string) bool {
	for _, m := range a.cfg.VisionModels {
		if m == model {
			return true
		}
	}
	return false
}

func (a *Assembler) chatLock(chatID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[chatID] = lock
	}
	return lock
}

func (a *Assembler) logEvent(eventType string, payload map[string]any) {
	if a.LogEvent == nil {
		return
	}
	a.LogEvent(eventType, payload)
}
