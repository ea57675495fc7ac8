package assembler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/quietloop/memochat/internal/chat"
	"github.com/quietloop/memochat/internal/db"
	"github.com/quietloop/memochat/internal/imagecache"
	"github.com/quietloop/memochat/internal/session"
	"github.com/quietloop/memochat/internal/summary"
)

type fakeModel struct {
	tokens   []string
	err      error
	gotModel string
	gotMsgs  []chat.Message
}

func (f *fakeModel) ChatStream(ctx context.Context, model string, messages []chat.Message, emit func(string) error) error {
	f.gotModel = model
	f.gotMsgs = messages
	if f.err != nil {
		return f.err
	}
	for _, tok := range f.tokens {
		if err := emit(tok); err != nil {
			return err
		}
	}
	return nil
}

type fakeSummarizer struct {
	digest   string
	gotBatch []chat.Message
}

func (f *fakeSummarizer) Summarize(ctx context.Context, messages []chat.Message) string {
	f.gotBatch = messages
	return f.digest
}

type fakeResolver struct {
	owner string
}

func (f *fakeResolver) Resolve(chatID string) string { return f.owner }

type fixture struct {
	asm       *Assembler
	model     *fakeModel
	summarize *fakeSummarizer
	sessions  *session.Store
	images    *imagecache.Cache
	summaries *summary.Store
}

func newFixture(t *testing.T, model *fakeModel) *fixture {
	t.Helper()
	f := &fixture{
		model:     model,
		summarize: &fakeSummarizer{digest: "older turns digest"},
		sessions:  session.NewStore(4000),
		images:    imagecache.NewCache(2),
		summaries: summary.NewStore(nil, 2000, 3, time.Second),
	}
	f.asm = New(Config{
		HistoryWindow:      20,
		SummarizeThreshold: 16,
		KeepRecent:         8,
		DefaultModel:       "llava:latest",
		AllowedModels:      []string{"llava:latest", "bakllava:latest", "deepseek-r1:latest"},
		VisionModels:       []string{"llava:latest", "bakllava:latest"},
		StandardPersona:    "standard persona",
		VoicePersona:       "voice persona",
	}, model, f.summarize, f.summaries, f.sessions, f.images, &fakeResolver{})
	return f
}

func collectTokens(t *testing.T, f *fixture, turn Turn) ([]string, error) {
	t.Helper()
	var tokens []string
	err := f.asm.Run(context.Background(), turn, func(token string) error {
		tokens = append(tokens, token)
		return nil
	})
	return tokens, err
}

func TestRun_HelloEmptyHistory(t *testing.T) {
	f := newFixture(t, &fakeModel{tokens: []string{"Hi", " there"}})

	tokens, err := collectTokens(t, f, Turn{ChatID: "c1", Prompt: "Hello", Model: "llava:latest"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) < 1 {
		t.Fatal("expected at least one token")
	}
	if len(f.model.gotMsgs) != 2 {
		t.Fatalf("expected persona + user outbound, got %d messages", len(f.model.gotMsgs))
	}
	if f.model.gotMsgs[0].Role != chat.RoleSystem || f.model.gotMsgs[0].Content != "standard persona" {
		t.Errorf("unexpected persona message: %+v", f.model.gotMsgs[0])
	}
	if f.model.gotMsgs[1].Role != chat.RoleUser || f.model.gotMsgs[1].Content != "Hello" {
		t.Errorf("unexpected user message: %+v", f.model.gotMsgs[1])
	}

	stored := f.sessions.Get("c1")
	if len(stored) != 2 {
		t.Fatalf("expected 2 committed messages, got %d", len(stored))
	}
	if stored[1].Content != "Hi there" {
		t.Errorf("unexpected assistant commit: %q", stored[1].Content)
	}
}

func TestRun_SummarizationTrim(t *testing.T) {
	f := newFixture(t, &fakeModel{tokens: []string{"ok"}})
	for i := 0; i < 17; i++ {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		f.sessions.Append("c1", chat.Message{Role: role, Content: "prior"})
	}

	if _, err := collectTokens(t, f, Turn{ChatID: "c1", Prompt: "new turn"}); err != nil {
		t.Fatal(err)
	}

	if got := f.sessions.Len("c1"); got != 10 {
		t.Fatalf("expected 8 kept + 2 new = 10 messages, got %d", got)
	}
	if len(f.summarize.gotBatch) != 9 {
		t.Fatalf("expected the oldest 9 messages summarized, got %d", len(f.summarize.gotBatch))
	}
	if got := f.summaries.Load("c1"); got == "" {
		t.Fatal("expected a non-empty merged digest")
	}
}

func TestRun_DigestInjectedAsContext(t *testing.T) {
	f := newFixture(t, &fakeModel{tokens: []string{"ok"}})
	f.summaries.Save("c1", "knows the user is a gardener", 1.0)

	if _, err := collectTokens(t, f, Turn{ChatID: "c1", Prompt: "hi"}); err != nil {
		t.Fatal(err)
	}

	if len(f.model.gotMsgs) != 3 {
		t.Fatalf("expected persona + digest + user, got %d", len(f.model.gotMsgs))
	}
	if f.model.gotMsgs[1].Role != chat.RoleSystem ||
		!strings.Contains(f.model.gotMsgs[1].Content, "knows the user is a gardener") {
		t.Errorf("unexpected digest message: %+v", f.model.gotMsgs[1])
	}
}

func TestRun_IdentityKeyedDigest(t *testing.T) {
	f := newFixture(t, &fakeModel{tokens: []string{"ok"}})
	f.asm.resolver = &fakeResolver{owner: "user-42"}
	for i := 0; i < 17; i++ {
		f.sessions.Append("c1", chat.Message{Role: chat.RoleUser, Content: "prior"})
	}

	if _, err := collectTokens(t, f, Turn{ChatID: "c1", Prompt: "go"}); err != nil {
		t.Fatal(err)
	}

	if got := f.summaries.Load("user-42"); got == "" {
		t.Fatal("expected digest stored under the owning identity")
	}
	if got := f.summaries.Load("c1"); got != "" {
		t.Fatalf("digest must not be stored under the chat key, got %q", got)
	}
}

func TestRun_NoInput(t *testing.T) {
	f := newFixture(t, &fakeModel{tokens: []string{"ok"}})

	_, err := collectTokens(t, f, Turn{ChatID: "c1", Prompt: "   "})
	if !errors.Is(err, ErrNoInput) {
		t.Fatalf("expected ErrNoInput, got %v", err)
	}
}

func TestRun_EmptyStreamNotCommitted(t *testing.T) {
	f := newFixture(t, &fakeModel{})

	_, err := collectTokens(t, f, Turn{ChatID: "c1", Prompt: "hello"})
	if !errors.Is(err, ErrEmptyOutput) {
		t.Fatalf("expected ErrEmptyOutput, got %v", err)
	}
	if f.sessions.Len("c1") != 0 {
		t.Error("nothing may be committed for an empty stream")
	}
}

func TestRun_ClientCancelNotCommitted(t *testing.T) {
	f := newFixture(t, &fakeModel{tokens: []string{"partial", " output"}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tokens []string
	err := f.asm.Run(ctx, Turn{ChatID: "c1", Prompt: "hello"}, func(token string) error {
		tokens = append(tokens, token)
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(tokens) == 0 {
		t.Fatal("expected at least one token before cancellation")
	}
	if f.sessions.Len("c1") != 0 {
		t.Error("a cancelled turn must not commit partial output")
	}
	if _, ok := f.images.Latest("c1"); ok {
		t.Error("a cancelled turn must not cache images")
	}
}

func TestRun_ModelErrorNotCommitted(t *testing.T) {
	f := newFixture(t, &fakeModel{err: errors.New("backend exploded")})

	_, err := collectTokens(t, f, Turn{ChatID: "c1", Prompt: "hello"})
	if err == nil || !strings.Contains(err.Error(), "backend exploded") {
		t.Fatalf("expected backend error, got %v", err)
	}
	if f.sessions.Len("c1") != 0 {
		t.Error("nothing may be committed after a backend failure")
	}
}

func TestRun_StripsReasoningBeforeCommit(t *testing.T) {
	f := newFixture(t, &fakeModel{tokens: []string{"<think>step one\nstep two</think>", "The answer is 4."}})

	tokens, err := collectTokens(t, f, Turn{ChatID: "c1", Prompt: "2+2?"})
	if err != nil {
		t.Fatal(err)
	}
	// Raw tokens still flow to the caller untouched.
	if len(tokens) != 2 {
		t.Fatalf("expected raw tokens forwarded, got %v", tokens)
	}

	stored := f.sessions.Get("c1")
	if stored[1].Content != "The answer is 4." {
		t.Fatalf("expected reasoning stripped from commit, got %q", stored[1].Content)
	}
}

func TestRun_OnlyReasoningOutputNotCommitted(t *testing.T) {
	f := newFixture(t, &fakeModel{tokens: []string{"<think>nothing useful</think>"}})

	if _, err := collectTokens(t, f, Turn{ChatID: "c1", Prompt: "hm"}); err != nil {
		t.Fatal(err)
	}
	if f.sessions.Len("c1") != 0 {
		t.Error("a fully-stripped response must not be committed")
	}
}

func TestRun_UnknownModelFallsBack(t *testing.T) {
	f := newFixture(t, &fakeModel{tokens: []string{"ok"}})

	if _, err := collectTokens(t, f, Turn{ChatID: "c1", Prompt: "hi", Model: "gpt-9000"}); err != nil {
		t.Fatal(err)
	}
	if f.model.gotModel != "llava:latest" {
		t.Fatalf("expected default model, got %q", f.model.gotModel)
	}
}

func TestRun_AttachedImageCommitted(t *testing.T) {
	f := newFixture(t, &fakeModel{tokens: []string{"a cat"}})

	if _, err := collectTokens(t, f, Turn{ChatID: "c1", Prompt: "what is this", Image: "aW1n", Model: "llava:latest"}); err != nil {
		t.Fatal(err)
	}

	if msgs := f.model.gotMsgs; len(msgs[len(msgs)-1].Images) != 1 {
		t.Error("expected attached image on the outbound user message")
	}
	if latest, ok := f.images.Latest("c1"); !ok || latest != "aW1n" {
		t.Errorf("expected image cached after commit, got %q ok=%t", latest, ok)
	}
}

func TestRun_CachedImageReusedForVisionModel(t *testing.T) {
	f := newFixture(t, &fakeModel{tokens: []string{"still a cat"}})
	f.images.Store("c1", "cached-img")

	if _, err := collectTokens(t, f, Turn{ChatID: "c1", Prompt: "and now?", Model: "bakllava:latest"}); err != nil {
		t.Fatal(err)
	}

	userMsg := f.model.gotMsgs[len(f.model.gotMsgs)-1]
	if len(userMsg.Images) != 1 || userMsg.Images[0] != "cached-img" {
		t.Fatalf("expected cached image reused, got %+v", userMsg.Images)
	}
	// Reuse must not re-store the image.
	if got := f.images.Recent("c1"); len(got) != 1 {
		t.Errorf("expected cache unchanged, got %v", got)
	}
}

func TestRun_CachedImageNotReusedForTextModel(t *testing.T) {
	f := newFixture(t, &fakeModel{tokens: []string{"text only"}})
	f.images.Store("c1", "cached-img")

	if _, err := collectTokens(t, f, Turn{ChatID: "c1", Prompt: "hello", Model: "deepseek-r1:latest"}); err != nil {
		t.Fatal(err)
	}

	userMsg := f.model.gotMsgs[len(f.model.gotMsgs)-1]
	if len(userMsg.Images) != 0 {
		t.Fatalf("text-only model must not receive cached images, got %+v", userMsg.Images)
	}
}

func TestRun_VoiceModePersona(t *testing.T) {
	f := newFixture(t, &fakeModel{tokens: []string{"ok"}})

	if _, err := collectTokens(t, f, Turn{ChatID: "c1", Prompt: "hi", VoiceMode: true}); err != nil {
		t.Fatal(err)
	}
	if f.model.gotMsgs[0].Content != "voice persona" {
		t.Fatalf("expected voice persona, got %q", f.model.gotMsgs[0].Content)
	}
}

func TestRun_EmitsLifecycleEvents(t *testing.T) {
	f := newFixture(t, &fakeModel{tokens: []string{"ok"}})
	var types []string
	f.asm.LogEvent = func(eventType string, payload map[string]any) {
		types = append(types, eventType)
	}
	for i := 0; i < 17; i++ {
		f.sessions.Append("c1", chat.Message{Role: chat.RoleUser, Content: "prior"})
	}

	if _, err := collectTokens(t, f, Turn{ChatID: "c1", Prompt: "go"}); err != nil {
		t.Fatal(err)
	}

	want := []string{db.EventTurnStarted, db.EventSummaryCreated, db.EventTurnCompleted}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}
}

func TestRun_WindowBoundsOutboundHistory(t *testing.T) {
	f := newFixture(t, &fakeModel{tokens: []string{"ok"}})
	f.asm.cfg.SummarizeThreshold = 100 // keep summarization out of the way
	for i := 0; i < 40; i++ {
		f.sessions.Append("c1", chat.Message{Role: chat.RoleUser, Content: "prior"})
	}

	if _, err := collectTokens(t, f, Turn{ChatID: "c1", Prompt: "now"}); err != nil {
		t.Fatal(err)
	}

	// persona + 20 windowed + user
	if len(f.model.gotMsgs) != 22 {
		t.Fatalf("expected 22 outbound messages, got %d", len(f.model.gotMsgs))
	}
}
