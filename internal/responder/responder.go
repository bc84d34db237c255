// Package responder generates the companion's reply to a patient utterance.
//
// [Responder] is the narrow contract the turn-taking engine depends on.
// [LLMResponder] implements it on top of any [llm.Provider]: it keeps a
// rolling per-session history, injects the latest emotion context into the
// system prompt and offers the model a flag_crisis tool so that generation
// itself can escalate to crisis handling.
package responder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/attune/pkg/provider/emotion"
	"github.com/MrWong99/attune/pkg/provider/llm"
)

// ErrEmptyResponse is returned when the model produced neither text nor a
// crisis flag.
var ErrEmptyResponse = errors.New("responder: empty response")

// Request is one utterance to answer.
type Request struct {
	Utterance string
	SessionID string

	// Emotion is the latest affect sample, if any.
	Emotion *emotion.Sample
}

// Response is the generated reply.
type Response struct {
	Message string

	// Crisis is set when generation judged the utterance to require crisis
	// handling.
	Crisis bool

	Metadata map[string]string
}

// Responder produces replies. Implementations must be safe for concurrent
// use and return promptly when ctx is cancelled.
type Responder interface {
	Respond(ctx context.Context, req Request) (*Response, error)
}

const (
	// CrisisTool is the tool name offered to the model.
	CrisisTool = "flag_crisis"

	// crisisMarker prefixes replies from models without tool support.
	crisisMarker = "[CRISIS]"

	defaultHistory = 20
)

// DefaultSystemPrompt frames the companion.
const DefaultSystemPrompt = `You are a calm, supportive voice companion. Keep replies short (one to three sentences), spoken-language friendly, and free of lists or markup. Reflect the user's feelings before offering anything else. You are not a therapist and never give medical advice.`

var crisisToolDef = llm.ToolDefinition{
	Name:        CrisisTool,
	Description: "Call this when the user expresses intent to harm themselves or others, or is in acute danger. A human-reviewed safety response takes over.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{"type": "string", "description": "Short reason for the flag."},
		},
		"required": []string{"reason"},
	},
}

// Option configures an [LLMResponder].
type Option func(*LLMResponder)

// WithSystemPrompt replaces [DefaultSystemPrompt].
func WithSystemPrompt(p string) Option {
	return func(r *LLMResponder) { r.systemPrompt = p }
}

// WithHistoryLimit bounds the number of history messages kept per session.
func WithHistoryLimit(n int) Option {
	return func(r *LLMResponder) {
		if n > 0 {
			r.historyLimit = n
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(r *LLMResponder) { r.temperature = t }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) Option {
	return func(r *LLMResponder) { r.maxTokens = n }
}

// LLMResponder implements [Responder] with an LLM.
type LLMResponder struct {
	provider     llm.Provider
	systemPrompt string
	historyLimit int
	temperature  float64
	maxTokens    int
	tools        bool

	mu      sync.Mutex
	history map[string][]llm.Message
}

var _ Responder = (*LLMResponder)(nil)

// NewLLM returns a responder backed by p.
func NewLLM(p llm.Provider, opts ...Option) *LLMResponder {
	r := &LLMResponder{
		provider:     p,
		systemPrompt: DefaultSystemPrompt,
		historyLimit: defaultHistory,
		history:      make(map[string][]llm.Message),
	}
	for _, o := range opts {
		o(r)
	}
	r.tools = p.Capabilities().SupportsToolCalling
	return r
}

// Respond implements [Responder]. The exchange is added to the session
// history only when generation succeeds.
func (r *LLMResponder) Respond(ctx context.Context, req Request) (*Response, error) {
	text := strings.TrimSpace(req.Utterance)
	if text == "" {
		return nil, errors.New("responder: empty utterance")
	}

	r.mu.Lock()
	past := r.history[req.SessionID]
	msgs := make([]llm.Message, len(past), len(past)+1)
	copy(msgs, past)
	r.mu.Unlock()
	user := llm.Message{Role: llm.RoleUser, Content: text}
	msgs = append(msgs, user)

	creq := llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: r.prompt(req.Emotion),
		Temperature:  r.temperature,
		MaxTokens:    r.maxTokens,
	}
	if r.tools {
		creq.Tools = []llm.ToolDefinition{crisisToolDef}
	}

	resp, err := r.provider.Complete(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("responder: complete: %w", err)
	}

	out := &Response{Metadata: map[string]string{}}
	out.Message = strings.TrimSpace(resp.Content)
	if rest, ok := strings.CutPrefix(out.Message, crisisMarker); ok {
		out.Crisis = true
		out.Message = strings.TrimSpace(rest)
	}
	for _, tc := range resp.ToolCalls {
		if tc.Name != CrisisTool {
			continue
		}
		out.Crisis = true
		var args struct {
			Reason string `json:"reason"`
		}
		if json.Unmarshal([]byte(tc.Arguments), &args) == nil && args.Reason != "" {
			out.Metadata["crisis_reason"] = args.Reason
		}
	}
	if out.Message == "" && !out.Crisis {
		return nil, ErrEmptyResponse
	}
	if resp.FinishReason != "" {
		out.Metadata["finish_reason"] = resp.FinishReason
	}
	if resp.Usage.TotalTokens > 0 {
		out.Metadata["total_tokens"] = strconv.Itoa(resp.Usage.TotalTokens)
	}

	r.remember(req.SessionID, user, out.Message)
	return out, nil
}

// Forget drops the history of a session.
func (r *LLMResponder) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.history, sessionID)
}

// History returns a copy of a session's history.
func (r *LLMResponder) History(sessionID string) []llm.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]llm.Message(nil), r.history[sessionID]...)
}

func (r *LLMResponder) remember(sessionID string, user llm.Message, reply string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := append(r.history[sessionID], user)
	if reply != "" {
		h = append(h, llm.Message{Role: llm.RoleAssistant, Content: reply})
	}
	if over := len(h) - r.historyLimit; over > 0 {
		h = h[over:]
	}
	r.history[sessionID] = h
}

// prompt appends the emotion context block to the system prompt.
func (r *LLMResponder) prompt(s *emotion.Sample) string {
	var b strings.Builder
	b.WriteString(r.systemPrompt)
	if !r.tools {
		fmt.Fprintf(&b, "\n\nIf the user is in acute danger, begin your reply with %s.", crisisMarker)
	}
	if ctx := FormatEmotion(s); ctx != "" {
		b.WriteString("\n\n")
		b.WriteString(ctx)
	}
	return b.String()
}

// FormatEmotion renders a sample as a short prompt block. It returns "" for
// nil or low-confidence samples.
func FormatEmotion(s *emotion.Sample) string {
	if s == nil || s.Confidence < 0.3 {
		return ""
	}
	n := s.Normalize()
	var b strings.Builder
	b.WriteString("Current emotional state of the user (automated estimate):\n")
	fmt.Fprintf(&b, "- arousal %.2f, valence %.2f (range -1..1)\n", n.Arousal, n.Valence)
	if name, v := n.Dominant(); name != "" {
		fmt.Fprintf(&b, "- dominant emotion: %s (%.2f)\n", name, v)
	}
	fmt.Fprintf(&b, "- confidence %.2f", n.Confidence)
	return b.String()
}
