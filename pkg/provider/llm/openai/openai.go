// Package openai provides an LLM provider backed by the OpenAI chat
// completions API (and any server speaking the same protocol).
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/attune/pkg/provider/llm"
)

// FinishRefusal is reported as the finish reason when the model declined
// to answer. Content then holds the refusal text, if any.
const FinishRefusal = "refusal"

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
	user   string
	caps   llm.Capabilities
}

var _ llm.Provider = (*Provider)(nil)

type settings struct {
	baseURL      string
	organization string
	user         string
	timeout      time.Duration
	maxRetries   int
}

// Option is a functional option for Provider.
type Option func(*settings)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(s *settings) { s.organization = org }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithUser sends an opaque end-user identifier with every request, which
// OpenAI uses for abuse monitoring. Pass a pseudonym, never a patient name.
func WithUser(id string) Option {
	return func(s *settings) { s.user = id }
}

// WithMaxRetries enables the SDK's own retries. The default is none: the
// conversation engine applies its generation retry policy around Complete.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// New constructs a new OpenAI LLM Provider.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	var s settings
	for _, o := range opts {
		o(&s)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(s.maxRetries),
	}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(s.organization))
	}
	if s.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: s.timeout}))
	}
	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		user:   s.user,
		caps:   modelCapabilities(model),
	}, nil
}

// Complete implements llm.Provider. Tool calls are requested one at a time.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	params, err := p.params(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty choices in response")
	}

	msg := resp.Choices[0].Message
	out := &llm.CompletionResponse{
		Content:      msg.Content,
		FinishReason: resp.Choices[0].FinishReason,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	if msg.Refusal != "" {
		out.Content = msg.Refusal
		out.FinishReason = FinishRefusal
		return out, nil
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities { return p.caps }

// capabilityRules are matched in order against the lower-cased model name;
// the first matching prefix wins.
var capabilityRules = []struct {
	prefix string
	caps   llm.Capabilities
}{
	{"gpt-4.1", llm.Capabilities{ContextWindow: 1_047_576, MaxOutputTokens: 32_768, SupportsToolCalling: true}},
	{"gpt-4o", llm.Capabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsToolCalling: true}},
	{"gpt-4", llm.Capabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096, SupportsToolCalling: true}},
	{"gpt-3.5-turbo", llm.Capabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096, SupportsToolCalling: true}},
	{"o1-mini", llm.Capabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536}},
	{"o1", llm.Capabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true}},
	{"o3", llm.Capabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true}},
	{"o4", llm.Capabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true}},
}

// modelCapabilities looks model up in capabilityRules. Unknown models,
// typically served by compatible local servers, get a conservative
// tool-capable default.
func modelCapabilities(model string) llm.Capabilities {
	lower := strings.ToLower(model)
	for _, r := range capabilityRules {
		if strings.HasPrefix(lower, r.prefix) {
			return r.caps
		}
	}
	return llm.Capabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsToolCalling: true}
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if p.user != "" {
		params.User = param.NewOpt(p.user)
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 && p.caps.SupportsToolCalling {
		params.ParallelToolCalls = param.NewOpt(false)
		for _, td := range req.Tools {
			params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        td.Name,
					Description: param.NewOpt(td.Description),
					Parameters:  shared.FunctionParameters(td.Parameters),
				},
			})
		}
	}
	return params, nil
}

// convertMessage maps an llm.Message onto the SDK's message union.
func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil
	case llm.RoleAssistant:
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}

	var asst oai.ChatCompletionAssistantMessageParam
	if m.Content != "" {
		asst.Content.OfString = oai.String(m.Content)
	}
	if m.Name != "" {
		asst.Name = oai.String(m.Name)
	}
	for _, tc := range m.ToolCalls {
		asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: oai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
}
