// Package agentloop runs a streaming tool-calling chat turn against an
// OpenAI-compatible model, bounded by the safety guard.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/observability"
	"github.com/omi/listen-server/internal/safety"
)

// Frame is one event sent to the client during a turn.
type Frame struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

// Emit delivers a frame. A non-nil error ends the turn.
type Emit func(Frame) error

// Tool is a function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Run         func(ctx context.Context, uid, args string) (string, error)
}

func (t Tool) definition() openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		},
	}
}

// Streamer opens a chat completion stream. *openai.Client implements it.
type Streamer interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

type Loop struct {
	client    Streamer
	model     string
	tools     map[string]Tool
	estimator safety.Estimator
	metrics   *observability.Metrics
	limits    [2]int
}

func New(client Streamer, model string, tools []Tool, metrics *observability.Metrics) *Loop {
	l := &Loop{
		client:  client,
		model:   model,
		tools:   make(map[string]Tool, len(tools)),
		metrics: metrics,
		limits:  [2]int{safety.DefaultMaxToolCalls, safety.DefaultMaxContextTokens},
	}
	for _, t := range tools {
		l.tools[t.Name] = t
	}
	return l
}

// WithEstimator replaces the tiktoken estimator.
func (l *Loop) WithEstimator(e safety.Estimator) *Loop {
	l.estimator = e
	return l
}

// WithLimits overrides the guard limits.
func (l *Loop) WithLimits(maxToolCalls, maxContextTokens int) *Loop {
	l.limits = [2]int{maxToolCalls, maxContextTokens}
	return l
}

func (l *Loop) definitions() []openai.Tool {
	names := make([]string, 0, len(l.tools))
	for name := range l.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]openai.Tool, 0, len(names))
	for _, name := range names {
		defs = append(defs, l.tools[name].definition())
	}
	return defs
}

// Run plays one turn: it streams the model's text to emit, runs the tools
// it asks for, and repeats until the model answers without tool calls. A
// guard abort is sent as an error frame and returned.
func (l *Loop) Run(ctx context.Context, uid string, messages []openai.ChatCompletionMessage, emit Emit) (string, error) {
	guard := safety.NewGuard(l.estimator).WithLimits(l.limits[0], l.limits[1])
	prior := make([]string, 0, len(messages))
	for _, m := range messages {
		prior = append(prior, m.Content)
	}
	guard.Reset(prior...)

	logger := log.With().Str("component", "agentloop").Str("uid", uid).Logger()
	defs := l.definitions()

	for round := 1; ; round++ {
		text, calls, err := l.stream(ctx, messages, defs, emit)
		if err != nil {
			return "", err
		}
		if len(calls) == 0 {
			logger.Debug().Int("rounds", round).Str("guard", guard.String()).Msg("turn complete")
			return text, nil
		}

		messages = append(messages, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})
		for _, call := range calls {
			warn, err := guard.ToolStart(call.Function.Name, call.Function.Arguments)
			if err != nil {
				return "", l.abort(err, emit)
			}
			if warn != "" {
				if err := emit(Frame{Type: "status", Message: warn}); err != nil {
					return "", err
				}
			}

			output := l.runTool(ctx, uid, call)
			warn, err = guard.ToolEnd(output)
			if err != nil {
				return "", l.abort(err, emit)
			}
			if warn != "" {
				if err := emit(Frame{Type: "status", Message: warn}); err != nil {
					return "", err
				}
			}
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    output,
				ToolCallID: call.ID,
			})
		}
	}
}

func (l *Loop) abort(err error, emit Emit) error {
	l.metrics.RecordSafetyAbort()
	msg := err.Error()
	if appErr, ok := apperrors.AsAppError(err); ok {
		msg = appErr.Message
	}
	if emitErr := emit(Frame{Type: "error", Message: msg}); emitErr != nil {
		log.Debug().Err(emitErr).Msg("send safety abort")
	}
	return err
}

func (l *Loop) runTool(ctx context.Context, uid string, call openai.ToolCall) string {
	tool, ok := l.tools[call.Function.Name]
	if !ok {
		return fmt.Sprintf("unknown tool %q", call.Function.Name)
	}
	out, err := tool.Run(ctx, uid, call.Function.Arguments)
	if err != nil {
		log.Warn().Err(err).Str("tool", call.Function.Name).Msg("tool failed")
		return "error: " + err.Error()
	}
	return out
}

type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// stream runs one completion, forwarding text deltas and collecting tool
// calls by index.
func (l *Loop) stream(ctx context.Context, messages []openai.ChatCompletionMessage, defs []openai.Tool, emit Emit) (string, []openai.ToolCall, error) {
	req := openai.ChatCompletionRequest{
		Model:    l.model,
		Messages: messages,
		Stream:   true,
	}
	if len(defs) > 0 {
		req.Tools = defs
		req.ToolChoice = "auto"
	}
	stream, err := l.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", nil, apperrors.External("openai", err)
	}
	defer stream.Close()

	var (
		content strings.Builder
		byIndex = map[int]*toolCallAccumulator{}
	)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, apperrors.External("openai", fmt.Errorf("recv stream: %w", err))
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if err := emit(Frame{Type: "text", Text: choice.Delta.Content}); err != nil {
					return "", nil, err
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc, ok := byIndex[idx]
				if !ok {
					acc = &toolCallAccumulator{}
					byIndex[idx] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				acc.name += tc.Function.Name
				acc.args.WriteString(tc.Function.Arguments)
			}
		}
	}

	indexes := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	calls := make([]openai.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		acc := byIndex[i]
		calls = append(calls, openai.ToolCall{
			ID:       acc.id,
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: acc.name, Arguments: acc.args.String()},
		})
	}
	return content.String(), calls, nil
}
