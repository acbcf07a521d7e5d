package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/viaiv/jarvis/pkg/protocol"
)

const (
	// ToolLimitMessage is streamed when a run exhausts its tool budget.
	ToolLimitMessage = "Atingi o limite de chamadas de ferramenta nesta resposta. Tente simplificar a pergunta."
	// EmptyReplyMessage is streamed when a run produces no answer text.
	EmptyReplyMessage = "Nao foi possivel gerar resposta."
)

// DefaultMaxToolSteps bounds tool invocations per run when the request
// does not set its own limit.
const DefaultMaxToolSteps = 5

// Scripted is a deterministic engine. A message is split on ";" into
// segments; each segment whose first word names a registered tool becomes a
// tool invocation, and the remaining segments become the reply text. The
// last tool output is appended to the reply. This gives reproducible
// streams that exercise the full event vocabulary without a model behind
// them.
type Scripted struct {
	tools map[string]Tool
}

// NewScripted builds a scripted engine over the given tools, defaulting to
// the builtin registry.
func NewScripted(tools ...Tool) *Scripted {
	if len(tools) == 0 {
		tools = BuiltinTools()
	}
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}
	return &Scripted{tools: byName}
}

type toolCall struct {
	tool  Tool
	input string
}

func (e *Scripted) Run(ctx context.Context, req Request, sink Sink) error {
	maxSteps := req.MaxToolSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxToolSteps
	}

	calls, replyParts := e.plan(req.Message)

	if len(calls) > maxSteps {
		log.Warn().
			Str("component", "engine").
			Str("thread_id", req.ThreadID).
			Int("calls", len(calls)).
			Int("max", maxSteps).
			Msg("tool budget exceeded")
		return streamText(ctx, sink, ToolLimitMessage)
	}

	lastOutput := ""
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return err
		}
		callID := uuid.NewString()
		if err := sink.Emit(protocol.ToolStart{Name: call.tool.Name(), CallID: callID}); err != nil {
			return err
		}
		output, err := call.tool.Call(ctx, call.input)
		if err != nil {
			// tool failures go back to the conversation as text
			output = "Erro na ferramenta " + call.tool.Name() + ": " + err.Error()
		}
		if err := sink.Emit(protocol.ToolEnd{CallID: callID, Output: output}); err != nil {
			return err
		}
		lastOutput = output
	}

	reply := strings.Join(replyParts, " ")
	if lastOutput != "" {
		if reply != "" {
			reply += " "
		}
		reply += lastOutput
	}
	if strings.TrimSpace(reply) == "" {
		reply = EmptyReplyMessage
	}
	return streamText(ctx, sink, reply)
}

// plan splits the message into tool calls and plain reply segments.
func (e *Scripted) plan(message string) ([]toolCall, []string) {
	var calls []toolCall
	var replyParts []string
	for _, segment := range strings.Split(message, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		name, input, _ := strings.Cut(segment, " ")
		if tool, ok := e.tools[name]; ok {
			calls = append(calls, toolCall{tool: tool, input: strings.TrimSpace(input)})
			continue
		}
		replyParts = append(replyParts, segment)
	}
	return calls, replyParts
}

// streamText emits text word by word, preserving single spaces between
// tokens.
func streamText(ctx context.Context, sink Sink, text string) error {
	words := strings.Fields(text)
	for i, word := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		content := word
		if i < len(words)-1 {
			content += " "
		}
		if err := sink.Emit(protocol.Token{Content: content}); err != nil {
			return err
		}
	}
	return nil
}
